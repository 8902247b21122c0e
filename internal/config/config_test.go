package config

import (
	"errors"
	"testing"
)

const testKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PLANE_API_URL", "https://api.plane.test/")
	t.Setenv("SECRET_KEY_B64", testKey)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Mode != ModeAll {
		t.Fatalf("expected mode ALL, got %q", cfg.App.Mode)
	}
	if cfg.Plane.APIURL != "https://api.plane.test" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Plane.APIURL)
	}
	if cfg.Secrets.CurrentKeyID != "default" || len(cfg.Secrets.Keys["default"]) != 32 {
		t.Fatalf("unexpected secrets config: %+v", cfg.Secrets.CurrentKeyID)
	}
	if cfg.TelegramEnabled() {
		t.Fatalf("expected telegram disabled without a token")
	}
}

func TestLoadRequiresPlaneAPI(t *testing.T) {
	t.Setenv("PLANE_API_URL", "")
	t.Setenv("SECRET_KEY_B64", testKey)

	if _, err := Load(); !errors.Is(err, ErrMissingPlaneAPIURL) {
		t.Fatalf("expected ErrMissingPlaneAPIURL, got %v", err)
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Setenv("PLANE_API_URL", "https://api.plane.test")
	t.Setenv("SECRET_KEY_B64", testKey)
	t.Setenv("APP_MODE", "webhook")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}
