package secrets

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.Seal("acme", "plane_api_token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := s.Open("ACME ", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "plane_api_token" {
		t.Fatalf("expected original token, got %q", out)
	}
}

func TestOpenRejectsOtherWorkspace(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.Seal("acme", "token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := s.Open("globex", sealed); !errors.Is(err, ErrWorkspaceMismatch) {
		t.Fatalf("expected ErrWorkspaceMismatch, got %v", err)
	}

	// rewriting the envelope's workspace does not get past the AAD check
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	env.Workspace = "globex"
	forged, _ := json.Marshal(env)
	if _, err := s.Open("globex", string(forged)); err == nil {
		t.Fatalf("expected forged envelope to fail")
	}
}

func TestRotationOpenOldSealNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldSealer, err := NewSealer("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old sealer: %v", err)
	}
	oldSealed, err := oldSealer.Seal("acme", "legacy")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewSealer("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated sealer: %v", err)
	}
	resealed, err := rotated.Reseal("acme", oldSealed)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(resealed), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.KeyID != "new" {
		t.Fatalf("expected resealed under new key, got %q", env.KeyID)
	}
	plain, err := rotated.Open("acme", resealed)
	if err != nil {
		t.Fatalf("open resealed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
