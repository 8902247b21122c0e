package features

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"planepi/internal/config"
	"planepi/internal/metrics"
)

const (
	PIChat          = "PI_CHAT"
	PIConverse      = "PI_CONVERSE"
	PIFileUploads   = "PI_FILE_UPLOADS"
	PIBuild         = "PI_BUILD"
	PITranscription = "PI_TRANSCRIPTION"
)

// Keys lists every feature the gate reports.
var Keys = []string{PIChat, PIConverse, PIFileUploads, PIBuild, PITranscription}

// Dependents are forced off when their parent is off. One level only.
var Dependents = map[string][]string{
	PIChat: {PIConverse, PIFileUploads},
}

// Env is what this deployment has configured.
type Env struct {
	OpenAIOrClaude bool
	Groq           bool
	Uploads        bool
	Transcription  bool
}

func EnvFromConfig(cfg *config.Config) Env {
	return Env{
		OpenAIOrClaude: cfg.LLM.OpenAIKey != "" || cfg.LLM.AnthropicKey != "",
		Groq:           cfg.LLM.GroqKey != "",
		Uploads:        cfg.Features.UploadsReady,
		Transcription:  cfg.Features.TranscriptionKey != "",
	}
}

// Ready reports env readiness per feature key.
func (e Env) Ready() map[string]bool {
	return map[string]bool{
		PIChat:          e.OpenAIOrClaude,
		PIConverse:      e.Groq,
		PIFileUploads:   e.Uploads,
		PIBuild:         e.OpenAIOrClaude,
		PITranscription: e.Transcription,
	}
}

type Config struct {
	Env        Env
	ServerURL  string
	LicenseKey string
	HTTPClient *http.Client
	Redis      *redis.Client
	CacheTTL   time.Duration
	Log        zerolog.Logger
}

type Gate struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Gate {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return &Gate{cfg: cfg, log: cfg.Log.With().Str("component", "features").Logger()}
}

// Availability computes the feature map for (workspace, user):
// available = env ready AND (no flag server OR remote flag on), then the
// dependency cascade.
func (g *Gate) Availability(ctx context.Context, workspaceSlug, userID string) map[string]bool {
	out := g.cfg.Env.Ready()
	if g.cfg.ServerURL != "" {
		remote := g.remote(ctx, workspaceSlug, userID)
		for k := range out {
			out[k] = out[k] && remote[k]
		}
	}
	return Cascade(out)
}

func (g *Gate) Enabled(ctx context.Context, workspaceSlug, userID, key string) bool {
	return g.Availability(ctx, workspaceSlug, userID)[key]
}

// Cascade disables the dependents of every disabled parent.
func Cascade(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	for parent, children := range Dependents {
		if out[parent] {
			continue
		}
		for _, c := range children {
			if _, ok := out[c]; ok {
				out[c] = false
			}
		}
	}
	return out
}

func cacheKey(workspaceSlug, userID string) string {
	return fmt.Sprintf("pi:flags:%s:%s", workspaceSlug, userID)
}

// remote fetches every flag concurrently. A flag whose lookup fails counts
// as off, and a result with failures is not cached.
func (g *Gate) remote(ctx context.Context, workspaceSlug, userID string) map[string]bool {
	if cached, ok := g.cached(ctx, workspaceSlug, userID); ok {
		return cached
	}

	values := make([]bool, len(Keys))
	failed := make([]bool, len(Keys))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, key := range Keys {
		eg.Go(func() error {
			on, err := g.fetch(egCtx, workspaceSlug, userID, key)
			if err != nil {
				metrics.Global().FlagFailures.Inc()
				g.log.Warn().Err(err).Str("flag", key).Str("workspace", workspaceSlug).Msg("feature flag lookup failed")
				failed[i] = true
				return nil
			}
			values[i] = on
			return nil
		})
	}
	_ = eg.Wait()

	out := make(map[string]bool, len(Keys))
	complete := true
	for i, key := range Keys {
		out[key] = values[i]
		complete = complete && !failed[i]
	}
	if complete {
		g.store(ctx, workspaceSlug, userID, out)
	}
	return out
}

type flagRequest struct {
	WorkspaceSlug string `json:"workspace_slug"`
	UserID        string `json:"user_id"`
	FlagKey       string `json:"flag_key"`
}

type flagResponse struct {
	Values map[string]bool `json:"values"`
}

func (g *Gate) fetch(ctx context.Context, workspaceSlug, userID, key string) (bool, error) {
	payload, err := json.Marshal(flagRequest{WorkspaceSlug: workspaceSlug, UserID: userID, FlagKey: key})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.ServerURL+"/api/feature-flags/", bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("build flag request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.LicenseKey != "" {
		req.Header.Set("x-api-key", g.cfg.LicenseKey)
	}
	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("flag request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("read flag response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("flag server status %d", resp.StatusCode)
	}
	var body flagResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return false, fmt.Errorf("decode flag response: %w", err)
	}
	return body.Values[key], nil
}

func (g *Gate) cached(ctx context.Context, workspaceSlug, userID string) (map[string]bool, bool) {
	if g.cfg.Redis == nil || g.cfg.CacheTTL <= 0 {
		return nil, false
	}
	raw, err := g.cfg.Redis.Get(ctx, cacheKey(workspaceSlug, userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			g.log.Debug().Err(err).Msg("flag cache read failed")
		}
		return nil, false
	}
	var out map[string]bool
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (g *Gate) store(ctx context.Context, workspaceSlug, userID string, values map[string]bool) {
	if g.cfg.Redis == nil || g.cfg.CacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return
	}
	if err := g.cfg.Redis.Set(ctx, cacheKey(workspaceSlug, userID), raw, g.cfg.CacheTTL).Err(); err != nil {
		g.log.Debug().Err(err).Msg("flag cache write failed")
	}
}

// Invalidate drops the cached flags for (workspace, user).
func (g *Gate) Invalidate(ctx context.Context, workspaceSlug, userID string) error {
	if g.cfg.Redis == nil {
		return nil
	}
	return g.cfg.Redis.Del(ctx, cacheKey(workspaceSlug, userID)).Err()
}
