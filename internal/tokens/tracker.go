package tokens

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"planepi/internal/llm"
	"planepi/internal/metrics"
	"planepi/internal/storage"
)

// Usage types recorded on llm_usage rows.
const (
	TypeChatTurn   = "chat_turn"
	TypeRouting    = "routing"
	TypeTitle      = "title"
	TypeDuplicates = "duplicates"
)

type Tag struct {
	Type        string
	ID          string
	UserID      string
	WorkspaceID string
}

type tagKey struct{}

// WithUsage tags every LLM call made with ctx.
func WithUsage(ctx context.Context, tag Tag) context.Context {
	return context.WithValue(ctx, tagKey{}, tag)
}

func TagFrom(ctx context.Context) (Tag, bool) {
	tag, ok := ctx.Value(tagKey{}).(Tag)
	return tag, ok
}

type Store interface {
	InsertLLMUsage(ctx context.Context, u storage.LLMUsage) (storage.LLMUsage, error)
	GetPricing(ctx context.Context, model string) (storage.Pricing, error)
}

type Config struct {
	Store        Store
	Log          zerolog.Logger
	WriteTimeout time.Duration
}

// Tracker wraps a provider and records one usage row per call.
type Tracker struct {
	next  llm.Provider
	store Store
	log   zerolog.Logger
	wait  time.Duration
}

func Wrap(next llm.Provider, cfg Config) *Tracker {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	return &Tracker{
		next:  next,
		store: cfg.Store,
		log:   cfg.Log.With().Str("component", "tokens").Logger(),
		wait:  cfg.WriteTimeout,
	}
}

var _ llm.Provider = (*Tracker)(nil)

func (t *Tracker) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	resp, err := t.next.Chat(ctx, req)
	if err != nil {
		return resp, err
	}
	t.Record(ctx, req.Model, resp)
	return resp, nil
}

// Record persists usage for a finished call. It never fails the caller.
func (t *Tracker) Record(ctx context.Context, requestedModel string, resp llm.Response) {
	if t.store == nil {
		return
	}
	tag, _ := TagFrom(ctx)
	if tag.Type == "" {
		tag.Type = TypeChatTurn
	}

	model, verified := ServedModel(requestedModel, resp)
	row := storage.LLMUsage{
		UsageType:        tag.Type,
		UsageID:          tag.ID,
		RequestedModel:   requestedModel,
		Model:            model,
		ModelVerified:    verified,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CachedTokens:     resp.Usage.CachedTokens,
	}
	if tag.UserID != "" {
		row.UserID = &tag.UserID
	}
	if tag.WorkspaceID != "" {
		row.WorkspaceID = &tag.WorkspaceID
	}

	// the write must outlive a cancelled request context
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.wait)
	defer cancel()

	price, err := t.store.GetPricing(wctx, model)
	switch {
	case err == nil:
		row.CostUSD = Cost(resp.Usage, price)
	case errors.Is(err, storage.ErrNotFound):
		t.log.Warn().Str("model", model).Msg("no pricing row for model, recording zero cost")
	default:
		t.log.Warn().Err(err).Str("model", model).Msg("pricing lookup failed")
	}

	if _, err := t.store.InsertLLMUsage(wctx, row); err != nil {
		t.log.Warn().Err(err).Str("usage_type", row.UsageType).Str("model", model).Msg("record llm usage failed")
		return
	}

	m := metrics.Global()
	m.LLMTokens.WithLabelValues(model, "prompt").Add(float64(row.PromptTokens))
	m.LLMTokens.WithLabelValues(model, "completion").Add(float64(row.CompletionTokens))
	m.LLMTokens.WithLabelValues(model, "cached").Add(float64(row.CachedTokens))
	m.LLMCostUSD.WithLabelValues(model).Add(row.CostUSD)
}

// ServedModel picks the model to price: the one the provider reports, or the
// requested one (unverified) when the response carries none.
func ServedModel(requested string, resp llm.Response) (string, bool) {
	if served := strings.TrimSpace(resp.Model); served != "" {
		return served, true
	}
	return strings.TrimSpace(requested), false
}

// Cost prices cached prompt tokens at the cached rate and the rest at the
// input rate. Prices are per million tokens.
func Cost(u llm.Usage, p storage.Pricing) float64 {
	cached := u.CachedTokens
	if cached > u.PromptTokens {
		cached = u.PromptTokens
	}
	cachedRate := p.CachedInputPerMTok
	if cachedRate == 0 {
		cachedRate = p.InputPerMTok
	}
	uncached := u.PromptTokens - cached
	return (float64(uncached)*p.InputPerMTok + float64(cached)*cachedRate + float64(u.CompletionTokens)*p.OutputPerMTok) / 1_000_000
}
