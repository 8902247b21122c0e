package tokens

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planepi/internal/llm"
	"planepi/internal/storage"
)

type memStore struct {
	mu      sync.Mutex
	rows    []storage.LLMUsage
	prices  map[string]storage.Pricing
	failing bool
}

func (m *memStore) InsertLLMUsage(_ context.Context, u storage.LLMUsage) (storage.LLMUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return storage.LLMUsage{}, errors.New("db down")
	}
	m.rows = append(m.rows, u)
	return u, nil
}

func (m *memStore) GetPricing(_ context.Context, model string) (storage.Pricing, error) {
	p, ok := m.prices[model]
	if !ok {
		return storage.Pricing{}, storage.ErrNotFound
	}
	return p, nil
}

func TestTrackerPricesServedModel(t *testing.T) {
	store := &memStore{prices: map[string]storage.Pricing{
		"gpt-4.1":      {Model: "gpt-4.1", InputPerMTok: 2, OutputPerMTok: 8},
		"gpt-4.1-mini": {Model: "gpt-4.1-mini", InputPerMTok: 0.4, CachedInputPerMTok: 0.1, OutputPerMTok: 1.6},
	}}
	fake := &llm.Fake{Responses: []llm.Response{{
		Text:  "ok",
		Model: "gpt-4.1-mini",
		Usage: llm.Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000, CachedTokens: 400_000},
	}}}
	tr := Wrap(fake, Config{Store: store, Log: zerolog.Nop()})

	ctx := WithUsage(context.Background(), Tag{Type: TypeChatTurn, ID: "msg-1", UserID: "u1", WorkspaceID: "w1"})
	_, err := tr.Chat(ctx, llm.Request{Model: "gpt-4.1"})
	require.NoError(t, err)

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, "gpt-4.1-mini", row.Model)
	assert.Equal(t, "gpt-4.1", row.RequestedModel)
	assert.True(t, row.ModelVerified)
	assert.Equal(t, "msg-1", row.UsageID)
	require.NotNil(t, row.UserID)
	assert.Equal(t, "u1", *row.UserID)
	// 600k*0.4 + 400k*0.1 + 500k*1.6, per million
	assert.InDelta(t, 0.24+0.04+0.8, row.CostUSD, 1e-9)
}

func TestTrackerFallsBackToRequestedModel(t *testing.T) {
	store := &memStore{prices: map[string]storage.Pricing{"gpt-4.1": {InputPerMTok: 2, OutputPerMTok: 8}}}
	fake := &llm.Fake{Handler: func(req llm.Request) (llm.Response, error) {
		return llm.Response{Text: "ok", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 10}}, nil
	}}
	tr := Wrap(fake, Config{Store: store, Log: zerolog.Nop()})

	_, err := tr.Chat(context.Background(), llm.Request{Model: "gpt-4.1"})
	require.NoError(t, err)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "gpt-4.1", store.rows[0].Model)
	assert.False(t, store.rows[0].ModelVerified)
	assert.Equal(t, TypeChatTurn, store.rows[0].UsageType)
}

func TestTrackerSwallowsStoreFailure(t *testing.T) {
	store := &memStore{failing: true, prices: map[string]storage.Pricing{}}
	fake := &llm.Fake{Responses: []llm.Response{{Text: "answer", Model: "unknown-model"}}}
	tr := Wrap(fake, Config{Store: store, Log: zerolog.Nop()})

	resp, err := tr.Chat(context.Background(), llm.Request{Model: "unknown-model"})
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Text)
}

func TestTrackerDoesNotRecordFailedCalls(t *testing.T) {
	store := &memStore{}
	fake := &llm.Fake{Handler: func(llm.Request) (llm.Response, error) { return llm.Response{}, errors.New("boom") }}
	tr := Wrap(fake, Config{Store: store, Log: zerolog.Nop()})

	_, err := tr.Chat(context.Background(), llm.Request{Model: "m"})
	require.Error(t, err)
	assert.Empty(t, store.rows)
}

func TestCostClampsCachedTokens(t *testing.T) {
	c := Cost(llm.Usage{PromptTokens: 100, CachedTokens: 500}, storage.Pricing{InputPerMTok: 1, CachedInputPerMTok: 0.5})
	assert.False(t, math.IsNaN(c))
	assert.InDelta(t, 100*0.5/1_000_000, c, 1e-12)
}
