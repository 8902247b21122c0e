package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"planepi/internal/config"
	"planepi/internal/llm"
	"planepi/internal/llm/anthropic"
	"planepi/internal/llm/openai"
	"planepi/internal/llm/openaicompat"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

func Build(opts BuildOptions) (llm.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "openai":
		return openai.New(openai.Config{APIKey: opts.APIKey, BaseURL: opts.BaseURL, HTTPClient: opts.HTTPClient}), nil

	case "anthropic", "claude":
		return anthropic.New(anthropic.Config{APIKey: opts.APIKey, BaseURL: opts.BaseURL, HTTPClient: opts.HTTPClient}), nil

	case "groq", "openai_compat", "openai-compatible":
		return openaicompat.New(openaicompat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

// BuildSet constructs one provider per configured kind and binds each role to
// it. A role whose provider has no credentials stays unconfigured.
func BuildSet(cfg config.LLMConfig, httpCfg config.HTTPConfig) (llm.Set, error) {
	client := &http.Client{Timeout: 2 * httpCfg.ClientTimeout}
	built := map[string]llm.Provider{}

	provider := func(kind string) (llm.Provider, error) {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if p, ok := built[kind]; ok {
			return p, nil
		}
		opts := BuildOptions{Kind: kind, HTTPClient: client, MaxRetries: httpCfg.MaxRetries, BackoffBase: httpCfg.BackoffBase}
		switch kind {
		case "openai":
			opts.APIKey = cfg.OpenAIKey
		case "anthropic", "claude":
			opts.APIKey = cfg.AnthropicKey
		case "groq":
			opts.APIKey, opts.BaseURL = cfg.GroqKey, cfg.GroqBaseURL
		case "openai_compat", "openai-compatible":
			opts.APIKey, opts.BaseURL = cfg.CompatKey, cfg.CompatBaseURL
			if opts.BaseURL == "" {
				return nil, nil
			}
		}
		if opts.APIKey == "" && kind != "openai_compat" && kind != "openai-compatible" {
			return nil, nil
		}
		p, err := Build(opts)
		if err != nil {
			return nil, err
		}
		built[kind] = p
		return p, nil
	}

	bind := func(kind, model string) (llm.Binding, error) {
		p, err := provider(kind)
		if err != nil {
			return llm.Binding{}, err
		}
		if p == nil {
			return llm.Binding{}, nil
		}
		return llm.Binding{Provider: p, Model: model}, nil
	}

	var set llm.Set
	var err error
	if set.Chat, err = bind(cfg.ChatProvider, cfg.ChatModel); err != nil {
		return llm.Set{}, fmt.Errorf("chat provider: %w", err)
	}
	if set.Router, err = bind(cfg.RouterProvider, cfg.RouterModel); err != nil {
		return llm.Set{}, fmt.Errorf("router provider: %w", err)
	}
	if set.Title, err = bind(cfg.TitleProvider, cfg.TitleModel); err != nil {
		return llm.Set{}, fmt.Errorf("title provider: %w", err)
	}
	if set.Dupes, err = bind(cfg.DupesProvider, cfg.DupesModel); err != nil {
		return llm.Set{}, fmt.Errorf("dupes provider: %w", err)
	}
	// router and title calls fall back to the chat model when their own
	// provider has no credentials
	if !set.Router.Configured() {
		set.Router = set.Chat
	}
	if !set.Title.Configured() {
		set.Title = set.Chat
	}
	if !set.Dupes.Configured() {
		set.Dupes = set.Chat
	}
	return set, nil
}
