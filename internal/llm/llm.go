package llm

import (
	"context"
	"errors"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var ErrNoProvider = errors.New("llm provider not configured")

type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Tool is a function the model may call. Parameters is a JSON schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
}

// Response carries the model id reported by the provider, which may differ
// from the requested one.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Model     string
	Usage     Usage
}

type Provider interface {
	Chat(ctx context.Context, req Request) (Response, error)
}

// Binding pins a provider to the model it serves for one role.
type Binding struct {
	Provider Provider
	Model    string
}

func (b Binding) Chat(ctx context.Context, req Request) (Response, error) {
	if b.Provider == nil {
		return Response{}, ErrNoProvider
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = b.Model
	}
	return b.Provider.Chat(ctx, req)
}

func (b Binding) Configured() bool {
	return b.Provider != nil
}

// Set holds the providers built once at startup, one per role.
type Set struct {
	Chat   Binding
	Router Binding
	Title  Binding
	Dupes  Binding
}

// Map applies wrap to every configured binding, used to layer token tracking.
func (s Set) Map(wrap func(role string, p Provider) Provider) Set {
	apply := func(role string, b Binding) Binding {
		if b.Provider == nil {
			return b
		}
		return Binding{Provider: wrap(role, b.Provider), Model: b.Model}
	}
	return Set{
		Chat:   apply("chat", s.Chat),
		Router: apply("router", s.Router),
		Title:  apply("title", s.Title),
		Dupes:  apply("dupes", s.Dupes),
	}
}
