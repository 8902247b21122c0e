package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"planepi/internal/actions"
	"planepi/internal/llm"
)

// Agents a query can be routed to.
const (
	AgentAction    = "action"
	AgentRetrieval = "retrieval"
	AgentGeneral   = "general"
)

// ErrNoRoute means the router produced nothing usable.
var ErrNoRoute = errors.New("router returned no usable route")

type AgentRoute struct {
	Agent    string `json:"agent"`
	Query    string `json:"query"`
	Priority int    `json:"priority"`
}

type CategorySelection struct {
	Category  string `json:"category"`
	Rationale string `json:"rationale"`
}

type Plan struct {
	Agents     []AgentRoute        `json:"agents"`
	Categories []CategorySelection `json:"categories"`
}

func (p Plan) CategoryNames() []string {
	out := make([]string, 0, len(p.Categories))
	for _, c := range p.Categories {
		out = append(out, c.Category)
	}
	return out
}

// Fallback is the plan used when routing fails.
func Fallback(query string) Plan {
	return Plan{Agents: []AgentRoute{{Agent: AgentGeneral, Query: query, Priority: 1}}}
}

type RouteInput struct {
	Query   string
	History []llm.Message
	Mode    string
	Focus   string
}

type Config struct {
	Router  llm.Binding
	Actions llm.Binding
	Log     zerolog.Logger
}

type Planner struct {
	router  llm.Binding
	actions llm.Binding
	log     zerolog.Logger
}

func New(cfg Config) *Planner {
	return &Planner{
		router:  cfg.Router,
		actions: cfg.Actions,
		log:     cfg.Log.With().Str("component", "planner").Logger(),
	}
}

// Route decomposes the query into agent routes and action categories.
func (p *Planner) Route(ctx context.Context, in RouteInput) (Plan, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return Plan{}, ErrNoRoute
	}
	resp, err := p.router.Chat(ctx, llm.Request{
		System:      routerPrompt(),
		Messages:    append(recent(in.History, 6), llm.Message{Role: llm.RoleUser, Content: routerInput(in)}),
		JSONMode:    true,
		Temperature: 0,
		MaxTokens:   600,
	})
	if err != nil {
		return Plan{}, fmt.Errorf("route query: %w", err)
	}
	plan, err := ParsePlan(resp.Text)
	if err != nil {
		p.log.Warn().Err(err).Msg("unparseable routing output")
		return Plan{}, ErrNoRoute
	}
	for i := range plan.Agents {
		if plan.Agents[i].Query == "" {
			plan.Agents[i].Query = query
		}
	}
	if len(plan.Agents) == 0 {
		return Plan{}, ErrNoRoute
	}
	return plan, nil
}

// ParsePlan decodes router output and drops whatever is not routable:
// unknown agents, unknown categories, and an action route left without
// categories.
func ParsePlan(raw string) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal([]byte(extractJSON(raw)), &plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}

	cats := make([]CategorySelection, 0, len(plan.Categories))
	seen := map[string]bool{}
	for _, c := range plan.Categories {
		c.Category = strings.ToLower(strings.TrimSpace(c.Category))
		if !actions.IsCategory(c.Category) || seen[c.Category] {
			continue
		}
		seen[c.Category] = true
		cats = append(cats, c)
	}
	plan.Categories = cats

	agents := make([]AgentRoute, 0, len(plan.Agents))
	for _, a := range plan.Agents {
		a.Agent = strings.ToLower(strings.TrimSpace(a.Agent))
		a.Query = strings.TrimSpace(a.Query)
		switch a.Agent {
		case AgentAction:
			if len(cats) == 0 {
				continue
			}
		case AgentRetrieval, AgentGeneral:
		default:
			continue
		}
		agents = append(agents, a)
	}
	sort.SliceStable(agents, func(i, j int) bool { return agents[i].Priority < agents[j].Priority })
	plan.Agents = agents
	return plan, nil
}

// extractJSON trims code fences and prose around the first JSON object.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func routerPrompt() string {
	return strings.Join([]string{
		"You route messages for an assistant inside a project management workspace.",
		"Agents:",
		"- action: the user wants to create, change, delete or link workspace entities",
		"- retrieval: the user asks about existing workspace data",
		"- general: anything that needs no workspace data",
		"A message may need several agents; split it into one sub-query per agent and rank by priority (1 first).",
		"For the action agent also pick the categories involved from: " + strings.Join(actions.Categories(), ", ") + ".",
		`Return ONLY JSON: {"agents":[{"agent":"...","query":"...","priority":1}],"categories":[{"category":"...","rationale":"..."}]}`,
	}, "\n")
}

func routerInput(in RouteInput) string {
	var b strings.Builder
	if in.Focus != "" {
		b.WriteString("FOCUS: " + in.Focus + "\n")
	}
	if in.Mode != "" {
		b.WriteString("MODE: " + in.Mode + "\n")
	}
	b.WriteString("USER_MESSAGE:\n")
	b.WriteString(strings.TrimSpace(in.Query))
	return b.String()
}

// recent keeps the last n plain user/assistant turns.
func recent(history []llm.Message, n int) []llm.Message {
	out := make([]llm.Message, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		m := history[i]
		if (m.Role == llm.RoleUser || m.Role == llm.RoleAssistant) && len(m.ToolCalls) == 0 && m.Content != "" {
			out = append(out, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
