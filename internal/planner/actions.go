package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"planepi/internal/actions"
	"planepi/internal/clarify"
	"planepi/internal/llm"
)

// AskUserTool is offered next to the method tools so the model can ask
// instead of guessing between several targets.
const AskUserTool = "ask_user"

type PlannedAction struct {
	CallID  string
	Method  actions.Method
	Args    actions.Args
	Missing []string
}

// Ambiguity is the model's request to let the user pick a target.
type Ambiguity struct {
	Question   string
	Method     actions.Method
	Args       actions.Args
	TargetArg  string
	Candidates []clarify.Candidate
}

type ActionPlan struct {
	Actions   []PlannedAction
	Ambiguity *Ambiguity
	// Reply is the model's text when it called no tool.
	Reply string
}

// Ready returns the actions that have every required argument.
func (p ActionPlan) Ready() []PlannedAction {
	var out []PlannedAction
	for _, a := range p.Actions {
		if len(a.Missing) == 0 {
			out = append(out, a)
		}
	}
	return out
}

type ActionInput struct {
	Query      string
	History    []llm.Message
	Categories []string
	// Context carries focus and known entity ids, rendered into the prompt.
	Context string
	// ReadOnly offers only the read methods, for retrieval.
	ReadOnly bool
}

// PlanActions asks the model for the method calls that carry out the query,
// restricted to the methods of the selected categories.
func (p *Planner) PlanActions(ctx context.Context, in ActionInput) (ActionPlan, error) {
	methods := actions.ForCategories(in.Categories)
	if in.ReadOnly {
		methods = readMethods(methods)
	}
	if len(methods) == 0 {
		return ActionPlan{}, ErrNoRoute
	}
	tools := actions.Tools(methods)
	if !in.ReadOnly {
		tools = append(tools, askUserTool(methods))
	}

	msgs := append([]llm.Message{}, in.History...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: strings.TrimSpace(in.Query)})
	resp, err := p.actions.Chat(ctx, llm.Request{
		System:      actionPrompt(in.Context, in.ReadOnly),
		Messages:    msgs,
		Tools:       tools,
		Temperature: 0,
	})
	if err != nil {
		return ActionPlan{}, fmt.Errorf("plan actions: %w", err)
	}

	allowed := make(map[actions.Method]bool, len(methods))
	for _, m := range methods {
		allowed[m] = true
	}
	plan := ActionPlan{}
	for _, call := range resp.ToolCalls {
		args := actions.Args{}
		if strings.TrimSpace(call.Arguments) != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				p.log.Warn().Err(err).Str("tool", call.Name).Msg("dropping tool call with malformed arguments")
				continue
			}
		}
		if call.Name == AskUserTool {
			if amb, ok := parseAmbiguity(args, allowed); ok && plan.Ambiguity == nil {
				plan.Ambiguity = amb
			}
			continue
		}
		m, ok := actions.ParseTool(call.Name)
		if !ok || !allowed[m] {
			p.log.Warn().Str("tool", call.Name).Msg("dropping call to a method outside the selected categories")
			continue
		}
		plan.Actions = append(plan.Actions, PlannedAction{
			CallID:  call.ID,
			Method:  m,
			Args:    args,
			Missing: actions.Missing(m, args),
		})
	}
	if len(plan.Actions) == 0 && plan.Ambiguity == nil {
		plan.Reply = strings.TrimSpace(resp.Text)
	}
	return plan, nil
}

func parseAmbiguity(args actions.Args, allowed map[actions.Method]bool) (*Ambiguity, bool) {
	m, ok := actions.ParseTool(args.String("tool"))
	if !ok || !allowed[m] {
		return nil, false
	}
	amb := &Ambiguity{
		Question:  args.String("question"),
		Method:    m,
		Args:      actions.Args{},
		TargetArg: args.String("target_arg"),
	}
	if inner, ok := args["args"].(map[string]any); ok {
		amb.Args = actions.Args(inner)
	}
	if amb.TargetArg == "" {
		amb.TargetArg = m.Spec().IDArg
	}
	raw, _ := args["candidates"].([]any)
	for _, c := range raw {
		obj, ok := c.(map[string]any)
		if !ok {
			continue
		}
		cand := clarify.Candidate{Entity: m.Spec().Entity}
		cand.ID, _ = obj["id"].(string)
		cand.Label, _ = obj["label"].(string)
		if cand.ID != "" {
			amb.Candidates = append(amb.Candidates, cand)
		}
	}
	if len(amb.Candidates) < 2 || amb.TargetArg == "" {
		return nil, false
	}
	if amb.Question == "" {
		amb.Question = "Which one did you mean?"
	}
	return amb, true
}

func askUserTool(methods []actions.Method) llm.Tool {
	names := make([]any, 0, len(methods))
	for _, m := range methods {
		names = append(names, m.String())
	}
	return llm.Tool{
		Name:        AskUserTool,
		Description: "Ask the user to choose when more than one entity could be the target of a call.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question":   map[string]any{"type": "string"},
				"tool":       map[string]any{"type": "string", "enum": names},
				"target_arg": map[string]any{"type": "string", "description": "Argument the chosen id fills"},
				"args":       map[string]any{"type": "object", "description": "Arguments already known"},
				"candidates": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":    map[string]any{"type": "string"},
							"label": map[string]any{"type": "string"},
						},
						"required": []string{"id", "label"},
					},
				},
			},
			"required": []string{"question", "tool", "candidates"},
		},
	}
}

func readMethods(methods []actions.Method) []actions.Method {
	out := make([]actions.Method, 0, len(methods))
	for _, m := range methods {
		if !m.Spec().Mutates() {
			out = append(out, m)
		}
	}
	return out
}

func actionPrompt(known string, readOnly bool) string {
	var lines []string
	if readOnly {
		lines = []string{
			"You look up data in a project management workspace by calling tools.",
			"Call the tools whose results answer the question. Use ids from the context; work item identifiers such as PROJ-12 are accepted where a work item id is expected.",
			"Leave out arguments you do not know instead of inventing them.",
		}
	} else {
		lines = []string{
			"You carry out changes in a project management workspace by calling tools.",
			"Call one tool per change. Use ids from the context; work item identifiers such as PROJ-12 are accepted where a work item id is expected.",
			"Leave out arguments you do not know instead of inventing them.",
			"If several entities could be the target, call " + AskUserTool + " with the candidates instead of guessing.",
		}
	}
	if strings.TrimSpace(known) != "" {
		lines = append(lines, "CONTEXT:", strings.TrimSpace(known))
	}
	return strings.Join(lines, "\n")
}
