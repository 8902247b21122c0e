package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"planepi/internal/actions"
	"planepi/internal/chat"
	"planepi/internal/clarify"
	"planepi/internal/pipeline"
	"planepi/internal/planner"
	"planepi/internal/sse"
	"planepi/internal/storage"
)

const maxTraceResult = 8000

// retrieve runs the read-only calls the planner picks for the query.
func (e *Engine) retrieve(ctx context.Context, t *turn, query string, categories []string) error {
	if len(categories) == 0 {
		categories = actions.Categories()
	}
	plan, err := e.planner.PlanActions(ctx, planner.ActionInput{
		Query:      query,
		History:    t.history,
		Categories: categories,
		Context:    focus(t.req),
		ReadOnly:   true,
	})
	if errors.Is(err, planner.ErrNoRoute) {
		return nil
	}
	if err != nil {
		return sse.Network(err)
	}
	calls := plan.Ready()
	if len(calls) == 0 {
		return nil
	}
	for _, o := range e.pipeline.Run(ctx, t.pipe, calls) {
		ev := Retrieval{Method: o.Method.String(), Success: o.Result.Success, Error: o.Result.Error}
		switch n := o.Result.Data["count"].(type) {
		case int:
			ev.Count = n
		case float64:
			ev.Count = int(n)
		}
		t.res.Retrievals = append(t.res.Retrievals, ev)
		t.emit(sse.Event{Name: EventRetrieval, Data: ev})
		t.addTrace(o)
	}
	return nil
}

// act plans the mutations for the query and carries them out.
func (e *Engine) act(ctx context.Context, t *turn, query string, categories []string) error {
	plan, err := e.planner.PlanActions(ctx, planner.ActionInput{
		Query:      query,
		History:    t.history,
		Categories: categories,
		Context:    focus(t.req),
	})
	if errors.Is(err, planner.ErrNoRoute) {
		return nil
	}
	if err != nil {
		return sse.Network(err)
	}
	if len(plan.Actions) == 0 && plan.Ambiguity == nil {
		t.reply = plan.Reply
		return nil
	}
	var amb *clarify.Request
	if plan.Ambiguity != nil {
		a := plan.Ambiguity
		amb = &clarify.Request{Payload: clarify.Payload{
			Question:   a.Question,
			Method:     a.Method.String(),
			Args:       a.Args,
			TargetArg:  a.TargetArg,
			Candidates: a.Candidates,
		}}
	}
	return e.execute(ctx, t, plan.Actions, amb, categories)
}

// execute runs the complete actions. An action missing only its target gets
// the target filled when exactly one entity fits; otherwise the turn opens a
// clarification for it. One clarification at most is opened per turn.
func (e *Engine) execute(ctx context.Context, t *turn, planned []planner.PlannedAction, amb *clarify.Request, categories []string) error {
	var ready []planner.PlannedAction
	open := amb
	for _, a := range planned {
		if len(a.Missing) == 0 {
			ready = append(ready, a)
			continue
		}
		cands, err := e.pipeline.Targets(ctx, t.pipe, a)
		if err != nil {
			e.log.Warn().Err(err).Str("method", a.Method.String()).Msg("listing target candidates failed")
			cands = nil
		}
		if len(cands) == 1 {
			ready = append(ready, pipeline.Bind(a, cands[0].ID))
			continue
		}
		if open != nil {
			e.log.Info().Str("method", a.Method.String()).Msg("dropping incomplete action, a clarification is already open")
			continue
		}
		open = &clarify.Request{Payload: questionFor(a, cands)}
	}

	if len(ready) > 0 {
		for _, o := range e.pipeline.Run(ctx, t.pipe, ready) {
			t.outcomes = append(t.outcomes, o)
			ev := actionEvent(o)
			t.res.Actions = append(t.res.Actions, ev)
			t.emit(sse.Event{Name: EventAction, Data: ev})
			t.addTrace(o)
		}
	}

	if open == nil {
		return nil
	}
	open.ChatID = t.req.ChatID
	open.MessageID = t.pipe.MessageID
	open.WorkspaceID = t.req.WorkspaceID
	open.Kind = storage.ClarificationAction
	open.OriginalQuery = t.req.Query
	open.Categories = categories
	open.MethodToolNames = toolNames(categories)
	c, err := e.clarify.Open(ctx, *open)
	if err != nil {
		return sse.Storage(err)
	}
	ev := Clarification{
		ID:         c.ID,
		Status:     ClarificationPending,
		Question:   open.Payload.Question,
		Candidates: open.Payload.Candidates,
		Missing:    open.Payload.Missing,
	}
	t.res.Clarification = &ev
	t.emit(sse.Event{Name: EventClarification, Data: ev})
	return nil
}

func questionFor(a planner.PlannedAction, cands []clarify.Candidate) clarify.Payload {
	spec := a.Method.Spec()
	p := clarify.Payload{Method: a.Method.String(), Args: a.Args.Clone()}
	if len(cands) > 1 {
		p.TargetArg = spec.IDArg
		p.Candidates = cands
		p.Question = fmt.Sprintf("Which %s should I %s?", entityNoun(spec.Entity), spec.Action)
		return p
	}
	p.Missing = a.Missing
	p.Question = fmt.Sprintf("To %s the %s I still need: %s.", spec.Action, entityNoun(spec.Entity), strings.Join(a.Missing, ", "))
	return p
}

func entityNoun(entity string) string {
	if entity == actions.EntityWorkItem {
		return "work item"
	}
	return entity
}

func toolNames(categories []string) []string {
	methods := actions.ForCategories(categories)
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		out = append(out, m.String())
	}
	return out
}

func (t *turn) addTrace(o pipeline.Outcome) {
	callID := fmt.Sprintf("call_%d", len(t.trace)+1)
	args, _ := json.Marshal(o.Args)
	result, _ := json.Marshal(o.Result)
	t.trace = append(t.trace, chat.TraceEntry{
		CallID:    callID,
		Name:      o.Method.String(),
		Arguments: string(args),
		Result:    traceResult(result),
	})
}

type truncatedResult struct {
	Truncated bool   `json:"truncated"`
	Preview   string `json:"preview"`
}

// traceResult keeps a tool result within maxTraceResult bytes. A longer one
// is replaced by a JSON object carrying a prefix of it, cut on a rune
// boundary.
func traceResult(raw []byte) string {
	if len(raw) <= maxTraceResult {
		return string(raw)
	}
	n := maxTraceResult
	for {
		cut := n
		for cut > 0 && !utf8.RuneStart(raw[cut]) {
			cut--
		}
		out, _ := json.Marshal(truncatedResult{Truncated: true, Preview: string(raw[:cut])})
		if len(out) <= maxTraceResult || cut == 0 {
			return string(out)
		}
		// escaping grew the preview
		n = max(cut-(len(out)-maxTraceResult), 0)
	}
}
