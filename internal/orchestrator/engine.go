// Package orchestrator runs one chat turn end to end: feature gate, chat
// bootstrap, clarification resumption, routing, retrieval and actions, the
// answer, and persistence of the assistant message.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"planepi/internal/actions"
	"planepi/internal/chat"
	"planepi/internal/clarify"
	"planepi/internal/features"
	"planepi/internal/llm"
	"planepi/internal/metrics"
	"planepi/internal/pipeline"
	"planepi/internal/planner"
	"planepi/internal/sse"
	"planepi/internal/storage"
	"planepi/internal/tokens"
)

var (
	ErrFeatureDisabled = errors.New("feature disabled")
	ErrEmptyQuery      = errors.New("empty query")
	ErrChatNotFound    = errors.New("chat not found")
)

type Gate interface {
	Availability(ctx context.Context, workspaceSlug, userID string) map[string]bool
}

type Config struct {
	Gate      Gate
	Chats     *chat.Manager
	Clarify   *clarify.Service
	Planner   *planner.Planner
	Pipeline  *pipeline.Pipeline
	Answer    llm.Binding
	Log       zerolog.Logger
	TitleWait time.Duration
}

type Engine struct {
	gate      Gate
	chats     *chat.Manager
	clarify   *clarify.Service
	planner   *planner.Planner
	pipeline  *pipeline.Pipeline
	answer    llm.Binding
	log       zerolog.Logger
	titleWait time.Duration
}

func New(cfg Config) *Engine {
	if cfg.TitleWait <= 0 {
		cfg.TitleWait = 3 * time.Second
	}
	return &Engine{
		gate:      cfg.Gate,
		chats:     cfg.Chats,
		clarify:   cfg.Clarify,
		planner:   cfg.Planner,
		pipeline:  cfg.Pipeline,
		answer:    cfg.Answer,
		log:       cfg.Log.With().Str("component", "orchestrator").Logger(),
		titleWait: cfg.TitleWait,
	}
}

type TurnRequest struct {
	ChatID             string
	UserID             string
	WorkspaceID        string
	WorkspaceSlug      string
	Query              string
	IsNew              bool
	Source             string
	Mode               string
	FocusEntityType    string
	FocusEntityID      string
	IsFocusEnabled     bool
	IsProjectChat      bool
	WorkspaceInContext bool
	AttachmentIDs      []string
	// UserMessageID names the user message a previous attempt of this turn
	// already stored. It is reused instead of storing the query again.
	UserMessageID      string
}

// turn is the state one HandleTurn call accumulates.
type turn struct {
	req     TurnRequest
	emit    Emit
	pipe    pipeline.Turn
	history []llm.Message
	query   string

	outcomes []pipeline.Outcome
	trace    []chat.TraceEntry
	reply    string
	res      Result
}

// HandleTurn runs one turn and emits its progress in order. The returned
// error is already mapped to a client-safe sse.PublicError.
func (e *Engine) HandleTurn(ctx context.Context, req TurnRequest, emit Emit) (Result, error) {
	if emit == nil {
		emit = discard
	}
	if req.Source == "" {
		req.Source = storage.SourceWeb
	}
	m := metrics.Global()
	m.Turns.WithLabelValues(req.Source).Inc()
	start := time.Now()
	defer func() { m.TurnDuration.Observe(time.Since(start).Seconds()) }()

	res, err := e.run(ctx, req, emit)
	if err != nil {
		m.TurnFailures.WithLabelValues(sse.Classify(err).Code).Inc()
		e.log.Warn().Err(err).Str("chat_id", req.ChatID).Str("workspace", req.WorkspaceSlug).Msg("turn failed")
	}
	return res, err
}

// HandleTurnSync runs a turn without streaming, for callers that want one
// JSON envelope.
func (e *Engine) HandleTurnSync(ctx context.Context, req TurnRequest) (Result, error) {
	return e.HandleTurn(ctx, req, nil)
}

func (e *Engine) run(ctx context.Context, req TurnRequest, emit Emit) (Result, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return Result{}, sse.Generic(ErrEmptyQuery)
	}
	if req.Mode == "" {
		req.Mode = storage.ModeAsk
	}
	if err := e.authorize(ctx, req); err != nil {
		return Result{}, err
	}

	exists, err := e.chats.Exists(ctx, req.ChatID, req.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, sse.Generic(ErrChatNotFound)
	}
	if err != nil {
		return Result{}, sse.Storage(err)
	}
	history, err := e.chats.InitializeChatContext(ctx, chat.Data{
		ChatID:             req.ChatID,
		UserID:             req.UserID,
		WorkspaceID:        req.WorkspaceID,
		WorkspaceSlug:      req.WorkspaceSlug,
		IsNew:              req.IsNew || !exists,
		IsProjectChat:      req.IsProjectChat,
		WorkspaceInContext: req.WorkspaceInContext,
		Mode:               req.Mode,
		FocusEntityType:    req.FocusEntityType,
		FocusEntityID:      req.FocusEntityID,
		IsFocusEnabled:     req.IsFocusEnabled,
	}, exists)
	if err != nil {
		return Result{}, sse.Storage(err)
	}

	var titles <-chan string
	if !exists && e.chats.TitlesEnabled() {
		titles = e.chats.TitleAsync(ctx, req.ChatID, req.UserID, req.WorkspaceID, req.Query)
	}

	userMsg, history, err := e.userMessage(ctx, req, history)
	if err != nil {
		return Result{}, err
	}

	ctx = tokens.WithUsage(ctx, tokens.Tag{Type: tokens.TypeChatTurn, ID: userMsg.ID, UserID: req.UserID, WorkspaceID: req.WorkspaceID})
	t := &turn{
		req:     req,
		emit:    emit,
		history: history,
		query:   req.Query,
		pipe: pipeline.Turn{
			ChatID:        req.ChatID,
			MessageID:     userMsg.ID,
			UserID:        req.UserID,
			WorkspaceID:   req.WorkspaceID,
			WorkspaceSlug: req.WorkspaceSlug,
			Execute:       req.Mode == storage.ModeBuild,
		},
		res: Result{ChatID: req.ChatID, MessageID: userMsg.ID},
	}
	emit(sse.Event{Name: EventTurnStarted, Data: TurnStarted{ChatID: req.ChatID, MessageID: userMsg.ID}})

	handled, plan, err := e.resume(ctx, t)
	if err != nil {
		return t.res, err
	}
	if !handled {
		if plan == nil {
			p := e.route(ctx, t)
			plan = &p
		}
		routing := Routing{Agents: plan.Agents, Categories: plan.Categories}
		t.res.Routing = &routing
		emit(sse.Event{Name: EventRouting, Data: routing})
		if err := e.runAgents(ctx, t, *plan); err != nil {
			return t.res, err
		}
	}

	answer, err := e.compose(ctx, t)
	if err != nil {
		return t.res, err
	}
	t.res.Answer = answer
	emit(sse.Event{Name: EventDelta, Data: Delta{Text: answer}})

	stored, err := e.chats.AppendMessage(ctx, storage.Message{
		ChatID:      req.ChatID,
		UserID:      req.UserID,
		WorkspaceID: optional(req.WorkspaceID),
		Role:        storage.RoleAssistant,
		Content:     answer,
		Source:      req.Source,
		ToolTrace:   chat.EncodeTrace(t.trace),
	})
	if err != nil {
		return t.res, sse.Storage(err)
	}
	t.res.AnswerMessageID = stored.ID

	if titles != nil {
		select {
		case title, ok := <-titles:
			if ok {
				t.res.Title = title
				emit(sse.Event{Name: EventTitle, Data: Title{Title: title}})
			}
		case <-time.After(e.titleWait):
		case <-ctx.Done():
		}
	}
	return t.res, nil
}

// userMessage stores the query as the turn's user message, or loads the one
// an earlier attempt stored. A reloaded message is also the tail of the
// replayed history and is dropped from it, since the query is sent anyway.
func (e *Engine) userMessage(ctx context.Context, req TurnRequest, history []llm.Message) (storage.Message, []llm.Message, error) {
	if req.UserMessageID != "" {
		msg, err := e.chats.UserMessage(ctx, req.ChatID, req.UserID, req.UserMessageID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Message{}, nil, sse.Generic(fmt.Errorf("%w: message %s", ErrChatNotFound, req.UserMessageID))
		}
		if err != nil {
			return storage.Message{}, nil, sse.Storage(err)
		}
		if n := len(history); n > 0 && history[n-1].Role == llm.RoleUser && history[n-1].Content == msg.Content {
			history = history[:n-1]
		}
		return msg, history, nil
	}

	msg, err := e.chats.AppendMessage(ctx, storage.Message{
		ChatID:      req.ChatID,
		UserID:      req.UserID,
		WorkspaceID: optional(req.WorkspaceID),
		Role:        storage.RoleUser,
		Content:     req.Query,
		Source:      req.Source,
	})
	if err != nil {
		return storage.Message{}, nil, sse.Storage(err)
	}
	if len(req.AttachmentIDs) > 0 {
		if _, err := e.chats.LinkAttachmentsToMessage(ctx, req.ChatID, req.UserID, msg.ID, req.AttachmentIDs); err != nil {
			e.log.Warn().Err(err).Str("message_id", msg.ID).Msg("attachment linking failed")
		}
	}
	return msg, history, nil
}

// authorize checks the features the request needs before any work is done.
func (e *Engine) authorize(ctx context.Context, req TurnRequest) error {
	if e.gate == nil {
		return nil
	}
	avail := e.gate.Availability(ctx, req.WorkspaceSlug, req.UserID)
	need := []string{features.PIChat}
	if req.Mode == storage.ModeBuild {
		need = append(need, features.PIBuild)
	}
	if len(req.AttachmentIDs) > 0 {
		need = append(need, features.PIFileUploads)
	}
	for _, key := range need {
		if !avail[key] {
			return sse.Feature(fmt.Errorf("%w: %s", ErrFeatureDisabled, key))
		}
	}
	return nil
}

// resume treats the message as the answer to the chat's pending
// clarification, if there is one. A selected candidate completes the blocked
// call, which runs right away. Otherwise the merged query is re-planned,
// within the clarification's categories when it recorded any.
func (e *Engine) resume(ctx context.Context, t *turn) (bool, *planner.Plan, error) {
	pending, ok, err := e.clarify.Pending(ctx, t.req.ChatID)
	if err != nil {
		return false, nil, sse.Storage(err)
	}
	if !ok {
		return false, nil, nil
	}
	r, err := e.clarify.Resolve(ctx, pending, t.req.Query, t.pipe.MessageID)
	if err != nil {
		return false, nil, sse.Storage(err)
	}
	resolved := Clarification{ID: pending.ID, Status: ClarificationResolved, Selected: r.Selected}
	t.emit(sse.Event{Name: EventClarification, Data: resolved})
	t.query = r.Query

	if a, ok := resumedAction(r); ok {
		if err := e.execute(ctx, t, []planner.PlannedAction{a}, nil, pending.Categories); err != nil {
			return true, nil, err
		}
		return true, nil, nil
	}

	if pending.Kind == storage.ClarificationAction && len(pending.Categories) > 0 {
		plan := planner.Plan{Agents: []planner.AgentRoute{{Agent: planner.AgentAction, Query: r.Query, Priority: 1}}}
		for _, c := range pending.Categories {
			plan.Categories = append(plan.Categories, planner.CategorySelection{Category: c, Rationale: "clarification"})
		}
		return false, &plan, nil
	}
	return false, nil, nil
}

func resumedAction(r clarify.Resumption) (planner.PlannedAction, bool) {
	if r.Selected == nil {
		return planner.PlannedAction{}, false
	}
	m, ok := actions.ParseTool(r.Payload.Method)
	if !ok {
		return planner.PlannedAction{}, false
	}
	args := actions.Args(r.Args())
	return planner.PlannedAction{
		CallID:  "clarification_" + r.Clarification.ID,
		Method:  m,
		Args:    args,
		Missing: actions.Missing(m, args),
	}, true
}

// route asks the router for a plan. Routing never fails a turn: an unusable
// route falls back to the general agent.
func (e *Engine) route(ctx context.Context, t *turn) planner.Plan {
	rctx := tokens.WithUsage(ctx, tokens.Tag{Type: tokens.TypeRouting, ID: t.pipe.MessageID, UserID: t.req.UserID, WorkspaceID: t.req.WorkspaceID})
	plan, err := e.planner.Route(rctx, planner.RouteInput{
		Query:   t.query,
		History: t.history,
		Mode:    t.req.Mode,
		Focus:   focus(t.req),
	})
	if err != nil {
		if !errors.Is(err, planner.ErrNoRoute) {
			e.log.Warn().Err(err).Msg("routing failed, answering directly")
		}
		return planner.Fallback(t.query)
	}
	return plan
}

func (e *Engine) runAgents(ctx context.Context, t *turn, plan planner.Plan) error {
	done := map[string]bool{}
	for _, route := range plan.Agents {
		if done[route.Agent] {
			continue
		}
		done[route.Agent] = true
		var err error
		switch route.Agent {
		case planner.AgentRetrieval:
			err = e.retrieve(ctx, t, route.Query, plan.CategoryNames())
		case planner.AgentAction:
			err = e.act(ctx, t, route.Query, plan.CategoryNames())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func focus(req TurnRequest) string {
	var lines []string
	if req.WorkspaceSlug != "" {
		lines = append(lines, "workspace: "+req.WorkspaceSlug)
	}
	if req.IsFocusEnabled && req.FocusEntityType != "" && req.FocusEntityID != "" {
		lines = append(lines, fmt.Sprintf("focused %s: %s", req.FocusEntityType, req.FocusEntityID))
	}
	if req.Mode != "" {
		lines = append(lines, "mode: "+req.Mode)
	}
	return strings.Join(lines, "\n")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
