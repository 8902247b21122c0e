package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planepi/internal/actions"
	"planepi/internal/chat"
	"planepi/internal/clarify"
	"planepi/internal/features"
	"planepi/internal/llm"
	"planepi/internal/pipeline"
	"planepi/internal/planeapi"
	"planepi/internal/planeapi/planetest"
	"planepi/internal/planner"
	"planepi/internal/sse"
	"planepi/internal/storage"
)

// script answers the three kinds of model calls a turn makes: routing (JSON
// mode), planning (tools offered) and the final answer.
type script struct {
	route  string
	plan   func(req llm.Request) []llm.ToolCall
	answer string

	routes, plans, answers int
	lastAnswer             llm.Request
}

func (s *script) handle(req llm.Request) (llm.Response, error) {
	switch {
	case req.JSONMode:
		s.routes++
		return llm.Response{Text: s.route}, nil
	case len(req.Tools) > 0:
		s.plans++
		if s.plan == nil {
			return llm.Response{}, nil
		}
		return llm.Response{ToolCalls: s.plan(req)}, nil
	default:
		s.answers++
		s.lastAnswer = req
		if s.answer == "" {
			return llm.Response{}, errors.New("answer model down")
		}
		return llm.Response{Text: s.answer}, nil
	}
}

type fixture struct {
	srv    *planetest.Server
	store  *storage.Store
	engine *Engine
	script *script
}

func newFixture(t *testing.T, env features.Env) *fixture {
	t.Helper()
	srv := planetest.New(t)
	st, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "pi.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sc := &script{}
	model := llm.Binding{Provider: &llm.Fake{Handler: sc.handle}, Model: "test-model"}
	client := srv.Client()
	log := zerolog.Nop()
	return &fixture{
		srv:    srv,
		store:  st,
		script: sc,
		engine: New(Config{
			Gate:    features.New(features.Config{Env: env, Log: log}),
			Chats:   chat.New(chat.Config{Store: st, Log: log}),
			Clarify: clarify.New(clarify.Config{Store: st, Log: log}),
			Planner: planner.New(planner.Config{Router: model, Actions: model, Log: log}),
			Pipeline: pipeline.New(pipeline.Config{
				Executor:  actions.NewExecutor(client, log),
				Reader:    client,
				Links:     client,
				Artifacts: st,
				Log:       log,
			}),
			Answer: model,
			Log:    log,
		}),
	}
}

func allReady() features.Env {
	return features.Env{OpenAIOrClaude: true, Groq: true, Uploads: true, Transcription: true}
}

func (f *fixture) request(query string, isNew bool) TurnRequest {
	return TurnRequest{
		ChatID:        "chat-1",
		UserID:        f.srv.MeID(),
		WorkspaceID:   "ws-1",
		WorkspaceSlug: "acme",
		Query:         query,
		IsNew:         isNew,
		Mode:          storage.ModeBuild,
	}
}

func names(events []sse.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Name)
	}
	return out
}

func TestCreateTaskEndToEnd(t *testing.T) {
	f := newFixture(t, allReady())
	f.srv.AddProject("PROJ", "Project")
	f.script.route = `{"agents":[{"agent":"action","query":"create a task titled 'Hello task' in PROJ and assign it to me","priority":1}],
		"categories":[{"category":"workitems","rationale":"new task"}]}`
	f.script.plan = func(llm.Request) []llm.ToolCall {
		return []llm.ToolCall{{ID: "call_1", Name: "workitems_create", Arguments: `{"project_id":"PROJ","name":"Hello task","assignees":["me"]}`}}
	}
	f.script.answer = "Created PROJ-1."
	ctx := context.Background()

	var events []sse.Event
	res, err := f.engine.HandleTurn(ctx, f.request("create a task titled 'Hello task' in PROJ and assign it to me", true), func(e sse.Event) {
		events = append(events, e)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{EventTurnStarted, EventRouting, EventAction, EventDelta}, names(events))

	require.Len(t, res.Actions, 1)
	act := res.Actions[0]
	assert.Equal(t, actions.ActionCreate, act.Action)
	assert.True(t, act.Executed)
	assert.True(t, act.Success, act.Error)
	require.NotNil(t, act.Entity)
	assert.Equal(t, "PROJ-1", act.Entity.Identifier)
	assert.Equal(t, planetest.WebURL+"/acme/browse/PROJ-1/", act.Entity.URL)
	assert.Equal(t, "Created PROJ-1.", res.Answer)

	arts, err := f.store.ListArtifactsForMessage(ctx, res.MessageID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, actions.ActionCreate, arts[0].Action)
	assert.True(t, arts[0].IsExecuted)
	assert.True(t, arts[0].Success)

	msgs, err := f.store.ListMessages(ctx, "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, storage.RoleUser, msgs[0].Role)
	assert.Equal(t, storage.RoleAssistant, msgs[1].Role)
	trace := chat.DecodeTrace(msgs[1].ToolTrace)
	require.Len(t, trace, 1)
	assert.Equal(t, "workitems_create", trace[0].Name)
}

func TestAmbiguousDeleteAsksThenDeletesFirst(t *testing.T) {
	f := newFixture(t, allReady())
	p := f.srv.AddProject("PROJ", "Project")
	pid := p["id"].(string)
	w := f.srv.AddWorkItem(pid, "Launch")
	wid := w["id"].(string)
	first := f.srv.AddComment(pid, wid, "<p>Looks good to me</p>")
	second := f.srv.AddComment(pid, wid, "<p>Needs another pass</p>")
	f.script.route = `{"agents":[{"agent":"action","query":"delete that comment","priority":1}],
		"categories":[{"category":"comments","rationale":"delete a comment"}]}`
	f.script.plan = func(llm.Request) []llm.ToolCall {
		return []llm.ToolCall{{ID: "call_1", Name: "comments_delete", Arguments: `{"project_id":"PROJ","issue_id":"PROJ-1"}`}}
	}
	f.script.answer = "Deleted the comment."
	ctx := context.Background()

	res, err := f.engine.HandleTurnSync(ctx, f.request("delete that comment", true))
	require.NoError(t, err)
	require.NotNil(t, res.Clarification)
	assert.Equal(t, ClarificationPending, res.Clarification.Status)
	require.Len(t, res.Clarification.Candidates, 2)
	assert.Equal(t, first["id"], res.Clarification.Candidates[0].ID)
	assert.Equal(t, second["id"], res.Clarification.Candidates[1].ID)
	assert.Empty(t, res.Actions)
	assert.Contains(t, res.Answer, "1. Looks good to me")
	assert.Equal(t, 0, f.script.answers)

	c, err := f.store.LatestPendingClarification(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, storage.ClarificationAction, c.Kind)

	var events []sse.Event
	res, err = f.engine.HandleTurn(ctx, f.request("the first one", false), func(e sse.Event) { events = append(events, e) })
	require.NoError(t, err)
	assert.Equal(t, []string{EventTurnStarted, EventClarification, EventAction, EventDelta}, names(events))
	assert.Equal(t, 1, f.script.routes, "the answer resumes the blocked call without routing")

	require.Len(t, res.Actions, 1)
	act := res.Actions[0]
	assert.True(t, act.Success, act.Error)
	assert.Equal(t, actions.ActionDelete, act.Action)
	assert.Equal(t, "<p>Looks good to me</p>", act.Preview["comment_html"])

	_, ok := f.srv.Comment(first["id"].(string))
	assert.False(t, ok)
	_, ok = f.srv.Comment(second["id"].(string))
	assert.True(t, ok)

	resolved, err := f.store.GetClarification(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, resolved.Pending)
	require.NotNil(t, resolved.AnswerText)
	assert.Equal(t, "the first one", *resolved.AnswerText)
	require.NotNil(t, resolved.ResolvedByMessageID)
	assert.Equal(t, res.MessageID, *resolved.ResolvedByMessageID)

	n, err := f.store.CountPendingClarifications(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAskModeProposesOnly(t *testing.T) {
	f := newFixture(t, allReady())
	f.srv.AddProject("PROJ", "Project")
	f.script.route = `{"agents":[{"agent":"action","priority":1}],"categories":[{"category":"workitems"}]}`
	f.script.plan = func(llm.Request) []llm.ToolCall {
		return []llm.ToolCall{{ID: "call_1", Name: "workitems_create", Arguments: `{"project_id":"PROJ","name":"Draft"}`}}
	}
	req := f.request("create a task called Draft in PROJ", true)
	req.Mode = storage.ModeAsk

	res, err := f.engine.HandleTurnSync(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.False(t, res.Actions[0].Executed)
	assert.True(t, res.Actions[0].Success)
	assert.NotEmpty(t, res.Actions[0].ArtifactID)
	// answer model is down: the summary stands in
	assert.Contains(t, res.Answer, "Proposed to create a work item")
}

func TestDisabledChatIsRejectedBeforeWork(t *testing.T) {
	f := newFixture(t, features.Env{Groq: true, Uploads: true})

	_, err := f.engine.HandleTurnSync(context.Background(), f.request("hello", true))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFeatureDisabled)
	assert.Equal(t, "feature_disabled", sse.Classify(err).Code)

	ok, err := f.store.ChatExists(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, f.script.routes)
}

func TestAttachmentsNeedUploads(t *testing.T) {
	f := newFixture(t, features.Env{OpenAIOrClaude: true})
	f.script.route = `{"agents":[{"agent":"general","priority":1}]}`
	f.script.answer = "Hi there"
	ctx := context.Background()

	req := f.request("what is in this file", true)
	req.AttachmentIDs = []string{"att-1"}
	_, err := f.engine.HandleTurnSync(ctx, req)
	require.ErrorIs(t, err, ErrFeatureDisabled)

	req.AttachmentIDs = nil
	res, err := f.engine.HandleTurnSync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", res.Answer)
	require.NotNil(t, res.Routing)
	assert.True(t, strings.EqualFold(res.Routing.Agents[0].Agent, planner.AgentGeneral))
}

func TestRouterGarbageFallsBackToGeneral(t *testing.T) {
	f := newFixture(t, allReady())
	f.script.route = "not json at all"
	f.script.answer = "Hello!"

	res, err := f.engine.HandleTurnSync(context.Background(), f.request("hi", true))
	require.NoError(t, err)
	assert.Equal(t, "Hello!", res.Answer)
	assert.Equal(t, 0, f.script.plans)
	require.NotNil(t, res.Routing)
	assert.Equal(t, planner.AgentGeneral, res.Routing.Agents[0].Agent)
}

func TestRetrievalFeedsAnswer(t *testing.T) {
	f := newFixture(t, allReady())
	p := f.srv.AddProject("PROJ", "Project")
	f.srv.AddWorkItem(p["id"].(string), "Write docs")
	f.script.route = `{"agents":[{"agent":"retrieval","priority":1}],"categories":[{"category":"workitems"}]}`
	f.script.plan = func(req llm.Request) []llm.ToolCall {
		return []llm.ToolCall{{ID: "r1", Name: "workitems_list", Arguments: `{"project_id":"PROJ"}`}}
	}
	f.script.answer = "PROJ has one open item: Write docs."

	var events []sse.Event
	res, err := f.engine.HandleTurn(context.Background(), f.request("what is open in PROJ", true), func(e sse.Event) { events = append(events, e) })
	require.NoError(t, err)
	assert.Equal(t, []string{EventTurnStarted, EventRouting, EventRetrieval, EventDelta}, names(events))
	require.Len(t, res.Retrievals, 1)
	assert.True(t, res.Retrievals[0].Success)
	assert.Equal(t, 1, res.Retrievals[0].Count)
	assert.Empty(t, res.Actions)
}

func TestEmptyQueryIsRejected(t *testing.T) {
	f := newFixture(t, allReady())
	_, err := f.engine.HandleTurnSync(context.Background(), f.request("   ", true))
	require.ErrorIs(t, err, ErrEmptyQuery)
}

func TestForeignAndDeletedChatsAreRefused(t *testing.T) {
	f := newFixture(t, allReady())
	f.script.route = `{"agents":[{"agent":"general","priority":1}]}`
	f.script.answer = "Noted."
	ctx := context.Background()

	_, err := f.engine.HandleTurnSync(ctx, f.request("my secret plan is ALPHA", true))
	require.NoError(t, err)

	intruder := f.request("what did we talk about", false)
	intruder.UserID = "someone-else"
	_, err = f.engine.HandleTurnSync(ctx, intruder)
	require.ErrorIs(t, err, ErrChatNotFound)

	msgs, err := f.store.ListMessages(ctx, "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, f.srv.MeID(), m.UserID)
	}

	require.NoError(t, f.store.SoftDeleteChat(ctx, "chat-1", f.srv.MeID()))
	_, err = f.engine.HandleTurnSync(ctx, f.request("still there?", false))
	require.ErrorIs(t, err, ErrChatNotFound)
	assert.Equal(t, 1, f.script.answers)
}

func TestRetriedTurnReusesItsUserMessage(t *testing.T) {
	f := newFixture(t, allReady())
	f.script.route = `{"agents":[{"agent":"general","priority":1}]}`
	f.script.answer = "Hi."
	ctx := context.Background()

	_, err := f.engine.HandleTurnSync(ctx, f.request("hello", true))
	require.NoError(t, err)

	f.script.answer = ""
	res, err := f.engine.HandleTurnSync(ctx, f.request("what is due", false))
	require.Error(t, err)
	require.NotEmpty(t, res.MessageID)

	f.script.answer = "Nothing is due."
	retry := f.request("what is due", false)
	retry.UserMessageID = res.MessageID
	again, err := f.engine.HandleTurnSync(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, res.MessageID, again.MessageID)

	msgs, err := f.store.ListMessages(ctx, "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "what is due", msgs[2].Content)
	assert.Equal(t, "Nothing is due.", msgs[3].Content)

	asked := 0
	for _, m := range f.script.lastAnswer.Messages {
		if m.Role == llm.RoleUser && m.Content == "what is due" {
			asked++
		}
	}
	assert.Equal(t, 1, asked)

	other := f.request("what is due", false)
	other.UserMessageID = msgs[1].ID
	_, err = f.engine.HandleTurnSync(ctx, other)
	require.ErrorIs(t, err, ErrChatNotFound)
}

func TestLongToolResultsStayValidJSON(t *testing.T) {
	tr := &turn{}
	tr.addTrace(pipeline.Outcome{
		Method: actions.WorkItemsList,
		Result: actions.Result{Success: true, Data: planeapi.Object{"text": strings.Repeat("é<", maxTraceResult)}},
	})
	tr.addTrace(pipeline.Outcome{Method: actions.WorkItemsList, Result: actions.Result{Success: true}})
	require.Len(t, tr.trace, 2)

	long := tr.trace[0].Result
	assert.LessOrEqual(t, len(long), maxTraceResult)
	require.True(t, json.Valid([]byte(long)), long)
	var got struct {
		Truncated bool   `json:"truncated"`
		Preview   string `json:"preview"`
	}
	require.NoError(t, json.Unmarshal([]byte(long), &got))
	assert.True(t, got.Truncated)
	assert.True(t, utf8.ValidString(got.Preview))
	assert.True(t, strings.HasPrefix(got.Preview, `{"success":true,"data":{"text":"é`))

	assert.Equal(t, `{"success":true}`, tr.trace[1].Result)
}
