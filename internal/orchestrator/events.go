package orchestrator

import (
	"planepi/internal/clarify"
	"planepi/internal/pipeline"
	"planepi/internal/planeapi"
	"planepi/internal/planner"
	"planepi/internal/sse"
)

// Event names emitted during a turn. The stream ends with sse.EventDone or
// sse.EventError, written by the transport.
const (
	EventTurnStarted   = "turn_started"
	EventRouting       = "routing"
	EventRetrieval     = "retrieval"
	EventClarification = "clarification"
	EventAction        = "action"
	EventDelta         = "delta"
	EventTitle         = "title"
)

type Emit func(sse.Event)

func discard(sse.Event) {}

type TurnStarted struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

type Routing struct {
	Agents     []planner.AgentRoute        `json:"agents"`
	Categories []planner.CategorySelection `json:"categories"`
}

type Retrieval struct {
	Method  string `json:"method"`
	Success bool   `json:"success"`
	Count   int    `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Clarification struct {
	ID         string              `json:"id"`
	Status     string              `json:"status"`
	Question   string              `json:"question,omitempty"`
	Candidates []clarify.Candidate `json:"candidates,omitempty"`
	Missing    []string            `json:"missing,omitempty"`
	Selected   *clarify.Candidate  `json:"selected,omitempty"`
}

const (
	ClarificationPending  = "pending"
	ClarificationResolved = "resolved"
)

type Action struct {
	ArtifactID string           `json:"artifact_id,omitempty"`
	Method     string           `json:"method"`
	Action     string           `json:"action"`
	Executed   bool             `json:"executed"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	Entity     *pipeline.Entity `json:"entity,omitempty"`
	Preview    planeapi.Object  `json:"preview,omitempty"`
}

type Delta struct {
	Text string `json:"text"`
}

type Title struct {
	Title string `json:"title"`
}

func actionEvent(o pipeline.Outcome) Action {
	return Action{
		ArtifactID: o.ArtifactID,
		Method:     o.Method.String(),
		Action:     o.Method.Spec().Action,
		Executed:   o.Executed,
		Success:    o.Result.Success,
		Error:      o.Result.Error,
		Entity:     o.Entity,
		Preview:    o.Preview,
	}
}

// Result is the envelope returned to non-streaming callers.
type Result struct {
	ChatID          string         `json:"chat_id"`
	MessageID       string         `json:"message_id"`
	AnswerMessageID string         `json:"answer_message_id,omitempty"`
	Answer          string         `json:"answer"`
	Title           string         `json:"title,omitempty"`
	Routing         *Routing       `json:"routing,omitempty"`
	Retrievals      []Retrieval    `json:"retrievals,omitempty"`
	Actions         []Action       `json:"actions,omitempty"`
	Clarification   *Clarification `json:"clarification,omitempty"`
}
