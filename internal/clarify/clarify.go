package clarify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"planepi/internal/metrics"
	"planepi/internal/storage"
)

type Store interface {
	CreatePendingClarification(ctx context.Context, c storage.Clarification) (storage.Clarification, int64, error)
	LatestPendingClarification(ctx context.Context, chatID string) (storage.Clarification, error)
	ResolveClarification(ctx context.Context, id, answer, resolvedByMessageID string) (time.Time, error)
}

// Candidate is one choice offered to the user.
type Candidate struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Entity string `json:"entity,omitempty"`
}

// Payload is what a clarification needs to resume the blocked intent.
type Payload struct {
	Question   string         `json:"question"`
	Method     string         `json:"method,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	TargetArg  string         `json:"target_arg,omitempty"`
	Candidates []Candidate    `json:"candidates,omitempty"`
	Missing    []string       `json:"missing,omitempty"`
}

type Request struct {
	ChatID          string
	MessageID       string
	WorkspaceID     string
	Kind            string
	OriginalQuery   string
	Categories      []string
	MethodToolNames []string
	Payload         Payload
}

// Resumption is the interpreted answer to a clarification. Selected is set
// when the answer picked one of the candidates; Query is always the original
// query merged with the answer, for re-planning.
type Resumption struct {
	Clarification storage.Clarification
	Payload       Payload
	Selected      *Candidate
	Query         string
}

// Args returns the blocked call's arguments with the selected candidate
// bound to the target argument.
func (r Resumption) Args() map[string]any {
	out := make(map[string]any, len(r.Payload.Args)+1)
	for k, v := range r.Payload.Args {
		out[k] = v
	}
	if r.Selected != nil && r.Payload.TargetArg != "" {
		out[r.Payload.TargetArg] = r.Selected.ID
	}
	return out
}

type Config struct {
	Store Store
	Log   zerolog.Logger
}

type Service struct {
	store Store
	log   zerolog.Logger
}

func New(cfg Config) *Service {
	return &Service{store: cfg.Store, log: cfg.Log.With().Str("component", "clarify").Logger()}
}

// Open records a pending clarification for the chat. Any clarification still
// pending for the chat is superseded in the same transaction.
func (s *Service) Open(ctx context.Context, req Request) (storage.Clarification, error) {
	if req.ChatID == "" || req.MessageID == "" {
		return storage.Clarification{}, errors.New("clarification needs chat and message")
	}
	kind := req.Kind
	if kind == "" {
		kind = storage.ClarificationAction
	}
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return storage.Clarification{}, fmt.Errorf("encode clarification payload: %w", err)
	}
	var bound []string
	if req.Payload.Method != "" {
		bound = []string{req.Payload.Method}
	}
	c := storage.Clarification{
		ChatID:          req.ChatID,
		MessageID:       req.MessageID,
		Kind:            kind,
		OriginalQuery:   req.OriginalQuery,
		Payload:         string(raw),
		Categories:      req.Categories,
		MethodToolNames: req.MethodToolNames,
		BoundToolNames:  bound,
	}
	if req.WorkspaceID != "" {
		ws := req.WorkspaceID
		c.WorkspaceID = &ws
	}
	created, superseded, err := s.store.CreatePendingClarification(ctx, c)
	if err != nil {
		return storage.Clarification{}, fmt.Errorf("open clarification: %w", err)
	}
	m := metrics.Global()
	m.Clarifications.WithLabelValues("opened").Inc()
	if superseded > 0 {
		m.Clarifications.WithLabelValues("superseded").Add(float64(superseded))
		s.log.Info().Str("chat_id", req.ChatID).Int64("superseded", superseded).Msg("superseded pending clarification")
	}
	return created, nil
}

// Pending returns the chat's pending clarification, if any.
func (s *Service) Pending(ctx context.Context, chatID string) (storage.Clarification, bool, error) {
	c, err := s.store.LatestPendingClarification(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Clarification{}, false, nil
	}
	if err != nil {
		return storage.Clarification{}, false, fmt.Errorf("load pending clarification: %w", err)
	}
	return c, true, nil
}

// Resolve records answer against c and interprets it.
func (s *Service) Resolve(ctx context.Context, c storage.Clarification, answer, messageID string) (Resumption, error) {
	answer = strings.TrimSpace(answer)
	resolvedAt, err := s.store.ResolveClarification(ctx, c.ID, answer, messageID)
	if err != nil {
		return Resumption{}, fmt.Errorf("resolve clarification: %w", err)
	}
	metrics.Global().Clarifications.WithLabelValues("resolved").Inc()

	c.Pending = false
	c.AnswerText = &answer
	c.ResolvedByMessageID = &messageID
	c.ResolvedAt = &resolvedAt

	var p Payload
	if c.Payload != "" {
		if err := json.Unmarshal([]byte(c.Payload), &p); err != nil {
			s.log.Warn().Err(err).Str("clarification_id", c.ID).Msg("unreadable clarification payload")
		}
	}
	res := Resumption{Clarification: c, Payload: p, Query: MergeQuery(c.OriginalQuery, answer)}
	if i, ok := Choose(p.Candidates, answer); ok {
		chosen := p.Candidates[i]
		res.Selected = &chosen
	}
	return res, nil
}

// MergeQuery folds a clarification answer into the query it clarifies.
func MergeQuery(original, answer string) string {
	original = strings.TrimSpace(original)
	switch {
	case original == "":
		return answer
	case answer == "":
		return original
	}
	return original + "\nClarification: " + answer
}

var ordinals = map[string]int{
	"first": 1, "1st": 1,
	"second": 2, "2nd": 2, "two": 2,
	"third": 3, "3rd": 3, "three": 3,
	"fourth": 4, "4th": 4, "four": 4,
	"fifth": 5, "5th": 5, "five": 5,
}

// numberWords may precede a bare candidate number, as in "option 2".
var numberWords = map[string]bool{"number": true, "option": true, "item": true, "choice": true}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Choose picks the candidate an answer refers to: by id, then by ordinal
// ("the first one", "2", "last"), then by a label the answer contains.
func Choose(candidates []Candidate, answer string) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	lower := strings.ToLower(strings.TrimSpace(answer))
	if lower == "" {
		return 0, false
	}
	for i, c := range candidates {
		if c.ID != "" && strings.Contains(lower, strings.ToLower(c.ID)) {
			return i, true
		}
	}

	words := wordRe.FindAllString(lower, -1)
	for i, w := range words {
		if w == "last" {
			return len(candidates) - 1, true
		}
		n, ok := ordinals[w]
		if !ok && (len(words) == 1 || (i > 0 && numberWords[words[i-1]])) {
			if v, err := strconv.Atoi(w); err == nil {
				n, ok = v, true
			}
		}
		if ok && n >= 1 && n <= len(candidates) {
			return n - 1, true
		}
	}

	best, bestLen := -1, 0
	for i, c := range candidates {
		label := strings.ToLower(strings.TrimSpace(c.Label))
		if label == "" || !strings.Contains(lower, label) {
			continue
		}
		switch {
		case len(label) > bestLen:
			best, bestLen = i, len(label)
		case len(label) == bestLen:
			best = -1
		}
	}
	if best >= 0 {
		return best, true
	}
	return 0, false
}
