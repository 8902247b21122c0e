// Package dupes finds existing work items that duplicate a draft one.
package dupes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"planepi/internal/llm"
	"planepi/internal/planeapi"
	"planepi/internal/storage"
	"planepi/internal/tokens"
)

var ErrEmptyDraft = errors.New("draft has no title")

type Search interface {
	SearchWorkItems(ctx context.Context, slug, query, projectID string) (planeapi.List, error)
}

type Store interface {
	InsertDupesTracking(ctx context.Context, d storage.DupesTracking) (storage.DupesTracking, error)
	GetPricing(ctx context.Context, model string) (storage.Pricing, error)
}

type Config struct {
	Search        Search
	Store         Store
	Model         llm.Binding
	Log           zerolog.Logger
	MaxCandidates int
}

type Service struct {
	search Search
	store  Store
	model  llm.Binding
	log    zerolog.Logger
	max    int
	now    func() time.Time
}

func New(cfg Config) *Service {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 20
	}
	return &Service{
		search: cfg.Search,
		store:  cfg.Store,
		model:  cfg.Model,
		log:    cfg.Log.With().Str("component", "dupes").Logger(),
		max:    cfg.MaxCandidates,
		now:    time.Now,
	}
}

type Draft struct {
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceSlug string `json:"workspace_slug"`
	UserID        string `json:"user_id"`
	ProjectID     string `json:"project_id,omitempty"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
}

type Match struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

type Report struct {
	TrackingID string  `json:"tracking_id"`
	Matches    []Match `json:"matches"`
}

// Find searches for candidates, lets the model pick the real duplicates and
// records the run. Tracking failures are logged, not returned.
func (s *Service) Find(ctx context.Context, d Draft) (Report, error) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return Report{}, ErrEmptyDraft
	}
	start := s.now()

	cands, err := s.candidates(ctx, d)
	if err != nil {
		return Report{}, fmt.Errorf("search candidates: %w", err)
	}
	report := Report{Matches: []Match{}}
	var usage llm.Usage
	var model string
	if len(cands) > 0 {
		ctx = tokens.WithUsage(ctx, tokens.Tag{Type: tokens.TypeDuplicates, ID: d.WorkspaceID, UserID: d.UserID, WorkspaceID: d.WorkspaceID})
		resp, err := s.model.Chat(ctx, llm.Request{
			System:      prompt,
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: render(d, cands)}},
			JSONMode:    true,
			Temperature: 0,
			MaxTokens:   800,
		})
		if err != nil {
			return Report{}, fmt.Errorf("rank duplicates: %w", err)
		}
		usage, model = resp.Usage, resp.Model
		report.Matches = pick(resp.Text, cands)
	}
	report.TrackingID = s.track(ctx, d, report, usage, model, s.now().Sub(start))
	return report, nil
}

func (s *Service) candidates(ctx context.Context, d Draft) ([]Match, error) {
	queries := []string{d.Name}
	for _, w := range strings.Fields(d.Name) {
		w = strings.Trim(strings.ToLower(w), ".,:;!?\"'()[]")
		if len(w) > 3 && !stopwords[w] {
			queries = append(queries, w)
		}
	}
	seen := map[string]bool{}
	var out []Match
	for _, q := range queries {
		list, err := s.search.SearchWorkItems(ctx, d.WorkspaceSlug, q, d.ProjectID)
		if err != nil {
			return nil, err
		}
		for _, item := range list.Results {
			id, _ := item["id"].(string)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			name, _ := item["name"].(string)
			out = append(out, Match{ID: id, Name: name})
		}
		if len(out) >= s.max {
			break
		}
	}
	if len(out) > s.max {
		out = out[:s.max]
	}
	return out, nil
}

var stopwords = map[string]bool{"with": true, "from": true, "that": true, "this": true, "into": true, "when": true}

const prompt = `You detect duplicate work items. Given a draft and existing candidates, return JSON ` +
	`{"duplicates":[{"id":"<candidate id>","reason":"<short reason>"}]} listing only candidates that describe ` +
	`the same work as the draft. Return an empty list when none do.`

func render(d Draft, cands []Match) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DRAFT: %s\n", d.Name)
	if d.Description != "" {
		fmt.Fprintf(&b, "DESCRIPTION: %s\n", d.Description)
	}
	b.WriteString("CANDIDATES:\n")
	for _, c := range cands {
		fmt.Fprintf(&b, "- id=%s name=%q\n", c.ID, c.Name)
	}
	return b.String()
}

// pick keeps the model's choices that are real candidates, in candidate
// order.
func pick(raw string, cands []Match) []Match {
	var parsed struct {
		Duplicates []struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		} `json:"duplicates"`
	}
	raw = strings.TrimSpace(raw)
	if i, j := strings.IndexByte(raw, '{'), strings.LastIndexByte(raw, '}'); i >= 0 && j > i {
		raw = raw[i : j+1]
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return []Match{}
	}
	reasons := map[string]string{}
	for _, d := range parsed.Duplicates {
		reasons[d.ID] = strings.TrimSpace(d.Reason)
	}
	out := []Match{}
	for _, c := range cands {
		if reason, ok := reasons[c.ID]; ok {
			c.Reason = reason
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) track(ctx context.Context, d Draft, r Report, usage llm.Usage, model string, took time.Duration) string {
	if s.store == nil {
		return ""
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	in, _ := json.Marshal(d)
	out, _ := json.Marshal(map[string]any{"matches": r.Matches})
	row := storage.DupesTracking{
		WorkspaceID:      d.WorkspaceID,
		UserID:           d.UserID,
		Input:            string(in),
		Output:           string(out),
		DurationMs:       took.Milliseconds(),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
	if model != "" {
		if price, err := s.store.GetPricing(wctx, model); err == nil {
			row.CostUSD = tokens.Cost(usage, price)
		}
	}
	saved, err := s.store.InsertDupesTracking(wctx, row)
	if err != nil {
		s.log.Warn().Err(err).Str("workspace_id", d.WorkspaceID).Msg("record duplicate run failed")
		return ""
	}
	return saved.ID
}
