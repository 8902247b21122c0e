package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

func (s *Store) InsertLLMUsage(ctx context.Context, u LLMUsage) (LLMUsage, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = s.now()
	q := s.sql.Insert("llm_usage").
		Columns("id", "user_id", "workspace_id", "usage_type", "usage_id", "requested_model", "model",
			"model_verified", "prompt_tokens", "completion_tokens", "cached_tokens", "cost_usd", "created_at").
		Values(u.ID, u.UserID, u.WorkspaceID, u.UsageType, u.UsageID, u.RequestedModel, u.Model,
			u.ModelVerified, u.PromptTokens, u.CompletionTokens, u.CachedTokens, u.CostUSD, u.CreatedAt)
	if _, err := s.exec(ctx, s.db, q, "insert llm usage"); err != nil {
		return LLMUsage{}, err
	}
	return u, nil
}

func (s *Store) ListLLMUsage(ctx context.Context, usageType, usageID string) ([]LLMUsage, error) {
	q := s.sql.Select("id", "user_id", "workspace_id", "usage_type", "usage_id", "requested_model", "model",
		"model_verified", "prompt_tokens", "completion_tokens", "cached_tokens", "cost_usd", "created_at").
		From("llm_usage").
		Where(sq.Eq{"usage_type": usageType, "usage_id": usageID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list usage query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list llm usage: %w", err)
	}
	defer rows.Close()

	out := make([]LLMUsage, 0)
	for rows.Next() {
		var u LLMUsage
		var userID, workspaceID sql.NullString
		if err := rows.Scan(&u.ID, &userID, &workspaceID, &u.UsageType, &u.UsageID, &u.RequestedModel, &u.Model,
			&u.ModelVerified, &u.PromptTokens, &u.CompletionTokens, &u.CachedTokens, &u.CostUSD, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		u.UserID = nullable(userID)
		u.WorkspaceID = nullable(workspaceID)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertPricing(ctx context.Context, p Pricing) error {
	q := s.sql.Insert("llm_pricing").
		Columns("model", "input_per_mtok", "cached_input_per_mtok", "output_per_mtok", "updated_at").
		Values(strings.ToLower(strings.TrimSpace(p.Model)), p.InputPerMTok, p.CachedInputPerMTok, p.OutputPerMTok, s.now()).
		Suffix("ON CONFLICT(model) DO UPDATE SET input_per_mtok=excluded.input_per_mtok, cached_input_per_mtok=excluded.cached_input_per_mtok, output_per_mtok=excluded.output_per_mtok, updated_at=excluded.updated_at")
	_, err := s.exec(ctx, s.db, q, "upsert pricing")
	return err
}

// GetPricing looks up the price row for a model. Provider model ids often
// carry a dated suffix ("gpt-4o-2024-08-06"), so when there is no exact row
// the longest priced prefix wins.
func (s *Store) GetPricing(ctx context.Context, model string) (Pricing, error) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return Pricing{}, ErrNotFound
	}
	q := s.sql.Select("model", "input_per_mtok", "cached_input_per_mtok", "output_per_mtok").From("llm_pricing")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Pricing{}, fmt.Errorf("build pricing query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return Pricing{}, fmt.Errorf("list pricing: %w", err)
	}
	defer rows.Close()

	candidates := make([]Pricing, 0)
	for rows.Next() {
		var p Pricing
		if err := rows.Scan(&p.Model, &p.InputPerMTok, &p.CachedInputPerMTok, &p.OutputPerMTok); err != nil {
			return Pricing{}, fmt.Errorf("scan pricing row: %w", err)
		}
		if p.Model == model {
			return p, nil
		}
		if strings.HasPrefix(model, p.Model) {
			candidates = append(candidates, p)
		}
	}
	if err := rows.Err(); err != nil {
		return Pricing{}, fmt.Errorf("iterate pricing rows: %w", err)
	}
	if len(candidates) == 0 {
		return Pricing{}, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return len(candidates[i].Model) > len(candidates[j].Model) })
	return candidates[0], nil
}

// InsertDupesTracking appends an audit row. Rows are never updated.
func (s *Store) InsertDupesTracking(ctx context.Context, d DupesTracking) (DupesTracking, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Input = jsonOrEmpty(d.Input)
	d.Output = jsonOrEmpty(d.Output)
	d.CreatedAt = s.now()
	q := s.sql.Insert("dupes_tracking").
		Columns("id", "workspace_id", "user_id", "input", "output", "duration_ms", "prompt_tokens",
			"completion_tokens", "cost_usd", "created_at").
		Values(d.ID, d.WorkspaceID, d.UserID, d.Input, d.Output, d.DurationMs, d.PromptTokens,
			d.CompletionTokens, d.CostUSD, d.CreatedAt)
	if _, err := s.exec(ctx, s.db, q, "insert dupes tracking"); err != nil {
		return DupesTracking{}, err
	}
	return d, nil
}

func (s *Store) GetDupesTracking(ctx context.Context, id string) (DupesTracking, error) {
	q := s.sql.Select("id", "workspace_id", "user_id", "input", "output", "duration_ms", "prompt_tokens",
		"completion_tokens", "cost_usd", "created_at").
		From("dupes_tracking").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return DupesTracking{}, fmt.Errorf("build get dupes query: %w", err)
	}
	var d DupesTracking
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&d.ID, &d.WorkspaceID, &d.UserID, &d.Input, &d.Output,
		&d.DurationMs, &d.PromptTokens, &d.CompletionTokens, &d.CostUSD, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DupesTracking{}, ErrNotFound
		}
		return DupesTracking{}, fmt.Errorf("get dupes tracking: %w", err)
	}
	return d, nil
}
