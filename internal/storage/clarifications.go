package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var clarificationColumns = []string{
	"id", "chat_id", "message_id", "workspace_id", "kind", "pending", "original_query", "payload",
	"categories", "method_tool_names", "bound_tool_names", "answer_text", "resolved_by_message_id",
	"resolved_at", "created_at",
}

// CreatePendingClarification supersedes any clarification still pending for
// the chat and inserts c as the only pending one, in a single transaction.
// It returns the number of superseded rows.
func (s *Store) CreatePendingClarification(ctx context.Context, c Clarification) (Clarification, int64, error) {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	c.Pending = true
	c.Payload = jsonOrEmpty(c.Payload)
	c.CreatedAt = s.now()

	var superseded int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		up := s.sql.Update("message_clarifications").
			Set("pending", false).
			Set("superseded_at", c.CreatedAt).
			Where(sq.Eq{"chat_id": c.ChatID, "pending": true})
		n, err := s.exec(ctx, tx, up, "supersede pending clarifications")
		if err != nil {
			return err
		}
		superseded = n

		ins := s.sql.Insert("message_clarifications").
			Columns("id", "chat_id", "message_id", "workspace_id", "kind", "pending", "original_query", "payload",
				"categories", "method_tool_names", "bound_tool_names", "created_at").
			Values(c.ID, c.ChatID, c.MessageID, c.WorkspaceID, c.Kind, true, c.OriginalQuery, c.Payload,
				encodeList(c.Categories), encodeList(c.MethodToolNames), encodeList(c.BoundToolNames), c.CreatedAt)
		_, err = s.exec(ctx, tx, ins, "insert clarification")
		return err
	})
	if err != nil {
		return Clarification{}, 0, err
	}
	return c, superseded, nil
}

// LatestPendingClarification returns the most recently created pending
// clarification for the chat, or ErrNotFound.
func (s *Store) LatestPendingClarification(ctx context.Context, chatID string) (Clarification, error) {
	q := s.sql.Select(clarificationColumns...).
		From("message_clarifications").
		Where(sq.Eq{"chat_id": chatID, "pending": true}).
		OrderBy("created_at DESC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Clarification{}, fmt.Errorf("build pending clarification query: %w", err)
	}
	c, err := scanClarification(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Clarification{}, ErrNotFound
		}
		return Clarification{}, fmt.Errorf("get pending clarification: %w", err)
	}
	return c, nil
}

func (s *Store) CountPendingClarifications(ctx context.Context, chatID string) (int, error) {
	q := s.sql.Select("COUNT(1)").From("message_clarifications").Where(sq.Eq{"chat_id": chatID, "pending": true})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count clarifications query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending clarifications: %w", err)
	}
	return n, nil
}

// ResolveClarification flips a pending clarification to resolved. It only
// touches rows that are still pending, so a clarification resolves once.
func (s *Store) ResolveClarification(ctx context.Context, id, answer, resolvedByMessageID string) (time.Time, error) {
	now := s.now()
	q := s.sql.Update("message_clarifications").
		Set("pending", false).
		Set("answer_text", answer).
		Set("resolved_by_message_id", resolvedByMessageID).
		Set("resolved_at", now).
		Where(sq.Eq{"id": id, "pending": true})
	n, err := s.exec(ctx, s.db, q, "resolve clarification")
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, ErrNotFound
	}
	return now, nil
}

func (s *Store) GetClarification(ctx context.Context, id string) (Clarification, error) {
	q := s.sql.Select(clarificationColumns...).From("message_clarifications").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Clarification{}, fmt.Errorf("build get clarification query: %w", err)
	}
	c, err := scanClarification(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Clarification{}, ErrNotFound
		}
		return Clarification{}, fmt.Errorf("get clarification: %w", err)
	}
	return c, nil
}

func scanClarification(r rowScanner) (Clarification, error) {
	var c Clarification
	var workspaceID, answer, resolvedBy sql.NullString
	var categories, methods, bound string
	var resolvedAt sql.NullTime
	if err := r.Scan(
		&c.ID, &c.ChatID, &c.MessageID, &workspaceID, &c.Kind, &c.Pending, &c.OriginalQuery, &c.Payload,
		&categories, &methods, &bound, &answer, &resolvedBy, &resolvedAt, &c.CreatedAt,
	); err != nil {
		return Clarification{}, err
	}
	c.WorkspaceID = nullable(workspaceID)
	c.AnswerText = nullable(answer)
	c.ResolvedByMessageID = nullable(resolvedBy)
	c.ResolvedAt = nullableTime(resolvedAt)
	c.Categories = decodeList(categories)
	c.MethodToolNames = decodeList(methods)
	c.BoundToolNames = decodeList(bound)
	return c, nil
}
