package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var messageColumns = []string{
	"id", "chat_id", "user_id", "workspace_id", "role", "content", "source", "position",
	"tool_trace", "feedback", "reaction", "created_at",
}

// InsertMessage appends a message at the end of its chat. Position is
// assigned inside the transaction so messages stay strictly ordered.
func (s *Store) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	if m.Source == "" {
		m.Source = SourceWeb
	}
	if strings.TrimSpace(m.ToolTrace) == "" {
		m.ToolTrace = "[]"
	}
	m.CreatedAt = s.now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q := s.sql.Select("COALESCE(MAX(position), 0)").From("messages").Where(sq.Eq{"chat_id": m.ChatID})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build message position query: %w", err)
		}
		var last int
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&last); err != nil {
			return fmt.Errorf("message position: %w", err)
		}
		m.Position = last + 1

		ins := s.sql.Insert("messages").
			Columns("id", "chat_id", "user_id", "workspace_id", "role", "content", "source", "position", "tool_trace", "created_at").
			Values(m.ID, m.ChatID, m.UserID, m.WorkspaceID, m.Role, m.Content, m.Source, m.Position, m.ToolTrace, m.CreatedAt)
		_, err = s.exec(ctx, tx, ins, "insert message")
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string, limit uint64) ([]Message, error) {
	q := s.sql.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("position DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var workspaceID, feedback, reaction sql.NullString
		if err := rows.Scan(
			&m.ID, &m.ChatID, &m.UserID, &workspaceID, &m.Role, &m.Content, &m.Source, &m.Position,
			&m.ToolTrace, &feedback, &reaction, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.WorkspaceID = nullable(workspaceID)
		m.Feedback = nullable(feedback)
		m.Reaction = nullable(reaction)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	// newest-first from the query, oldest-first for callers
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SetMessageFeedback updates the only mutable fields of a message.
func (s *Store) SetMessageFeedback(ctx context.Context, messageID, userID string, feedback, reaction *string) error {
	q := s.sql.Update("messages").
		Set("feedback", feedback).
		Set("reaction", reaction).
		Where(sq.Eq{"id": messageID, "user_id": userID})
	n, err := s.exec(ctx, s.db, q, "set message feedback")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (Message, error) {
	q := s.sql.Select(messageColumns...).From("messages").Where(sq.Eq{"id": messageID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build get message query: %w", err)
	}
	var m Message
	var workspaceID, feedback, reaction sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&m.ID, &m.ChatID, &m.UserID, &workspaceID, &m.Role, &m.Content, &m.Source, &m.Position,
		&m.ToolTrace, &feedback, &reaction, &m.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	m.WorkspaceID = nullable(workspaceID)
	m.Feedback = nullable(feedback)
	m.Reaction = nullable(reaction)
	return m, nil
}
