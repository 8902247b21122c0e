package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a guarded update matched no row because another
	// writer got there first.
	ErrConflict = errors.New("conflict")
)

var chatColumns = []string{
	"id", "user_id", "workspace_id", "workspace_slug", "title", "description",
	"is_favorite", "is_project_chat", "workspace_in_context", "deleted_at", "created_at", "updated_at",
}

// CreateChat inserts the chat unless a row with the same id already exists.
// created reports whether this call inserted it.
func (s *Store) CreateChat(ctx context.Context, c Chat) (created bool, err error) {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	now := s.now()
	q := s.sql.Insert("chats").
		Columns("id", "user_id", "workspace_id", "workspace_slug", "title", "description",
			"is_favorite", "is_project_chat", "workspace_in_context", "created_at", "updated_at").
		Values(c.ID, c.UserID, c.WorkspaceID, c.WorkspaceSlug, c.Title, c.Description,
			c.IsFavorite, c.IsProjectChat, c.WorkspaceInContext, now, now).
		Suffix("ON CONFLICT(id) DO NOTHING")
	n, err := s.exec(ctx, s.db, q, "create chat")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetChat(ctx context.Context, chatID, userID string) (Chat, error) {
	q := s.sql.Select(chatColumns...).
		From("chats").
		Where(sq.Eq{"id": chatID, "user_id": userID, "deleted_at": nil})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}
	c, err := scanChat(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

// ChatExists reports whether any row holds the id, whoever owns it and
// whether or not it was deleted.
func (s *Store) ChatExists(ctx context.Context, chatID string) (bool, error) {
	q := s.sql.Select("COUNT(1)").From("chats").Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build chat exists query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("chat exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListChats(ctx context.Context, userID string, workspaceID *string, limit uint64) ([]Chat, error) {
	where := sq.And{sq.Eq{"user_id": userID, "deleted_at": nil}}
	if workspaceID != nil {
		where = append(where, sq.Eq{"workspace_id": *workspaceID})
	}
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select(chatColumns...).
		From("chats").
		Where(where).
		OrderBy("updated_at DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

// SoftDeleteChat marks the chat deleted. Rows are never removed.
func (s *Store) SoftDeleteChat(ctx context.Context, chatID, userID string) error {
	now := s.now()
	q := s.sql.Update("chats").
		Set("deleted_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": chatID, "user_id": userID, "deleted_at": nil})
	n, err := s.exec(ctx, s.db, q, "soft delete chat")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetChatTitle(ctx context.Context, chatID, title string) error {
	q := s.sql.Update("chats").
		Set("title", title).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": chatID})
	_, err := s.exec(ctx, s.db, q, "set chat title")
	return err
}

func (s *Store) SetChatFavorite(ctx context.Context, chatID, userID string, favorite bool) error {
	q := s.sql.Update("chats").
		Set("is_favorite", favorite).
		Where(sq.Eq{"id": chatID, "user_id": userID, "deleted_at": nil})
	n, err := s.exec(ctx, s.db, q, "set chat favorite")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) TouchChat(ctx context.Context, chatID string) error {
	q := s.sql.Update("chats").Set("updated_at", s.now()).Where(sq.Eq{"id": chatID})
	_, err := s.exec(ctx, s.db, q, "touch chat")
	return err
}

// AppendChatPreference stores the user's current focus and mode for the chat.
func (s *Store) AppendChatPreference(ctx context.Context, p ChatPreference) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Mode == "" {
		p.Mode = ModeAsk
	}
	q := s.sql.Insert("user_chat_preferences").
		Columns("id", "chat_id", "user_id", "focus_entity_type", "focus_entity_id",
			"focus_project_id", "focus_workspace_id", "mode", "is_focus_enabled", "created_at").
		Values(p.ID, p.ChatID, p.UserID, p.FocusEntityType, p.FocusEntityID,
			p.FocusProjectID, p.FocusWorkspaceID, p.Mode, p.IsFocusEnabled, s.now())
	_, err := s.exec(ctx, s.db, q, "append chat preference")
	return err
}

func (s *Store) LatestChatPreference(ctx context.Context, chatID, userID string) (ChatPreference, error) {
	q := s.sql.Select("id", "chat_id", "user_id", "focus_entity_type", "focus_entity_id",
		"focus_project_id", "focus_workspace_id", "mode", "is_focus_enabled", "created_at").
		From("user_chat_preferences").
		Where(sq.Eq{"chat_id": chatID, "user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatPreference{}, fmt.Errorf("build latest preference query: %w", err)
	}
	var p ChatPreference
	var fet, fei, fpi, fwi sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&p.ID, &p.ChatID, &p.UserID, &fet, &fei, &fpi, &fwi, &p.Mode, &p.IsFocusEnabled, &p.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatPreference{}, ErrNotFound
		}
		return ChatPreference{}, fmt.Errorf("latest chat preference: %w", err)
	}
	p.FocusEntityType = nullable(fet)
	p.FocusEntityID = nullable(fei)
	p.FocusProjectID = nullable(fpi)
	p.FocusWorkspaceID = nullable(fwi)
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(r rowScanner) (Chat, error) {
	var c Chat
	var workspaceID sql.NullString
	var deletedAt sql.NullTime
	if err := r.Scan(
		&c.ID, &c.UserID, &workspaceID, &c.WorkspaceSlug, &c.Title, &c.Description,
		&c.IsFavorite, &c.IsProjectChat, &c.WorkspaceInContext, &deletedAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return Chat{}, err
	}
	c.WorkspaceID = nullable(workspaceID)
	c.DeletedAt = nullableTime(deletedAt)
	return c, nil
}

func nullable(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(raw string) []string {
	out := []string{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func jsonOrEmpty(raw string) string {
	if strings.TrimSpace(raw) == "" || !json.Valid([]byte(raw)) {
		return "{}"
	}
	return raw
}
