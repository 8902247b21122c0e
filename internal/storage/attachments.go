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

var attachmentColumns = []string{
	"id", "chat_id", "user_id", "workspace_id", "message_id", "filename", "mime_type", "size_bytes",
	"file_type", "status", "storage_key", "created_at",
}

func (s *Store) CreateAttachment(ctx context.Context, a Attachment) (Attachment, error) {
	if strings.TrimSpace(a.ID) == "" {
		a.ID = uuid.NewString()
	}
	a.Status = AttachmentPending
	a.MessageID = nil
	a.CreatedAt = s.now()
	q := s.sql.Insert("message_attachments").
		Columns(attachmentColumns...).
		Values(a.ID, a.ChatID, a.UserID, a.WorkspaceID, nil, a.Filename, a.MimeType, a.SizeBytes,
			a.FileType, a.Status, a.StorageKey, a.CreatedAt)
	if _, err := s.exec(ctx, s.db, q, "create attachment"); err != nil {
		return Attachment{}, err
	}
	return a, nil
}

func (s *Store) MarkAttachmentStatus(ctx context.Context, id, userID, status string) error {
	q := s.sql.Update("message_attachments").
		Set("status", status).
		Where(sq.Eq{"id": id, "user_id": userID})
	n, err := s.exec(ctx, s.db, q, "mark attachment status")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkAttachmentsToMessage binds uploaded, still-unlinked attachments owned by
// (chat, user) to the message. Already linked rows are left alone, so calling
// it twice links nothing the second time.
func (s *Store) LinkAttachmentsToMessage(ctx context.Context, chatID, userID, messageID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q := s.sql.Update("message_attachments").
		Set("message_id", messageID).
		Where(sq.Eq{
			"id":         ids,
			"chat_id":    chatID,
			"user_id":    userID,
			"status":     AttachmentUploaded,
			"message_id": nil,
		})
	return s.exec(ctx, s.db, q, "link attachments")
}

func (s *Store) GetAttachment(ctx context.Context, id, userID string) (Attachment, error) {
	q := s.sql.Select(attachmentColumns...).From("message_attachments").Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Attachment{}, fmt.Errorf("build get attachment query: %w", err)
	}
	a, err := scanAttachment(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attachment{}, ErrNotFound
		}
		return Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return a, nil
}

func (s *Store) ListAttachmentsForMessage(ctx context.Context, messageID string) ([]Attachment, error) {
	q := s.sql.Select(attachmentColumns...).
		From("message_attachments").
		Where(sq.Eq{"message_id": messageID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list attachments query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	out := make([]Attachment, 0)
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachment rows: %w", err)
	}
	return out, nil
}

func scanAttachment(r rowScanner) (Attachment, error) {
	var a Attachment
	var workspaceID, messageID sql.NullString
	if err := r.Scan(
		&a.ID, &a.ChatID, &a.UserID, &workspaceID, &messageID, &a.Filename, &a.MimeType, &a.SizeBytes,
		&a.FileType, &a.Status, &a.StorageKey, &a.CreatedAt,
	); err != nil {
		return Attachment{}, err
	}
	a.WorkspaceID = nullable(workspaceID)
	a.MessageID = nullable(messageID)
	return a, nil
}
