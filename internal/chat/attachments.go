package chat

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"

	"planepi/internal/storage"
)

const (
	FileImage       = "image"
	FilePDF         = "pdf"
	FileDocument    = "document"
	FileSpreadsheet = "spreadsheet"
	FileAudio       = "audio"
	FileText        = "text"
	FileOther       = "other"
)

var extTypes = map[string]string{
	".png": FileImage, ".jpg": FileImage, ".jpeg": FileImage, ".gif": FileImage, ".webp": FileImage,
	".pdf": FilePDF,
	".doc": FileDocument, ".docx": FileDocument, ".odt": FileDocument, ".rtf": FileDocument,
	".xls": FileSpreadsheet, ".xlsx": FileSpreadsheet, ".ods": FileSpreadsheet, ".csv": FileSpreadsheet,
	".mp3": FileAudio, ".wav": FileAudio, ".m4a": FileAudio, ".ogg": FileAudio, ".webm": FileAudio,
	".txt": FileText, ".md": FileText, ".json": FileText,
}

// FileType classifies an upload from its MIME type, falling back to the
// file extension when the MIME type is missing or generic.
func FileType(filename, mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return FileImage
	case mt == "application/pdf":
		return FilePDF
	case strings.HasPrefix(mt, "audio/"):
		return FileAudio
	case mt == "text/csv", strings.Contains(mt, "spreadsheet"), strings.Contains(mt, "excel"):
		return FileSpreadsheet
	case strings.Contains(mt, "wordprocessing"), mt == "application/msword":
		return FileDocument
	case strings.HasPrefix(mt, "text/"):
		return FileText
	}
	if t, ok := extTypes[strings.ToLower(path.Ext(filename))]; ok {
		return t
	}
	return FileOther
}

type Upload struct {
	ChatID      string
	UserID      string
	WorkspaceID string
	Filename    string
	MimeType    string
	SizeBytes   int64
}

// CreateAttachment registers a pending upload. The caller stores the bytes
// under the returned storage key and then calls CompleteAttachment.
func (m *Manager) CreateAttachment(ctx context.Context, u Upload) (storage.Attachment, error) {
	name := path.Base(strings.TrimSpace(u.Filename))
	if name == "" || name == "." || name == "/" {
		return storage.Attachment{}, fmt.Errorf("attachment filename is required")
	}
	id := uuid.NewString()
	a := storage.Attachment{
		ID:         id,
		ChatID:     u.ChatID,
		UserID:     u.UserID,
		Filename:   name,
		MimeType:   u.MimeType,
		SizeBytes:  u.SizeBytes,
		FileType:   FileType(name, u.MimeType),
		StorageKey: storageKey(u.WorkspaceID, u.ChatID, id, name),
	}
	if u.WorkspaceID != "" {
		a.WorkspaceID = strPtr(u.WorkspaceID)
	}
	return m.store.CreateAttachment(ctx, a)
}

func (m *Manager) CompleteAttachment(ctx context.Context, id, userID string, ok bool) error {
	status := storage.AttachmentUploaded
	if !ok {
		status = storage.AttachmentFailed
	}
	return m.store.MarkAttachmentStatus(ctx, id, userID, status)
}

// LinkAttachmentsToMessage binds uploaded attachments to the message that
// references them. Each attachment links at most once.
func (m *Manager) LinkAttachmentsToMessage(ctx context.Context, chatID, userID, messageID string, ids []string) (int64, error) {
	n, err := m.store.LinkAttachmentsToMessage(ctx, chatID, userID, messageID, ids)
	if err != nil {
		return 0, fmt.Errorf("link attachments: %w", err)
	}
	if int(n) < len(ids) {
		m.log.Debug().Str("message_id", messageID).Int64("linked", n).Int("requested", len(ids)).Msg("some attachments were not linked")
	}
	return n, nil
}

func storageKey(workspaceID, chatID, id, filename string) string {
	if workspaceID == "" {
		workspaceID = "personal"
	}
	return path.Join("pi", workspaceID, chatID, id, filename)
}
