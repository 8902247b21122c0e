package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"planepi/internal/llm"
	"planepi/internal/storage"
)

// ErrHistoryUnavailable means the chat exists but its history could not be
// loaded. Callers surface it as a retryable failure.
var ErrHistoryUnavailable = errors.New("chat history unavailable")

type Store interface {
	CreateChat(ctx context.Context, c storage.Chat) (bool, error)
	ChatExists(ctx context.Context, chatID string) (bool, error)
	GetChat(ctx context.Context, chatID, userID string) (storage.Chat, error)
	ListChats(ctx context.Context, userID string, workspaceID *string, limit uint64) ([]storage.Chat, error)
	SoftDeleteChat(ctx context.Context, chatID, userID string) error
	SetChatTitle(ctx context.Context, chatID, title string) error
	SetChatFavorite(ctx context.Context, chatID, userID string, favorite bool) error
	TouchChat(ctx context.Context, chatID string) error
	AppendChatPreference(ctx context.Context, p storage.ChatPreference) error
	InsertMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	GetMessage(ctx context.Context, messageID string) (storage.Message, error)
	ListMessages(ctx context.Context, chatID string, limit uint64) ([]storage.Message, error)
	CreateAttachment(ctx context.Context, a storage.Attachment) (storage.Attachment, error)
	MarkAttachmentStatus(ctx context.Context, id, userID, status string) error
	LinkAttachmentsToMessage(ctx context.Context, chatID, userID, messageID string, ids []string) (int64, error)
}

type Config struct {
	Store        Store
	Title        llm.Binding
	Log          zerolog.Logger
	HistoryLimit uint64
	WriteTimeout time.Duration
}

type Manager struct {
	store   Store
	title   llm.Binding
	log     zerolog.Logger
	history uint64
	wait    time.Duration
}

func New(cfg Config) *Manager {
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 30
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Manager{
		store:   cfg.Store,
		title:   cfg.Title,
		log:     cfg.Log.With().Str("component", "chat").Logger(),
		history: cfg.HistoryLimit,
		wait:    cfg.WriteTimeout,
	}
}

// Data is what a turn knows about its chat before touching storage.
type Data struct {
	ChatID             string
	UserID             string
	WorkspaceID        string
	WorkspaceSlug      string
	IsNew              bool
	IsProjectChat      bool
	WorkspaceInContext bool
	Mode               string
	FocusEntityType    string
	FocusEntityID      string
	IsFocusEnabled     bool
}

func (d Data) preference() storage.ChatPreference {
	p := storage.ChatPreference{
		ChatID:         d.ChatID,
		UserID:         d.UserID,
		Mode:           d.Mode,
		IsFocusEnabled: d.IsFocusEnabled,
	}
	if d.FocusEntityType != "" && d.FocusEntityID != "" {
		p.FocusEntityType = strPtr(d.FocusEntityType)
		p.FocusEntityID = strPtr(d.FocusEntityID)
		// legacy readers only understand these two
		switch d.FocusEntityType {
		case "project":
			p.FocusProjectID = strPtr(d.FocusEntityID)
		case "workspace":
			p.FocusWorkspaceID = strPtr(d.FocusEntityID)
		}
	}
	return p
}

// Exists reports whether the user's live chat is already stored. A chat id
// that is taken by another user, or was deleted, is storage.ErrNotFound so
// the caller never writes into it.
func (m *Manager) Exists(ctx context.Context, chatID, userID string) (bool, error) {
	_, err := m.store.GetChat(ctx, chatID, userID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	taken, err := m.store.ChatExists(ctx, chatID)
	if err != nil {
		return false, err
	}
	if taken {
		return false, storage.ErrNotFound
	}
	return false, nil
}

// InitializeChatContext bootstraps the chat for a turn. A new chat that is
// not yet stored is created with an empty title. The preference snapshot is
// always appended. For an existing chat the stored conversation is replayed
// as LLM messages; a failure there returns ErrHistoryUnavailable.
func (m *Manager) InitializeChatContext(ctx context.Context, d Data, chatExists bool) ([]llm.Message, error) {
	if strings.TrimSpace(d.ChatID) == "" || strings.TrimSpace(d.UserID) == "" {
		return nil, fmt.Errorf("initialize chat: chat id and user id are required")
	}

	if d.IsNew && !chatExists {
		c := storage.Chat{
			ID:                 d.ChatID,
			UserID:             d.UserID,
			WorkspaceSlug:      d.WorkspaceSlug,
			IsProjectChat:      d.IsProjectChat,
			WorkspaceInContext: d.WorkspaceInContext,
		}
		if d.WorkspaceID != "" {
			c.WorkspaceID = strPtr(d.WorkspaceID)
		}
		created, err := m.store.CreateChat(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("create chat: %w", err)
		}
		if created {
			m.log.Debug().Str("chat_id", d.ChatID).Msg("chat created")
		}
	}

	if err := m.store.AppendChatPreference(ctx, d.preference()); err != nil {
		return nil, fmt.Errorf("store chat preference: %w", err)
	}

	if d.IsNew {
		return []llm.Message{}, nil
	}

	msgs, err := m.store.ListMessages(ctx, d.ChatID, m.history)
	if err != nil {
		m.log.Warn().Err(err).Str("chat_id", d.ChatID).Msg("load chat history failed")
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	return ProcessConvHistory(msgs), nil
}

// AppendMessage persists a message on a short-lived context so the write
// lands even if the request that produced it is gone.
func (m *Manager) AppendMessage(ctx context.Context, msg storage.Message) (storage.Message, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.wait)
	defer cancel()
	stored, err := m.store.InsertMessage(wctx, msg)
	if err != nil {
		return storage.Message{}, fmt.Errorf("store %s message: %w", msg.Role, err)
	}
	if err := m.store.TouchChat(wctx, msg.ChatID); err != nil {
		m.log.Debug().Err(err).Str("chat_id", msg.ChatID).Msg("touch chat failed")
	}
	return stored, nil
}

// UserMessage returns a message the user already sent in the chat.
func (m *Manager) UserMessage(ctx context.Context, chatID, userID, messageID string) (storage.Message, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return storage.Message{}, err
	}
	if msg.ChatID != chatID || msg.UserID != userID || msg.Role != storage.RoleUser {
		return storage.Message{}, storage.ErrNotFound
	}
	return msg, nil
}

func (m *Manager) List(ctx context.Context, userID, workspaceID string, limit uint64) ([]storage.Chat, error) {
	var ws *string
	if workspaceID != "" {
		ws = &workspaceID
	}
	return m.store.ListChats(ctx, userID, ws, limit)
}

func (m *Manager) Get(ctx context.Context, chatID, userID string) (storage.Chat, error) {
	return m.store.GetChat(ctx, chatID, userID)
}

func (m *Manager) Delete(ctx context.Context, chatID, userID string) error {
	return m.store.SoftDeleteChat(ctx, chatID, userID)
}

func (m *Manager) Favorite(ctx context.Context, chatID, userID string, favorite bool) error {
	return m.store.SetChatFavorite(ctx, chatID, userID, favorite)
}

// History returns the stored messages oldest first.
func (m *Manager) History(ctx context.Context, chatID, userID string) ([]storage.Message, error) {
	if _, err := m.store.GetChat(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return m.store.ListMessages(ctx, chatID, 0)
}

func strPtr(s string) *string { return &s }
