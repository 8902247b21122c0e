// Package telegram is the app-integration channel: a linked Telegram chat
// talks to Pi through queued turns.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"planepi/internal/metrics"
	"planepi/internal/queue"
	"planepi/internal/storage"
)

const Provider = "telegram"

const (
	msgNotLinked   = "This chat is not linked yet. Generate a link code in Plane and send /start <code>."
	msgBadCode     = "That link code is invalid or expired. Generate a new one in Plane."
	msgLinked      = "Linked to workspace %s. Send me a question to get started."
	msgNewThread   = "Started a new conversation."
	msgUnavailable = "Pi is unavailable right now. Please try again later."
	msgRateLimited = "You've reached the hourly message limit. Try again after %s."
)

type Links interface {
	GetIntegrationLink(ctx context.Context, provider, externalChatID string) (storage.IntegrationLink, error)
	UpsertIntegrationLink(ctx context.Context, l storage.IntegrationLink) (storage.IntegrationLink, error)
	SetIntegrationChat(ctx context.Context, provider, externalChatID, chatID string) error
}

type Service struct {
	links       Links
	codes       *queue.LinkCodes
	queue       *queue.StreamQueue
	rateLimiter *queue.RateLimiter
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Config struct {
	Links       Links
	Codes       *queue.LinkCodes
	Queue       *queue.StreamQueue
	RateLimiter *queue.RateLimiter
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{
		links:       cfg.Links,
		codes:       cfg.Codes,
		queue:       cfg.Queue,
		rateLimiter: cfg.RateLimiter,
		logger:      cfg.Logger.With().Str("component", "telegram").Logger(),
		metrics:     m,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("new", s.newThread))
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg) && !strings.HasPrefix(msg.Text, "/")
	}, s.text))
}

// Link consumes a one-time code and binds the external chat to the code's
// user and workspace. A relinked chat starts without a thread.
func (s *Service) Link(ctx context.Context, externalChat int64, code string) (storage.IntegrationLink, error) {
	target, err := s.codes.Consume(ctx, code)
	if err != nil {
		return storage.IntegrationLink{}, err
	}
	link, err := s.links.UpsertIntegrationLink(ctx, storage.IntegrationLink{
		Provider:       Provider,
		ExternalChatID: chatKey(externalChat),
		UserID:         target.UserID,
		WorkspaceID:    target.WorkspaceID,
		WorkspaceSlug:  target.WorkspaceSlug,
	})
	if err != nil {
		return storage.IntegrationLink{}, fmt.Errorf("save link: %w", err)
	}
	s.logger.Info().Int64("external_chat", externalChat).Str("workspace", target.WorkspaceSlug).Msg("chat linked")
	return link, nil
}

// NewThread points the linked chat at a fresh Pi chat id.
func (s *Service) NewThread(ctx context.Context, externalChat int64) (string, error) {
	chatID := uuid.NewString()
	if err := s.links.SetIntegrationChat(ctx, Provider, chatKey(externalChat), chatID); err != nil {
		return "", err
	}
	return chatID, nil
}

type Inbound struct {
	ExternalChat int64
	MessageID    int64
	Text         string
}

// Submit turns an inbound message into a queued turn. The returned text,
// when non-empty, is sent back right away.
func (s *Service) Submit(ctx context.Context, in Inbound) (string, error) {
	query := strings.TrimSpace(in.Text)
	if query == "" {
		return "", nil
	}
	link, err := s.links.GetIntegrationLink(ctx, Provider, chatKey(in.ExternalChat))
	if errors.Is(err, storage.ErrNotFound) {
		return msgNotLinked, nil
	}
	if err != nil {
		return msgUnavailable, fmt.Errorf("load link: %w", err)
	}

	if s.rateLimiter != nil {
		ok, _, resetAt, err := s.rateLimiter.Allow(ctx, link.UserID, s.now())
		if err != nil {
			s.logger.Error().Err(err).Msg("rate limiter failed")
		} else if !ok {
			return fmt.Sprintf(msgRateLimited, resetAt.Format("15:04 UTC")), nil
		}
	}

	isNew := false
	chatID := ""
	if link.ChatID != nil {
		chatID = *link.ChatID
	} else {
		if chatID, err = s.NewThread(ctx, in.ExternalChat); err != nil {
			return msgUnavailable, fmt.Errorf("start thread: %w", err)
		}
		isNew = true
	}

	job := queue.TurnJob{
		Provider:      Provider,
		ExternalChat:  in.ExternalChat,
		ReplyTo:       in.MessageID,
		ChatID:        chatID,
		UserID:        link.UserID,
		WorkspaceID:   link.WorkspaceID,
		WorkspaceSlug: link.WorkspaceSlug,
		Query:         query,
		IsNew:         isNew,
	}
	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		return msgUnavailable, err
	}
	s.metrics.EnqueuedJobs.Inc()
	return "", nil
}

func chatKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
