package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"planepi/internal/queue"
	"planepi/internal/storage"
)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	text := strings.Join([]string{
		"Ask me anything about your Plane workspace.",
		"/start <code> links this chat to your account",
		"/new starts a new conversation",
	}, "\n")
	return s.reply(ctx, b, text)
}

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	code := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if code == "" {
		return s.help(b, ctx)
	}
	link, err := s.Link(context.Background(), ctx.EffectiveChat.Id, code)
	if errors.Is(err, queue.ErrUnknownCode) {
		return s.reply(ctx, b, msgBadCode)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("link failed")
		return s.reply(ctx, b, msgUnavailable)
	}
	return s.reply(ctx, b, fmt.Sprintf(msgLinked, link.WorkspaceSlug))
}

func (s *Service) newThread(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := s.NewThread(context.Background(), ctx.EffectiveChat.Id)
	if errors.Is(err, storage.ErrNotFound) {
		return s.reply(ctx, b, msgNotLinked)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("new thread failed")
		return s.reply(ctx, b, msgUnavailable)
	}
	return s.reply(ctx, b, msgNewThread)
}

func (s *Service) text(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	answer, err := s.Submit(context.Background(), Inbound{
		ExternalChat: ctx.EffectiveChat.Id,
		MessageID:    msg.MessageId,
		Text:         msg.GetText(),
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("external_chat", ctx.EffectiveChat.Id).Msg("failed to enqueue turn")
	}
	if answer != "" {
		return s.reply(ctx, b, answer)
	}
	if err == nil {
		_, _ = b.SendChatAction(ctx.EffectiveChat.Id, "typing", nil)
	}
	return nil
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
