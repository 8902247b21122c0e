package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"planepi/internal/llm"
	"planepi/internal/tokens"
)

const titlePrompt = "Write a short title (at most 6 words) for a conversation that starts with the user message below. " +
	"Reply with the title only, no quotes or punctuation at the end."

const maxTitleLen = 80

// GenerateTitle asks the title model for a chat title and stores it.
func (m *Manager) GenerateTitle(ctx context.Context, chatID, userID, workspaceID, firstMessage string) (string, error) {
	if !m.title.Configured() {
		return "", llm.ErrNoProvider
	}
	ctx = tokens.WithUsage(ctx, tokens.Tag{Type: tokens.TypeTitle, ID: chatID, UserID: userID, WorkspaceID: workspaceID})
	resp, err := m.title.Chat(ctx, llm.Request{
		System:      titlePrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: firstMessage}},
		MaxTokens:   32,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := CleanTitle(resp.Text)
	if title == "" {
		return "", fmt.Errorf("generate title: empty title")
	}
	if err := m.store.SetChatTitle(ctx, chatID, title); err != nil {
		return "", fmt.Errorf("store title: %w", err)
	}
	return title, nil
}

func (m *Manager) TitlesEnabled() bool {
	return m.title.Configured()
}

// TitleAsync runs GenerateTitle off the request path. The channel yields the
// title, or nothing when generation failed, and is then closed.
func (m *Manager) TitleAsync(ctx context.Context, chatID, userID, workspaceID, firstMessage string) <-chan string {
	out := make(chan string, 1)
	go func() {
		defer close(out)
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
		defer cancel()
		title, err := m.GenerateTitle(tctx, chatID, userID, workspaceID, firstMessage)
		if err != nil {
			m.log.Warn().Err(err).Str("chat_id", chatID).Msg("title generation failed")
			return
		}
		out <- title
	}()
	return out
}

func CleanTitle(raw string) string {
	t := strings.TrimSpace(raw)
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	t = strings.Trim(t, "\"'`* ")
	t = strings.TrimPrefix(t, "Title:")
	t = strings.TrimSpace(strings.TrimRight(t, ".!"))
	if r := []rune(t); len(r) > maxTitleLen {
		t = strings.TrimSpace(string(r[:maxTitleLen]))
	}
	return t
}
