package chat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planepi/internal/llm"
	"planepi/internal/storage"
)

func newManager(t *testing.T, title llm.Provider) (*Manager, *storage.Store) {
	t.Helper()
	st, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "pi.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	cfg := Config{Store: st, Log: zerolog.Nop()}
	if title != nil {
		cfg.Title = llm.Binding{Provider: title, Model: "title-model"}
	}
	return New(cfg), st
}

func newChat() Data {
	return Data{
		ChatID:          "chat-1",
		UserID:          "user-1",
		WorkspaceID:     "ws-1",
		WorkspaceSlug:   "acme",
		IsNew:           true,
		Mode:            storage.ModeBuild,
		FocusEntityType: "project",
		FocusEntityID:   "proj-uuid",
		IsFocusEnabled:  true,
	}
}

func TestInitializeTwiceCreatesOneChat(t *testing.T) {
	m, st := newManager(t, nil)
	ctx := context.Background()

	hist, err := m.InitializeChatContext(ctx, newChat(), false)
	require.NoError(t, err)
	assert.Empty(t, hist)

	second := newChat()
	second.Mode = storage.ModeAsk
	_, err = m.InitializeChatContext(ctx, second, false)
	require.NoError(t, err)

	chats, err := st.ListChats(ctx, "user-1", nil, 0)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "", chats[0].Title)

	pref, err := st.LatestChatPreference(ctx, "chat-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, storage.ModeAsk, pref.Mode)
	require.NotNil(t, pref.FocusProjectID)
	assert.Equal(t, "proj-uuid", *pref.FocusProjectID)
}

func TestInitializeReplaysHistoryWithToolCalls(t *testing.T) {
	m, _ := newManager(t, nil)
	ctx := context.Background()
	_, err := m.InitializeChatContext(ctx, newChat(), false)
	require.NoError(t, err)

	_, err = m.AppendMessage(ctx, storage.Message{ChatID: "chat-1", UserID: "user-1", Role: storage.RoleUser, Content: "list my projects"})
	require.NoError(t, err)
	_, err = m.AppendMessage(ctx, storage.Message{
		ChatID:  "chat-1",
		UserID:  "user-1",
		Role:    storage.RoleAssistant,
		Content: "You have one project, PROJ.",
		ToolTrace: EncodeTrace([]TraceEntry{
			{CallID: "call_1", Name: "projects_list", Arguments: `{}`, Result: `{"success":true}`},
		}),
	})
	require.NoError(t, err)

	d := newChat()
	d.IsNew = false
	hist, err := m.InitializeChatContext(ctx, d, true)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, llm.RoleUser, hist[0].Role)
	assert.Equal(t, llm.RoleAssistant, hist[1].Role)
	require.Len(t, hist[1].ToolCalls, 1)
	assert.Equal(t, "projects_list", hist[1].ToolCalls[0].Name)
	assert.Equal(t, llm.RoleTool, hist[2].Role)
	assert.Equal(t, "call_1", hist[2].ToolCallID)
	assert.Equal(t, "You have one project, PROJ.", hist[3].Content)
}

type brokenHistory struct{ Store }

func (brokenHistory) AppendChatPreference(context.Context, storage.ChatPreference) error { return nil }

func (brokenHistory) ListMessages(context.Context, string, uint64) ([]storage.Message, error) {
	return nil, errors.New("connection reset")
}

func TestHistoryFailureIsReported(t *testing.T) {
	m := New(Config{Store: brokenHistory{}, Log: zerolog.Nop()})
	d := newChat()
	d.IsNew = false

	_, err := m.InitializeChatContext(context.Background(), d, true)
	require.ErrorIs(t, err, ErrHistoryUnavailable)
}

func TestLinkAttachmentsOnce(t *testing.T) {
	m, st := newManager(t, nil)
	ctx := context.Background()
	_, err := m.InitializeChatContext(ctx, newChat(), false)
	require.NoError(t, err)

	a, err := m.CreateAttachment(ctx, Upload{ChatID: "chat-1", UserID: "user-1", WorkspaceID: "ws-1", Filename: "spec.pdf", MimeType: "application/pdf", SizeBytes: 10})
	require.NoError(t, err)
	assert.Equal(t, FilePDF, a.FileType)
	assert.Equal(t, "pi/ws-1/chat-1/"+a.ID+"/spec.pdf", a.StorageKey)

	n, err := m.LinkAttachmentsToMessage(ctx, "chat-1", "user-1", "msg-1", []string{a.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "pending uploads are not linked")

	require.NoError(t, m.CompleteAttachment(ctx, a.ID, "user-1", true))
	n, err = m.LinkAttachmentsToMessage(ctx, "chat-1", "user-1", "msg-1", []string{a.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = m.LinkAttachmentsToMessage(ctx, "chat-1", "user-1", "msg-1", []string{a.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	linked, err := st.ListAttachmentsForMessage(ctx, "msg-1")
	require.NoError(t, err)
	require.Len(t, linked, 1)
}

func TestFileType(t *testing.T) {
	cases := []struct {
		name, mime, want string
	}{
		{"a.png", "image/png", FileImage},
		{"a.bin", "application/pdf", FilePDF},
		{"sheet.csv", "text/csv", FileSpreadsheet},
		{"notes.md", "text/markdown; charset=utf-8", FileText},
		{"memo.docx", "application/octet-stream", FileDocument},
		{"voice.m4a", "", FileAudio},
		{"blob", "application/octet-stream", FileOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FileType(tc.name, tc.mime), tc.name)
	}
}

func TestTitleAsyncStoresTitle(t *testing.T) {
	fake := &llm.Fake{Responses: []llm.Response{{Text: "\"Sprint planning for PROJ.\"\n"}}}
	m, st := newManager(t, fake)
	ctx := context.Background()
	_, err := m.InitializeChatContext(ctx, newChat(), false)
	require.NoError(t, err)

	select {
	case title, ok := <-m.TitleAsync(ctx, "chat-1", "user-1", "ws-1", "help me plan the sprint"):
		require.True(t, ok)
		assert.Equal(t, "Sprint planning for PROJ", title)
	case <-time.After(5 * time.Second):
		t.Fatal("title generation did not finish")
	}

	c, err := st.GetChat(ctx, "chat-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Sprint planning for PROJ", c.Title)
	assert.Equal(t, "title-model", fake.Calls[0].Model)
}

func TestTitleWithoutProvider(t *testing.T) {
	m, _ := newManager(t, nil)
	_, err := m.GenerateTitle(context.Background(), "chat-1", "user-1", "", "hi")
	require.ErrorIs(t, err, llm.ErrNoProvider)
}
