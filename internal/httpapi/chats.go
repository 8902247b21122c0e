package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"planepi/internal/chat"
	"planepi/internal/features"
	"planepi/internal/orchestrator"
	"planepi/internal/sse"
	"planepi/internal/storage"
)

type chatJSON struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	WorkspaceID        *string   `json:"workspace_id"`
	WorkspaceSlug      string    `json:"workspace_slug"`
	IsFavorite         bool      `json:"is_favorite"`
	IsProjectChat      bool      `json:"is_project_chat"`
	WorkspaceInContext bool      `json:"workspace_in_context"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func toChat(c storage.Chat) chatJSON {
	return chatJSON{
		ID:                 c.ID,
		Title:              c.Title,
		WorkspaceID:        c.WorkspaceID,
		WorkspaceSlug:      c.WorkspaceSlug,
		IsFavorite:         c.IsFavorite,
		IsProjectChat:      c.IsProjectChat,
		WorkspaceInContext: c.WorkspaceInContext,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

type messageJSON struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Source    string            `json:"source"`
	Position  int               `json:"position"`
	ToolTrace []chat.TraceEntry `json:"tool_trace,omitempty"`
	Feedback  *string           `json:"feedback,omitempty"`
	Reaction  *string           `json:"reaction,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type chatContext struct {
	Mode               string `json:"mode"`
	FocusEntityType    string `json:"focus_entity_type"`
	FocusEntityID      string `json:"focus_entity_id"`
	IsFocusEnabled     bool   `json:"is_focus_enabled"`
	IsProjectChat      bool   `json:"is_project_chat"`
	WorkspaceInContext bool   `json:"workspace_in_context"`
}

type initializeRequest struct {
	ChatID string `json:"chat_id"`
	chatContext
}

func (s *Server) initializeChat(c echo.Context) error {
	var req initializeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id := who(c)
	ctx := c.Request().Context()
	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		chatID = uuid.NewString()
	}
	exists, err := s.chats.Exists(ctx, chatID, id.UserID)
	if err != nil {
		return storageError(err, "chat")
	}
	_, err = s.chats.InitializeChatContext(ctx, chat.Data{
		ChatID:             chatID,
		UserID:             id.UserID,
		WorkspaceID:        id.WorkspaceID,
		WorkspaceSlug:      id.WorkspaceSlug,
		IsNew:              !exists,
		IsProjectChat:      req.IsProjectChat,
		WorkspaceInContext: req.WorkspaceInContext,
		Mode:               req.Mode,
		FocusEntityType:    req.FocusEntityType,
		FocusEntityID:      req.FocusEntityID,
		IsFocusEnabled:     req.IsFocusEnabled,
	}, exists)
	if err != nil && !errors.Is(err, chat.ErrHistoryUnavailable) {
		return storageError(err, "chat")
	}
	return c.JSON(http.StatusOK, map[string]any{"chat_id": chatID, "is_new": !exists})
}

func (s *Server) listChats(c echo.Context) error {
	id := who(c)
	limit, _ := strconv.ParseUint(c.QueryParam("limit"), 10, 64)
	chats, err := s.chats.List(c.Request().Context(), id.UserID, id.WorkspaceID, limit)
	if err != nil {
		return storageError(err, "chats")
	}
	out := make([]chatJSON, 0, len(chats))
	for _, ch := range chats {
		out = append(out, toChat(ch))
	}
	return c.JSON(http.StatusOK, map[string]any{"chats": out})
}

func (s *Server) getChat(c echo.Context) error {
	id := who(c)
	ctx := c.Request().Context()
	ch, err := s.chats.Get(ctx, c.Param("id"), id.UserID)
	if err != nil {
		return storageError(err, "chat")
	}
	msgs, err := s.chats.History(ctx, ch.ID, id.UserID)
	if err != nil {
		return storageError(err, "chat")
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Source:    m.Source,
			Position:  m.Position,
			ToolTrace: chat.DecodeTrace(m.ToolTrace),
			Feedback:  m.Feedback,
			Reaction:  m.Reaction,
			CreatedAt: m.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"chat": toChat(ch), "messages": out})
}

func (s *Server) deleteChat(c echo.Context) error {
	if err := s.chats.Delete(c.Request().Context(), c.Param("id"), who(c).UserID); err != nil {
		return storageError(err, "chat")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) favoriteChat(c echo.Context) error {
	var req struct {
		Favorite bool `json:"favorite"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.chats.Favorite(c.Request().Context(), c.Param("id"), who(c).UserID, req.Favorite); err != nil {
		return storageError(err, "chat")
	}
	return c.NoContent(http.StatusNoContent)
}

type messageRequest struct {
	Query         string   `json:"query"`
	IsNew         bool     `json:"is_new"`
	Source        string   `json:"source"`
	Stream        bool     `json:"stream"`
	AttachmentIDs []string `json:"attachment_ids"`
	chatContext
}

func (s *Server) postMessage(c echo.Context) error {
	var body messageRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	id := who(c)
	source := body.Source
	if source != storage.SourceMobile {
		source = storage.SourceWeb
	}
	req := orchestrator.TurnRequest{
		ChatID:             c.Param("id"),
		UserID:             id.UserID,
		WorkspaceID:        id.WorkspaceID,
		WorkspaceSlug:      id.WorkspaceSlug,
		Query:              body.Query,
		IsNew:              body.IsNew,
		Source:             source,
		Mode:               body.Mode,
		FocusEntityType:    body.FocusEntityType,
		FocusEntityID:      body.FocusEntityID,
		IsFocusEnabled:     body.IsFocusEnabled,
		IsProjectChat:      body.IsProjectChat,
		WorkspaceInContext: body.WorkspaceInContext,
		AttachmentIDs:      body.AttachmentIDs,
	}
	// refused before a stream opens so the caller gets a status, not an event
	if _, err := s.chats.Exists(c.Request().Context(), req.ChatID, id.UserID); err != nil {
		return storageError(err, "chat")
	}
	stream := body.Stream
	if v, err := strconv.ParseBool(c.QueryParam("stream")); err == nil {
		stream = v
	}
	if stream {
		return s.streamTurn(c, req)
	}

	res, err := s.turns.HandleTurn(c.Request().Context(), req, nil)
	if err != nil {
		return turnError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// streamTurn runs the turn in a goroutine and writes its events as they
// arrive. The stream ends with done, or with an error event.
func (s *Server) streamTurn(c echo.Context, req orchestrator.TurnRequest) error {
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	events := make(chan sse.Event, 16)
	go func() {
		defer close(events)
		emit := func(ev sse.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		if _, err := s.turns.HandleTurn(ctx, req, emit); err != nil {
			emit(sse.Event{Name: sse.EventError, Data: err})
		}
	}()

	resp := c.Response()
	sse.Headers(resp.Header())
	resp.WriteHeader(http.StatusOK)
	if err := sse.Stream(ctx, resp, events); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Str("chat_id", req.ChatID).Msg("stream ended early")
	}
	return nil
}

func turnError(err error) error {
	p := sse.Classify(err)
	status := http.StatusInternalServerError
	switch p.Code {
	case "feature_disabled":
		status = http.StatusForbidden
	case "network_error":
		status = http.StatusBadGateway
	case "generic_error":
		switch {
		case errors.Is(err, orchestrator.ErrEmptyQuery):
			status = http.StatusBadRequest
		case errors.Is(err, orchestrator.ErrChatNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "chat not found").SetInternal(err)
		}
	}
	return echo.NewHTTPError(status, p.Message).SetInternal(err)
}

func (s *Server) createAttachment(c echo.Context) error {
	var req struct {
		Filename  string `json:"filename"`
		MimeType  string `json:"mime_type"`
		SizeBytes int64  `json:"size_bytes"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Filename) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "filename is required")
	}
	id := who(c)
	ctx := c.Request().Context()
	if s.gate != nil && !s.gate.Enabled(ctx, id.WorkspaceSlug, id.UserID, features.PIFileUploads) {
		return echo.NewHTTPError(http.StatusForbidden, sse.MsgFeature)
	}
	a, err := s.chats.CreateAttachment(ctx, chat.Upload{
		ChatID:      c.Param("id"),
		UserID:      id.UserID,
		WorkspaceID: id.WorkspaceID,
		Filename:    req.Filename,
		MimeType:    req.MimeType,
		SizeBytes:   req.SizeBytes,
	})
	if err != nil {
		return storageError(err, "attachment")
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"id":          a.ID,
		"status":      a.Status,
		"file_type":   a.FileType,
		"storage_key": a.StorageKey,
	})
}

func (s *Server) completeAttachment(c echo.Context) error {
	req := struct {
		Success *bool `json:"success"`
	}{}
	if err := bind(c, &req); err != nil {
		return err
	}
	ok := req.Success == nil || *req.Success
	if err := s.chats.CompleteAttachment(c.Request().Context(), c.Param("id"), who(c).UserID, ok); err != nil {
		return storageError(err, "attachment")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) messageFeedback(c echo.Context) error {
	var req struct {
		Feedback *string `json:"feedback"`
		Reaction *string `json:"reaction"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.store.SetMessageFeedback(c.Request().Context(), c.Param("id"), who(c).UserID, req.Feedback, req.Reaction); err != nil {
		return storageError(err, "message")
	}
	return c.NoContent(http.StatusNoContent)
}
