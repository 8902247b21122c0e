package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"planepi/internal/dupes"
	"planepi/internal/queue"
	"planepi/internal/storage"
)

// features reports the caller's flags. refresh=true skips the flag cache.
func (s *Server) features(c echo.Context) error {
	id := who(c)
	ctx := c.Request().Context()
	if c.QueryParam("refresh") == "true" {
		if err := s.gate.Invalidate(ctx, id.WorkspaceSlug, id.UserID); err != nil {
			s.log.Warn().Err(err).Str("workspace", id.WorkspaceSlug).Msg("feature cache invalidation failed")
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"features": s.gate.Availability(ctx, id.WorkspaceSlug, id.UserID),
	})
}

type vectorizationJSON struct {
	WorkspaceID   string    `json:"workspace_id"`
	WorkspaceSlug string    `json:"workspace_slug"`
	Status        string    `json:"status"`
	Entities      []string  `json:"entities"`
	BatchSize     int       `json:"batch_size"`
	LiveSync      bool      `json:"live_sync"`
	Progress      float64   `json:"progress"`
	LastError     *string   `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toVectorization(v storage.WorkspaceVectorization) vectorizationJSON {
	return vectorizationJSON{
		WorkspaceID:   v.WorkspaceID,
		WorkspaceSlug: v.WorkspaceSlug,
		Status:        v.Status,
		Entities:      v.Entities,
		BatchSize:     v.BatchSize,
		LiveSync:      v.LiveSync,
		Progress:      v.Progress,
		LastError:     v.LastError,
		UpdatedAt:     v.UpdatedAt,
	}
}

var defaultVectorEntities = []string{"work_items", "pages", "cycles", "modules"}

// vectorize records a (re)triggered indexing run. The indexer itself lives
// outside this service and reports progress against the same row.
func (s *Server) vectorize(c echo.Context) error {
	id, err := sameWorkspace(c)
	if err != nil {
		return err
	}
	if id.WorkspaceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workspace id is required")
	}
	var req struct {
		Entities  []string `json:"entities"`
		BatchSize int      `json:"batch_size"`
		LiveSync  bool     `json:"live_sync"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	if len(req.Entities) == 0 {
		req.Entities = defaultVectorEntities
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 100
	}
	v, err := s.store.UpsertWorkspaceVectorization(c.Request().Context(), storage.WorkspaceVectorization{
		WorkspaceID:   id.WorkspaceID,
		WorkspaceSlug: id.WorkspaceSlug,
		Status:        storage.VectorizationQueued,
		Entities:      req.Entities,
		BatchSize:     req.BatchSize,
		LiveSync:      req.LiveSync,
	})
	if err != nil {
		return storageError(err, "vectorization")
	}
	return c.JSON(http.StatusAccepted, toVectorization(v))
}

func (s *Server) vectorizationStatus(c echo.Context) error {
	id, err := sameWorkspace(c)
	if err != nil {
		return err
	}
	v, err := s.store.GetWorkspaceVectorization(c.Request().Context(), id.WorkspaceID)
	if err != nil {
		return storageError(err, "vectorization")
	}
	return c.JSON(http.StatusOK, toVectorization(v))
}

func (s *Server) putCredential(c echo.Context) error {
	id, err := sameWorkspace(c)
	if err != nil {
		return err
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Token) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}
	sealed, err := s.sealer.Seal(id.WorkspaceSlug, strings.TrimSpace(req.Token))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
	if err := s.store.UpsertWorkspaceCredential(c.Request().Context(), id.WorkspaceSlug, sealed); err != nil {
		return storageError(err, "credential")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) duplicates(c echo.Context) error {
	id, err := sameWorkspace(c)
	if err != nil {
		return err
	}
	var req struct {
		ProjectID   string `json:"project_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	report, err := s.dupes.Find(c.Request().Context(), dupes.Draft{
		WorkspaceID:   id.WorkspaceID,
		WorkspaceSlug: id.WorkspaceSlug,
		UserID:        id.UserID,
		ProjectID:     req.ProjectID,
		Name:          req.Name,
		Description:   req.Description,
	})
	if errors.Is(err, dupes.ErrEmptyDraft) {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "duplicate search failed").SetInternal(err)
	}
	matches := report.Matches
	if matches == nil {
		matches = []dupes.Match{}
	}
	return c.JSON(http.StatusOK, map[string]any{"tracking_id": report.TrackingID, "matches": matches})
}

func (s *Server) telegramLinkCode(c echo.Context) error {
	if s.codes == nil {
		return echo.NewHTTPError(http.StatusNotFound, "telegram integration is not configured")
	}
	id := who(c)
	if id.WorkspaceID == "" || id.WorkspaceSlug == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workspace is required")
	}
	code, expires, err := s.codes.Issue(c.Request().Context(), queue.LinkTarget{
		UserID:        id.UserID,
		WorkspaceID:   id.WorkspaceID,
		WorkspaceSlug: id.WorkspaceSlug,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"code": code, "expires_at": expires})
}

// rawJSON passes stored JSON through unchanged, or as a string when it is
// not valid JSON.
func rawJSON(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}
