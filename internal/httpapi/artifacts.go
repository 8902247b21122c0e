package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"planepi/internal/actions"
	"planepi/internal/features"
	"planepi/internal/pipeline"
	"planepi/internal/sse"
	"planepi/internal/storage"
)

type versionJSON struct {
	ID            string    `json:"id"`
	VersionNumber int       `json:"version_number"`
	ChangeType    string    `json:"change_type"`
	Data          any       `json:"data"`
	IsLatest      bool      `json:"is_latest"`
	IsExecuted    bool      `json:"is_executed"`
	Success       bool      `json:"success"`
	CreatedAt     time.Time `json:"created_at"`
}

func toVersion(v storage.ArtifactVersion) versionJSON {
	return versionJSON{
		ID:            v.ID,
		VersionNumber: v.VersionNumber,
		ChangeType:    v.ChangeType,
		Data:          rawJSON(v.Data),
		IsLatest:      v.IsLatest,
		IsExecuted:    v.IsExecuted,
		Success:       v.Success,
		CreatedAt:     v.CreatedAt,
	}
}

type outcomeJSON struct {
	ArtifactID string           `json:"artifact_id"`
	Method     string           `json:"method"`
	Executed   bool             `json:"executed"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	Entity     *pipeline.Entity `json:"entity,omitempty"`
}

// ownedArtifact loads the artifact and checks the caller owns its chat.
func (s *Server) ownedArtifact(c echo.Context) (storage.Artifact, error) {
	ctx := c.Request().Context()
	art, err := s.store.GetArtifact(ctx, c.Param("id"))
	if err != nil {
		return storage.Artifact{}, storageError(err, "artifact")
	}
	if _, err := s.chats.Get(ctx, art.ChatID, who(c).UserID); err != nil {
		return storage.Artifact{}, storageError(err, "artifact")
	}
	return art, nil
}

func (s *Server) listArtifactVersions(c echo.Context) error {
	art, err := s.ownedArtifact(c)
	if err != nil {
		return err
	}
	versions, err := s.store.ListArtifactVersions(c.Request().Context(), art.ID)
	if err != nil {
		return storageError(err, "artifact")
	}
	out := make([]versionJSON, 0, len(versions))
	for _, v := range versions {
		out = append(out, toVersion(v))
	}
	return c.JSON(http.StatusOK, map[string]any{"versions": out})
}

func (s *Server) reviseArtifact(c echo.Context) error {
	var req struct {
		Args actions.Args `json:"args"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	if len(req.Args) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "args are required")
	}
	art, err := s.ownedArtifact(c)
	if err != nil {
		return err
	}
	v, err := s.artifacts.ReviseArtifact(c.Request().Context(), art.ID, req.Args, storage.ChangeManual, nil)
	if err != nil {
		return artifactError(err)
	}
	return c.JSON(http.StatusCreated, toVersion(v))
}

func (s *Server) executeArtifact(c echo.Context) error {
	art, err := s.ownedArtifact(c)
	if err != nil {
		return err
	}
	id := who(c)
	ctx := c.Request().Context()
	if s.gate != nil && !s.gate.Enabled(ctx, id.WorkspaceSlug, id.UserID, features.PIChat) {
		return echo.NewHTTPError(http.StatusForbidden, sse.MsgFeature)
	}
	o, err := s.artifacts.ExecuteArtifact(ctx, pipeline.Turn{
		ChatID:        art.ChatID,
		UserID:        id.UserID,
		WorkspaceID:   id.WorkspaceID,
		WorkspaceSlug: id.WorkspaceSlug,
		Execute:       true,
	}, art.ID)
	if err != nil {
		return artifactError(err)
	}
	return c.JSON(http.StatusOK, outcomeJSON{
		ArtifactID: art.ID,
		Method:     o.Method.String(),
		Executed:   o.Executed,
		Success:    o.Result.Success,
		Error:      o.Result.Error,
		Entity:     o.Entity,
	})
}

func artifactError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrAlreadyExecuted):
		return echo.NewHTTPError(http.StatusConflict, "artifact already executed")
	case errors.Is(err, pipeline.ErrExecuting):
		return echo.NewHTTPError(http.StatusConflict, "artifact is being executed")
	case errors.Is(err, pipeline.ErrBadArtifact):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "artifact cannot be run").SetInternal(err)
	case errors.Is(err, pipeline.ErrMissingArgs):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "required arguments are missing").SetInternal(err)
	}
	return storageError(err, "artifact")
}
