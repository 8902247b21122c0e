// Package httpapi is the REST and SSE surface the Plane monolith calls.
// Callers are trusted: identity arrives in headers set upstream.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"planepi/internal/actions"
	"planepi/internal/chat"
	"planepi/internal/dupes"
	"planepi/internal/orchestrator"
	"planepi/internal/pipeline"
	"planepi/internal/queue"
	"planepi/internal/storage"
)

const (
	HeaderUserID        = "X-User-ID"
	HeaderWorkspaceID   = "X-Workspace-ID"
	HeaderWorkspaceSlug = "X-Workspace-Slug"

	identityKey = "identity"
)

type Turns interface {
	HandleTurn(ctx context.Context, req orchestrator.TurnRequest, emit orchestrator.Emit) (orchestrator.Result, error)
}

type Artifacts interface {
	ExecuteArtifact(ctx context.Context, turn pipeline.Turn, artifactID string) (pipeline.Outcome, error)
	ReviseArtifact(ctx context.Context, artifactID string, args actions.Args, changeType string, messageID *string) (storage.ArtifactVersion, error)
}

type Store interface {
	GetArtifact(ctx context.Context, id string) (storage.Artifact, error)
	ListArtifactVersions(ctx context.Context, artifactID string) ([]storage.ArtifactVersion, error)
	SetMessageFeedback(ctx context.Context, messageID, userID string, feedback, reaction *string) error
	UpsertWorkspaceVectorization(ctx context.Context, v storage.WorkspaceVectorization) (storage.WorkspaceVectorization, error)
	GetWorkspaceVectorization(ctx context.Context, workspaceID string) (storage.WorkspaceVectorization, error)
	UpsertWorkspaceCredential(ctx context.Context, workspaceSlug, sealedToken string) error
	ListLLMUsage(ctx context.Context, usageType, usageID string) ([]storage.LLMUsage, error)
}

// Gate answers feature availability for the caller.
type Gate interface {
	Availability(ctx context.Context, workspaceSlug, userID string) map[string]bool
	Enabled(ctx context.Context, workspaceSlug, userID, key string) bool
	Invalidate(ctx context.Context, workspaceSlug, userID string) error
}

type Sealer interface {
	Seal(workspaceSlug, token string) (string, error)
}

type Duplicates interface {
	Find(ctx context.Context, d dupes.Draft) (dupes.Report, error)
}

type LinkCodes interface {
	Issue(ctx context.Context, target queue.LinkTarget) (string, time.Time, error)
}

type Config struct {
	Turns       Turns
	Chats       *chat.Manager
	Gate        Gate
	Artifacts   Artifacts
	Store       Store
	Sealer      Sealer
	Duplicates  Duplicates
	LinkCodes   LinkCodes
	Log         zerolog.Logger
	HealthPath  string
	MetricsPath string
}

type Server struct {
	echo      *echo.Echo
	turns     Turns
	chats     *chat.Manager
	gate      Gate
	artifacts Artifacts
	store     Store
	sealer    Sealer
	dupes     Duplicates
	codes     LinkCodes
	log       zerolog.Logger
}

// Identity is who the upstream monolith says is calling.
type Identity struct {
	UserID        string
	WorkspaceID   string
	WorkspaceSlug string
}

func New(cfg Config) *Server {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		echo:      echo.New(),
		turns:     cfg.Turns,
		chats:     cfg.Chats,
		gate:      cfg.Gate,
		artifacts: cfg.Artifacts,
		store:     cfg.Store,
		sealer:    cfg.Sealer,
		dupes:     cfg.Duplicates,
		codes:     cfg.LinkCodes,
		log:       cfg.Log.With().Str("component", "httpapi").Logger(),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug().Str("method", v.Method).Str("path", v.URIPath).Int("status", v.Status).
				Dur("latency", v.Latency).Msg("request")
			return nil
		},
	}))

	e.GET(cfg.HealthPath, func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET(cfg.MetricsPath, echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1", identity)
	api.POST("/chats/initialize", s.initializeChat)
	api.GET("/chats", s.listChats)
	api.GET("/chats/:id", s.getChat)
	api.DELETE("/chats/:id", s.deleteChat)
	api.POST("/chats/:id/favorite", s.favoriteChat)
	api.POST("/chats/:id/messages", s.postMessage)
	api.POST("/chats/:id/attachments", s.createAttachment)
	api.POST("/attachments/:id/complete", s.completeAttachment)
	api.GET("/chats/:id/messages/:message_id/usage", s.messageUsage)
	api.POST("/messages/:id/feedback", s.messageFeedback)
	api.GET("/artifacts/:id/versions", s.listArtifactVersions)
	api.POST("/artifacts/:id/versions", s.reviseArtifact)
	api.POST("/artifacts/:id/execute", s.executeArtifact)
	api.GET("/features", s.features)
	api.POST("/workspaces/:slug/vectorize", s.vectorize)
	api.GET("/workspaces/:slug/vectorize", s.vectorizationStatus)
	api.PUT("/workspaces/:slug/credential", s.putCredential)
	api.POST("/workspaces/:slug/duplicates", s.duplicates)
	api.POST("/integrations/telegram/link-code", s.telegramLinkCode)
	return s
}

func (s *Server) Handler() http.Handler { return s.echo }

// Mount serves h at path outside the identity-checked API group.
func (s *Server) Mount(path string, h http.Handler) {
	s.echo.Any(path, echo.WrapHandler(h))
}

func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func identity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Request().Header
		id := Identity{
			UserID:        strings.TrimSpace(h.Get(HeaderUserID)),
			WorkspaceID:   strings.TrimSpace(h.Get(HeaderWorkspaceID)),
			WorkspaceSlug: strings.TrimSpace(h.Get(HeaderWorkspaceSlug)),
		}
		if id.UserID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
		}
		c.Set(identityKey, id)
		return next(c)
	}
}

func who(c echo.Context) Identity {
	id, _ := c.Get(identityKey).(Identity)
	return id
}

// sameWorkspace rejects path slugs that differ from the caller's workspace.
func sameWorkspace(c echo.Context) (Identity, error) {
	id := who(c)
	if id.WorkspaceSlug == "" || c.Param("slug") != id.WorkspaceSlug {
		return id, echo.NewHTTPError(http.StatusForbidden, "workspace mismatch")
	}
	return id, nil
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = strings.ToLower(http.StatusText(status))
		}
		if he.Internal != nil {
			s.log.Warn().Err(he.Internal).Int("status", status).Str("path", c.Path()).Msg("request failed")
		}
	} else {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, map[string]string{"error": msg})
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	return nil
}

// storageError maps a store failure onto a status.
func storageError(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, what+" not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
