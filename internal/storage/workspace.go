package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// UpsertWorkspaceVectorization records a (re)triggered vectorization run. A
// new trigger replaces the previous run for the workspace and resets progress.
func (s *Store) UpsertWorkspaceVectorization(ctx context.Context, v WorkspaceVectorization) (WorkspaceVectorization, error) {
	now := s.now()
	if v.Status == "" {
		v.Status = VectorizationQueued
	}
	v.Progress = 0
	v.LastError = nil
	v.CreatedAt, v.UpdatedAt = now, now
	q := s.sql.Insert("workspace_vectorizations").
		Columns("workspace_id", "workspace_slug", "status", "entities", "batch_size", "live_sync", "progress",
			"last_error", "created_at", "updated_at").
		Values(v.WorkspaceID, v.WorkspaceSlug, v.Status, encodeList(v.Entities), v.BatchSize, v.LiveSync, 0.0,
			nil, v.CreatedAt, v.UpdatedAt).
		Suffix("ON CONFLICT(workspace_id) DO UPDATE SET workspace_slug=excluded.workspace_slug, status=excluded.status, entities=excluded.entities, batch_size=excluded.batch_size, live_sync=excluded.live_sync, progress=0, last_error=NULL, updated_at=excluded.updated_at")
	if _, err := s.exec(ctx, s.db, q, "upsert workspace vectorization"); err != nil {
		return WorkspaceVectorization{}, err
	}
	return v, nil
}

func (s *Store) GetWorkspaceVectorization(ctx context.Context, workspaceID string) (WorkspaceVectorization, error) {
	q := s.sql.Select("workspace_id", "workspace_slug", "status", "entities", "batch_size", "live_sync", "progress",
		"last_error", "created_at", "updated_at").
		From("workspace_vectorizations").
		Where(sq.Eq{"workspace_id": workspaceID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return WorkspaceVectorization{}, fmt.Errorf("build get vectorization query: %w", err)
	}
	var v WorkspaceVectorization
	var entities string
	var lastErr sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&v.WorkspaceID, &v.WorkspaceSlug, &v.Status, &entities,
		&v.BatchSize, &v.LiveSync, &v.Progress, &lastErr, &v.CreatedAt, &v.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkspaceVectorization{}, ErrNotFound
		}
		return WorkspaceVectorization{}, fmt.Errorf("get workspace vectorization: %w", err)
	}
	v.Entities = decodeList(entities)
	v.LastError = nullable(lastErr)
	return v, nil
}

func (s *Store) UpdateVectorizationProgress(ctx context.Context, workspaceID, status string, progress float64, lastErr *string) error {
	q := s.sql.Update("workspace_vectorizations").
		Set("status", status).
		Set("progress", progress).
		Set("last_error", lastErr).
		Set("updated_at", s.now()).
		Where(sq.Eq{"workspace_id": workspaceID})
	n, err := s.exec(ctx, s.db, q, "update vectorization progress")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertWorkspaceCredential stores an already sealed Plane API token.
func (s *Store) UpsertWorkspaceCredential(ctx context.Context, workspaceSlug, sealedToken string) error {
	q := s.sql.Insert("workspace_credentials").
		Columns("workspace_slug", "sealed_token", "updated_at").
		Values(workspaceSlug, sealedToken, s.now()).
		Suffix("ON CONFLICT(workspace_slug) DO UPDATE SET sealed_token=excluded.sealed_token, updated_at=excluded.updated_at")
	_, err := s.exec(ctx, s.db, q, "upsert workspace credential")
	return err
}

func (s *Store) GetWorkspaceCredential(ctx context.Context, workspaceSlug string) (string, error) {
	q := s.sql.Select("sealed_token").From("workspace_credentials").Where(sq.Eq{"workspace_slug": workspaceSlug})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get credential query: %w", err)
	}
	var sealed string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get workspace credential: %w", err)
	}
	return sealed, nil
}

func (s *Store) UpsertIntegrationLink(ctx context.Context, l IntegrationLink) (IntegrationLink, error) {
	l.CreatedAt = s.now()
	q := s.sql.Insert("integration_links").
		Columns("provider", "external_chat_id", "user_id", "workspace_id", "workspace_slug", "chat_id", "created_at").
		Values(l.Provider, l.ExternalChatID, l.UserID, l.WorkspaceID, l.WorkspaceSlug, l.ChatID, l.CreatedAt).
		Suffix("ON CONFLICT(provider, external_chat_id) DO UPDATE SET user_id=excluded.user_id, workspace_id=excluded.workspace_id, workspace_slug=excluded.workspace_slug, chat_id=excluded.chat_id")
	if _, err := s.exec(ctx, s.db, q, "upsert integration link"); err != nil {
		return IntegrationLink{}, err
	}
	return l, nil
}

func (s *Store) GetIntegrationLink(ctx context.Context, provider, externalChatID string) (IntegrationLink, error) {
	q := s.sql.Select("provider", "external_chat_id", "user_id", "workspace_id", "workspace_slug", "chat_id", "created_at").
		From("integration_links").
		Where(sq.Eq{"provider": provider, "external_chat_id": externalChatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return IntegrationLink{}, fmt.Errorf("build get link query: %w", err)
	}
	var l IntegrationLink
	var chatID sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&l.Provider, &l.ExternalChatID, &l.UserID, &l.WorkspaceID,
		&l.WorkspaceSlug, &chatID, &l.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IntegrationLink{}, ErrNotFound
		}
		return IntegrationLink{}, fmt.Errorf("get integration link: %w", err)
	}
	l.ChatID = nullable(chatID)
	return l, nil
}

// SetIntegrationChat points a linked external chat at a fresh pi chat.
func (s *Store) SetIntegrationChat(ctx context.Context, provider, externalChatID, chatID string) error {
	q := s.sql.Update("integration_links").
		Set("chat_id", chatID).
		Where(sq.Eq{"provider": provider, "external_chat_id": externalChatID})
	n, err := s.exec(ctx, s.db, q, "set integration chat")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
