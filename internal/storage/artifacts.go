package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var artifactColumns = []string{
	"id", "chat_id", "message_id", "workspace_id", "sequence", "entity", "entity_id", "action", "data",
	"is_executed", "success", "created_at", "updated_at",
}

var versionColumns = []string{
	"id", "artifact_id", "version_number", "change_type", "data", "message_id", "is_latest",
	"is_executed", "success", "created_at",
}

// CreateArtifact stores the artifact together with its first version, which
// starts out as the latest one.
func (s *Store) CreateArtifact(ctx context.Context, a Artifact) (Artifact, ArtifactVersion, error) {
	if strings.TrimSpace(a.ID) == "" {
		a.ID = uuid.NewString()
	}
	a.Data = jsonOrEmpty(a.Data)
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now

	v := ArtifactVersion{
		ID:            uuid.NewString(),
		ArtifactID:    a.ID,
		VersionNumber: 1,
		ChangeType:    ChangeInitial,
		Data:          a.Data,
		MessageID:     a.MessageID,
		IsLatest:      true,
		IsExecuted:    a.IsExecuted,
		Success:       a.Success,
		CreatedAt:     now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ins := s.sql.Insert("action_artifacts").
			Columns(artifactColumns...).
			Values(a.ID, a.ChatID, a.MessageID, a.WorkspaceID, a.Sequence, a.Entity, a.EntityID, a.Action, a.Data,
				a.IsExecuted, a.Success, a.CreatedAt, a.UpdatedAt)
		if _, err := s.exec(ctx, tx, ins, "insert artifact"); err != nil {
			return err
		}
		return s.insertVersion(ctx, tx, v)
	})
	if err != nil {
		return Artifact{}, ArtifactVersion{}, err
	}
	return a, v, nil
}

// AppendArtifactVersion adds the next version of an artifact and moves the
// latest marker onto it. The artifact row mirrors the latest version.
func (s *Store) AppendArtifactVersion(ctx context.Context, artifactID string, v ArtifactVersion) (ArtifactVersion, error) {
	v.ID = uuid.NewString()
	v.ArtifactID = artifactID
	v.Data = jsonOrEmpty(v.Data)
	v.IsLatest = true
	v.CreatedAt = s.now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q := s.sql.Select("COALESCE(MAX(version_number), 0)").
			From("action_artifact_versions").
			Where(sq.Eq{"artifact_id": artifactID})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build version number query: %w", err)
		}
		var last int
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&last); err != nil {
			return fmt.Errorf("version number: %w", err)
		}
		if last == 0 {
			return ErrNotFound
		}
		v.VersionNumber = last + 1

		unset := s.sql.Update("action_artifact_versions").
			Set("is_latest", false).
			Where(sq.Eq{"artifact_id": artifactID, "is_latest": true})
		if _, err := s.exec(ctx, tx, unset, "clear latest version"); err != nil {
			return err
		}
		if err := s.insertVersion(ctx, tx, v); err != nil {
			return err
		}

		mirror := s.sql.Update("action_artifacts").
			Set("data", v.Data).
			Set("is_executed", v.IsExecuted).
			Set("success", v.Success).
			Set("updated_at", v.CreatedAt).
			Where(sq.Eq{"id": artifactID})
		_, err = s.exec(ctx, tx, mirror, "mirror latest version")
		return err
	})
	if err != nil {
		return ArtifactVersion{}, err
	}
	return v, nil
}

func (s *Store) insertVersion(ctx context.Context, ex execer, v ArtifactVersion) error {
	ins := s.sql.Insert("action_artifact_versions").
		Columns(versionColumns...).
		Values(v.ID, v.ArtifactID, v.VersionNumber, v.ChangeType, v.Data, v.MessageID, v.IsLatest,
			v.IsExecuted, v.Success, v.CreatedAt)
	_, err := s.exec(ctx, ex, ins, "insert artifact version")
	return err
}

func (s *Store) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	q := s.sql.Select(artifactColumns...).From("action_artifacts").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Artifact{}, fmt.Errorf("build get artifact query: %w", err)
	}
	a, err := scanArtifact(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

func (s *Store) ListArtifactsForMessage(ctx context.Context, messageID string) ([]Artifact, error) {
	q := s.sql.Select(artifactColumns...).
		From("action_artifacts").
		Where(sq.Eq{"message_id": messageID}).
		OrderBy("sequence ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list artifacts query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := make([]Artifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifact rows: %w", err)
	}
	return out, nil
}

func (s *Store) LatestArtifactVersion(ctx context.Context, artifactID string) (ArtifactVersion, error) {
	q := s.sql.Select(versionColumns...).
		From("action_artifact_versions").
		Where(sq.Eq{"artifact_id": artifactID, "is_latest": true})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ArtifactVersion{}, fmt.Errorf("build latest version query: %w", err)
	}
	v, err := scanVersion(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ArtifactVersion{}, ErrNotFound
		}
		return ArtifactVersion{}, fmt.Errorf("latest artifact version: %w", err)
	}
	return v, nil
}

func (s *Store) ListArtifactVersions(ctx context.Context, artifactID string) ([]ArtifactVersion, error) {
	q := s.sql.Select(versionColumns...).
		From("action_artifact_versions").
		Where(sq.Eq{"artifact_id": artifactID}).
		OrderBy("version_number ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list versions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifact versions: %w", err)
	}
	defer rows.Close()

	out := make([]ArtifactVersion, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact version row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifact version rows: %w", err)
	}
	return out, nil
}

func scanArtifact(r rowScanner) (Artifact, error) {
	var a Artifact
	var messageID, workspaceID, entityID sql.NullString
	if err := r.Scan(
		&a.ID, &a.ChatID, &messageID, &workspaceID, &a.Sequence, &a.Entity, &entityID, &a.Action, &a.Data,
		&a.IsExecuted, &a.Success, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return Artifact{}, err
	}
	a.MessageID = nullable(messageID)
	a.WorkspaceID = nullable(workspaceID)
	a.EntityID = nullable(entityID)
	return a, nil
}

func scanVersion(r rowScanner) (ArtifactVersion, error) {
	var v ArtifactVersion
	var messageID sql.NullString
	if err := r.Scan(
		&v.ID, &v.ArtifactID, &v.VersionNumber, &v.ChangeType, &v.Data, &messageID, &v.IsLatest,
		&v.IsExecuted, &v.Success, &v.CreatedAt,
	); err != nil {
		return ArtifactVersion{}, err
	}
	v.MessageID = nullable(messageID)
	return v, nil
}

func (s *Store) SetArtifactEntityID(ctx context.Context, artifactID, entityID string) error {
	q := s.sql.Update("action_artifacts").
		Set("entity_id", entityID).
		Where(sq.Eq{"id": artifactID})
	_, err := s.exec(ctx, s.db, q, "set artifact entity id")
	return err
}

// MarkArtifactExecuted appends an execution version carrying the latest data
// forward with the execution outcome.
func (s *Store) MarkArtifactExecuted(ctx context.Context, artifactID string, messageID *string, success bool) (ArtifactVersion, error) {
	latest, err := s.LatestArtifactVersion(ctx, artifactID)
	if err != nil {
		return ArtifactVersion{}, err
	}
	return s.AppendArtifactVersion(ctx, artifactID, ArtifactVersion{
		ChangeType: ChangeExecution,
		Data:       latest.Data,
		MessageID:  messageID,
		IsExecuted: true,
		Success:    success,
	})
}

// ClaimArtifactExecution marks the artifact as being executed. Only one
// caller wins: the claim fails with ErrConflict while another claim younger
// than staleBefore holds it, or once a successful execution is recorded.
func (s *Store) ClaimArtifactExecution(ctx context.Context, artifactID string, staleBefore time.Time) error {
	q := s.sql.Update("action_artifacts").
		Set("executing_since", s.now()).
		Where(sq.Eq{"id": artifactID}).
		Where("NOT (is_executed AND success)").
		Where(sq.Or{sq.Eq{"executing_since": nil}, sq.Lt{"executing_since": staleBefore.UTC()}})
	n, err := s.exec(ctx, s.db, q, "claim artifact execution")
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetArtifact(ctx, artifactID); err != nil {
		return err
	}
	return ErrConflict
}

func (s *Store) ReleaseArtifactExecution(ctx context.Context, artifactID string) error {
	q := s.sql.Update("action_artifacts").
		Set("executing_since", nil).
		Where(sq.Eq{"id": artifactID})
	_, err := s.exec(ctx, s.db, q, "release artifact execution")
	return err
}
