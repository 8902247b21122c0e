package planeapi

import (
	"context"
	"errors"
	"fmt"

	"planepi/internal/storage"
)

type CredentialStore interface {
	GetWorkspaceCredential(ctx context.Context, workspaceSlug string) (string, error)
}

type Opener interface {
	Open(workspaceSlug, sealed string) (string, error)
}

// WorkspaceTokens resolves the sealed per-workspace token, falling back to
// the deployment wide token when the workspace has none stored.
type WorkspaceTokens struct {
	Store    CredentialStore
	Sealer   Opener
	Fallback string
}

func (w WorkspaceTokens) Token(ctx context.Context, workspaceSlug string) (string, error) {
	if w.Store != nil && w.Sealer != nil && workspaceSlug != "" {
		sealed, err := w.Store.GetWorkspaceCredential(ctx, workspaceSlug)
		switch {
		case err == nil:
			token, err := w.Sealer.Open(workspaceSlug, sealed)
			if err != nil {
				return "", fmt.Errorf("open workspace credential: %w", err)
			}
			return token, nil
		case !errors.Is(err, storage.ErrNotFound):
			return "", fmt.Errorf("load workspace credential: %w", err)
		}
	}
	if w.Fallback == "" {
		return "", fmt.Errorf("no api token for workspace %q", workspaceSlug)
	}
	return w.Fallback, nil
}

// StaticToken serves one token for every workspace.
type StaticToken string

func (s StaticToken) Token(context.Context, string) (string, error) {
	return string(s), nil
}
