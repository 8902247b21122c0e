package planeapi

import (
	"context"
	"net/http"
)

func (c *Client) ListProjects(ctx context.Context, slug string) (List, error) {
	var out List
	err := c.do(ctx, slug, http.MethodGet, workspacePath(slug, "projects"), nil, nil, &out)
	return out, err
}

func (c *Client) GetProject(ctx context.Context, slug, projectID string) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodGet, projectPath(slug, projectID), nil, nil, &out)
	return out, err
}

func (c *Client) CreateProject(ctx context.Context, slug string, body Object) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodPost, workspacePath(slug, "projects"), nil, body, &out)
	return out, err
}

func (c *Client) ListCycles(ctx context.Context, slug, projectID string) (List, error) {
	var out List
	err := c.do(ctx, slug, http.MethodGet, projectPath(slug, projectID, "cycles"), nil, nil, &out)
	return out, err
}

func (c *Client) CreateCycle(ctx context.Context, slug, projectID string, body Object) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodPost, projectPath(slug, projectID, "cycles"), nil, body, &out)
	return out, err
}

func (c *Client) AddWorkItemsToCycle(ctx context.Context, slug, projectID, cycleID string, workItemIDs []string) (Object, error) {
	var out Object
	body := Object{"issues": workItemIDs}
	err := c.do(ctx, slug, http.MethodPost, projectPath(slug, projectID, "cycles", cycleID, "cycle-issues"), nil, body, &out)
	return out, err
}

func (c *Client) ListLabels(ctx context.Context, slug, projectID string) (List, error) {
	var out List
	err := c.do(ctx, slug, http.MethodGet, projectPath(slug, projectID, "labels"), nil, nil, &out)
	return out, err
}

func (c *Client) CreateLabel(ctx context.Context, slug, projectID string, body Object) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodPost, projectPath(slug, projectID, "labels"), nil, body, &out)
	return out, err
}

func (c *Client) ListStates(ctx context.Context, slug, projectID string) (List, error) {
	var out List
	err := c.do(ctx, slug, http.MethodGet, projectPath(slug, projectID, "states"), nil, nil, &out)
	return out, err
}

func (c *Client) CreatePage(ctx context.Context, slug, projectID string, body Object) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodPost, projectPath(slug, projectID, "pages"), nil, body, &out)
	return out, err
}

func (c *Client) Me(ctx context.Context, slug string) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodGet, "/api/v1/users/me/", nil, nil, &out)
	return out, err
}

// ListMembers returns workspace members. The endpoint answers with a bare
// array, wrapped here into the list envelope.
func (c *Client) ListMembers(ctx context.Context, slug string) (List, error) {
	var out []Object
	if err := c.do(ctx, slug, http.MethodGet, workspacePath(slug, "members"), nil, nil, &out); err != nil {
		return List{}, err
	}
	return List{Results: out, Count: len(out)}, nil
}
