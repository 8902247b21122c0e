package planeapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

type ListQuery struct {
	Cursor  string
	PerPage int
	Expand  string
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	if q.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(q.PerPage))
	}
	if q.Expand != "" {
		v.Set("expand", q.Expand)
	}
	return v
}

func (c *Client) ListWorkItems(ctx context.Context, slug, projectID string, q ListQuery) (List, error) {
	var out List
	err := c.do(ctx, slug, http.MethodGet, projectPath(slug, projectID, "issues"), q.values(), nil, &out)
	return out, err
}

func (c *Client) GetWorkItem(ctx context.Context, slug, projectID, workItemID string) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodGet, projectPath(slug, projectID, "issues", workItemID), nil, nil, &out)
	return out, err
}

// GetWorkItemByIdentifier looks up a work item by its human identifier
// ("PROJ-123").
func (c *Client) GetWorkItemByIdentifier(ctx context.Context, slug, identifier string) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodGet, workspacePath(slug, "issues", identifier), nil, nil, &out)
	return out, err
}

// SearchWorkItems runs the workspace search. The endpoint answers with an
// "issues" list instead of the usual envelope.
func (c *Client) SearchWorkItems(ctx context.Context, slug, query, projectID string) (List, error) {
	v := url.Values{"search": []string{query}}
	if projectID != "" {
		v.Set("project_id", projectID)
	}
	var raw struct {
		Issues []Object `json:"issues"`
	}
	if err := c.do(ctx, slug, http.MethodGet, workspacePath(slug, "issues", "search"), v, nil, &raw); err != nil {
		return List{}, err
	}
	return List{Results: raw.Issues, Count: len(raw.Issues)}, nil
}

func (c *Client) CreateWorkItem(ctx context.Context, slug, projectID string, body Object) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodPost, projectPath(slug, projectID, "issues"), nil, body, &out)
	return out, err
}

func (c *Client) UpdateWorkItem(ctx context.Context, slug, projectID, workItemID string, body Object) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodPatch, projectPath(slug, projectID, "issues", workItemID), nil, body, &out)
	return out, err
}

func (c *Client) DeleteWorkItem(ctx context.Context, slug, projectID, workItemID string) error {
	return c.do(ctx, slug, http.MethodDelete, projectPath(slug, projectID, "issues", workItemID), nil, nil, nil)
}

func (c *Client) ListComments(ctx context.Context, slug, projectID, workItemID string) (List, error) {
	var out List
	err := c.do(ctx, slug, http.MethodGet, projectPath(slug, projectID, "issues", workItemID, "comments"), nil, nil, &out)
	return out, err
}

func (c *Client) GetComment(ctx context.Context, slug, projectID, workItemID, commentID string) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodGet, projectPath(slug, projectID, "issues", workItemID, "comments", commentID), nil, nil, &out)
	return out, err
}

func (c *Client) CreateComment(ctx context.Context, slug, projectID, workItemID string, body Object) (Object, error) {
	var out Object
	err := c.do(ctx, slug, http.MethodPost, projectPath(slug, projectID, "issues", workItemID, "comments"), nil, body, &out)
	return out, err
}

func (c *Client) DeleteComment(ctx context.Context, slug, projectID, workItemID, commentID string) error {
	return c.do(ctx, slug, http.MethodDelete, projectPath(slug, projectID, "issues", workItemID, "comments", commentID), nil, nil, nil)
}
