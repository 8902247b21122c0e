package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"planepi/internal/planeapi"
)

// Adapter is the slice of the Plane API the executor drives.
type Adapter interface {
	ListWorkItems(ctx context.Context, slug, projectID string, q planeapi.ListQuery) (planeapi.List, error)
	GetWorkItem(ctx context.Context, slug, projectID, workItemID string) (planeapi.Object, error)
	GetWorkItemByIdentifier(ctx context.Context, slug, identifier string) (planeapi.Object, error)
	SearchWorkItems(ctx context.Context, slug, query, projectID string) (planeapi.List, error)
	CreateWorkItem(ctx context.Context, slug, projectID string, body planeapi.Object) (planeapi.Object, error)
	UpdateWorkItem(ctx context.Context, slug, projectID, workItemID string, body planeapi.Object) (planeapi.Object, error)
	DeleteWorkItem(ctx context.Context, slug, projectID, workItemID string) error
	ListComments(ctx context.Context, slug, projectID, workItemID string) (planeapi.List, error)
	GetComment(ctx context.Context, slug, projectID, workItemID, commentID string) (planeapi.Object, error)
	CreateComment(ctx context.Context, slug, projectID, workItemID string, body planeapi.Object) (planeapi.Object, error)
	DeleteComment(ctx context.Context, slug, projectID, workItemID, commentID string) error
	ListProjects(ctx context.Context, slug string) (planeapi.List, error)
	GetProject(ctx context.Context, slug, projectID string) (planeapi.Object, error)
	CreateProject(ctx context.Context, slug string, body planeapi.Object) (planeapi.Object, error)
	ListCycles(ctx context.Context, slug, projectID string) (planeapi.List, error)
	CreateCycle(ctx context.Context, slug, projectID string, body planeapi.Object) (planeapi.Object, error)
	AddWorkItemsToCycle(ctx context.Context, slug, projectID, cycleID string, workItemIDs []string) (planeapi.Object, error)
	ListLabels(ctx context.Context, slug, projectID string) (planeapi.List, error)
	CreateLabel(ctx context.Context, slug, projectID string, body planeapi.Object) (planeapi.Object, error)
	ListStates(ctx context.Context, slug, projectID string) (planeapi.List, error)
	CreatePage(ctx context.Context, slug, projectID string, body planeapi.Object) (planeapi.Object, error)
	Me(ctx context.Context, slug string) (planeapi.Object, error)
	ListMembers(ctx context.Context, slug string) (planeapi.List, error)
}

// Result is the uniform envelope of every execution.
type Result struct {
	Success bool            `json:"success"`
	Data    planeapi.Object `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type handler func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error)

var handlers = [methodCount]handler{
	WorkItemsList: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		l, err := api.ListWorkItems(ctx, slug, a.String("project_id"), planeapi.ListQuery{PerPage: perPage(a)})
		return listData(l), err
	},
	WorkItemsGet: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.GetWorkItem(ctx, slug, a.String("project_id"), a.String("issue_id"))
	},
	WorkItemsGetByIdentifier: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.GetWorkItemByIdentifier(ctx, slug, a.String("identifier"))
	},
	WorkItemsSearch: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		l, err := api.SearchWorkItems(ctx, slug, a.String("query"), a.String("project_id"))
		return listData(l), err
	},
	WorkItemsCreate: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.CreateWorkItem(ctx, slug, a.String("project_id"), a.Body("project_id"))
	},
	WorkItemsUpdate: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.UpdateWorkItem(ctx, slug, a.String("project_id"), a.String("issue_id"), a.Body("project_id", "issue_id"))
	},
	WorkItemsDelete: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		err := api.DeleteWorkItem(ctx, slug, a.String("project_id"), a.String("issue_id"))
		return deleted(a.String("issue_id")), err
	},
	CommentsList: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		l, err := api.ListComments(ctx, slug, a.String("project_id"), a.String("issue_id"))
		return listData(l), err
	},
	CommentsGet: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.GetComment(ctx, slug, a.String("project_id"), a.String("issue_id"), a.String("comment_id"))
	},
	CommentsCreate: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.CreateComment(ctx, slug, a.String("project_id"), a.String("issue_id"), a.Body("project_id", "issue_id"))
	},
	CommentsDelete: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		err := api.DeleteComment(ctx, slug, a.String("project_id"), a.String("issue_id"), a.String("comment_id"))
		return deleted(a.String("comment_id")), err
	},
	ProjectsList: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		l, err := api.ListProjects(ctx, slug)
		return listData(l), err
	},
	ProjectsGet: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.GetProject(ctx, slug, a.String("project_id"))
	},
	ProjectsCreate: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.CreateProject(ctx, slug, a.Body())
	},
	CyclesList: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		l, err := api.ListCycles(ctx, slug, a.String("project_id"))
		return listData(l), err
	},
	CyclesCreate: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.CreateCycle(ctx, slug, a.String("project_id"), a.Body("project_id"))
	},
	CyclesAddWorkItems: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.AddWorkItemsToCycle(ctx, slug, a.String("project_id"), a.String("cycle_id"), a.Strings("issues"))
	},
	LabelsList: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		l, err := api.ListLabels(ctx, slug, a.String("project_id"))
		return listData(l), err
	},
	LabelsCreate: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.CreateLabel(ctx, slug, a.String("project_id"), a.Body("project_id"))
	},
	StatesList: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		l, err := api.ListStates(ctx, slug, a.String("project_id"))
		return listData(l), err
	},
	PagesCreate: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.CreatePage(ctx, slug, a.String("project_id"), a.Body("project_id"))
	},
	UsersMe: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		return api.Me(ctx, slug)
	},
	UsersMembers: func(ctx context.Context, api Adapter, slug string, a Args) (planeapi.Object, error) {
		l, err := api.ListMembers(ctx, slug)
		return listData(l), err
	},
}

type Executor struct {
	api Adapter
	log zerolog.Logger
}

func NewExecutor(api Adapter, log zerolog.Logger) *Executor {
	return &Executor{api: api, log: log.With().Str("component", "actions").Logger()}
}

// Execute runs one method. Failures of any kind come back as an unsuccessful
// Result, never as an error or panic.
func (e *Executor) Execute(ctx context.Context, slug string, m Method, a Args) (res Result) {
	if !m.Valid() || handlers[m] == nil {
		return Result{Success: false, Error: fmt.Sprintf("unsupported method %s", m)}
	}
	if missing := Missing(m, a); len(missing) > 0 {
		return Result{Success: false, Error: "missing required arguments: " + strings.Join(missing, ", ")}
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("method", m.String()).Msg("method handler panicked")
			res = Result{Success: false, Error: "internal error"}
		}
	}()

	data, err := handlers[m](ctx, e.api, slug, a)
	if err != nil {
		e.log.Warn().Err(err).Str("method", m.String()).Str("workspace", slug).Msg("method failed")
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Data: data}
}

func listData(l planeapi.List) planeapi.Object {
	results := make([]any, 0, len(l.Results))
	for _, r := range l.Results {
		results = append(results, r)
	}
	return planeapi.Object{"results": results, "count": l.Count}
}

func deleted(id string) planeapi.Object {
	return planeapi.Object{"id": id, "deleted": true}
}

func perPage(a Args) int {
	switch v := a["per_page"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

var _ Adapter = (*planeapi.Client)(nil)
