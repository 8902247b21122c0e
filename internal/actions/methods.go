package actions

import (
	"sort"
	"strings"

	"planepi/internal/llm"
)

// Method is one supported (category, method) pair.
type Method int

const (
	MethodUnknown Method = iota
	WorkItemsList
	WorkItemsGet
	WorkItemsGetByIdentifier
	WorkItemsSearch
	WorkItemsCreate
	WorkItemsUpdate
	WorkItemsDelete
	CommentsList
	CommentsGet
	CommentsCreate
	CommentsDelete
	ProjectsList
	ProjectsGet
	ProjectsCreate
	CyclesList
	CyclesCreate
	CyclesAddWorkItems
	LabelsList
	LabelsCreate
	StatesList
	PagesCreate
	UsersMe
	UsersMembers
	methodCount
)

// Categories.
const (
	CategoryWorkItems = "workitems"
	CategoryComments  = "comments"
	CategoryProjects  = "projects"
	CategoryCycles    = "cycles"
	CategoryLabels    = "labels"
	CategoryStates    = "states"
	CategoryPages     = "pages"
	CategoryUsers     = "users"
)

// Entity types touched by methods.
const (
	EntityWorkItem = "workitem"
	EntityComment  = "comment"
	EntityProject  = "project"
	EntityCycle    = "cycle"
	EntityLabel    = "label"
	EntityState    = "state"
	EntityPage     = "page"
	EntityUser     = "user"
)

// Action kinds recorded on artifacts.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionLink   = "link"
)

type Param struct {
	Type        string
	Description string
}

type Spec struct {
	Category    string
	Name        string
	Description string
	Action      string
	Entity      string
	// IDArg names the argument that identifies the target entity, empty for
	// creates and lists.
	IDArg    string
	Required []string
	Params   map[string]Param
}

func (s Spec) Mutates() bool {
	return s.Action != ActionRead
}

var (
	pProject  = Param{"string", "Project UUID"}
	pWorkItem = Param{"string", "Work item UUID or identifier such as PROJ-12"}
	pComment  = Param{"string", "Comment UUID"}
)

var specs = [methodCount]Spec{
	WorkItemsList: {CategoryWorkItems, "list", "List work items in a project", ActionRead, EntityWorkItem, "",
		[]string{"project_id"}, map[string]Param{"project_id": pProject, "per_page": {"integer", "Page size"}}},
	WorkItemsGet: {CategoryWorkItems, "get", "Fetch one work item", ActionRead, EntityWorkItem, "issue_id",
		[]string{"project_id", "issue_id"}, map[string]Param{"project_id": pProject, "issue_id": pWorkItem}},
	WorkItemsGetByIdentifier: {CategoryWorkItems, "get_by_identifier", "Fetch a work item by its identifier (PROJ-12)", ActionRead, EntityWorkItem, "identifier",
		[]string{"identifier"}, map[string]Param{"identifier": {"string", "Work item identifier"}}},
	WorkItemsSearch: {CategoryWorkItems, "search", "Search work items by text", ActionRead, EntityWorkItem, "",
		[]string{"query"}, map[string]Param{"query": {"string", "Search text"}, "project_id": pProject}},
	WorkItemsCreate: {CategoryWorkItems, "create", "Create a work item", ActionCreate, EntityWorkItem, "",
		[]string{"project_id", "name"}, map[string]Param{
			"project_id":       pProject,
			"name":             {"string", "Title"},
			"description_html": {"string", "Description as HTML"},
			"priority":         {"string", "urgent, high, medium, low or none"},
			"state":            {"string", "State UUID"},
			"assignees":        {"array", "Assignee user UUIDs"},
			"labels":           {"array", "Label UUIDs"},
			"start_date":       {"string", "YYYY-MM-DD"},
			"target_date":      {"string", "YYYY-MM-DD"},
			"parent":           pWorkItem,
		}},
	WorkItemsUpdate: {CategoryWorkItems, "update", "Update fields of a work item", ActionUpdate, EntityWorkItem, "issue_id",
		[]string{"project_id", "issue_id"}, map[string]Param{
			"project_id":       pProject,
			"issue_id":         pWorkItem,
			"name":             {"string", "Title"},
			"description_html": {"string", "Description as HTML"},
			"priority":         {"string", "urgent, high, medium, low or none"},
			"state":            {"string", "State UUID"},
			"assignees":        {"array", "Assignee user UUIDs"},
			"labels":           {"array", "Label UUIDs"},
			"target_date":      {"string", "YYYY-MM-DD"},
		}},
	WorkItemsDelete: {CategoryWorkItems, "delete", "Delete a work item", ActionDelete, EntityWorkItem, "issue_id",
		[]string{"project_id", "issue_id"}, map[string]Param{"project_id": pProject, "issue_id": pWorkItem}},
	CommentsList: {CategoryComments, "list", "List comments on a work item", ActionRead, EntityComment, "",
		[]string{"project_id", "issue_id"}, map[string]Param{"project_id": pProject, "issue_id": pWorkItem}},
	CommentsGet: {CategoryComments, "get", "Fetch one comment", ActionRead, EntityComment, "comment_id",
		[]string{"project_id", "issue_id", "comment_id"}, map[string]Param{"project_id": pProject, "issue_id": pWorkItem, "comment_id": pComment}},
	CommentsCreate: {CategoryComments, "create", "Comment on a work item", ActionCreate, EntityComment, "",
		[]string{"project_id", "issue_id", "comment_html"}, map[string]Param{"project_id": pProject, "issue_id": pWorkItem, "comment_html": {"string", "Comment body as HTML"}}},
	CommentsDelete: {CategoryComments, "delete", "Delete a comment", ActionDelete, EntityComment, "comment_id",
		[]string{"project_id", "issue_id", "comment_id"}, map[string]Param{"project_id": pProject, "issue_id": pWorkItem, "comment_id": pComment}},
	ProjectsList: {CategoryProjects, "list", "List projects in the workspace", ActionRead, EntityProject, "",
		nil, map[string]Param{}},
	ProjectsGet: {CategoryProjects, "get", "Fetch one project", ActionRead, EntityProject, "project_id",
		[]string{"project_id"}, map[string]Param{"project_id": pProject}},
	ProjectsCreate: {CategoryProjects, "create", "Create a project", ActionCreate, EntityProject, "",
		[]string{"name", "identifier"}, map[string]Param{
			"name":        {"string", "Project name"},
			"identifier":  {"string", "Short uppercase identifier, e.g. PROJ"},
			"description": {"string", "Description"},
			"network":     {"integer", "0 secret, 2 public"},
		}},
	CyclesList: {CategoryCycles, "list", "List cycles of a project", ActionRead, EntityCycle, "",
		[]string{"project_id"}, map[string]Param{"project_id": pProject}},
	CyclesCreate: {CategoryCycles, "create", "Create a cycle", ActionCreate, EntityCycle, "",
		[]string{"project_id", "name"}, map[string]Param{
			"project_id": pProject,
			"name":       {"string", "Cycle name"},
			"start_date": {"string", "YYYY-MM-DD"},
			"end_date":   {"string", "YYYY-MM-DD"},
		}},
	CyclesAddWorkItems: {CategoryCycles, "add_work_items", "Add work items to a cycle", ActionLink, EntityCycle, "cycle_id",
		[]string{"project_id", "cycle_id", "issues"}, map[string]Param{
			"project_id": pProject,
			"cycle_id":   {"string", "Cycle UUID"},
			"issues":     {"array", "Work item UUIDs or identifiers"},
		}},
	LabelsList: {CategoryLabels, "list", "List labels of a project", ActionRead, EntityLabel, "",
		[]string{"project_id"}, map[string]Param{"project_id": pProject}},
	LabelsCreate: {CategoryLabels, "create", "Create a label", ActionCreate, EntityLabel, "",
		[]string{"project_id", "name"}, map[string]Param{"project_id": pProject, "name": {"string", "Label name"}, "color": {"string", "Hex color"}}},
	StatesList: {CategoryStates, "list", "List workflow states of a project", ActionRead, EntityState, "",
		[]string{"project_id"}, map[string]Param{"project_id": pProject}},
	PagesCreate: {CategoryPages, "create", "Create a page", ActionCreate, EntityPage, "",
		[]string{"project_id", "name"}, map[string]Param{"project_id": pProject, "name": {"string", "Page title"}, "description_html": {"string", "Page body as HTML"}}},
	UsersMe: {CategoryUsers, "me", "The current user", ActionRead, EntityUser, "",
		nil, map[string]Param{}},
	UsersMembers: {CategoryUsers, "members", "Members of the workspace", ActionRead, EntityUser, "",
		nil, map[string]Param{}},
}

var byTool = func() map[string]Method {
	out := make(map[string]Method, methodCount)
	for _, m := range Methods() {
		out[m.String()] = m
	}
	return out
}()

// Methods lists every supported method.
func Methods() []Method {
	out := make([]Method, 0, methodCount-1)
	for m := MethodUnknown + 1; m < methodCount; m++ {
		out = append(out, m)
	}
	return out
}

func (m Method) Valid() bool {
	return m > MethodUnknown && m < methodCount
}

func (m Method) Spec() Spec {
	if !m.Valid() {
		return Spec{}
	}
	return specs[m]
}

// String is the tool name exposed to the model, e.g. "workitems_create".
func (m Method) String() string {
	if !m.Valid() {
		return "unknown"
	}
	s := specs[m]
	return s.Category + "_" + s.Name
}

func ParseTool(name string) (Method, bool) {
	m, ok := byTool[strings.ToLower(strings.TrimSpace(name))]
	return m, ok
}

func Lookup(category, method string) (Method, bool) {
	return ParseTool(category + "_" + method)
}

func Categories() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, m := range Methods() {
		c := specs[m].Category
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func IsCategory(c string) bool {
	for _, known := range Categories() {
		if known == c {
			return true
		}
	}
	return false
}

// ForCategories returns the methods of the given categories, in enum order.
func ForCategories(categories []string) []Method {
	want := map[string]bool{}
	for _, c := range categories {
		want[c] = true
	}
	out := []Method{}
	for _, m := range Methods() {
		if want[specs[m].Category] {
			out = append(out, m)
		}
	}
	return out
}

// Tool renders the method as a function the model may call.
func (m Method) Tool() llm.Tool {
	s := m.Spec()
	props := make(map[string]any, len(s.Params))
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := s.Params[k]
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if p.Type == "array" {
			prop["items"] = map[string]any{"type": "string"}
		}
		props[k] = prop
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return llm.Tool{
		Name:        m.String(),
		Description: s.Description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func Tools(methods []Method) []llm.Tool {
	out := make([]llm.Tool, 0, len(methods))
	for _, m := range methods {
		out = append(out, m.Tool())
	}
	return out
}
