package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"planepi/internal/planeapi"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*-\d+$`)

// IdentifierArgs are the argument keys that may carry an entity reference.
var IdentifierArgs = []string{"issue_id", "parent", "comment_id", "cycle_id", "project_id"}

// Lookup is the read side of the Plane API needed to resolve references.
type Lookup interface {
	GetWorkItemByIdentifier(ctx context.Context, slug, identifier string) (planeapi.Object, error)
	GetProject(ctx context.Context, slug, projectID string) (planeapi.Object, error)
	ListProjects(ctx context.Context, slug string) (planeapi.List, error)
}

type Resolver struct {
	api Lookup
	log zerolog.Logger
}

func New(api Lookup, log zerolog.Logger) *Resolver {
	return &Resolver{api: api, log: log.With().Str("component", "resolver").Logger()}
}

// IsUUID reports whether raw parses as a UUID.
func IsUUID(raw string) bool {
	_, err := uuid.Parse(strings.TrimSpace(raw))
	return err == nil
}

// IsIdentifier reports whether raw looks like a work item identifier.
func IsIdentifier(raw string) bool {
	return identifierRe.MatchString(strings.TrimSpace(raw))
}

// Resolve maps a raw reference to an entity id. UUIDs come back unchanged
// with didMutate false; identifiers are looked up in the workspace and come
// back with didMutate true. Anything else, including a failed lookup, yields
// ("", false).
func (r *Resolver) Resolve(ctx context.Context, workspaceSlug, raw string) (id string, didMutate bool) {
	id, _, didMutate = r.ResolveWorkItem(ctx, workspaceSlug, raw)
	return id, didMutate
}

// ResolveProject maps a project UUID, identifier ("PROJ") or exact name to
// the project id, with the same contract as Resolve.
func (r *Resolver) ResolveProject(ctx context.Context, workspaceSlug, raw string) (id string, didMutate bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if IsUUID(raw) {
		return raw, false
	}
	if workspaceSlug == "" {
		return "", false
	}
	projects, err := r.api.ListProjects(ctx, workspaceSlug)
	if err != nil {
		r.log.Warn().Err(err).Str("workspace", workspaceSlug).Msg("project lookup failed")
		return "", false
	}
	var byName string
	for _, p := range projects.Results {
		pid, _ := p["id"].(string)
		if ident, _ := p["identifier"].(string); strings.EqualFold(ident, raw) {
			return pid, pid != ""
		}
		if name, _ := p["name"].(string); strings.EqualFold(name, raw) && byName == "" {
			byName = pid
		}
	}
	return byName, byName != ""
}

// ResolveWorkItem is Resolve that also returns the fetched work item when a
// lookup happened.
func (r *Resolver) ResolveWorkItem(ctx context.Context, workspaceSlug, raw string) (string, planeapi.Object, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil, false
	}
	if IsUUID(raw) {
		return raw, nil, false
	}
	if workspaceSlug == "" || !identifierRe.MatchString(raw) {
		return "", nil, false
	}
	item, err := r.api.GetWorkItemByIdentifier(ctx, workspaceSlug, strings.ToUpper(raw))
	if err != nil {
		if !planeapi.IsNotFound(err) {
			r.log.Warn().Err(err).Str("workspace", workspaceSlug).Str("identifier", raw).Msg("identifier lookup failed")
		}
		return "", nil, false
	}
	id, _ := item["id"].(string)
	if id == "" {
		return "", nil, false
	}
	return id, item, true
}

// SkipReason says why an enrichment did not apply.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipNoWorkspace     SkipReason = "no_workspace"
	SkipNoReference     SkipReason = "no_reference"
	SkipAlreadyPresent  SkipReason = "already_present"
	SkipLookupFailed    SkipReason = "lookup_failed"
	SkipIncompleteFetch SkipReason = "incomplete_entity"
)

// Enrichment is the outcome of a best-effort enrichment step.
type Enrichment struct {
	Applied bool
	Skipped SkipReason
	Err     error
}

func Applied() Enrichment { return Enrichment{Applied: true} }

func Skipped(reason SkipReason, err error) Enrichment {
	return Enrichment{Skipped: reason, Err: err}
}

// Identifier formats "PROJ-12" from a project identifier and sequence id.
func Identifier(projectIdentifier string, sequence any) string {
	if projectIdentifier == "" || sequence == nil {
		return ""
	}
	switch v := sequence.(type) {
	case float64:
		return fmt.Sprintf("%s-%d", projectIdentifier, int64(v))
	case int:
		return fmt.Sprintf("%s-%d", projectIdentifier, v)
	case int64:
		return fmt.Sprintf("%s-%d", projectIdentifier, v)
	case string:
		if v == "" {
			return ""
		}
		return projectIdentifier + "-" + v
	}
	return ""
}

// AttachIssueIdentifier adds "identifier" to summary, derived from the work
// item's project and sequence id. It never fails the caller; the returned
// Enrichment says whether it applied and why not.
func (r *Resolver) AttachIssueIdentifier(ctx context.Context, workspaceSlug string, summary planeapi.Object) Enrichment {
	if summary == nil {
		return Skipped(SkipNoReference, nil)
	}
	if s, _ := summary["identifier"].(string); s != "" {
		return Skipped(SkipAlreadyPresent, nil)
	}
	if workspaceSlug == "" {
		return Skipped(SkipNoWorkspace, nil)
	}
	projectID := ProjectOf(summary)
	sequence := summary["sequence_id"]
	if projectID == "" || sequence == nil {
		return Skipped(SkipIncompleteFetch, nil)
	}
	project, err := r.api.GetProject(ctx, workspaceSlug, projectID)
	if err != nil {
		r.log.Debug().Err(err).Str("project", projectID).Msg("identifier enrichment skipped")
		return Skipped(SkipLookupFailed, err)
	}
	prefix, _ := project["identifier"].(string)
	ident := Identifier(prefix, sequence)
	if ident == "" {
		return Skipped(SkipIncompleteFetch, nil)
	}
	summary["identifier"] = ident
	return Applied()
}

// ProjectOf reads the project id from an entity, accepting both the
// "project" and "project_id" spellings.
func ProjectOf(o planeapi.Object) string {
	for _, k := range []string{"project_id", "project"} {
		if s, ok := o[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
