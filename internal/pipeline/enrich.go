package pipeline

import (
	"context"
	"errors"

	"planepi/internal/actions"
	"planepi/internal/planeapi"
	"planepi/internal/resolver"
)

type previewKey struct {
	Action string
	Entity string
}

// PreviewEnricher fetches what a destructive call is about to remove. It must
// only read.
type PreviewEnricher func(ctx context.Context, r Reader, slug string, a actions.Args) (planeapi.Object, error)

// DeletePreviewEnrichers is keyed by (action, entity).
var DeletePreviewEnrichers = map[previewKey]PreviewEnricher{
	{actions.ActionDelete, actions.EntityComment}: func(ctx context.Context, r Reader, slug string, a actions.Args) (planeapi.Object, error) {
		c, err := r.GetComment(ctx, slug, a.String("project_id"), a.String("issue_id"), a.String("comment_id"))
		if err != nil {
			return nil, err
		}
		return planeapi.Object{"id": c["id"], "comment_html": c["comment_html"]}, nil
	},
	{actions.ActionDelete, actions.EntityWorkItem}: func(ctx context.Context, r Reader, slug string, a actions.Args) (planeapi.Object, error) {
		w, err := r.GetWorkItem(ctx, slug, a.String("project_id"), a.String("issue_id"))
		if err != nil {
			return nil, err
		}
		return workItemPreview(w), nil
	},
}

func workItemPreview(w planeapi.Object) planeapi.Object {
	out := planeapi.Object{"id": w["id"], "name": w["name"]}
	for _, k := range []string{"sequence_id", "project", "project_id", "description_html"} {
		if v, ok := w[k]; ok {
			out[k] = v
		}
	}
	return out
}

var errNoEnricher = errors.New("no preview enricher registered")

// EnrichPlanningPayload fetches the confirmation preview for a delete. A
// failed fetch leaves the preview empty and never blocks the action.
// fetched is the work item already read while resolving its identifier, if
// any; a work item delete then needs no second read.
func (p *Pipeline) EnrichPlanningPayload(ctx context.Context, slug string, m actions.Method, a actions.Args, fetched planeapi.Object) (planeapi.Object, resolver.Enrichment) {
	spec := m.Spec()
	if spec.Entity == actions.EntityWorkItem && fetched != nil {
		preview := workItemPreview(fetched)
		p.resolver.AttachIssueIdentifier(ctx, slug, preview)
		return preview, resolver.Applied()
	}
	enrich, ok := DeletePreviewEnrichers[previewKey{spec.Action, spec.Entity}]
	if !ok {
		return nil, resolver.Skipped(resolver.SkipNoReference, errNoEnricher)
	}
	preview, err := enrich(ctx, p.reader, slug, a)
	if err != nil {
		p.log.Warn().Err(err).Str("method", m.String()).Msg("delete preview unavailable")
		return nil, resolver.Skipped(resolver.SkipLookupFailed, err)
	}
	if spec.Entity == actions.EntityWorkItem {
		p.resolver.AttachIssueIdentifier(ctx, slug, preview)
	}
	return preview, resolver.Applied()
}

// InferSelectedEntity builds the entity descriptor for an executed call,
// from the response when it carries an id and from the arguments otherwise.
func (p *Pipeline) InferSelectedEntity(ctx context.Context, slug string, m actions.Method, a actions.Args, data planeapi.Object) (*Entity, resolver.Enrichment) {
	spec := m.Spec()
	e := &Entity{Type: spec.Entity}
	if id, _ := data["id"].(string); id != "" {
		e.ID = id
		e.Name, _ = data["name"].(string)
		e.ProjectID = resolver.ProjectOf(data)
	}
	if e.ID == "" && spec.IDArg != "" {
		e.ID = a.String(spec.IDArg)
	}
	if e.ID == "" {
		return nil, resolver.Skipped(resolver.SkipNoReference, nil)
	}
	if e.ProjectID == "" {
		e.ProjectID = a.String("project_id")
	}
	if spec.Entity == actions.EntityProject && e.ProjectID == "" {
		e.ProjectID = e.ID
	}

	info := resolver.Applied()
	if spec.Entity == actions.EntityWorkItem && spec.Action != actions.ActionDelete {
		summary := planeapi.Object{"project": e.ProjectID, "sequence_id": data["sequence_id"]}
		if ident, _ := data["identifier"].(string); ident != "" {
			summary["identifier"] = ident
		}
		if r := p.resolver.AttachIssueIdentifier(ctx, slug, summary); !r.Applied && r.Skipped != resolver.SkipAlreadyPresent {
			info = r
		}
		e.Identifier, _ = summary["identifier"].(string)
		if data != nil && e.Identifier != "" {
			data["identifier"] = e.Identifier
		}
	}
	if p.links != nil {
		if e.Identifier != "" {
			e.URL = p.links.WorkItemURL(slug, e.Identifier)
		} else if spec.Action != actions.ActionDelete {
			e.URL = p.links.EntityURL(slug, e.ProjectID, e.Type, e.ID)
		}
	}
	return e, info
}
