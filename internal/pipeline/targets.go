package pipeline

import (
	"context"
	"regexp"
	"strings"

	"planepi/internal/actions"
	"planepi/internal/clarify"
	"planepi/internal/planner"
)

// Targets lists the entities that could fill the missing target argument of
// a planned action. It only applies when the target id is the one thing
// missing; otherwise it returns nil.
func (p *Pipeline) Targets(ctx context.Context, turn Turn, a planner.PlannedAction) ([]clarify.Candidate, error) {
	spec := a.Method.Spec()
	if spec.IDArg == "" || len(a.Missing) != 1 || a.Missing[0] != spec.IDArg {
		return nil, nil
	}
	o := Outcome{Method: a.Method, Args: a.Args.Clone()}
	p.resolve(ctx, turn, &o)
	if len(o.Unresolved) > 0 {
		return nil, nil
	}
	slug := turn.WorkspaceSlug

	switch spec.Entity {
	case actions.EntityComment:
		list, err := p.reader.ListComments(ctx, slug, o.Args.String("project_id"), o.Args.String("issue_id"))
		if err != nil {
			return nil, err
		}
		out := make([]clarify.Candidate, 0, len(list.Results))
		for _, c := range list.Results {
			id, _ := c["id"].(string)
			html, _ := c["comment_html"].(string)
			out = append(out, clarify.Candidate{ID: id, Label: snippet(html, 80), Entity: spec.Entity})
		}
		return out, nil
	case actions.EntityWorkItem:
		name := o.Args.String("name")
		if name == "" {
			return nil, nil
		}
		list, err := p.reader.SearchWorkItems(ctx, slug, name, o.Args.String("project_id"))
		if err != nil {
			return nil, err
		}
		out := make([]clarify.Candidate, 0, len(list.Results))
		for _, w := range list.Results {
			id, _ := w["id"].(string)
			label, _ := w["name"].(string)
			if p.resolver.AttachIssueIdentifier(ctx, slug, w).Applied {
				label = w["identifier"].(string) + " " + label
			}
			out = append(out, clarify.Candidate{ID: id, Label: label, Entity: spec.Entity})
		}
		return out, nil
	}
	return nil, nil
}

// Bind fills the target argument of a planned action with id.
func Bind(a planner.PlannedAction, id string) planner.PlannedAction {
	spec := a.Method.Spec()
	a.Args = a.Args.Clone()
	a.Args[spec.IDArg] = id
	a.Missing = actions.Missing(a.Method, a.Args)
	return a
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

func snippet(html string, n int) string {
	s := strings.Join(strings.Fields(tagRe.ReplaceAllString(html, " ")), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
