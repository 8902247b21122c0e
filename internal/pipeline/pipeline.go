package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"planepi/internal/actions"
	"planepi/internal/metrics"
	"planepi/internal/planeapi"
	"planepi/internal/planner"
	"planepi/internal/resolver"
	"planepi/internal/storage"
)

type Executor interface {
	Execute(ctx context.Context, slug string, m actions.Method, a actions.Args) actions.Result
}

// Reader is the read-only slice of the Plane API used for resolution,
// previews and target discovery.
type Reader interface {
	resolver.Lookup
	GetWorkItem(ctx context.Context, slug, projectID, workItemID string) (planeapi.Object, error)
	GetComment(ctx context.Context, slug, projectID, workItemID, commentID string) (planeapi.Object, error)
	ListComments(ctx context.Context, slug, projectID, workItemID string) (planeapi.List, error)
	SearchWorkItems(ctx context.Context, slug, query, projectID string) (planeapi.List, error)
}

type Links interface {
	WorkItemURL(slug, identifier string) string
	EntityURL(slug, projectID, entity, id string) string
}

type ArtifactStore interface {
	CreateArtifact(ctx context.Context, a storage.Artifact) (storage.Artifact, storage.ArtifactVersion, error)
	AppendArtifactVersion(ctx context.Context, artifactID string, v storage.ArtifactVersion) (storage.ArtifactVersion, error)
	GetArtifact(ctx context.Context, id string) (storage.Artifact, error)
	LatestArtifactVersion(ctx context.Context, artifactID string) (storage.ArtifactVersion, error)
	MarkArtifactExecuted(ctx context.Context, artifactID string, messageID *string, success bool) (storage.ArtifactVersion, error)
	SetArtifactEntityID(ctx context.Context, artifactID, entityID string) error
	ClaimArtifactExecution(ctx context.Context, artifactID string, staleBefore time.Time) error
	ReleaseArtifactExecution(ctx context.Context, artifactID string) error
}

type Config struct {
	Executor    Executor
	Reader      Reader
	Links       Links
	Artifacts   ArtifactStore
	Log         zerolog.Logger
	Parallelism int
}

type Pipeline struct {
	exec      Executor
	reader    Reader
	resolver  *resolver.Resolver
	links     Links
	artifacts ArtifactStore
	log       zerolog.Logger
	limit     int
}

func New(cfg Config) *Pipeline {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	log := cfg.Log.With().Str("component", "pipeline").Logger()
	return &Pipeline{
		exec:      cfg.Executor,
		reader:    cfg.Reader,
		resolver:  resolver.New(cfg.Reader, cfg.Log),
		links:     cfg.Links,
		artifacts: cfg.Artifacts,
		log:       log,
		limit:     cfg.Parallelism,
	}
}

// Turn is the chat turn actions run for.
type Turn struct {
	ChatID        string
	MessageID     string
	UserID        string
	WorkspaceID   string
	WorkspaceSlug string
	// Execute is false in ask mode: mutations are recorded as proposals.
	Execute bool
}

// Entity is the minimal descriptor the UI links to.
type Entity struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	URL        string `json:"url,omitempty"`
}

type Outcome struct {
	Method      actions.Method
	Args        actions.Args
	Result      actions.Result
	Executed    bool
	Unresolved  []string
	Preview     planeapi.Object
	PreviewInfo resolver.Enrichment
	Entity      *Entity
	EntityInfo  resolver.Enrichment
	ArtifactID  string

	// target work item as read while resolving its identifier
	fetched planeapi.Object
}

// Run processes planned actions. Actions on different targets run
// concurrently; actions on the same target run one after another in plan
// order. Outcomes come back in plan order.
func (p *Pipeline) Run(ctx context.Context, turn Turn, planned []planner.PlannedAction) []Outcome {
	out := make([]Outcome, len(planned))
	for i, a := range planned {
		out[i] = Outcome{Method: a.Method, Args: a.Args.Clone()}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for i := range out {
		g.Go(func() error {
			p.resolve(gctx, turn, &out[i])
			return nil
		})
	}
	_ = g.Wait()

	groups, order := groupByTarget(out)
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for _, key := range order {
		idx := groups[key]
		g.Go(func() error {
			for _, i := range idx {
				p.process(gctx, turn, i, &out[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// groupByTarget buckets outcomes by the entity they touch. Actions without
// a resolvable target get a bucket of their own.
func groupByTarget(out []Outcome) (map[string][]int, []string) {
	groups := map[string][]int{}
	var order []string
	for i, o := range out {
		key := targetKey(o)
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}
	return groups, order
}

// targetKey names the entity an outcome serializes on. Anything under a work
// item, comments included, serializes on the work item.
func targetKey(o Outcome) string {
	if id := o.Args.String("issue_id"); id != "" {
		return actions.EntityWorkItem + ":" + id
	}
	spec := o.Method.Spec()
	if spec.IDArg != "" {
		if id := o.Args.String(spec.IDArg); id != "" {
			return spec.Entity + ":" + id
		}
	}
	return ""
}

// resolve replaces identifier-shaped references with ids. A reference that
// cannot be resolved fails this action only.
func (p *Pipeline) resolve(ctx context.Context, turn Turn, o *Outcome) {
	slug := turn.WorkspaceSlug
	for _, key := range resolver.IdentifierArgs {
		raw := o.Args.String(key)
		if raw == "" {
			continue
		}
		var id string
		switch key {
		case "project_id":
			id, _ = p.resolver.ResolveProject(ctx, slug, raw)
		case "issue_id":
			id, o.fetched, _ = p.resolver.ResolveWorkItem(ctx, slug, raw)
		case "parent":
			id, _ = p.resolver.Resolve(ctx, slug, raw)
		default:
			if resolver.IsUUID(raw) {
				id = raw
			}
		}
		if id == "" {
			o.Unresolved = append(o.Unresolved, key)
			continue
		}
		o.Args[key] = id
	}
	if items := o.Args.Strings("issues"); len(items) > 0 {
		resolved := make([]any, 0, len(items))
		for _, raw := range items {
			id, _ := p.resolver.Resolve(ctx, slug, raw)
			if id == "" {
				o.Unresolved = append(o.Unresolved, "issues")
				break
			}
			resolved = append(resolved, id)
		}
		o.Args["issues"] = resolved
	}
	if turn.UserID != "" {
		if who := o.Args.Strings("assignees"); len(who) > 0 {
			ids := make([]any, 0, len(who))
			for _, a := range who {
				if strings.EqualFold(a, "me") {
					a = turn.UserID
				}
				ids = append(ids, a)
			}
			o.Args["assignees"] = ids
		}
	}
}

func (p *Pipeline) process(ctx context.Context, turn Turn, seq int, o *Outcome) {
	m := metrics.Global().Actions
	spec := o.Method.Spec()
	if len(o.Unresolved) > 0 {
		o.Result = actions.Result{Success: false, Error: "could not resolve " + strings.Join(o.Unresolved, ", ")}
		m.WithLabelValues(o.Method.String(), "unresolved").Inc()
		p.record(ctx, turn, seq, o)
		return
	}

	if spec.Action == actions.ActionDelete {
		o.Preview, o.PreviewInfo = p.EnrichPlanningPayload(ctx, turn.WorkspaceSlug, o.Method, o.Args, o.fetched)
	}

	if spec.Mutates() && !turn.Execute {
		o.Result = actions.Result{Success: true}
		m.WithLabelValues(o.Method.String(), "proposed").Inc()
		p.record(ctx, turn, seq, o)
		return
	}

	o.Result = p.exec.Execute(ctx, turn.WorkspaceSlug, o.Method, o.Args)
	o.Executed = true
	if o.Result.Success {
		m.WithLabelValues(o.Method.String(), "success").Inc()
		o.Entity, o.EntityInfo = p.InferSelectedEntity(ctx, turn.WorkspaceSlug, o.Method, o.Args, o.Result.Data)
	} else {
		m.WithLabelValues(o.Method.String(), "failure").Inc()
		p.log.Info().Str("method", o.Method.String()).Str("error", o.Result.Error).Msg("action failed")
	}
	p.record(ctx, turn, seq, o)
}
