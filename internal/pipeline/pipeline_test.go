package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planepi/internal/actions"
	"planepi/internal/planeapi/planetest"
	"planepi/internal/planner"
	"planepi/internal/resolver"
	"planepi/internal/storage"
)

type fixture struct {
	srv   *planetest.Server
	store *storage.Store
	pipe  *Pipeline
	turn  Turn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := planetest.New(t)
	st, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "pi.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	client := srv.Client()
	return &fixture{
		srv:   srv,
		store: st,
		pipe: New(Config{
			Executor:  actions.NewExecutor(client, zerolog.Nop()),
			Reader:    client,
			Links:     client,
			Artifacts: st,
			Log:       zerolog.Nop(),
		}),
		turn: Turn{ChatID: "chat-1", MessageID: "msg-1", UserID: srv.MeID(), WorkspaceID: "ws-1", WorkspaceSlug: "acme", Execute: true},
	}
}

func planned(m actions.Method, args actions.Args) planner.PlannedAction {
	return planner.PlannedAction{Method: m, Args: args, Missing: actions.Missing(m, args)}
}

func TestCreateIsExecutedAndRecorded(t *testing.T) {
	f := newFixture(t)
	f.srv.AddProject("PROJ", "Project")
	ctx := context.Background()

	out := f.pipe.Run(ctx, f.turn, []planner.PlannedAction{
		planned(actions.WorkItemsCreate, actions.Args{"project_id": "PROJ", "name": "Hello task", "assignees": []any{"me"}}),
	})
	require.Len(t, out, 1)
	o := out[0]
	require.True(t, o.Result.Success, o.Result.Error)
	assert.True(t, o.Executed)
	require.NotNil(t, o.Entity)
	assert.Equal(t, "PROJ-1", o.Entity.Identifier)
	assert.Equal(t, planetest.WebURL+"/acme/browse/PROJ-1/", o.Entity.URL)
	assert.True(t, o.EntityInfo.Applied)

	created, ok := f.srv.WorkItem(o.Entity.ID)
	require.True(t, ok)
	assert.Equal(t, []any{f.srv.MeID()}, created["assignees"])

	arts, err := f.store.ListArtifactsForMessage(ctx, "msg-1")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, actions.ActionCreate, arts[0].Action)
	assert.Equal(t, actions.EntityWorkItem, arts[0].Entity)
	assert.True(t, arts[0].IsExecuted)
	assert.True(t, arts[0].Success)
	require.NotNil(t, arts[0].EntityID)
	assert.Equal(t, o.Entity.ID, *arts[0].EntityID)
	assert.Equal(t, o.ArtifactID, arts[0].ID)
}

func TestDeleteCommentFetchesPreviewFirst(t *testing.T) {
	f := newFixture(t)
	p := f.srv.AddProject("PROJ", "Project")
	pid := p["id"].(string)
	w := f.srv.AddWorkItem(pid, "task")
	c := f.srv.AddComment(pid, w["id"].(string), "<p>Ship it</p>")

	out := f.pipe.Run(context.Background(), f.turn, []planner.PlannedAction{
		planned(actions.CommentsDelete, actions.Args{"project_id": pid, "issue_id": "PROJ-1", "comment_id": c["id"]}),
	})
	o := out[0]
	require.True(t, o.Result.Success, o.Result.Error)
	assert.True(t, o.PreviewInfo.Applied)
	assert.Equal(t, "<p>Ship it</p>", o.Preview["comment_html"])
	_, exists := f.srv.Comment(c["id"].(string))
	assert.False(t, exists)

	var get, del = -1, -1
	for i, r := range f.srv.Requests() {
		switch {
		case r == "GET /api/v1/workspaces/acme/projects/"+pid+"/issues/"+w["id"].(string)+"/comments/"+c["id"].(string)+"/":
			get = i
		case r == "DELETE /api/v1/workspaces/acme/projects/"+pid+"/issues/"+w["id"].(string)+"/comments/"+c["id"].(string)+"/":
			del = i
		}
	}
	require.GreaterOrEqual(t, get, 0)
	assert.Less(t, get, del)
}

func TestPreviewFailureDoesNotBlockDelete(t *testing.T) {
	f := newFixture(t)
	p := f.srv.AddProject("PROJ", "Project")
	pid := p["id"].(string)
	w := f.srv.AddWorkItem(pid, "task")
	f.srv.Fail("GET /api/v1/workspaces/acme/projects/"+pid+"/issues/", 500, 1)

	out := f.pipe.Run(context.Background(), f.turn, []planner.PlannedAction{
		planned(actions.WorkItemsDelete, actions.Args{"project_id": pid, "issue_id": w["id"]}),
	})
	o := out[0]
	assert.True(t, o.Result.Success, o.Result.Error)
	assert.False(t, o.PreviewInfo.Applied)
	assert.Equal(t, resolver.SkipLookupFailed, o.PreviewInfo.Skipped)
	assert.Nil(t, o.Preview)
}

func TestPartialFailureKeepsSiblings(t *testing.T) {
	f := newFixture(t)
	p := f.srv.AddProject("PROJ", "Project")
	pid := p["id"].(string)

	out := f.pipe.Run(context.Background(), f.turn, []planner.PlannedAction{
		planned(actions.WorkItemsUpdate, actions.Args{"project_id": pid, "issue_id": "PROJ-42", "name": "x"}),
		planned(actions.WorkItemsCreate, actions.Args{"project_id": pid, "name": "still created"}),
		planned(actions.CommentsCreate, actions.Args{"project_id": pid, "issue_id": "00000000-0000-0000-0000-000000000000", "comment_html": "hi"}),
	})
	require.Len(t, out, 3)
	assert.False(t, out[0].Result.Success)
	assert.Equal(t, []string{"issue_id"}, out[0].Unresolved)
	assert.False(t, out[0].Executed)
	assert.True(t, out[1].Result.Success, out[1].Result.Error)
	assert.False(t, out[2].Result.Success)
	assert.True(t, out[2].Executed)

	arts, err := f.store.ListArtifactsForMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	require.Len(t, arts, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{arts[0].Sequence, arts[1].Sequence, arts[2].Sequence})
	assert.False(t, arts[0].IsExecuted)
	assert.True(t, arts[1].Success)
	assert.False(t, arts[2].Success)
}

func TestSameEntityMutationsRunInPlanOrder(t *testing.T) {
	f := newFixture(t)
	p := f.srv.AddProject("PROJ", "Project")
	pid := p["id"].(string)
	w := f.srv.AddWorkItem(pid, "v0")
	id := w["id"].(string)

	var plan []planner.PlannedAction
	for _, name := range []string{"v1", "v2", "v3", "v4"} {
		ref := id
		if name == "v2" {
			ref = "PROJ-1"
		}
		plan = append(plan, planned(actions.WorkItemsUpdate, actions.Args{"project_id": pid, "issue_id": ref, "name": name}))
	}
	out := f.pipe.Run(context.Background(), f.turn, plan)
	for _, o := range out {
		require.True(t, o.Result.Success, o.Result.Error)
	}
	got, _ := f.srv.WorkItem(id)
	assert.Equal(t, "v4", got["name"])

	groups, order := groupByTarget(out)
	assert.Len(t, order, 1)
	assert.Equal(t, []int{0, 1, 2, 3}, groups[order[0]])
}

func TestCommentChangesSerializeOnTheirWorkItem(t *testing.T) {
	out := []Outcome{
		{Method: actions.CommentsCreate, Args: actions.Args{"project_id": "p", "issue_id": "w1", "comment_html": "first"}},
		{Method: actions.CommentsDelete, Args: actions.Args{"project_id": "p", "issue_id": "w1", "comment_id": "c1"}},
		{Method: actions.WorkItemsDelete, Args: actions.Args{"project_id": "p", "issue_id": "w1"}},
		{Method: actions.CommentsDelete, Args: actions.Args{"project_id": "p", "issue_id": "w2", "comment_id": "c2"}},
	}
	groups, order := groupByTarget(out)
	require.Len(t, order, 2)
	assert.Equal(t, []int{0, 1, 2}, groups[actions.EntityWorkItem+":w1"])
	assert.Equal(t, []int{3}, groups[actions.EntityWorkItem+":w2"])
}

func TestDeleteByIdentifierReusesResolvedItem(t *testing.T) {
	f := newFixture(t)
	p := f.srv.AddProject("PROJ", "Project")
	pid := p["id"].(string)
	w := f.srv.AddWorkItem(pid, "old task")
	wid := w["id"].(string)

	out := f.pipe.Run(context.Background(), f.turn, []planner.PlannedAction{
		planned(actions.WorkItemsDelete, actions.Args{"project_id": pid, "issue_id": "PROJ-1"}),
	})
	o := out[0]
	require.True(t, o.Result.Success, o.Result.Error)
	assert.True(t, o.PreviewInfo.Applied)
	assert.Equal(t, "old task", o.Preview["name"])
	assert.Equal(t, wid, o.Args.String("issue_id"))

	for _, r := range f.srv.Requests() {
		assert.NotEqual(t, "GET /api/v1/workspaces/acme/projects/"+pid+"/issues/"+wid+"/", r)
	}
	_, exists := f.srv.WorkItem(wid)
	assert.False(t, exists)
}

func TestAskModeProposesThenExecutes(t *testing.T) {
	f := newFixture(t)
	p := f.srv.AddProject("PROJ", "Project")
	pid := p["id"].(string)
	ctx := context.Background()
	ask := f.turn
	ask.Execute = false

	out := f.pipe.Run(ctx, ask, []planner.PlannedAction{
		planned(actions.WorkItemsCreate, actions.Args{"project_id": pid, "name": "proposed"}),
	})
	o := out[0]
	assert.False(t, o.Executed)
	require.NotEmpty(t, o.ArtifactID)
	assert.NotContains(t, f.srv.Requests(), "POST /api/v1/workspaces/acme/projects/"+pid+"/issues/")

	v, err := f.pipe.ReviseArtifact(ctx, o.ArtifactID, actions.Args{"name": "proposed, edited"}, storage.ChangeManual, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v.VersionNumber)

	exec, err := f.pipe.ExecuteArtifact(ctx, f.turn, o.ArtifactID)
	require.NoError(t, err)
	require.True(t, exec.Result.Success, exec.Result.Error)
	assert.Equal(t, "proposed, edited", exec.Result.Data["name"])

	versions, err := f.store.ListArtifactVersions(ctx, o.ArtifactID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	latest := 0
	for i, v := range versions {
		assert.Equal(t, i+1, v.VersionNumber)
		if v.IsLatest {
			latest++
		}
	}
	assert.Equal(t, 1, latest)
	assert.Equal(t, storage.ChangeExecution, versions[2].ChangeType)
	assert.True(t, versions[2].IsExecuted)

	var data ArtifactData
	require.NoError(t, json.Unmarshal([]byte(versions[2].Data), &data))
	assert.Equal(t, "workitems_create", data.Method)

	_, err = f.pipe.ExecuteArtifact(ctx, f.turn, o.ArtifactID)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestConcurrentExecuteRunsArtifactOnce(t *testing.T) {
	f := newFixture(t)
	p := f.srv.AddProject("PROJ", "Project")
	pid := p["id"].(string)
	ctx := context.Background()
	ask := f.turn
	ask.Execute = false

	out := f.pipe.Run(ctx, ask, []planner.PlannedAction{
		planned(actions.WorkItemsCreate, actions.Args{"project_id": pid, "name": "only once"}),
	})
	id := out[0].ArtifactID
	require.NotEmpty(t, id)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipe.ExecuteArtifact(ctx, f.turn, id)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrExecuting) || errors.Is(err, ErrAlreadyExecuted), err.Error())
	}
	assert.Equal(t, 1, succeeded)

	creates := 0
	for _, r := range f.srv.Requests() {
		if r == "POST /api/v1/workspaces/acme/projects/"+pid+"/issues/" {
			creates++
		}
	}
	assert.Equal(t, 1, creates)
}

type brokenArtifacts struct{ ArtifactStore }

func (brokenArtifacts) CreateArtifact(context.Context, storage.Artifact) (storage.Artifact, storage.ArtifactVersion, error) {
	return storage.Artifact{}, storage.ArtifactVersion{}, errors.New("db is down")
}

func TestArtifactFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	p := f.srv.AddProject("PROJ", "Project")
	f.pipe.artifacts = brokenArtifacts{}

	out := f.pipe.Run(context.Background(), f.turn, []planner.PlannedAction{
		planned(actions.WorkItemsCreate, actions.Args{"project_id": p["id"], "name": "x"}),
	})
	assert.True(t, out[0].Result.Success)
	assert.Empty(t, out[0].ArtifactID)
}

func TestReadsAreNotRecorded(t *testing.T) {
	f := newFixture(t)
	f.srv.AddProject("PROJ", "Project")

	out := f.pipe.Run(context.Background(), f.turn, []planner.PlannedAction{planned(actions.ProjectsList, actions.Args{})})
	require.True(t, out[0].Result.Success)
	arts, err := f.store.ListArtifactsForMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Empty(t, arts)
}

func TestTargetsListsComments(t *testing.T) {
	f := newFixture(t)
	p := f.srv.AddProject("PROJ", "Project")
	pid := p["id"].(string)
	w := f.srv.AddWorkItem(pid, "task")
	c1 := f.srv.AddComment(pid, w["id"].(string), "<p>first  comment</p>")
	c2 := f.srv.AddComment(pid, w["id"].(string), "<p>second</p>")

	a := planned(actions.CommentsDelete, actions.Args{"project_id": pid, "issue_id": "PROJ-1"})
	cands, err := f.pipe.Targets(context.Background(), f.turn, a)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, c1["id"], cands[0].ID)
	assert.Equal(t, "first comment", cands[0].Label)
	assert.Equal(t, c2["id"], cands[1].ID)

	bound := Bind(a, cands[0].ID)
	assert.Empty(t, bound.Missing)
	assert.Equal(t, cands[0].ID, bound.Args.String("comment_id"))
	assert.NotContains(t, a.Args, "comment_id")
}
