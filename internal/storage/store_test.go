package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "pi.db")
	s, err := Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustChat(t *testing.T, s *Store, id string) {
	t.Helper()
	if _, err := s.CreateChat(context.Background(), Chat{ID: id, UserID: "u1", WorkspaceSlug: "acme"}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
}

func TestCreateChatIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateChat(ctx, Chat{ID: "c1", UserID: "u1", Title: "first"})
	if err != nil {
		t.Fatalf("create#1: %v", err)
	}
	if !created {
		t.Fatalf("expected first create to insert")
	}
	created, err = s.CreateChat(ctx, Chat{ID: "c1", UserID: "u1", Title: "second"})
	if err != nil {
		t.Fatalf("create#2: %v", err)
	}
	if created {
		t.Fatalf("expected second create to be a no-op")
	}

	c, err := s.GetChat(ctx, "c1", "u1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if c.Title != "first" {
		t.Fatalf("expected original title kept, got %q", c.Title)
	}

	if err := s.SoftDeleteChat(ctx, "c1", "u1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := s.GetChat(ctx, "c1", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestLatestChatPreferenceWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustChat(t, s, "c1")

	if _, err := s.LatestChatPreference(ctx, "c1", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound without preferences, got %v", err)
	}
	if err := s.AppendChatPreference(ctx, ChatPreference{ChatID: "c1", UserID: "u1", Mode: ModeAsk}); err != nil {
		t.Fatalf("append#1: %v", err)
	}
	if err := s.AppendChatPreference(ctx, ChatPreference{ChatID: "c1", UserID: "u1", Mode: ModeBuild, IsFocusEnabled: true}); err != nil {
		t.Fatalf("append#2: %v", err)
	}
	p, err := s.LatestChatPreference(ctx, "c1", "u1")
	if err != nil {
		t.Fatalf("latest preference: %v", err)
	}
	if p.Mode != ModeBuild || !p.IsFocusEnabled {
		t.Fatalf("expected newest preference, got %+v", p)
	}
}

func TestMessagesKeepOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustChat(t, s, "c1")

	for _, content := range []string{"one", "two", "three"} {
		if _, err := s.InsertMessage(ctx, Message{ChatID: "c1", UserID: "u1", Role: RoleUser, Content: content}); err != nil {
			t.Fatalf("insert %s: %v", content, err)
		}
	}
	msgs, err := s.ListMessages(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("expected last two messages oldest-first, got %+v", msgs)
	}
	if msgs[1].Position != 3 {
		t.Fatalf("expected position 3, got %d", msgs[1].Position)
	}
}

func TestSinglePendingClarification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustChat(t, s, "c1")

	first, superseded, err := s.CreatePendingClarification(ctx, Clarification{
		ChatID: "c1", MessageID: "m1", Kind: ClarificationAction, OriginalQuery: "delete the bug",
		Categories: []string{"workitems"},
	})
	if err != nil {
		t.Fatalf("create#1: %v", err)
	}
	if superseded != 0 {
		t.Fatalf("expected nothing superseded, got %d", superseded)
	}

	second, superseded, err := s.CreatePendingClarification(ctx, Clarification{
		ChatID: "c1", MessageID: "m2", Kind: ClarificationAction, OriginalQuery: "delete the other bug",
	})
	if err != nil {
		t.Fatalf("create#2: %v", err)
	}
	if superseded != 1 {
		t.Fatalf("expected one superseded, got %d", superseded)
	}

	n, err := s.CountPendingClarifications(ctx, "c1")
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one pending, got %d", n)
	}
	latest, err := s.LatestPendingClarification(ctx, "c1")
	if err != nil {
		t.Fatalf("latest pending: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("expected latest=%s, got %s", second.ID, latest.ID)
	}
	old, err := s.GetClarification(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if old.Pending || old.Categories[0] != "workitems" {
		t.Fatalf("unexpected superseded row: %+v", old)
	}
}

func TestClarificationResolvesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustChat(t, s, "c1")

	c, _, err := s.CreatePendingClarification(ctx, Clarification{ChatID: "c1", MessageID: "m1", Kind: ClarificationRetrieval})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ResolveClarification(ctx, c.ID, "the first one", "m2"); err != nil {
		t.Fatalf("resolve#1: %v", err)
	}
	if _, err := s.ResolveClarification(ctx, c.ID, "the second one", "m3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second resolve, got %v", err)
	}
	got, err := s.GetClarification(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AnswerText == nil || *got.AnswerText != "the first one" || got.ResolvedAt == nil {
		t.Fatalf("unexpected resolved row: %+v", got)
	}
}

func TestArtifactVersionsAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustChat(t, s, "c1")

	a, v1, err := s.CreateArtifact(ctx, Artifact{ChatID: "c1", Entity: "workitem", Action: "create", Data: `{"name":"x"}`})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	if v1.VersionNumber != 1 || !v1.IsLatest {
		t.Fatalf("unexpected first version: %+v", v1)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendArtifactVersion(ctx, a.ID, ArtifactVersion{ChangeType: ChangeManual, Data: `{"name":"y"}`})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append version: %v", err)
		}
	}

	versions, err := s.ListArtifactVersions(ctx, a.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 5 {
		t.Fatalf("expected 5 versions, got %d", len(versions))
	}
	latest := 0
	for i, v := range versions {
		if v.VersionNumber != i+1 {
			t.Fatalf("expected version %d at index %d, got %d", i+1, i, v.VersionNumber)
		}
		if v.IsLatest {
			latest++
		}
	}
	if latest != 1 || !versions[4].IsLatest {
		t.Fatalf("expected only the newest version latest, got %d latest", latest)
	}

	got, err := s.GetArtifact(ctx, a.ID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if got.Data != `{"name":"y"}` {
		t.Fatalf("expected artifact to mirror latest data, got %s", got.Data)
	}

	if _, err := s.AppendArtifactVersion(ctx, "missing", ArtifactVersion{ChangeType: ChangeManual}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown artifact, got %v", err)
	}
}

func TestAttachmentLinksExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustChat(t, s, "c1")

	uploaded, err := s.CreateAttachment(ctx, Attachment{ChatID: "c1", UserID: "u1", Filename: "a.png", FileType: "image"})
	if err != nil {
		t.Fatalf("create attachment: %v", err)
	}
	if err := s.MarkAttachmentStatus(ctx, uploaded.ID, "u1", AttachmentUploaded); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	pending, err := s.CreateAttachment(ctx, Attachment{ChatID: "c1", UserID: "u1", Filename: "b.pdf", FileType: "pdf"})
	if err != nil {
		t.Fatalf("create pending attachment: %v", err)
	}

	n, err := s.LinkAttachmentsToMessage(ctx, "c1", "u1", "m1", []string{uploaded.ID, pending.ID})
	if err != nil {
		t.Fatalf("link#1: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the uploaded attachment linked, got %d", n)
	}
	n, err = s.LinkAttachmentsToMessage(ctx, "c1", "u1", "m2", []string{uploaded.ID})
	if err != nil {
		t.Fatalf("link#2: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected relink to be a no-op, got %d", n)
	}
	got, err := s.GetAttachment(ctx, uploaded.ID, "u1")
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	if got.MessageID == nil || *got.MessageID != "m1" {
		t.Fatalf("expected attachment linked to m1, got %v", got.MessageID)
	}
}

func TestPricingPrefixFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []Pricing{
		{Model: "gpt-4o", InputPerMTok: 2.5, OutputPerMTok: 10},
		{Model: "gpt-4o-mini", InputPerMTok: 0.15, OutputPerMTok: 0.6},
	} {
		if err := s.UpsertPricing(ctx, p); err != nil {
			t.Fatalf("upsert %s: %v", p.Model, err)
		}
	}
	p, err := s.GetPricing(ctx, "gpt-4o-mini-2024-07-18")
	if err != nil {
		t.Fatalf("get pricing: %v", err)
	}
	if p.Model != "gpt-4o-mini" {
		t.Fatalf("expected longest prefix gpt-4o-mini, got %s", p.Model)
	}
	if _, err := s.GetPricing(ctx, "claude-sonnet-4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unpriced model, got %v", err)
	}
}

func TestVectorizationRetriggerResetsProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertWorkspaceVectorization(ctx, WorkspaceVectorization{WorkspaceID: "w1", WorkspaceSlug: "acme", Entities: []string{"issues"}}); err != nil {
		t.Fatalf("trigger#1: %v", err)
	}
	msg := "embedding backend down"
	if err := s.UpdateVectorizationProgress(ctx, "w1", VectorizationFailed, 0.4, &msg); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if _, err := s.UpsertWorkspaceVectorization(ctx, WorkspaceVectorization{WorkspaceID: "w1", WorkspaceSlug: "acme", Entities: []string{"issues", "pages"}}); err != nil {
		t.Fatalf("trigger#2: %v", err)
	}
	v, err := s.GetWorkspaceVectorization(ctx, "w1")
	if err != nil {
		t.Fatalf("get vectorization: %v", err)
	}
	if v.Status != VectorizationQueued || v.Progress != 0 || v.LastError != nil || len(v.Entities) != 2 {
		t.Fatalf("expected reset run, got %+v", v)
	}
}

func TestArtifactExecutionIsClaimedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustChat(t, s, "c1")
	a, _, err := s.CreateArtifact(ctx, Artifact{ChatID: "c1", Entity: "workitem", Action: "create", Data: `{"name":"x"}`})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.ClaimArtifactExecution(ctx, a.ID, time.Now().Add(-time.Minute))
		}()
	}
	wg.Wait()
	close(results)
	won := 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, ErrConflict):
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one claim, got %d", won)
	}

	if err := s.ReleaseArtifactExecution(ctx, a.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.ClaimArtifactExecution(ctx, a.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if _, err := s.MarkArtifactExecuted(ctx, a.ID, nil, true); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if err := s.ReleaseArtifactExecution(ctx, a.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.ClaimArtifactExecution(ctx, a.ID, time.Now().Add(-time.Minute)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict once executed, got %v", err)
	}
	if err := s.ClaimArtifactExecution(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown artifact, got %v", err)
	}
}

func TestStaleArtifactClaimCanBeTakenOver(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustChat(t, s, "c1")
	a, _, err := s.CreateArtifact(ctx, Artifact{ChatID: "c1", Entity: "workitem", Action: "create", Data: `{}`})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	if err := s.ClaimArtifactExecution(ctx, a.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.ClaimArtifactExecution(ctx, a.ID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("expected a stale claim to be taken over, got %v", err)
	}
}

type noRowsResult struct{}

func (noRowsResult) LastInsertId() (int64, error) { return 0, nil }
func (noRowsResult) RowsAffected() (int64, error) { return 0, errors.New("driver cannot count rows") }

type countlessExecer struct{ execer }

func (countlessExecer) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return noRowsResult{}, nil
}

func TestExecReportsRowsAffectedFailure(t *testing.T) {
	s := newTestStore(t)
	q := s.sql.Update("chats").Set("title", "x").Where(sq.Eq{"id": "c1"})
	n, err := s.exec(context.Background(), countlessExecer{}, q, "rename chat")
	if err == nil {
		t.Fatalf("expected an error, got n=%d", n)
	}
}
