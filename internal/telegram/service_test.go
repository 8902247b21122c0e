package telegram

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"planepi/internal/queue"
	"planepi/internal/storage"
)

type fixture struct {
	svc   *Service
	codes *queue.LinkCodes
	q     *queue.StreamQueue
	store *storage.Store
}

func newFixture(t *testing.T, perHour int64) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "pi.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q := queue.NewStreamQueue(rdb, "pi:turns", "workers", "w1", 10*time.Millisecond)
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	codes := queue.NewLinkCodes(rdb, time.Minute)
	svc := NewService(Config{
		Links:       st,
		Codes:       codes,
		Queue:       q,
		RateLimiter: queue.NewRateLimiter(rdb, perHour),
		Logger:      zerolog.Nop(),
	})
	return fixture{svc: svc, codes: codes, q: q, store: st}
}

func (f fixture) link(t *testing.T, chat int64) {
	t.Helper()
	code, _, err := f.codes.Issue(context.Background(), queue.LinkTarget{UserID: "user-1", WorkspaceID: "ws-1", WorkspaceSlug: "acme"})
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	link, err := f.svc.Link(context.Background(), chat, code)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if link.WorkspaceSlug != "acme" {
		t.Fatalf("unexpected link %+v", link)
	}
}

func (f fixture) nextJob(t *testing.T) queue.TurnJob {
	t.Helper()
	msgs, err := f.q.Read(context.Background(), 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one queued job, got %d", len(msgs))
	}
	return msgs[0].Job
}

func TestUnlinkedChatIsToldToLink(t *testing.T) {
	f := newFixture(t, 10)
	reply, err := f.svc.Submit(context.Background(), Inbound{ExternalChat: 5, MessageID: 1, Text: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if reply != msgNotLinked {
		t.Fatalf("expected not linked reply, got %q", reply)
	}
}

func TestBadCodeIsRejected(t *testing.T) {
	f := newFixture(t, 10)
	if _, err := f.svc.Link(context.Background(), 5, "NOPE1234"); !errors.Is(err, queue.ErrUnknownCode) {
		t.Fatalf("expected unknown code, got %v", err)
	}
}

func TestLinkedChatQueuesTurnsOnOneThread(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.link(t, 5)

	reply, err := f.svc.Submit(ctx, Inbound{ExternalChat: 5, MessageID: 10, Text: "  what is due today "})
	if err != nil || reply != "" {
		t.Fatalf("submit: reply=%q err=%v", reply, err)
	}
	first := f.nextJob(t)
	if first.Query != "what is due today" || !first.IsNew || first.ChatID == "" || first.UserID != "user-1" || first.ReplyTo != 10 {
		t.Fatalf("unexpected first job %+v", first)
	}

	if _, err := f.svc.Submit(ctx, Inbound{ExternalChat: 5, MessageID: 11, Text: "and tomorrow?"}); err != nil {
		t.Fatalf("submit#2: %v", err)
	}
	second := f.nextJob(t)
	if second.IsNew || second.ChatID != first.ChatID {
		t.Fatalf("expected follow-up on the same chat, got %+v", second)
	}

	fresh, err := f.svc.NewThread(ctx, 5)
	if err != nil {
		t.Fatalf("new thread: %v", err)
	}
	if fresh == first.ChatID {
		t.Fatalf("expected a different chat id")
	}
	if _, err := f.svc.Submit(ctx, Inbound{ExternalChat: 5, MessageID: 12, Text: "start over"}); err != nil {
		t.Fatalf("submit#3: %v", err)
	}
	if third := f.nextJob(t); third.ChatID != fresh {
		t.Fatalf("expected the new thread, got %+v", third)
	}
}

func TestNewThreadNeedsLink(t *testing.T) {
	f := newFixture(t, 10)
	if _, err := f.svc.NewThread(context.Background(), 99); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRateLimitedUserIsNotQueued(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.link(t, 5)

	if _, err := f.svc.Submit(ctx, Inbound{ExternalChat: 5, MessageID: 1, Text: "one"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.nextJob(t)

	reply, err := f.svc.Submit(ctx, Inbound{ExternalChat: 5, MessageID: 2, Text: "two"})
	if err != nil {
		t.Fatalf("submit#2: %v", err)
	}
	if !strings.Contains(reply, "hourly message limit") {
		t.Fatalf("expected rate limit reply, got %q", reply)
	}
	msgs, err := f.q.Read(ctx, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected nothing queued, got %d", len(msgs))
	}
}
