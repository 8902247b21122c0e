package planeapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"planepi/internal/storage"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:     srv.URL,
		WebURL:      "https://app.plane.test",
		Tokens:      StaticToken("tok"),
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		Log:         zerolog.Nop(),
	})
}

func TestCreateWorkItemSendsTokenAndBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "tok" {
			t.Errorf("missing api key header")
		}
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/workspaces/acme/projects/p1/issues/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "Hello task" {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte(`{"id":"11111111-1111-1111-1111-111111111111","sequence_id":4,"name":"Hello task"}`))
	})

	out, err := c.CreateWorkItem(context.Background(), "acme", "p1", Object{"name": "Hello task"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out["id"] != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("unexpected response %v", out)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"id":"a"},{"id":"b"}],"count":2}`))
	})

	list, err := c.ListProjects(context.Background(), "acme")
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if list.Count != 2 || len(list.Results) != 2 {
		t.Fatalf("unexpected list %+v", list)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestCreateIsNotResentAfterServerError(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"x"}`))
	})

	_, err := c.CreateWorkItem(context.Background(), "acme", "p1", Object{"name": "Once"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single create, got %d", calls)
	}
}

func TestCreateIsResentAfterRateLimit(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":"x"}`))
	})

	out, err := c.CreateWorkItem(context.Background(), "acme", "p1", Object{"name": "Later"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out["id"] != "x" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("unexpected result %v after %d calls", out, calls)
	}
}

func TestUpdateIsResentAfterServerError(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"w1"}`))
	})

	if _, err := c.UpdateWorkItem(context.Background(), "acme", "p1", "w1", Object{"priority": "high"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestCreateIsResentWhenServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	c := New(Config{BaseURL: addr, Tokens: StaticToken("tok"), MaxRetries: 2, BackoffBase: time.Millisecond, Log: zerolog.Nop()})

	_, err := c.CreateWorkItem(context.Background(), "acme", "p1", Object{"name": "x"})
	if err == nil || !neverConnected(err) {
		t.Fatalf("expected dial error, got %v", err)
	}
}

func TestNotFoundIsTypedAndNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Issue not found"}`))
	})

	_, err := c.GetWorkItemByIdentifier(context.Background(), "acme", "PROJ-999")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Issue not found" {
		t.Fatalf("expected detail message, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected single call, got %d", calls)
	}
}

func TestMalformedResponseIsAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})
	if _, err := c.GetProject(context.Background(), "acme", "p1"); err == nil {
		t.Fatalf("expected malformed response error")
	}
}

func TestSearchWrapsIssues(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("search") != "login bug" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"issues":[{"id":"x","name":"Login bug"}]}`))
	})
	list, err := c.SearchWorkItems(context.Background(), "acme", "login bug", "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if list.Count != 1 || list.Results[0]["name"] != "Login bug" {
		t.Fatalf("unexpected search result %+v", list)
	}
}

type credStore map[string]string

func (c credStore) GetWorkspaceCredential(_ context.Context, slug string) (string, error) {
	v, ok := c[slug]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

type plainOpener struct{}

func (plainOpener) Open(_, sealed string) (string, error) { return "opened:" + sealed, nil }

func TestWorkspaceTokens(t *testing.T) {
	w := WorkspaceTokens{Store: credStore{"acme": "s1"}, Sealer: plainOpener{}, Fallback: "default"}

	tok, err := w.Token(context.Background(), "acme")
	if err != nil || tok != "opened:s1" {
		t.Fatalf("expected sealed token, got %q %v", tok, err)
	}
	tok, err = w.Token(context.Background(), "globex")
	if err != nil || tok != "default" {
		t.Fatalf("expected fallback token, got %q %v", tok, err)
	}
	if _, err := (WorkspaceTokens{}).Token(context.Background(), "acme"); err == nil {
		t.Fatalf("expected error without any token")
	}
}

func TestWorkItemURL(t *testing.T) {
	c := New(Config{WebURL: "https://app.plane.test/"})
	if got := c.WorkItemURL("acme", "PROJ-4"); got != "https://app.plane.test/acme/browse/PROJ-4/" {
		t.Fatalf("unexpected url %q", got)
	}
}
