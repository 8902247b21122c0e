// Package planetest runs an in-memory Plane API for tests.
package planetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"planepi/internal/planeapi"
)

const WebURL = "https://plane.test"

type Server struct {
	*httptest.Server

	mu        sync.Mutex
	projects  map[string]planeapi.Object
	workItems map[string]planeapi.Object
	comments  map[string]planeapi.Object
	cycles    map[string]planeapi.Object
	labels    map[string]planeapi.Object
	states    map[string]planeapi.Object
	pages     map[string]planeapi.Object
	members   []planeapi.Object
	me        planeapi.Object
	requests  []string
	failures  map[string]int
	seq       map[string]int
	clock     int
}

func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		projects:  map[string]planeapi.Object{},
		workItems: map[string]planeapi.Object{},
		comments:  map[string]planeapi.Object{},
		cycles:    map[string]planeapi.Object{},
		labels:    map[string]planeapi.Object{},
		states:    map[string]planeapi.Object{},
		pages:     map[string]planeapi.Object{},
		failures:  map[string]int{},
		seq:       map[string]int{},
	}
	s.me = planeapi.Object{"id": uuid.NewString(), "display_name": "me", "email": "me@plane.test"}
	s.members = []planeapi.Object{s.me}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// Client returns an API client pointed at the server without retries.
func (s *Server) Client() *planeapi.Client {
	return planeapi.New(planeapi.Config{
		BaseURL:     s.URL,
		WebURL:      WebURL,
		Tokens:      planeapi.StaticToken("test-token"),
		HTTPClient:  &http.Client{Timeout: 5 * time.Second},
		BackoffBase: time.Millisecond,
		Log:         zerolog.Nop(),
	})
}

func (s *Server) MeID() string {
	return s.me["id"].(string)
}

func (s *Server) AddProject(identifier, name string) planeapi.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addProjectLocked(planeapi.Object{"identifier": identifier, "name": name})
}

func (s *Server) AddWorkItem(projectID, name string) planeapi.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addWorkItemLocked(projectID, planeapi.Object{"name": name})
}

func (s *Server) AddComment(projectID, workItemID, html string) planeapi.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := planeapi.Object{"id": uuid.NewString(), "issue": workItemID, "project": projectID, "comment_html": html, "created_at": s.stampLocked()}
	s.comments[c["id"].(string)] = c
	return clone(c)
}

func (s *Server) WorkItem(id string) (planeapi.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workItems[id]
	return clone(w), ok
}

func (s *Server) Comment(id string) (planeapi.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	return clone(c), ok
}

// Fail makes the next n requests matching "METHOD /path" answer with status.
// The path may be a prefix.
func (s *Server) Fail(route string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[fmt.Sprintf("%s|%d", route, status)] = n
}

// Requests lists "METHOD /path" of every request served, in order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	ws := "/api/v1/workspaces/{slug}"
	pr := ws + "/projects/{project}"

	mux.HandleFunc("GET /api/v1/users/me/{$}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, http.StatusOK, s.me)
	})
	mux.HandleFunc("GET "+ws+"/members/{$}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, http.StatusOK, s.members)
	})
	mux.HandleFunc("GET "+ws+"/projects/{$}", s.list(func() map[string]planeapi.Object { return s.projects }, nil))
	mux.HandleFunc("POST "+ws+"/projects/{$}", func(w http.ResponseWriter, r *http.Request) {
		body, ok := decode(w, r)
		if !ok {
			return
		}
		if strings.TrimSpace(str(body["name"])) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "name is required"})
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, http.StatusCreated, s.addProjectLocked(body))
	})
	mux.HandleFunc("GET "+pr+"/{$}", s.get(func() map[string]planeapi.Object { return s.projects }, "project"))

	mux.HandleFunc("GET "+ws+"/issues/search/{$}", func(w http.ResponseWriter, r *http.Request) {
		q := strings.ToLower(r.URL.Query().Get("search"))
		project := r.URL.Query().Get("project_id")
		s.mu.Lock()
		defer s.mu.Unlock()
		out := []planeapi.Object{}
		for _, item := range sorted(s.workItems) {
			if project != "" && item["project"] != project {
				continue
			}
			if strings.Contains(strings.ToLower(str(item["name"])), q) {
				out = append(out, item)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"issues": out})
	})
	mux.HandleFunc("GET "+ws+"/issues/{identifier}/{$}", func(w http.ResponseWriter, r *http.Request) {
		ident := strings.ToUpper(r.PathValue("identifier"))
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, item := range s.workItems {
			if s.identifierLocked(item) == ident {
				writeJSON(w, http.StatusOK, clone(item))
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Issue not found"})
	})
	mux.HandleFunc("GET "+pr+"/issues/{$}", s.list(func() map[string]planeapi.Object { return s.workItems }, byProject))
	mux.HandleFunc("POST "+pr+"/issues/{$}", func(w http.ResponseWriter, r *http.Request) {
		body, ok := decode(w, r)
		if !ok {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.projects[r.PathValue("project")]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Project not found"})
			return
		}
		if strings.TrimSpace(str(body["name"])) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "name is required"})
			return
		}
		writeJSON(w, http.StatusCreated, s.addWorkItemLocked(r.PathValue("project"), body))
	})
	mux.HandleFunc("GET "+pr+"/issues/{issue}/{$}", s.get(func() map[string]planeapi.Object { return s.workItems }, "issue"))
	mux.HandleFunc("PATCH "+pr+"/issues/{issue}/{$}", func(w http.ResponseWriter, r *http.Request) {
		body, ok := decode(w, r)
		if !ok {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		item, found := s.workItems[r.PathValue("issue")]
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Issue not found"})
			return
		}
		for k, v := range body {
			if k == "id" || k == "sequence_id" || k == "project" {
				continue
			}
			item[k] = v
		}
		writeJSON(w, http.StatusOK, clone(item))
	})
	mux.HandleFunc("DELETE "+pr+"/issues/{issue}/{$}", s.del(func() map[string]planeapi.Object { return s.workItems }, "issue"))
	mux.HandleFunc("GET "+pr+"/issues/{issue}/comments/{$}", s.list(func() map[string]planeapi.Object { return s.comments }, byIssue))
	mux.HandleFunc("POST "+pr+"/issues/{issue}/comments/{$}", func(w http.ResponseWriter, r *http.Request) {
		body, ok := decode(w, r)
		if !ok {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.workItems[r.PathValue("issue")]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Issue not found"})
			return
		}
		body["id"] = uuid.NewString()
		body["created_at"] = s.stampLocked()
		body["issue"] = r.PathValue("issue")
		body["project"] = r.PathValue("project")
		s.comments[body["id"].(string)] = body
		writeJSON(w, http.StatusCreated, clone(body))
	})
	mux.HandleFunc("GET "+pr+"/issues/{issue}/comments/{comment}/{$}", s.get(func() map[string]planeapi.Object { return s.comments }, "comment"))
	mux.HandleFunc("DELETE "+pr+"/issues/{issue}/comments/{comment}/{$}", s.del(func() map[string]planeapi.Object { return s.comments }, "comment"))

	for _, res := range []struct {
		path  string
		store func() map[string]planeapi.Object
	}{
		{"cycles", func() map[string]planeapi.Object { return s.cycles }},
		{"labels", func() map[string]planeapi.Object { return s.labels }},
		{"states", func() map[string]planeapi.Object { return s.states }},
		{"pages", func() map[string]planeapi.Object { return s.pages }},
	} {
		mux.HandleFunc("GET "+pr+"/"+res.path+"/{$}", s.list(res.store, byProject))
		mux.HandleFunc("POST "+pr+"/"+res.path+"/{$}", s.create(res.store))
	}
	mux.HandleFunc("POST "+pr+"/cycles/{cycle}/cycle-issues/{$}", func(w http.ResponseWriter, r *http.Request) {
		body, ok := decode(w, r)
		if !ok {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		cycle, found := s.cycles[r.PathValue("cycle")]
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Cycle not found"})
			return
		}
		cycle["issues"] = body["issues"]
		writeJSON(w, http.StatusCreated, clone(cycle))
	})

	return s.record(mux)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.requests = append(s.requests, route)
		status := 0
		for key, n := range s.failures {
			var prefix string
			var code int
			if i := strings.LastIndex(key, "|"); i > 0 {
				prefix = key[:i]
				fmt.Sscanf(key[i+1:], "%d", &code)
			}
			if n > 0 && strings.HasPrefix(route, prefix) {
				s.failures[key] = n - 1
				status = code
				break
			}
		}
		s.mu.Unlock()
		if status != 0 {
			writeJSON(w, status, map[string]any{"error": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) addProjectLocked(body planeapi.Object) planeapi.Object {
	p := clone(body)
	p["id"] = uuid.NewString()
	p["created_at"] = s.stampLocked()
	p["identifier"] = strings.ToUpper(str(p["identifier"]))
	s.projects[p["id"].(string)] = p
	return clone(p)
}

func (s *Server) addWorkItemLocked(projectID string, body planeapi.Object) planeapi.Object {
	item := clone(body)
	s.seq[projectID]++
	item["id"] = uuid.NewString()
	item["created_at"] = s.stampLocked()
	item["project"] = projectID
	item["sequence_id"] = s.seq[projectID]
	s.workItems[item["id"].(string)] = item
	return clone(item)
}

func (s *Server) identifierLocked(item planeapi.Object) string {
	p, ok := s.projects[str(item["project"])]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s-%v", p["identifier"], item["sequence_id"])
}

func (s *Server) list(store func() map[string]planeapi.Object, keep func(r *http.Request, o planeapi.Object) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := []planeapi.Object{}
		for _, o := range sorted(store()) {
			if keep == nil || keep(r, o) {
				out = append(out, o)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": out, "count": len(out)})
	}
}

func (s *Server) get(store func() map[string]planeapi.Object, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		o, ok := store()[r.PathValue(key)]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
			return
		}
		writeJSON(w, http.StatusOK, clone(o))
	}
}

func (s *Server) del(store func() map[string]planeapi.Object, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		m := store()
		if _, ok := m[r.PathValue(key)]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
			return
		}
		delete(m, r.PathValue(key))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) create(store func() map[string]planeapi.Object) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decode(w, r)
		if !ok {
			return
		}
		if strings.TrimSpace(str(body["name"])) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "name is required"})
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		body["id"] = uuid.NewString()
		body["created_at"] = s.stampLocked()
		body["project"] = r.PathValue("project")
		store()[body["id"].(string)] = body
		writeJSON(w, http.StatusCreated, clone(body))
	}
}

func byProject(r *http.Request, o planeapi.Object) bool {
	return o["project"] == r.PathValue("project")
}

func byIssue(r *http.Request, o planeapi.Object) bool {
	return o["issue"] == r.PathValue("issue")
}

func decode(w http.ResponseWriter, r *http.Request) (planeapi.Object, bool) {
	var body planeapi.Object
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return nil, false
	}
	if body == nil {
		body = planeapi.Object{}
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sorted returns copies in creation order.
func sorted(m map[string]planeapi.Object) []planeapi.Object {
	out := make([]planeapi.Object, 0, len(m))
	for _, o := range m {
		out = append(out, clone(o))
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b planeapi.Object) bool {
	return str(a["created_at"]) < str(b["created_at"])
}

func (s *Server) stampLocked() string {
	s.clock++
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(s.clock) * time.Second).Format(time.RFC3339)
}

func clone(o planeapi.Object) planeapi.Object {
	if o == nil {
		return nil
	}
	out := make(planeapi.Object, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
