package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BadgerOps/sitesync/internal/config"
	"github.com/BadgerOps/sitesync/internal/engine"
	"github.com/BadgerOps/sitesync/internal/provider"
	"github.com/BadgerOps/sitesync/internal/provider/localdrive"
	"github.com/BadgerOps/sitesync/internal/status"
	"github.com/BadgerOps/sitesync/internal/store"
)

func setupTestServer(t *testing.T) (*Server, *store.SQLiteStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLite(":memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})

	cfg := config.DefaultConfig()
	cfg.Sync.LocalSiteID = "home"
	cfg.Sync.ActiveSite = "home"
	cfg.Sync.RemoteSite = "studio"
	cfg.Sites["home"] = config.SiteConfig{Provider: provider.CodeLocalDrive, Root: map[string]string{"work": t.TempDir()}}
	cfg.Sites["studio"] = config.SiteConfig{Provider: provider.CodeLocalDrive, Root: map[string]string{"work": t.TempDir()}}
	cfg.Projects["show"] = config.ProjectConfig{}

	registry := provider.NewRegistry()
	registry.Register(provider.CodeLocalDrive, localdrive.New)
	eng := engine.New(st, registry, engine.StaticConfig(cfg), logger)

	srv := NewServer(eng, logger)
	srv.SetVersion("test")
	return srv, st
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleAPIStatus(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		State   string `json:"state"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.State != "stopped" {
		t.Errorf("expected state stopped, got %q", resp.State)
	}
	if resp.Version != "test" {
		t.Errorf("expected version test, got %q", resp.Version)
	}
}

func TestHandleAPIResetTimer(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "POST", "/api/reset_timer", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	w = do(t, srv, "GET", "/api/reset_timer", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestHandleAPIPause(t *testing.T) {
	srv, st := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		body  string
		check func(p engine.PauseSnapshot) bool
	}{
		{"server", "", func(p engine.PauseSnapshot) bool { return p.Server }},
		{"project", `{"project":"show"}`, func(p engine.PauseSnapshot) bool { return len(p.Projects) == 1 && p.Projects[0] == "show" }},
		{"item", `{"project":"show","item_id":"rep-1"}`, func(p engine.PauseSnapshot) bool { return len(p.Items) == 1 && p.Items[0] == "show/rep-1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, "POST", "/api/pause", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			var snap engine.PauseSnapshot
			if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if !tt.check(snap) {
				t.Errorf("unexpected pause snapshot: %+v", snap)
			}

			w = do(t, srv, "POST", "/api/unpause", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
		})
	}

	if err := st.Upsert(ctx, "show", "rep-1", "studio", []status.FileState{{ID: "f1", Status: status.Queued}}, nil); err != nil {
		t.Fatal(err)
	}
	w := do(t, srv, "POST", "/api/pause", `{"project":"show","item_id":"rep-1","site":"studio"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	rec, err := st.Get(ctx, "show", "rep-1", "studio")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Files[0].Paused {
		t.Error("expected stored pause marker")
	}

	w = do(t, srv, "POST", "/api/pause", `{"site":"studio"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w = do(t, srv, "POST", "/api/pause", `{"item_id":"rep-1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for item without project, got %d", w.Code)
	}
	w = do(t, srv, "POST", "/api/pause", `{bad`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSiteLifecycle(t *testing.T) {
	srv, _ := setupTestServer(t)
	base := "/api/projects/show/items/rep-1/sites/studio"

	w := do(t, srv, "GET", base, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	body := `{"priority":70,"files":[{"id":"f1","path":"{root[work]}/a.exr","size":3}]}`
	w = do(t, srv, "POST", base, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, "POST", base, `{}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, "GET", base, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rec status.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	if rec.Status != status.Queued || rec.Priority != 70 || len(rec.Files) != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}

	w = do(t, srv, "GET", base+"/present?max_retries=3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var presence presenceResponse
	if err := json.NewDecoder(w.Body).Decode(&presence); err != nil {
		t.Fatal(err)
	}
	if presence.Present || presence.Exhausted {
		t.Errorf("unexpected presence: %+v", presence)
	}

	w = do(t, srv, "POST", base+"/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, "DELETE", base, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, srv, "DELETE", base, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleAPIPublish(t *testing.T) {
	srv, st := setupTestServer(t)

	w := do(t, srv, "POST", "/api/projects/show/items", `{"id":"rep-9","files":[{"id":"f1","path":"{root[work]}/x","size":1}]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	rec, err := st.Get(context.Background(), "show", "rep-9", "home")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != status.OK {
		t.Errorf("expected OK on the active site, got %s", rec.Status)
	}

	w = do(t, srv, "POST", "/api/projects/show/items", `{"id":"rep-10"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = do(t, srv, "GET", "/api/projects/show/sync_sites", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sites map[string]string
	if err := json.NewDecoder(w.Body).Decode(&sites); err != nil {
		t.Fatal(err)
	}
	if sites["home"] != status.OK.String() || sites["studio"] != status.Queued.String() {
		t.Errorf("unexpected sync sites: %v", sites)
	}
}

func TestHandleAPICycles(t *testing.T) {
	srv, st := setupTestServer(t)
	if err := st.RecordCycle(context.Background(), &store.CycleRun{CycleID: "c1", Status: "success"}); err != nil {
		t.Fatal(err)
	}

	w := do(t, srv, "GET", "/api/cycles?limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var runs []store.CycleRun
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].CycleID != "c1" {
		t.Errorf("unexpected cycles: %+v", runs)
	}

	w = do(t, srv, "GET", "/api/cycles?limit=x", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
