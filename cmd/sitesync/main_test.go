package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/BadgerOps/sitesync/internal/config"
	"github.com/BadgerOps/sitesync/internal/status"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}
	_ = r.Close()
	return string(data)
}

// writeTestConfig writes a config with a local and a remote local_drive site
// and an sqlite store in a temp dir.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
server:
  data_dir: %q
status_store:
  backend: sqlite
sync:
  local_site_id: home
  active_site: home
  remote_site: studio
sites:
  home:
    provider: local_drive
    root:
      work: %q
  studio:
    provider: local_drive
    root:
      work: %q
projects:
  show: {}
%s`, dir, filepath.Join(dir, "home"), filepath.Join(dir, "studio"), extra)

	path := filepath.Join(dir, "sitesync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// run executes the root command and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		globalCfg = nil
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	})
	var runErr error
	out := captureStdout(t, func() {
		cmd := NewRootCmd()
		cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
		cmd.SetErr(io.Discard)
		runErr = cmd.Execute()
	})
	return out, runErr
}

func TestParseFileFlags(t *testing.T) {
	tests := []struct {
		name    string
		values  []string
		want    []status.File
		wantErr bool
	}{
		{
			name:   "path only",
			values: []string{"f1={root[work]}/a.exr"},
			want:   []status.File{{ID: "f1", Path: "{root[work]}/a.exr"}},
		},
		{
			name:   "with size",
			values: []string{"f1=/a=10", "f2=/b=0"},
			want:   []status.File{{ID: "f1", Path: "/a", Size: 10}, {ID: "f2", Path: "/b"}},
		},
		{name: "missing path", values: []string{"f1="}, wantErr: true},
		{name: "missing separator", values: []string{"f1"}, wantErr: true},
		{name: "bad size", values: []string{"f1=/a=big"}, wantErr: true},
		{name: "negative size", values: []string{"f1=/a=-1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFileFlags(tt.values)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewRegistryCodes(t *testing.T) {
	want := []string{"dropbox", "local_drive", "rclone", "s3", "sftp"}
	if got := providerCodes(); !reflect.DeepEqual(got, want) {
		t.Errorf("providerCodes() = %v, want %v", got, want)
	}
}

func TestOpenStore(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	cfg.Server.DBPath = filepath.Join(t.TempDir(), "status.db")
	st, err := openStore(cfg)
	if err != nil {
		t.Fatalf("openStore(sqlite) failed: %v", err)
	}
	closeStore(st)

	cfg.StatusStore.Backend = "http"
	cfg.StatusStore.URL = "ftp://store"
	if _, err := openStore(cfg); err == nil {
		t.Error("expected error for invalid http store URL")
	}

	cfg.StatusStore.URL = "http://127.0.0.1:1/api"
	st, err = openStore(cfg)
	if err != nil {
		t.Fatalf("openStore(http) failed: %v", err)
	}
	closeStore(st)

	cfg.StatusStore.Backend = "mongo"
	if _, err := openStore(cfg); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestSetupLogging(t *testing.T) {
	orig := logLevel
	t.Cleanup(func() { logLevel = orig })

	for level, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	} {
		logLevel = level
		setupLogging()
		if !logger.Enabled(context.Background(), want) {
			t.Errorf("%s: level %v not enabled", level, want)
		}
		if want > slog.LevelDebug && logger.Enabled(context.Background(), want-4) {
			t.Errorf("%s: level below %v enabled", level, want)
		}
	}
}

func TestSiteCommands(t *testing.T) {
	path := writeTestConfig(t, "")

	out, err := run(t, "--config", path, "site", "publish", "show", "rep-1", "--file", "f1={root[work]}/shot/a.exr=2048")
	if err != nil {
		t.Fatalf("site publish failed: %v", err)
	}
	if !strings.Contains(out, "Published rep-1 to 2 sites") {
		t.Errorf("unexpected publish output: %s", out)
	}

	out, err = run(t, "--config", path, "site", "show", "show", "rep-1", "local")
	if err != nil {
		t.Fatalf("site show failed: %v", err)
	}
	if !strings.Contains(out, "rep-1 on home: ok") || !strings.Contains(out, "Present: true") {
		t.Errorf("unexpected show output: %s", out)
	}

	if _, err := run(t, "--config", path, "site", "add", "show", "rep-1", "studio"); err == nil {
		t.Error("expected error adding an existing site without --force")
	}

	out, err = run(t, "--config", path, "site", "add", "show", "rep-1", "studio", "--force", "--priority", "90")
	if err != nil {
		t.Fatalf("site add --force failed: %v", err)
	}
	if !strings.Contains(out, "Added rep-1 to studio") {
		t.Errorf("unexpected add output: %s", out)
	}

	if _, err := run(t, "--config", path, "site", "reset", "show", "rep-1", "remote"); err != nil {
		t.Fatalf("site reset failed: %v", err)
	}

	out, err = run(t, "--config", path, "site", "show", "show", "rep-1", "studio")
	if err != nil {
		t.Fatalf("site show failed: %v", err)
	}
	if !strings.Contains(out, "queued (priority 90)") {
		t.Errorf("unexpected show output: %s", out)
	}

	if _, err := run(t, "--config", path, "site", "remove", "show", "rep-1", "studio"); err != nil {
		t.Fatalf("site remove failed: %v", err)
	}
	if _, err := run(t, "--config", path, "site", "show", "show", "rep-1", "studio"); err == nil {
		t.Error("expected error showing a removed record")
	}

	out, err = run(t, "--config", path, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "No sync cycles recorded.") {
		t.Errorf("unexpected status output: %s", out)
	}
}

func TestConfigValidateCmd(t *testing.T) {
	out, err := run(t, "--config", writeTestConfig(t, ""), "config", "validate")
	if err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	if !strings.Contains(out, "Configuration OK: 2 sites, 1 enabled projects") {
		t.Errorf("unexpected output: %s", out)
	}

	bad := writeTestConfig(t, `  broken:
    remote_site: nowhere
`)
	if _, err := run(t, "--config", bad, "config", "validate"); err == nil {
		t.Error("expected validation error for unknown remote site")
	}
}

func TestControlCommands(t *testing.T) {
	var calls []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/reset_timer":
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"status":"reset"}`)
		case "/api/pause":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			fmt.Fprintf(w, `{"server":false,"projects":[%q],"items":[]}`, body["project"])
		case "/api/status":
			fmt.Fprint(w, `{"state":"running","pauses":{"server":true},"version":"1.2.3"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"no route"}`)
		}
	}))
	defer ts.Close()

	path := writeTestConfig(t, "")

	out, err := run(t, "--config", path, "reset-timer", "--server", ts.URL)
	if err != nil {
		t.Fatalf("reset-timer failed: %v", err)
	}
	if !strings.Contains(out, "Timer reset") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = run(t, "--config", path, "pause", "--server", ts.URL, "--project", "show")
	if err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if !strings.Contains(out, "Paused projects: show") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = run(t, "--config", path, "status", "--remote", "--server", ts.URL)
	if err != nil {
		t.Fatalf("status --remote failed: %v", err)
	}
	if !strings.Contains(out, "Scheduler: running (sitesync 1.2.3)") || !strings.Contains(out, "Server paused:   true") {
		t.Errorf("unexpected output: %s", out)
	}

	if _, err := run(t, "--config", path, "unpause", "--server", ts.URL); err == nil {
		t.Error("expected error from unknown route")
	}

	want := []string{"POST /api/reset_timer", "POST /api/pause", "GET /api/status", "POST /api/unpause"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "sitesync "+version) {
		t.Errorf("unexpected output: %s", out)
	}
}
