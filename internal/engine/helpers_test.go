package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/sitesync/internal/config"
	"github.com/BadgerOps/sitesync/internal/provider"
	"github.com/BadgerOps/sitesync/internal/provider/localdrive"
	"github.com/BadgerOps/sitesync/internal/status"
	"github.com/BadgerOps/sitesync/internal/store"
)

const fakeCode = "fake"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRemote is an in-memory remote site.
type fakeRemote struct {
	provider.Base

	mu        sync.Mutex
	inactive  bool
	fail      error
	progress  float64 // reported before block and fail when set
	block     chan struct{}
	started   chan string
	uploads   map[string]int
	downloads map[string]int
	files     map[string]string
}

func (f *fakeRemote) IsActive(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.inactive
}

func (f *fakeRemote) CreateFolder(ctx context.Context, path string) (string, error) {
	return path, nil
}

func (f *fakeRemote) UploadFile(ctx context.Context, source, target string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return "", provider.NewError("upload_file", source, provider.ErrNotFound, err)
	}

	f.mu.Lock()
	f.uploads[target]++
	block, started, fail, early := f.block, f.started, f.fail, f.progress
	f.mu.Unlock()

	if early > 0 && onProgress != nil {
		onProgress(early)
	}
	if started != nil {
		started <- target
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fail != nil {
		return "", fail
	}
	if onProgress != nil {
		onProgress(0.5)
	}

	f.mu.Lock()
	f.files[target] = string(data)
	f.mu.Unlock()
	return "id:" + target, nil
}

func (f *fakeRemote) DownloadFile(ctx context.Context, source, localPath string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	f.mu.Lock()
	f.downloads[source]++
	data, ok := f.files[source]
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		return "", fail
	}
	if !ok {
		return "", provider.NewError("download_file", source, provider.ErrNotFound, nil)
	}
	return localPath, os.WriteFile(localPath, []byte(data), 0o644)
}

func (f *fakeRemote) DeleteFile(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeRemote) ListFolder(ctx context.Context, path string) ([]string, error) {
	return nil, nil
}

func (f *fakeRemote) Tree(ctx context.Context) (map[string]provider.TreeEntry, error) {
	return map[string]provider.TreeEntry{}, nil
}

func (f *fakeRemote) uploadCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[target]
}

func (f *fakeRemote) totalUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.uploads {
		n += c
	}
	return n
}

func (f *fakeRemote) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

// testEnv wires an engine to an in-memory store, a local "home" site on a
// temp dir and fake remote sites.
type testEnv struct {
	t        *testing.T
	store    *store.SQLiteStore
	cfg      *config.Config
	engine   *Engine
	registry *provider.Registry
	homeRoot string

	mu    sync.Mutex
	fakes map[string]*fakeRemote
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLite(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		t:        t,
		store:    st,
		homeRoot: t.TempDir(),
		fakes:    make(map[string]*fakeRemote),
	}

	cfg := config.DefaultConfig()
	cfg.Sync.LocalSiteID = "home"
	cfg.Sync.ActiveSite = "home"
	cfg.Sync.RemoteSite = "studio"
	cfg.Sync.RetryCount = 3
	cfg.Sites["home"] = config.SiteConfig{Provider: provider.CodeLocalDrive, Root: map[string]string{"work": env.homeRoot}}
	cfg.Sites["studio"] = config.SiteConfig{Provider: fakeCode, Root: map[string]string{"work": "/remote"}}
	cfg.Projects["show"] = config.ProjectConfig{}
	env.cfg = cfg

	registry := provider.NewRegistry()
	registry.Register(provider.CodeLocalDrive, localdrive.New)
	registry.Register(fakeCode, func(sc provider.SiteConfig, logger *slog.Logger) (provider.Provider, error) {
		return env.fake(sc.Name), nil
	})

	env.registry = registry
	env.engine = New(st, registry, StaticConfig(cfg), testLogger())
	return env
}

// fake returns the fake remote for a site, creating it on first use.
func (env *testEnv) fake(site string) *fakeRemote {
	env.mu.Lock()
	defer env.mu.Unlock()
	if f, ok := env.fakes[site]; ok {
		return f
	}
	f := &fakeRemote{
		Base: provider.NewBase(provider.SiteConfig{
			Name:  site,
			Code:  fakeCode,
			Roots: map[string]string{"work": "/remote"},
		}, true),
		uploads:   make(map[string]int),
		downloads: make(map[string]int),
		files:     make(map[string]string),
	}
	env.fakes[site] = f
	return f
}

func (env *testEnv) built(site string) bool {
	env.mu.Lock()
	defer env.mu.Unlock()
	_, ok := env.fakes[site]
	return ok
}

// writeLocal creates a file under the home root.
func (env *testEnv) writeLocal(rel, content string) {
	env.t.Helper()
	path := filepath.Join(env.homeRoot, filepath.FromSlash(rel))
	require.NoError(env.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(env.t, os.WriteFile(path, []byte(content), 0o644))
}

func (env *testEnv) register(itemID string, files ...status.File) {
	env.t.Helper()
	require.NoError(env.t, env.store.RegisterItem(context.Background(), "show", status.Item{ID: itemID, Files: files}))
}

func (env *testEnv) set(itemID, site string, states ...status.FileState) {
	env.t.Helper()
	require.NoError(env.t, env.store.Upsert(context.Background(), "show", itemID, site, states, nil))
}

func (env *testEnv) record(itemID, site string) *status.Record {
	env.t.Helper()
	rec, err := env.store.Get(context.Background(), "show", itemID, site)
	require.NoError(env.t, err)
	return rec
}

func (env *testEnv) fileOf(itemID, site, fileID string) status.FileState {
	env.t.Helper()
	f, ok := env.record(itemID, site).File(fileID)
	require.True(env.t, ok, "file %s missing on %s", fileID, site)
	return f
}

func fstate(id string, st status.Status) status.FileState {
	return status.FileState{ID: id, Status: st, Size: 4, Timestamp: 1}
}

// uploadFixture publishes one file that is OK on home and queued on studio.
func (env *testEnv) uploadFixture(itemID, fileID, rel string) {
	env.t.Helper()
	env.writeLocal(rel, "data")
	env.register(itemID, status.File{ID: fileID, Path: "{root[work]}/" + rel, Size: 4})
	env.set(itemID, "home", fstate(fileID, status.OK))
	env.set(itemID, "studio", fstate(fileID, status.Queued))
}
