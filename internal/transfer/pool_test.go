package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/sitesync/internal/provider"
	"github.com/BadgerOps/sitesync/internal/provider/localdrive"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocalSite(t *testing.T, name string) (provider.Provider, string) {
	t.Helper()
	root := t.TempDir()
	p, err := localdrive.New(provider.SiteConfig{
		Name:  name,
		Code:  provider.CodeLocalDrive,
		Roots: map[string]string{"work": root},
	}, testLogger())
	require.NoError(t, err)
	return p, root
}

// fakeRemote records calls and can be told to fail or block.
type fakeRemote struct {
	provider.Base
	maxConns int
	fail     error
	panicMsg string
	block    chan struct{}
	active   int32
	peak     int32
	uploads  int32
}

func newFakeRemote(name string) *fakeRemote {
	return &fakeRemote{Base: provider.NewBase(provider.SiteConfig{
		Name:  name,
		Code:  "fake",
		Roots: map[string]string{"work": "/remote"},
	}, true)}
}

func (f *fakeRemote) MaxConnections() int                                        { return f.maxConns }
func (f *fakeRemote) IsActive(ctx context.Context) bool                          { return true }
func (f *fakeRemote) CreateFolder(ctx context.Context, p string) (string, error) { return p, nil }
func (f *fakeRemote) DeleteFile(ctx context.Context, p string) error             { return nil }
func (f *fakeRemote) ListFolder(ctx context.Context, p string) ([]string, error) {
	return nil, nil
}
func (f *fakeRemote) Tree(ctx context.Context) (map[string]provider.TreeEntry, error) {
	return nil, nil
}

func (f *fakeRemote) UploadFile(ctx context.Context, source, target string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, n) {
			break
		}
	}
	atomic.AddInt32(&f.uploads, 1)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if onProgress != nil {
		onProgress(1)
	}
	if f.fail != nil {
		return "", f.fail
	}
	return "id:" + target, nil
}

func (f *fakeRemote) DownloadFile(ctx context.Context, source, localPath string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	return localPath, os.WriteFile(localPath, []byte("from "+source), 0o644)
}

func TestWorkers(t *testing.T) {
	remote := newFakeRemote("sftp")
	assert.Equal(t, DefaultWorkers, Workers(remote, 0))
	assert.Equal(t, 7, Workers(remote, 7))
	remote.maxConns = 2
	assert.Equal(t, 2, Workers(remote, 7))
}

func TestNewPoolDefaults(t *testing.T) {
	pool := NewPool(0, nil, testLogger())
	assert.Equal(t, 1, pool.workers)
	assert.NotNil(t, pool.locks)
}

func TestPoolUploadAndDownloadBetweenLocalDrives(t *testing.T) {
	local, localRoot := newLocalSite(t, "studio")
	remote, remoteRoot := newLocalSite(t, "nas")

	require.NoError(t, os.MkdirAll(filepath.Join(localRoot, "shot"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "shot", "a.exr"), []byte("pixels"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(remoteRoot, "plates"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(remoteRoot, "plates", "b.exr"), []byte("plate"), 0o644))

	var progressed int32
	jobs := []Job{
		{Direction: Upload, Path: "{root[work]}/shot/a.exr", Size: 6, Local: local, Remote: remote,
			OnProgress: func(float64) { atomic.AddInt32(&progressed, 1) }},
		{Direction: Download, Path: "{root[work]}/plates/b.exr", Size: 5, Local: local, Remote: remote},
	}

	results := NewPool(2, NewLocks(), testLogger()).Execute(context.Background(), jobs)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
	}

	got, err := os.ReadFile(filepath.Join(remoteRoot, "shot", "a.exr"))
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(got))

	got, err = os.ReadFile(filepath.Join(localRoot, "plates", "b.exr"))
	require.NoError(t, err)
	assert.Equal(t, "plate", string(got))

	assert.Equal(t, filepath.Join(localRoot, "plates", "b.exr"), results[1].LocalPath)
	assert.Equal(t, Download, results[1].Job.Direction)
}

func TestPoolKeepsOrderAndBoundsConcurrency(t *testing.T) {
	local, localRoot := newLocalSite(t, "studio")
	remote := newFakeRemote("sftp")
	remote.block = make(chan struct{})

	var jobs []Job
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, os.WriteFile(filepath.Join(localRoot, name), []byte(name), 0o644))
		jobs = append(jobs, Job{Direction: Upload, Path: "{root[work]}/" + name, Local: local, Remote: remote})
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(remote.block)
	}()

	results := NewPool(2, nil, testLogger()).Execute(context.Background(), jobs)
	require.Len(t, results, len(jobs))
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, jobs[i].Path, r.Job.Path)
		assert.Equal(t, "id:/remote/"+string(rune('a'+i)), r.RemoteID)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&remote.peak), int32(2))
}

func TestPoolReportsFailuresAndPanics(t *testing.T) {
	local, localRoot := newLocalSite(t, "studio")
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "a"), []byte("a"), 0o644))

	broken := newFakeRemote("sftp")
	broken.fail = provider.NewError("upload_file", "/remote/a", provider.ErrUnavailable, errors.New("connection lost"))
	crashing := newFakeRemote("s3")
	crashing.panicMsg = "nil session"

	results := NewPool(2, nil, testLogger()).Execute(context.Background(), []Job{
		{Direction: Upload, Path: "{root[work]}/a", Local: local, Remote: broken},
		{Direction: Upload, Path: "{root[work]}/a", Local: local, Remote: crashing},
		{Direction: Upload, Path: "{root[missing]}/a", Local: local, Remote: broken},
	})
	require.Len(t, results, 3)

	assert.True(t, provider.IsResumable(results[0].Err))
	require.Error(t, results[1].Err)
	assert.Contains(t, results[1].Err.Error(), "panicked")
	assert.False(t, provider.IsResumable(results[1].Err))
	assert.True(t, errors.Is(results[2].Err, provider.ErrPathResolution))
}

func TestPoolCancelled(t *testing.T) {
	local, localRoot := newLocalSite(t, "studio")
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "a"), []byte("a"), 0o644))
	remote := newFakeRemote("sftp")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := NewPool(1, nil, testLogger()).Execute(ctx, []Job{
		{Direction: Upload, Path: "{root[work]}/a", Local: local, Remote: remote},
		{Direction: Upload, Path: "{root[work]}/a", Local: local, Remote: remote},
	})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, errors.Is(r.Err, context.Canceled))
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&remote.uploads))
}

func TestLocksSerialisePerSite(t *testing.T) {
	locks := NewLocks()
	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("sftp")
			defer unlock()
			assert.Equal(t, int32(1), atomic.AddInt32(&inside, 1))
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	// different sites do not block each other
	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")
	unlockB()
	unlockA()
}
