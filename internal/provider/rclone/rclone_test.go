package rclone

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/sitesync/internal/provider"
)

type call struct {
	args []string
}

type fakeRclone struct {
	calls  []call
	stdout map[string]string
	errs   map[string]error
	lines  map[string][]string
}

func (f *fakeRclone) run(ctx context.Context, onLine func(string), args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{args: args})
	for _, l := range f.lines[args[0]] {
		if onLine != nil {
			onLine(l)
		}
	}
	if err := f.errs[args[0]]; err != nil {
		return nil, err
	}
	return []byte(f.stdout[args[0]]), nil
}

func exitError(t *testing.T, code string) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit "+code).Run()
	require.Error(t, err)
	return err
}

func newTestProvider(t *testing.T, fake *fakeRclone) *Provider {
	t.Helper()
	p, err := New(provider.SiteConfig{
		Name:     "gdrive",
		Code:     provider.CodeRclone,
		Roots:    map[string]string{"work": "/studio"},
		Settings: provider.ProviderConfig{"remote": "gdrive", "config_path": "/etc/rclone.conf"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	rp := p.(*Provider)
	rp.run = fake.run
	return rp
}

func TestNewRequiresRemote(t *testing.T) {
	_, err := New(provider.SiteConfig{Name: "x", Code: provider.CodeRclone}, nil)
	require.Error(t, err)
}

func TestBaseArgs(t *testing.T) {
	p := newTestProvider(t, &fakeRclone{})
	assert.Equal(t, []string{"--config", "/etc/rclone.conf"}, p.baseArgs())
	assert.Equal(t, "gdrive:studio/a.txt", p.remotePath("/studio/a.txt"))
}

func TestUploadReportsProgress(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0o644))

	fake := &fakeRclone{
		errs:  map[string]error{"lsjson": exitError(t, "3")},
		lines: map[string][]string{"copyto": {"Transferred: 1 KiB / 3 KiB, 33%, 1 KiB/s, ETA 2s"}},
	}
	p := newTestProvider(t, fake)

	var got []float64
	id, err := p.UploadFile(context.Background(), src, "/studio/proj/a.txt", func(f float64) { got = append(got, f) }, false)
	require.NoError(t, err)
	assert.Equal(t, "/studio/proj/a.txt", id)
	assert.Equal(t, []float64{0.33}, got)

	last := fake.calls[len(fake.calls)-1]
	assert.Equal(t, []string{"copyto", src, "gdrive:studio/proj/a.txt"}, last.args[:3])
}

func TestUploadExistingWithoutOverwrite(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0o644))

	fake := &fakeRclone{stdout: map[string]string{"lsjson": `[{"Path":"a.txt","Name":"a.txt","Size":3}]`}}
	p := newTestProvider(t, fake)

	_, err := p.UploadFile(context.Background(), src, "/studio/a.txt", nil, false)
	assert.True(t, errors.Is(err, provider.ErrAlreadyExists), "got %v", err)
}

func TestUploadMissingSource(t *testing.T) {
	p := newTestProvider(t, &fakeRclone{})
	_, err := p.UploadFile(context.Background(), "/does/not/exist", "/studio/a", nil, true)
	assert.True(t, errors.Is(err, provider.ErrNotFound), "got %v", err)
}

func TestErrorClassification(t *testing.T) {
	fake := &fakeRclone{errs: map[string]error{
		"deletefile": exitError(t, "4"),
		"mkdir":      exitError(t, "5"),
	}}
	p := newTestProvider(t, fake)

	err := p.DeleteFile(context.Background(), "/studio/gone")
	assert.True(t, errors.Is(err, provider.ErrNotFound), "got %v", err)

	_, err = p.CreateFolder(context.Background(), "/studio/new")
	assert.True(t, provider.IsResumable(err), "got %v", err)
}

func TestListAndTree(t *testing.T) {
	fake := &fakeRclone{stdout: map[string]string{
		"lsjson": `[{"Path":"b.txt","Name":"b.txt","Size":2,"IsDir":false},{"Path":"a","Name":"a","IsDir":true}]`,
	}}
	p := newTestProvider(t, fake)

	names, err := p.ListFolder(context.Background(), "/studio")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b.txt"}, names)

	tree, err := p.Tree(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), tree["{root[work]}/b.txt"].Size)
	assert.True(t, tree["{root[work]}/a"].IsDir)
	assert.Contains(t, strings.Join(fake.calls[len(fake.calls)-1].args, " "), "--recursive")
}

func TestIsActive(t *testing.T) {
	assert.True(t, newTestProvider(t, &fakeRclone{}).IsActive(context.Background()))

	down := &fakeRclone{errs: map[string]error{"lsd": errors.New("no remote")}}
	assert.False(t, newTestProvider(t, down).IsActive(context.Background()))
}

func TestScanStderr(t *testing.T) {
	long := strings.Repeat("x", 100*1024)
	var seen []string
	tail, err := scanStderr(strings.NewReader("a\n"+long+"\nb\n"), func(l string) { seen = append(seen, l) })
	require.NoError(t, err)
	assert.Equal(t, []string{"a", long, "b"}, seen)
	assert.Equal(t, []string{"a", long, "b"}, tail)

	r := strings.NewReader("start\n" + strings.Repeat("y", maxStderrLine+10) + "\nafter\n")
	tail, err = scanStderr(r, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"start"}, tail)
	assert.Zero(t, r.Len(), "stderr must be drained")
}
