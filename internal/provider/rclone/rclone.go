// Package rclone implements a provider backed by the rclone CLI. Any rclone
// remote works, which covers WebDAV, Google Drive and similar backends.
package rclone

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/sitesync/internal/config"
	"github.com/BadgerOps/sitesync/internal/provider"
)

// rclone exit codes, see `rclone help flags` / docs "Exit Code".
const (
	exitDirNotFound  = 3
	exitFileNotFound = 4
	exitTemporary    = 5
)

// Settings is the typed provider-specific config of an rclone site.
type Settings struct {
	Remote     string   `yaml:"remote"`
	ConfigPath string   `yaml:"config_path"`
	Binary     string   `yaml:"binary"`
	ExtraArgs  []string `yaml:"extra_args"`
}

// runner executes rclone and returns stdout. stderr lines are streamed to
// onLine when non-nil.
type runner func(ctx context.Context, onLine func(string), args ...string) ([]byte, error)

// Provider shells out to rclone for every operation.
type Provider struct {
	provider.Base
	settings       Settings
	maxConnections int
	run            runner
	logger         *slog.Logger
}

// New is the provider.Factory for rclone sites.
func New(cfg provider.SiteConfig, logger *slog.Logger) (provider.Provider, error) {
	s, err := config.ParseProviderConfig[Settings](cfg.Settings)
	if err != nil {
		return nil, err
	}
	if s.Remote == "" {
		return nil, fmt.Errorf("rclone: remote is required")
	}
	if !strings.Contains(s.Remote, ":") {
		s.Remote += ":"
	}
	if s.Binary == "" {
		s.Binary = "rclone"
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		Base:           provider.NewBase(cfg, true),
		settings:       *s,
		maxConnections: cfg.MaxConnections,
		logger:         logger.With("provider", provider.CodeRclone, "site", cfg.Name),
	}
	p.run = p.exec
	return p, nil
}

// MaxConnections implements provider.Limiter.
func (p *Provider) MaxConnections() int {
	return p.maxConnections
}

func (p *Provider) remotePath(path string) string {
	return p.settings.Remote + strings.TrimPrefix(path, "/")
}

func (p *Provider) baseArgs() []string {
	var args []string
	if p.settings.ConfigPath != "" {
		args = append(args, "--config", p.settings.ConfigPath)
	}
	return append(args, p.settings.ExtraArgs...)
}

func (p *Provider) exec(ctx context.Context, onLine func(string), args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.settings.Binary, append(p.baseArgs(), args...)...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, provider.NewError("exec", p.settings.Binary, provider.ErrUnavailable, err)
	}

	tail, scanErr := scanStderr(stderr, onLine)
	if scanErr != nil {
		p.logger.Warn("rclone stderr not fully read", "command", args[0], "error", scanErr)
	}
	if err := cmd.Wait(); err != nil {
		return stdout.Bytes(), fmt.Errorf("rclone %s: %w: %s", args[0], err, strings.Join(tail, "; "))
	}
	return stdout.Bytes(), nil
}

const maxStderrLine = 1 << 20

// scanStderr feeds each stderr line to onLine and returns the last few
// lines. The reader is always drained so rclone never blocks on a full pipe.
func scanStderr(r io.Reader, onLine func(string)) ([]string, error) {
	var tail []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	for scanner.Scan() {
		line := scanner.Text()
		if onLine != nil {
			onLine(line)
		}
		tail = append(tail, line)
		if len(tail) > 5 {
			tail = tail[1:]
		}
	}
	err := scanner.Err()
	if _, cerr := io.Copy(io.Discard, r); err == nil {
		err = cerr
	}
	return tail, err
}

func (p *Provider) IsActive(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := p.run(ctx, nil, "lsd", p.settings.Remote); err != nil {
		p.logger.Warn("rclone remote not reachable", "remote", p.settings.Remote, "error", err)
		return false
	}
	return true
}

func (p *Provider) CreateFolder(ctx context.Context, dir string) (string, error) {
	if _, err := p.run(ctx, nil, "mkdir", p.remotePath(dir)); err != nil {
		return "", classify("create_folder", dir, err)
	}
	return dir, nil
}

func (p *Provider) exists(ctx context.Context, path string) (bool, error) {
	entries, err := p.lsjson(ctx, path, false)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return len(entries) > 0, nil
}

func (p *Provider) UploadFile(ctx context.Context, source, target string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	if _, err := os.Stat(source); err != nil {
		return "", provider.NewError("upload_file", source, provider.ErrNotFound, err)
	}
	if !overwrite {
		found, err := p.exists(ctx, target)
		if err != nil {
			return "", err
		}
		if found {
			return "", provider.NewError("upload_file", target, provider.ErrAlreadyExists, nil)
		}
	}
	if err := p.copyto(ctx, source, p.remotePath(target), onProgress); err != nil {
		return "", classify("upload_file", target, err)
	}
	return target, nil
}

func (p *Provider) DownloadFile(ctx context.Context, source, localPath string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	if !overwrite {
		if _, err := os.Stat(localPath); err == nil {
			return "", provider.NewError("download_file", localPath, provider.ErrAlreadyExists, nil)
		}
	}
	if err := p.copyto(ctx, p.remotePath(source), localPath, onProgress); err != nil {
		return "", classify("download_file", source, err)
	}
	return localPath, nil
}

var statsPercent = regexp.MustCompile(`(\d{1,3})%`)

func (p *Provider) copyto(ctx context.Context, from, to string, onProgress provider.ProgressFunc) error {
	report := provider.Throttle(onProgress, provider.ProgressInterval)
	_, err := p.run(ctx, func(line string) {
		if m := statsPercent.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.Atoi(m[1]); err == nil && pct <= 100 {
				report(float64(pct) / 100)
			}
		}
	}, "copyto", from, to, "--stats", "5s", "--stats-one-line", "--stats-log-level", "NOTICE")
	return err
}

func (p *Provider) DeleteFile(ctx context.Context, path string) error {
	if _, err := p.run(ctx, nil, "deletefile", p.remotePath(path)); err != nil {
		return classify("delete_file", path, err)
	}
	return nil
}

// lsjsonEntry is one element of `rclone lsjson` output.
type lsjsonEntry struct {
	Path    string    `json:"Path"`
	Name    string    `json:"Name"`
	Size    int64     `json:"Size"`
	ModTime time.Time `json:"ModTime"`
	IsDir   bool      `json:"IsDir"`
}

func (p *Provider) lsjson(ctx context.Context, path string, recursive bool) ([]lsjsonEntry, error) {
	args := []string{"lsjson", p.remotePath(path)}
	if recursive {
		args = append(args, "--recursive")
	}
	out, err := p.run(ctx, nil, args...)
	if err != nil {
		return nil, classify("list_folder", path, err)
	}
	var entries []lsjsonEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("parsing rclone lsjson output: %w", err)
	}
	return entries, nil
}

func (p *Provider) ListFolder(ctx context.Context, path string) ([]string, error) {
	entries, err := p.lsjson(ctx, path, false)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provider) Tree(ctx context.Context) (map[string]provider.TreeEntry, error) {
	tree := make(map[string]provider.TreeEntry)
	for name, root := range p.Roots.Site {
		entries, err := p.lsjson(ctx, root, true)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			tree[fmt.Sprintf("{root[%s]}/%s", name, e.Path)] = provider.TreeEntry{
				Size:    e.Size,
				ModTime: e.ModTime,
				IsDir:   e.IsDir,
			}
		}
	}
	return tree, nil
}

// classify maps rclone exit codes onto provider error kinds.
func classify(op, path string, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case exitDirNotFound, exitFileNotFound:
			return provider.NewError(op, path, provider.ErrNotFound, err)
		case exitTemporary:
			return provider.NewError(op, path, provider.ErrUnavailable, err)
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return provider.NewError(op, path, provider.ErrUnavailable, err)
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return err
	}
	return provider.NewError(op, path, nil, err)
}
