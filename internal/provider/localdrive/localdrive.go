// Package localdrive implements a provider for sites reachable as a mounted
// filesystem: local disks, NAS mounts, or the machine's own working area.
package localdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/BadgerOps/sitesync/internal/provider"
)

// Provider stores files on a billy filesystem. Paths are absolute host paths.
type Provider struct {
	provider.Base
	fs     billy.Filesystem
	logger *slog.Logger
}

// New is the provider.Factory for local_drive sites.
func New(cfg provider.SiteConfig, logger *slog.Logger) (provider.Provider, error) {
	return NewWithFS(cfg, osfs.New("/"), logger), nil
}

// NewWithFS builds a provider on an explicit filesystem.
func NewWithFS(cfg provider.SiteConfig, fs billy.Filesystem, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		Base:   provider.NewBase(cfg, false),
		fs:     fs,
		logger: logger.With("provider", provider.CodeLocalDrive, "site", cfg.Name),
	}
}

// IsActive reports whether every configured root exists or can be created.
func (p *Provider) IsActive(ctx context.Context) bool {
	for name, root := range p.Roots.Site {
		if err := p.fs.MkdirAll(root, 0o755); err != nil {
			p.logger.Warn("root not accessible", "root", name, "path", root, "error", err)
			return false
		}
	}
	return true
}

func (p *Provider) CreateFolder(ctx context.Context, path string) (string, error) {
	if err := p.fs.MkdirAll(path, 0o755); err != nil {
		return "", provider.NewError("create_folder", path, nil, err)
	}
	return path, nil
}

func (p *Provider) UploadFile(ctx context.Context, source, target string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	if err := p.copy(ctx, "upload_file", source, target, onProgress, overwrite); err != nil {
		return "", err
	}
	return target, nil
}

func (p *Provider) DownloadFile(ctx context.Context, source, localPath string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	if err := p.copy(ctx, "download_file", source, localPath, onProgress, overwrite); err != nil {
		return "", err
	}
	return localPath, nil
}

// copy writes source to a temp file next to target, then renames it into place.
func (p *Provider) copy(ctx context.Context, op, source, target string, onProgress provider.ProgressFunc, overwrite bool) error {
	info, err := p.fs.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return provider.NewError(op, source, provider.ErrNotFound, nil)
		}
		return provider.NewError(op, source, nil, err)
	}
	if _, err := p.fs.Stat(target); err == nil {
		if !overwrite {
			return provider.NewError(op, target, provider.ErrAlreadyExists, nil)
		}
	}

	dir := filepath.Dir(target)
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return provider.NewError(op, dir, nil, err)
	}

	src, err := p.fs.Open(source)
	if err != nil {
		return provider.NewError(op, source, nil, err)
	}
	defer src.Close()

	tmp, err := util.TempFile(p.fs, dir, "."+filepath.Base(target)+".part-")
	if err != nil {
		return provider.NewError(op, target, nil, err)
	}
	tmpName := tmp.Name()

	reader := provider.NewProgressReader(provider.NewContextReader(ctx, src), info.Size(), onProgress)
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		p.fs.Remove(tmpName)
		return provider.NewError(op, target, nil, err)
	}
	if err := tmp.Close(); err != nil {
		p.fs.Remove(tmpName)
		return provider.NewError(op, target, nil, err)
	}

	if overwrite {
		if err := p.fs.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.fs.Remove(tmpName)
			return provider.NewError(op, target, nil, err)
		}
	}
	if err := p.fs.Rename(tmpName, target); err != nil {
		p.fs.Remove(tmpName)
		return provider.NewError(op, target, nil, err)
	}

	p.logger.Debug("file copied", "source", source, "target", target, "size", info.Size())
	return nil
}

func (p *Provider) DeleteFile(ctx context.Context, path string) error {
	if err := p.fs.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return provider.NewError("delete_file", path, provider.ErrNotFound, nil)
		}
		return provider.NewError("delete_file", path, nil, err)
	}
	return nil
}

func (p *Provider) ListFolder(ctx context.Context, path string) ([]string, error) {
	entries, err := p.fs.ReadDir(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, provider.NewError("list_folder", path, provider.ErrNotFound, nil)
		}
		return nil, provider.NewError("list_folder", path, nil, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Tree walks every configured root. Keys are logical paths of the form
// {root[name]}/relative/path.
func (p *Provider) Tree(ctx context.Context) (map[string]provider.TreeEntry, error) {
	tree := make(map[string]provider.TreeEntry)
	for name, root := range p.Roots.Site {
		err := util.Walk(p.fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil || rel == "." {
				return nil
			}
			key := fmt.Sprintf("{root[%s]}/%s", name, strings.ReplaceAll(rel, string(filepath.Separator), "/"))
			tree[key] = provider.TreeEntry{Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}
			return nil
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, provider.NewError("get_tree", root, nil, err)
		}
	}
	return tree, nil
}
