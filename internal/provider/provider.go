package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/sitesync/internal/config"
)

// Provider codes understood by the built-in registry.
const (
	CodeLocalDrive = "local_drive"
	CodeSFTP       = "sftp"
	CodeRclone     = "rclone"
	CodeDropbox    = "dropbox"
	CodeS3         = "s3"
)

// ProgressFunc receives the transferred fraction (0..1) of a single file.
type ProgressFunc func(fraction float64)

// TreeEntry describes one path returned by Tree.
type TreeEntry struct {
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// ProviderConfig is an alias for config.ProviderConfig to avoid import cycles
type ProviderConfig = config.ProviderConfig

// Provider is the contract every storage backend implements. Paths passed to
// the file operations are already resolved by ResolvePath.
type Provider interface {
	// Code returns the provider code (e.g. "sftp", "local_drive")
	Code() string

	// Site returns the configured site name this instance serves
	Site() string

	// IsActive probes configuration and reachability. It never panics
	// and returns false on any failure.
	IsActive(ctx context.Context) bool

	// ResolvePath substitutes {root} placeholders in a logical path
	ResolvePath(logical string) (string, error)

	// CreateFolder creates path and all missing parents. Idempotent.
	CreateFolder(ctx context.Context, path string) (string, error)

	// UploadFile copies a local source to target on this site and returns
	// the remote identifier of the stored file
	UploadFile(ctx context.Context, source, target string, onProgress ProgressFunc, overwrite bool) (string, error)

	// DownloadFile copies source on this site to a local path and returns
	// the local identifier
	DownloadFile(ctx context.Context, source, localPath string, onProgress ProgressFunc, overwrite bool) (string, error)

	// DeleteFile removes a single file
	DeleteFile(ctx context.Context, path string) error

	// ListFolder returns the names of direct children of path
	ListFolder(ctx context.Context, path string) ([]string, error)

	// Tree returns a snapshot of the site keyed by relative path. Providers
	// without a cheap listing may return an empty map.
	Tree(ctx context.Context) (map[string]TreeEntry, error)
}

// Limiter is an optional interface for providers that cap parallel transfers.
type Limiter interface {
	MaxConnections() int
}

// SiteConfig is everything a Factory needs to build a provider for one site.
type SiteConfig struct {
	Name           string
	Code           string
	Roots          map[string]string
	FallbackRoots  map[string]string
	MaxConnections int
	Settings       ProviderConfig
}

// Factory builds a provider instance for a site.
type Factory func(cfg SiteConfig, logger *slog.Logger) (Provider, error)

// Registry holds provider factories keyed by provider code
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under a provider code, replacing any existing one.
func (r *Registry) Register(code string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[code] = f
}

// Get returns the factory for a provider code
func (r *Registry) Get(code string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[code]
	return f, ok
}

// Remove deletes a factory from the registry.
func (r *Registry) Remove(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, code)
}

// Codes returns all registered provider codes, sorted
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.factories))
	for code := range r.factories {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// New builds a provider for the given site. An unknown code yields an
// ErrUnsupported error.
func (r *Registry) New(cfg SiteConfig, logger *slog.Logger) (Provider, error) {
	f, ok := r.Get(cfg.Code)
	if !ok {
		return nil, NewError("new", cfg.Name, ErrUnsupported, fmt.Errorf("provider code %q", cfg.Code))
	}
	p, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider for site %s: %w", cfg.Code, cfg.Name, err)
	}
	return p, nil
}

// Base carries the identity and root configuration shared by all providers.
// Implementations embed it to get Code, Site and ResolvePath.
type Base struct {
	SiteName string
	CodeName string
	Roots    Roots
}

// NewBase builds a Base from a site config.
func NewBase(cfg SiteConfig, remote bool) Base {
	return Base{
		SiteName: cfg.Name,
		CodeName: cfg.Code,
		Roots: Roots{
			Site:     cfg.Roots,
			Fallback: cfg.FallbackRoots,
			Remote:   remote,
		},
	}
}

func (b Base) Code() string { return b.CodeName }

func (b Base) Site() string { return b.SiteName }

func (b Base) ResolvePath(logical string) (string, error) {
	return b.Roots.Resolve(logical)
}
