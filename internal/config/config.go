package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// LocalSite is the project-level alias for the process's own site id.
const LocalSite = "local"

// Config is the top-level configuration
type Config struct {
	Server      ServerConfig             `yaml:"server"`
	StatusStore StatusStoreConfig        `yaml:"status_store"`
	Sync        SyncConfig               `yaml:"sync"`
	Sites       map[string]SiteConfig    `yaml:"sites"`
	Projects    map[string]ProjectConfig `yaml:"projects"`
}

// ServerConfig holds the control API and local storage settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
}

// StatusStoreConfig selects and configures the status store backend
type StatusStoreConfig struct {
	Backend    string        `yaml:"backend"` // "sqlite" or "http"
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// SyncConfig holds the reconciliation knobs
type SyncConfig struct {
	LocalSiteID        string        `yaml:"local_site_id"`
	RetryCount         int           `yaml:"retry_count"`
	LoopDelay          time.Duration `yaml:"loop_delay"`
	BatchLimit         int           `yaml:"batch_limit"`
	MaxWorkers         int           `yaml:"max_workers"`
	AlwaysAccessibleOn []string      `yaml:"always_accessible_on"`
	ActiveSite         string        `yaml:"active_site"`
	RemoteSite         string        `yaml:"remote_site"`
	ResyncCron         string        `yaml:"resync_cron"`
	WatchConfig        bool          `yaml:"watch_config"`
}

// SiteConfig describes one storage endpoint
type SiteConfig struct {
	Provider         string            `yaml:"provider"`
	Enabled          *bool             `yaml:"enabled"`
	Root             map[string]string `yaml:"root"`
	AlternativeSites []string          `yaml:"alternative_sites"`
	MaxConnections   int               `yaml:"max_connections"`
	Settings         ProviderConfig    `yaml:"settings"`
}

// IsEnabled reports whether the site is enabled. Sites are enabled unless
// explicitly disabled.
func (s SiteConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ProjectConfig holds per-project overrides of the sync section
type ProjectConfig struct {
	Enabled    *bool             `yaml:"enabled"`
	ActiveSite string            `yaml:"active_site"`
	RemoteSite string            `yaml:"remote_site"`
	RetryCount int               `yaml:"retry_count"`
	LoopDelay  time.Duration     `yaml:"loop_delay"`
	Roots      map[string]string `yaml:"roots"`
}

// IsEnabled reports whether the project takes part in reconciliation.
func (p ProjectConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ProviderConfig is the raw YAML settings block of a site
type ProviderConfig map[string]interface{}

// ProjectSettings is a project's configuration with sync defaults applied
// and the "local" alias resolved.
type ProjectSettings struct {
	Name       string
	ActiveSite string
	RemoteSite string
	RetryCount int
	LoopDelay  time.Duration
	Roots      map[string]string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "127.0.0.1:8089",
			DataDir: "/var/lib/sitesync",
			DBPath:  "",
		},
		StatusStore: StatusStoreConfig{
			Backend:    "sqlite",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Sync: SyncConfig{
			RetryCount:  3,
			LoopDelay:   60 * time.Second,
			BatchLimit:  10,
			MaxWorkers:  3,
			ActiveSite:  "studio",
			RemoteSite:  "studio",
			WatchConfig: false,
		},
		Sites:    make(map[string]SiteConfig),
		Projects: make(map[string]ProjectConfig),
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Sites == nil {
		cfg.Sites = make(map[string]SiteConfig)
	}
	if cfg.Projects == nil {
		cfg.Projects = make(map[string]ProjectConfig)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"sitesync.yaml",
		"/etc/sitesync/sitesync.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "sitesync", "sitesync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// DatabasePath returns the SQLite status store path
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "sitesync.db")
}

// EnabledProjects returns the names of enabled projects, sorted
func (c *Config) EnabledProjects() []string {
	names := make([]string, 0, len(c.Projects))
	for name, p := range c.Projects {
		if p.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// EnabledSites returns the names of enabled sites, sorted
func (c *Config) EnabledSites() []string {
	names := make([]string, 0, len(c.Sites))
	for name, s := range c.Sites {
		if s.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DeclaredAlternates returns the alternative_sites lists of all sites.
func (c *Config) DeclaredAlternates() map[string][]string {
	out := make(map[string][]string, len(c.Sites))
	for name, s := range c.Sites {
		out[name] = s.AlternativeSites
	}
	return out
}

// ResolveSite maps the "local" alias to the local site id.
func (c *Config) ResolveSite(name string) string {
	if name == LocalSite && c.Sync.LocalSiteID != "" {
		return c.Sync.LocalSiteID
	}
	return name
}

// Project returns the effective settings of a project. Unknown projects get
// the sync defaults.
func (c *Config) Project(name string) ProjectSettings {
	p := c.Projects[name]
	ps := ProjectSettings{
		Name:       name,
		ActiveSite: c.Sync.ActiveSite,
		RemoteSite: c.Sync.RemoteSite,
		RetryCount: c.Sync.RetryCount,
		LoopDelay:  c.Sync.LoopDelay,
		Roots:      p.Roots,
	}
	if p.ActiveSite != "" {
		ps.ActiveSite = p.ActiveSite
	}
	if p.RemoteSite != "" {
		ps.RemoteSite = p.RemoteSite
	}
	if p.RetryCount > 0 {
		ps.RetryCount = p.RetryCount
	}
	if p.LoopDelay > 0 {
		ps.LoopDelay = p.LoopDelay
	}
	ps.ActiveSite = c.ResolveSite(ps.ActiveSite)
	ps.RemoteSite = c.ResolveSite(ps.RemoteSite)
	return ps
}

// LoopDelay is the shortest loop delay across enabled projects.
func (c *Config) LoopDelay() time.Duration {
	delay := c.Sync.LoopDelay
	for _, name := range c.EnabledProjects() {
		if d := c.Project(name).LoopDelay; d > 0 && (delay <= 0 || d < delay) {
			delay = d
		}
	}
	if delay <= 0 {
		delay = 60 * time.Second
	}
	return delay
}

// ParseProviderConfig unmarshals a site's raw settings into a typed struct
func ParseProviderConfig[T any](raw ProviderConfig) (*T, error) {
	// Re-marshal to YAML then unmarshal to typed struct
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshaling provider config: %w", err)
	}
	var typed T
	if err := yaml.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("parsing provider config: %w", err)
	}
	return &typed, nil
}
