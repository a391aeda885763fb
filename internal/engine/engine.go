// Package engine reconciles per-site sync status records against reality:
// it discovers items that need transfers, runs them, records the outcome and
// mirrors status to alternate sites.
package engine

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BadgerOps/sitesync/internal/config"
	"github.com/BadgerOps/sitesync/internal/provider"
	"github.com/BadgerOps/sitesync/internal/sites"
	"github.com/BadgerOps/sitesync/internal/store"
	"github.com/BadgerOps/sitesync/internal/transfer"
)

// ConfigLoader returns the configuration for the next cycle. It is called at
// the start of every cycle so edits take effect without a restart.
type ConfigLoader func() (*config.Config, error)

// StaticConfig returns a loader that always yields cfg.
func StaticConfig(cfg *config.Config) ConfigLoader {
	return func() (*config.Config, error) { return cfg, nil }
}

// State of the scheduler loop.
type State int

const (
	Stopped State = iota
	Running
	Paused
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Engine owns the scheduler loop and the site management operations.
type Engine struct {
	store    store.Store
	registry *provider.Registry
	load     ConfigLoader
	logger   *slog.Logger
	pauses   *Pauses
	locks    *transfer.Locks
	now      func() time.Time

	mu        sync.Mutex
	state     State
	cancel    func()
	done      chan struct{}
	runErr    error
	resetCh   chan struct{}
	loopDelay time.Duration
	lastCycle *CycleReport

	trackerMu     sync.RWMutex
	activeTracker *Tracker
}

// New creates an Engine. The registry must know every provider code the
// configuration uses.
func New(st store.Store, registry *provider.Registry, load ConfigLoader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: registry,
		load:     load,
		logger:   logger,
		pauses:   NewPauses(),
		locks:    transfer.NewLocks(),
		now:      time.Now,
		resetCh:  make(chan struct{}, 1),
	}
}

// Pauses returns the process-local pause flags.
func (e *Engine) Pauses() *Pauses {
	return e.pauses
}

// Store returns the status store the engine writes to.
func (e *Engine) Store() store.Store {
	return e.store
}

// ActiveProgress returns a snapshot of the running or last cycle, or nil
// before the first cycle.
func (e *Engine) ActiveProgress() *Progress {
	e.trackerMu.RLock()
	defer e.trackerMu.RUnlock()
	if e.activeTracker == nil {
		return nil
	}
	snap := e.activeTracker.Snapshot()
	return &snap
}

func (e *Engine) setTracker(t *Tracker) {
	e.trackerMu.Lock()
	defer e.trackerMu.Unlock()
	e.activeTracker = t
}

// Status summarizes the engine for the control API.
type Status struct {
	State     string        `json:"state"`
	Pauses    PauseSnapshot `json:"pauses"`
	LastCycle *CycleReport  `json:"last_cycle,omitempty"`
	Progress  *Progress     `json:"progress,omitempty"`
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	last := e.lastCycle
	e.mu.Unlock()
	return Status{
		State:     e.State().String(),
		Pauses:    e.pauses.Snapshot(),
		LastCycle: last,
		Progress:  e.ActiveProgress(),
	}
}

// cycleState is the configuration and provider cache of one cycle.
type cycleState struct {
	id          string
	cfg         *config.Config
	alternates  sites.Alternates
	localSiteID string
	providers   map[string]provider.Provider
	tracker     *Tracker
}

func newCycleState(id string, cfg *config.Config, tracker *Tracker) *cycleState {
	localSiteID := cfg.Sync.LocalSiteID
	if localSiteID == "" {
		localSiteID = cfg.ResolveSite(cfg.Sync.ActiveSite)
	}
	return &cycleState{
		id:          id,
		cfg:         cfg,
		alternates:  sites.ResolveAlternates(cfg.DeclaredAlternates()),
		localSiteID: localSiteID,
		providers:   make(map[string]provider.Provider),
		tracker:     tracker,
	}
}

// provider returns the cached provider of site for project, building it on
// first use.
func (e *Engine) provider(cs *cycleState, project, site string) (provider.Provider, error) {
	key := project + "\x00" + site
	if p, ok := cs.providers[key]; ok {
		return p, nil
	}
	p, err := e.buildProvider(cs.cfg, project, site)
	if err != nil {
		return nil, err
	}
	cs.providers[key] = p
	return p, nil
}

func (e *Engine) buildProvider(cfg *config.Config, project, site string) (provider.Provider, error) {
	sc, ok := cfg.Sites[site]
	if !ok {
		return nil, fmt.Errorf("site %q is not configured", site)
	}
	if !sc.IsEnabled() {
		return nil, fmt.Errorf("site %q is disabled", site)
	}
	return e.registry.New(provider.SiteConfig{
		Name:           site,
		Code:           sc.Provider,
		Roots:          sc.Root,
		FallbackRoots:  cfg.Project(project).Roots,
		MaxConnections: sc.MaxConnections,
		Settings:       sc.Settings,
	}, e.logger)
}

// close releases providers that hold sessions.
func (cs *cycleState) close(logger *slog.Logger) {
	for _, p := range cs.providers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Debug("failed to close provider", "site", p.Site(), "error", err)
			}
		}
	}
}
