package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BadgerOps/sitesync/internal/config"
	"github.com/BadgerOps/sitesync/internal/provider"
	"github.com/BadgerOps/sitesync/internal/sites"
	"github.com/BadgerOps/sitesync/internal/status"
	"github.com/BadgerOps/sitesync/internal/store"
)

// AddSiteOptions controls AddSite.
type AddSiteOptions struct {
	// Force resets an existing record instead of failing.
	Force bool
	// Priority of the record; nil keeps the stored one or the default.
	Priority *int
	// Files to queue. When empty the file list of any existing record of
	// the item is used.
	Files []status.File
}

// AddSite queues every file of an item for a site.
func (e *Engine) AddSite(ctx context.Context, project, itemID, site string, opts AddSiteOptions) error {
	cfg, err := e.load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	site = cfg.ResolveSite(site)

	existing, err := e.store.Get(ctx, project, itemID, site)
	switch {
	case err == nil && !opts.Force:
		return fmt.Errorf("%s on %s: %w", itemID, site, ErrSiteAlreadyPresent)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to read %s on %s: %w", itemID, site, err)
	}

	now := e.now()
	var states []status.FileState
	switch {
	case len(opts.Files) > 0:
		if reg, ok := e.store.(store.ItemRegistrar); ok {
			if _, err := reg.GetItem(ctx, project, itemID); errors.Is(err, store.ErrNotFound) {
				if err := reg.RegisterItem(ctx, project, status.Item{ID: itemID, Files: opts.Files}); err != nil {
					return err
				}
			}
		}
		for _, f := range opts.Files {
			states = append(states, status.NewFileState(f, status.Queued, now))
		}
	case existing != nil:
		states = requeue(existing.Files, now)
	default:
		states, err = e.knownFiles(ctx, project, itemID)
		if err != nil {
			return err
		}
	}

	if err := e.store.Upsert(ctx, project, itemID, site, states, opts.Priority); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", itemID, site, err)
	}
	e.logger.Info("site added", "project", project, "item_id", itemID, "site", site, "files", len(states), "force", opts.Force)
	e.ResetTimer()
	return nil
}

// knownFiles returns QUEUED states for the files of an item, taken from any
// existing record or from the registered item.
func (e *Engine) knownFiles(ctx context.Context, project, itemID string) ([]status.FileState, error) {
	recs, err := e.store.GetBulk(ctx, project, []string{itemID}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read records of %s: %w", itemID, err)
	}
	for _, rec := range recs {
		if len(rec.Files) > 0 {
			return requeue(rec.Files, e.now()), nil
		}
	}

	if reg, ok := e.store.(store.ItemRegistrar); ok {
		item, err := reg.GetItem(ctx, project, itemID)
		if err == nil {
			now := e.now()
			states := make([]status.FileState, 0, len(item.Files))
			for _, f := range item.Files {
				states = append(states, status.NewFileState(f, status.Queued, now))
			}
			return states, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no files known for item %s", itemID)
}

func requeue(files []status.FileState, t time.Time) []status.FileState {
	out := make([]status.FileState, 0, len(files))
	for _, f := range files {
		f = status.Reset(f, t)
		f.Paused = false
		out = append(out, f)
	}
	return out
}

// RemoveSite deletes the record of an item on a site. With removeLocalFiles
// the item's files are also deleted from the local site.
func (e *Engine) RemoveSite(ctx context.Context, project, itemID, site string, removeLocalFiles bool) error {
	cfg, err := e.load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	site = cfg.ResolveSite(site)

	if removeLocalFiles {
		if err := e.removeLocalFiles(ctx, cfg, project, itemID, site); err != nil {
			return err
		}
	}

	if err := e.store.Delete(ctx, project, itemID, site); err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", itemID, site, err)
	}
	e.logger.Info("site removed", "project", project, "item_id", itemID, "site", site, "local_files", removeLocalFiles)
	return nil
}

func (e *Engine) removeLocalFiles(ctx context.Context, cfg *config.Config, project, itemID, site string) error {
	localSiteID := cfg.Sync.LocalSiteID
	if localSiteID == "" {
		localSiteID = cfg.Project(project).ActiveSite
	}
	if site != localSiteID {
		return fmt.Errorf("local files can only be removed from the local site %s, not %s", localSiteID, site)
	}
	reg, ok := e.store.(store.ItemRegistrar)
	if !ok {
		return fmt.Errorf("status store does not provide file paths for %s", itemID)
	}
	item, err := reg.GetItem(ctx, project, itemID)
	if err != nil {
		return fmt.Errorf("failed to read item %s: %w", itemID, err)
	}
	p, err := e.buildProvider(cfg, project, site)
	if err != nil {
		return &ConfigurationError{Project: project, Err: err}
	}

	for _, f := range item.Files {
		path, err := p.ResolvePath(f.Path)
		if err != nil {
			return err
		}
		if err := p.DeleteFile(ctx, path); err != nil && !errors.Is(err, provider.ErrNotFound) {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
		e.logger.Debug("local file removed", "item_id", itemID, "path", path)
	}
	return nil
}

// ResetSite puts every file of a record back in the queue with a fresh retry
// budget. siteOrSide is a site name or "local"/"remote" for the project's
// active and remote site.
func (e *Engine) ResetSite(ctx context.Context, project, itemID, siteOrSide string) error {
	cfg, err := e.load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ps := cfg.Project(project)
	site := siteOrSide
	switch siteOrSide {
	case "local":
		site = ps.ActiveSite
	case "remote":
		site = ps.RemoteSite
	}

	rec, err := e.store.Get(ctx, project, itemID, site)
	if err != nil {
		return fmt.Errorf("failed to read %s on %s: %w", itemID, site, err)
	}
	if err := e.store.Upsert(ctx, project, itemID, site, requeue(rec.Files, e.now()), nil); err != nil {
		return fmt.Errorf("failed to reset %s on %s: %w", itemID, site, err)
	}
	e.logger.Info("site reset", "project", project, "item_id", itemID, "site", site, "files", len(rec.Files))
	e.ResetTimer()
	return nil
}

// IsOnSite reports whether every file of an item is OK on site. It returns
// ErrRetriesExhausted once any file used up maxRetries.
func (e *Engine) IsOnSite(ctx context.Context, project, itemID, site string, maxRetries int) (bool, error) {
	rec, err := e.store.Get(ctx, project, itemID, site)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, f := range rec.Files {
		if maxRetries > 0 && f.Retries >= maxRetries {
			return false, fmt.Errorf("%s on %s: file %s failed %d times: %w", itemID, site, f.ID, f.Retries, ErrRetriesExhausted)
		}
	}
	return rec.Status == status.OK, nil
}

// PauseSite sets or clears the pause marker on every file of a record.
// Unlike the process-local pause flags this is stored with the record.
func (e *Engine) PauseSite(ctx context.Context, project, itemID, site string, paused bool) error {
	rec, err := e.store.Get(ctx, project, itemID, site)
	if err != nil {
		return fmt.Errorf("failed to read %s on %s: %w", itemID, site, err)
	}
	files := make([]status.FileState, 0, len(rec.Files))
	for _, f := range rec.Files {
		files = append(files, status.ApplyPause(f, paused))
	}
	if err := e.store.Upsert(ctx, project, itemID, site, files, nil); err != nil {
		return fmt.Errorf("failed to pause %s on %s: %w", itemID, site, err)
	}
	return nil
}

// ComputeSyncSites returns the initial status of a freshly published item on
// each site of a project: OK on the active site and its alternates, QUEUED
// on the remote site, its alternates and every always-accessible site.
func (e *Engine) ComputeSyncSites(project string) (map[string]status.Status, error) {
	cfg, err := e.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return computeSyncSites(cfg, project), nil
}

func computeSyncSites(cfg *config.Config, project string) map[string]status.Status {
	ps := cfg.Project(project)
	alternates := sites.ResolveAlternates(cfg.DeclaredAlternates())

	out := map[string]status.Status{ps.ActiveSite: status.OK}
	for _, alt := range alternates.For(ps.ActiveSite) {
		out[alt] = status.OK
	}

	queue := func(site string) {
		if _, ok := out[site]; !ok {
			out[site] = status.Queued
		}
	}
	queue(ps.RemoteSite)
	for _, alt := range alternates.For(ps.RemoteSite) {
		queue(alt)
	}
	for _, site := range cfg.Sync.AlwaysAccessibleOn {
		queue(cfg.ResolveSite(site))
	}
	return out
}

// Publish registers a new item and creates its records on every site
// ComputeSyncSites names.
func (e *Engine) Publish(ctx context.Context, project string, item status.Item) error {
	if item.ID == "" || len(item.Files) == 0 {
		return fmt.Errorf("item needs an id and at least one file")
	}
	if reg, ok := e.store.(store.ItemRegistrar); ok {
		if err := reg.RegisterItem(ctx, project, item); err != nil {
			return err
		}
	}

	siteStates, err := e.ComputeSyncSites(project)
	if err != nil {
		return err
	}
	now := e.now()
	for site, st := range siteStates {
		states := make([]status.FileState, 0, len(item.Files))
		for _, f := range item.Files {
			fs := status.NewFileState(f, st, now)
			if st == status.OK {
				fs.Progress = 1
			}
			states = append(states, fs)
		}
		if err := e.store.Upsert(ctx, project, item.ID, site, states, nil); err != nil {
			return fmt.Errorf("failed to publish %s to %s: %w", item.ID, site, err)
		}
	}
	e.logger.Info("item published", "project", project, "item_id", item.ID, "files", len(item.Files), "sites", len(siteStates))
	e.ResetTimer()
	return nil
}
