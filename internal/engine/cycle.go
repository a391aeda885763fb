package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/sitesync/internal/provider"
	"github.com/BadgerOps/sitesync/internal/status"
	"github.com/BadgerOps/sitesync/internal/store"
	"github.com/BadgerOps/sitesync/internal/transfer"
)

// resultWriteTimeout bounds status writes made after a transfer finished,
// including during shutdown.
const resultWriteTimeout = 30 * time.Second

// fileRef is one record file served by a transfer task.
type fileRef struct {
	itemID   string
	priority int
	state    status.FileState // state on the receiving site
}

// task is one deduplicated transfer: a logical path and every record file
// that references it.
type task struct {
	action Action
	path   string
	size   int64
	refs   []fileRef

	// progressed is set once a progress write reached the store.
	progressed atomic.Bool
}

// receivingSite is the site whose record a task updates.
func (t *task) receivingSite(localSite, remoteSite string) string {
	if t.action == Upload {
		return remoteSite
	}
	return localSite
}

func (e *Engine) syncProject(ctx context.Context, cs *cycleState, project string) (ProjectReport, error) {
	ps := cs.cfg.Project(project)
	report := ProjectReport{Project: project, LocalSite: ps.ActiveSite, RemoteSite: ps.RemoteSite}
	logger := e.logger.With("cycle_id", cs.id, "project", project)

	if ps.ActiveSite == ps.RemoteSite {
		report.Skipped = "active and remote site are the same"
		logger.Debug("project skipped", "reason", report.Skipped, "site", ps.ActiveSite)
		return report, nil
	}
	if e.pauses.ProjectPaused(project) {
		report.Skipped = "paused"
		logger.Debug("project skipped", "reason", report.Skipped)
		return report, nil
	}
	if !IsMine(cs.localSiteID, ps.ActiveSite, ps.RemoteSite) {
		report.Skipped = "not handled by this site"
		logger.Debug("project skipped", "reason", report.Skipped, "local_site_id", cs.localSiteID)
		return report, nil
	}

	local, err := e.provider(cs, project, ps.ActiveSite)
	if err != nil {
		report.Skipped = "configuration"
		return report, &ConfigurationError{Project: project, Err: err}
	}
	if local.Code() != provider.CodeLocalDrive {
		report.Skipped = "configuration"
		return report, &ConfigurationError{Project: project, Err: fmt.Errorf("active site %s uses %s, want %s", ps.ActiveSite, local.Code(), provider.CodeLocalDrive)}
	}
	remote, err := e.provider(cs, project, ps.RemoteSite)
	if err != nil {
		report.Skipped = "configuration"
		return report, &ConfigurationError{Project: project, Err: err}
	}

	for _, p := range []provider.Provider{local, remote} {
		if !p.IsActive(ctx) {
			report.Skipped = "site unavailable"
			return report, &ResumableError{Project: project, Err: fmt.Errorf("site %s is not active", p.Site())}
		}
	}

	cs.tracker.SetPhase(PhaseDiscovering, project)
	candidates, err := e.candidates(ctx, project, ps.ActiveSite, ps.RemoteSite, cs.cfg.Sync.BatchLimit)
	if err != nil {
		if store.IsTransient(err) {
			return report, &ResumableError{Project: project, Err: err}
		}
		return report, err
	}
	report.Candidates = len(candidates)

	tasks := e.plan(project, local, candidates, true, ps.RetryCount, &report)
	if len(tasks) == 0 {
		logger.Debug("nothing to transfer", "candidates", len(candidates))
		return report, nil
	}

	configured := cs.cfg.Sites[ps.RemoteSite].MaxConnections
	if configured <= 0 {
		configured = cs.cfg.Sync.MaxWorkers
	}
	workers := transfer.Workers(remote, configured)

	jobs := make([]transfer.Job, len(tasks))
	for i, t := range tasks {
		t := t
		site := remote.Site()
		direction := transfer.Upload
		if t.action == Download {
			direction = transfer.Download
		}
		cs.tracker.Started(TransferProgress{Project: project, Site: site, Path: t.path, Direction: direction.String(), Size: t.size})
		jobs[i] = transfer.Job{
			Direction: direction,
			Path:      t.path,
			Size:      t.size,
			Local:     local,
			Remote:    remote,
			OnProgress: provider.Throttle(func(fraction float64) {
				cs.tracker.Update(site, t.path, fraction)
				e.recordProgress(ctx, project, t, t.receivingSite(ps.ActiveSite, ps.RemoteSite), fraction)
			}, provider.ProgressInterval),
		}
	}

	cs.tracker.SetPhase(PhaseTransferring, project)
	logger.Info("dispatching transfers",
		"remote_site", ps.RemoteSite,
		"uploads", report.Uploads,
		"downloads", report.Downloads,
		"workers", workers,
	)
	results := transfer.NewPool(workers, e.locks, logger).Execute(ctx, jobs)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
	defer cancel()

	for i, res := range results {
		t := tasks[i]
		site := t.receivingSite(ps.ActiveSite, ps.RemoteSite)
		ev := TransferEvent{Project: project, Site: remote.Site(), Path: t.path, Direction: res.Job.Direction.String(), Size: t.size, Items: len(t.refs)}

		switch {
		case res.Err == nil:
			report.Succeeded++
			ev.Status = "completed"
		case errors.Is(res.Err, context.Canceled), provider.IsResumable(res.Err):
			report.Resumable++
			ev.Status = "resumable"
			ev.Error = res.Err.Error()
			cs.tracker.Finished(ev)
			e.restoreProgress(writeCtx, project, site, t)
			continue
		default:
			report.Failed++
			ev.Status = "failed"
			ev.Error = res.Err.Error()
		}
		cs.tracker.Finished(ev)

		if err := e.applyResult(writeCtx, cs, project, site, t, res.Err, ps.RetryCount); err != nil {
			if store.IsTransient(err) {
				logger.Warn("failed to record transfer result", "path", t.path, "site", site, "error", err)
				continue
			}
			return report, err
		}
	}

	return report, nil
}

// candidates asks the store for items to upload and items to download.
func (e *Engine) candidates(ctx context.Context, project, localSite, remoteSite string, limit int) ([]store.Candidate, error) {
	uploads, err := e.store.ListCandidates(ctx, store.CandidateQuery{
		Project:      project,
		LocalSite:    localSite,
		RemoteSite:   remoteSite,
		LocalStatus:  []status.Status{status.OK},
		RemoteStatus: pendingStatuses,
		Limit:        limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list upload candidates: %w", err)
	}
	downloads, err := e.store.ListCandidates(ctx, store.CandidateQuery{
		Project:      project,
		LocalSite:    localSite,
		RemoteSite:   remoteSite,
		LocalStatus:  pendingStatuses,
		RemoteStatus: []status.Status{status.OK},
		Limit:        limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list download candidates: %w", err)
	}
	return append(uploads, downloads...), nil
}

// plan turns candidates into transfer tasks, one per file path as resolved
// on the local site.
func (e *Engine) plan(project string, local provider.Provider, candidates []store.Candidate, mine bool, retryLimit int, report *ProjectReport) []*task {
	var tasks []*task
	byPath := make(map[string]*task)

	for _, c := range candidates {
		if e.pauses.ItemPaused(project, c.ItemID) {
			continue
		}
		for _, f := range c.Files {
			action := Decide(f.Local, f.Remote, mine, retryLimit)
			if action == Nothing {
				continue
			}
			if f.Path == "" {
				e.logger.Warn("file has no path, skipping", "project", project, "item_id", c.ItemID, "file_id", f.ID)
				continue
			}

			receiving := f.Remote
			if action == Download {
				receiving = f.Local
			}
			if receiving.ID == "" {
				receiving.ID = f.ID
			}
			if receiving.Size == 0 {
				receiving.Size = f.Size
			}
			ref := fileRef{itemID: c.ItemID, priority: c.Priority, state: receiving}

			// unresolvable paths keep their logical key and fail in the pool
			key := f.Path
			if resolved, err := local.ResolvePath(f.Path); err == nil {
				key = resolved
			}
			if t, ok := byPath[key]; ok {
				if t.action == action {
					t.refs = append(t.refs, ref)
					report.Deduplicated++
				}
				continue
			}
			t := &task{action: action, path: f.Path, size: f.Size, refs: []fileRef{ref}}
			byPath[key] = t
			tasks = append(tasks, t)
			if action == Upload {
				report.Uploads++
			} else {
				report.Downloads++
			}
		}
	}
	return tasks
}

// recordProgress persists partial progress for every file a task serves.
func (e *Engine) recordProgress(ctx context.Context, project string, t *task, site string, fraction float64) {
	now := e.now()
	for _, ref := range t.refs {
		st := status.ApplyProgress(ref.state, fraction, now)
		if err := e.store.Upsert(ctx, project, ref.itemID, site, []status.FileState{st}, nil); err != nil {
			e.logger.Debug("failed to record progress", "project", project, "item_id", ref.itemID, "site", site, "error", err)
			continue
		}
		t.progressed.Store(true)
	}
}

// restoreProgress puts back the pre-transfer state of every file a task
// serves, undoing progress writes of a transfer that will be retried.
func (e *Engine) restoreProgress(ctx context.Context, project, site string, t *task) {
	if !t.progressed.Load() {
		return
	}
	for _, ref := range t.refs {
		if err := e.store.Upsert(ctx, project, ref.itemID, site, []status.FileState{ref.state}, nil); err != nil {
			e.logger.Warn("failed to restore file state", "project", project, "item_id", ref.itemID, "site", site, "path", t.path, "error", err)
		}
	}
}

// applyResult writes the outcome of a task to every referencing record and
// mirrors it to the alternates of the receiving site.
func (e *Engine) applyResult(ctx context.Context, cs *cycleState, project, site string, t *task, transferErr error, retryLimit int) error {
	now := e.now()
	for _, ref := range t.refs {
		var st status.FileState
		if transferErr == nil {
			st = status.ApplySuccess(ref.state, now)
		} else {
			st = status.ApplyFailure(ref.state, transferErr.Error(), retryLimit, now)
		}
		if err := e.store.Upsert(ctx, project, ref.itemID, site, []status.FileState{st}, nil); err != nil {
			return fmt.Errorf("failed to update %s on %s: %w", ref.itemID, site, err)
		}
		if st.Status == status.Failed {
			e.logger.Error("file failed permanently",
				"project", project,
				"item_id", ref.itemID,
				"site", site,
				"path", t.path,
				"retries", st.Retries,
				"error", st.Message,
			)
		}
		if err := e.propagate(ctx, cs.alternates, project, ref.itemID, site); err != nil {
			return err
		}
	}
	return nil
}
