package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/sitesync/internal/store"
)

// ProjectReport is the outcome of one project in a cycle.
type ProjectReport struct {
	Project      string `json:"project"`
	LocalSite    string `json:"local_site"`
	RemoteSite   string `json:"remote_site"`
	Skipped      string `json:"skipped,omitempty"`
	Candidates   int    `json:"candidates"`
	Uploads      int    `json:"uploads"`
	Downloads    int    `json:"downloads"`
	Deduplicated int    `json:"deduplicated"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	Resumable    int    `json:"resumable"`
}

// CycleReport summarizes one reconciliation pass.
type CycleReport struct {
	CycleID   string          `json:"cycle_id"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Projects  []ProjectReport `json:"projects"`
	Error     string          `json:"error,omitempty"`
}

func (r *CycleReport) totals() (uploads, downloads, succeeded, failed, resumable int) {
	for _, p := range r.Projects {
		uploads += p.Uploads
		downloads += p.Downloads
		succeeded += p.Succeeded
		failed += p.Failed
		resumable += p.Resumable
	}
	return
}

// State returns the scheduler state. A running scheduler with the server
// pause flag set reports Paused.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running && e.pauses.ServerPaused() {
		return Paused
	}
	return e.state
}

// Pause stops dispatching for every project until Resume.
func (e *Engine) Pause() {
	e.pauses.SetServer(true)
	e.logger.Info("scheduler paused")
}

// Resume clears the server pause flag.
func (e *Engine) Resume() {
	e.pauses.SetServer(false)
	e.logger.Info("scheduler resumed")
	e.ResetTimer()
}

// ResetTimer makes a sleeping loop start the next cycle immediately.
func (e *Engine) ResetTimer() {
	select {
	case e.resetCh <- struct{}{}:
	default:
	}
}

// Start runs the scheduler loop in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Stopped {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.state = Running
	e.cancel = cancel
	e.done = done
	e.runErr = nil
	e.mu.Unlock()

	e.logger.Info("scheduler started")
	go func() {
		err := e.loop(runCtx)
		cancel()

		e.mu.Lock()
		e.runErr = err
		e.state = Stopped
		e.cancel = nil
		close(done)
		e.mu.Unlock()

		e.logger.Info("scheduler stopped")
	}()
	return nil
}

// Run starts the loop and blocks until it stops. It returns nil on a clean
// shutdown and a *FatalSchedulerError when the loop died.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	return e.Wait()
}

// Wait blocks until the loop started last has stopped and returns its error.
func (e *Engine) Wait() error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// Stop cancels the loop and in-flight transfers and waits for them until ctx
// expires. Calling Stop on a stopped engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state == Stopped {
		e.mu.Unlock()
		return nil
	}
	if e.state != Stopping {
		e.state = Stopping
		e.cancel()
		e.logger.Info("scheduler stopping")
	}
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduler to stop: %w", ctx.Err())
	}
}

func (e *Engine) loop(ctx context.Context) error {
	for {
		_, err := e.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			var fatal *FatalSchedulerError
			if errors.As(err, &fatal) {
				e.logger.Error("scheduler loop stopped", "error", err)
				return err
			}
			e.logger.Warn("cycle did not complete", "error", err)
		}

		e.mu.Lock()
		delay := e.loopDelay
		e.mu.Unlock()
		if delay <= 0 {
			delay = time.Minute
		}

		e.logger.Debug("sleeping until next cycle", "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-e.resetCh:
			timer.Stop()
			e.logger.Info("timer reset, starting next cycle")
		case <-timer.C:
		}
	}
}

// RunCycle makes one pass over all enabled projects. Per-project problems
// are logged and reported; only unexpected errors come back as a
// *FatalSchedulerError.
func (e *Engine) RunCycle(ctx context.Context) (report *CycleReport, err error) {
	cycleID := uuid.NewString()
	report = &CycleReport{CycleID: cycleID, StartTime: e.now()}
	tracker := NewTracker(cycleID)
	e.setTracker(tracker)
	logger := e.logger.With("cycle_id", cycleID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in cycle", "panic", r, "stack", string(debug.Stack()))
			err = &FatalSchedulerError{CycleID: cycleID, Err: fmt.Errorf("panic: %v", r)}
		}
		report.EndTime = e.now()
		if err != nil {
			report.Error = err.Error()
			tracker.SetPhase(PhaseFailed, "")
		} else {
			tracker.SetPhase(PhaseComplete, "")
		}
		e.mu.Lock()
		e.lastCycle = report
		e.mu.Unlock()
		e.recordCycle(report)
	}()

	cfg, loadErr := e.load()
	if loadErr != nil {
		return report, &ConfigurationError{Err: fmt.Errorf("failed to load config: %w", loadErr)}
	}
	e.mu.Lock()
	e.loopDelay = cfg.LoopDelay()
	e.mu.Unlock()

	if e.pauses.ServerPaused() {
		logger.Debug("server paused, skipping cycle")
		return report, nil
	}

	cs := newCycleState(cycleID, cfg, tracker)
	defer cs.close(logger)

	logger.Debug("cycle started", "projects", len(cfg.EnabledProjects()), "local_site", cs.localSiteID)
	for _, project := range cfg.EnabledProjects() {
		if ctx.Err() != nil {
			return report, nil
		}
		pr, perr := e.syncProject(ctx, cs, project)
		report.Projects = append(report.Projects, pr)
		if perr == nil || ctx.Err() != nil {
			continue
		}

		var cfgErr *ConfigurationError
		var resErr *ResumableError
		switch {
		case errors.As(perr, &cfgErr):
			logger.Warn("project skipped", "project", project, "error", perr)
		case errors.As(perr, &resErr), store.IsTransient(perr):
			logger.Info("project deferred to next cycle", "project", project, "error", perr)
		default:
			return report, &FatalSchedulerError{CycleID: cycleID, Err: perr}
		}
	}

	up, down, ok, failed, resumable := report.totals()
	logger.Info("cycle completed",
		"uploads", up,
		"downloads", down,
		"succeeded", ok,
		"failed", failed,
		"resumable", resumable,
		"duration", e.now().Sub(report.StartTime).Round(time.Millisecond),
	)
	return report, nil
}

func (e *Engine) recordCycle(report *CycleReport) {
	recorder, ok := e.store.(store.CycleRecorder)
	if !ok {
		return
	}
	up, down, succeeded, failed, resumable := report.totals()
	run := &store.CycleRun{
		CycleID:      report.CycleID,
		StartTime:    report.StartTime,
		EndTime:      report.EndTime,
		Projects:     len(report.Projects),
		Uploads:      up,
		Downloads:    down,
		Succeeded:    succeeded,
		Failed:       failed,
		Resumable:    resumable,
		Status:       "success",
		ErrorMessage: report.Error,
	}
	switch {
	case report.Error != "":
		run.Status = "failed"
	case failed > 0 || resumable > 0:
		run.Status = "partial"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := recorder.RecordCycle(ctx, run); err != nil {
		e.logger.Warn("failed to record cycle", "cycle_id", report.CycleID, "error", err)
	}
}
