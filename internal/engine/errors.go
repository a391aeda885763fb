package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrSiteAlreadyPresent is returned by AddSite for an existing record
	// unless the call forces a reset.
	ErrSiteAlreadyPresent = errors.New("site already present")

	// ErrRetriesExhausted is returned by IsOnSite when a file on the site
	// used up its retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("scheduler already running")
)

// ResumableError is a transient failure. The project is retried next cycle
// and no record changes.
type ResumableError struct {
	Project string
	Err     error
}

func (e *ResumableError) Error() string {
	return fmt.Sprintf("project %s: resumable: %v", e.Project, e.Err)
}

func (e *ResumableError) Unwrap() error { return e.Err }

// ConfigurationError means a project cannot be synced with the current
// configuration. The project is skipped for the cycle.
type ConfigurationError struct {
	Project string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Project == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("project %s: configuration: %v", e.Project, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// FatalSchedulerError stops the scheduler loop. It needs an operator.
type FatalSchedulerError struct {
	CycleID string
	Err     error
}

func (e *FatalSchedulerError) Error() string {
	return fmt.Sprintf("scheduler stopped in cycle %s: %v", e.CycleID, e.Err)
}

func (e *FatalSchedulerError) Unwrap() error { return e.Err }
