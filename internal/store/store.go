// Package store is the client side of the Status Store, the single source of
// truth for per-(item, site) sync state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BadgerOps/sitesync/internal/status"
)

// ErrNotFound is returned when a record or item does not exist.
var ErrNotFound = errors.New("record not found")

// CandidateQuery selects items whose local and remote aggregate statuses
// match the given filters.
type CandidateQuery struct {
	Project      string
	LocalSite    string
	RemoteSite   string
	LocalStatus  []status.Status
	RemoteStatus []status.Status
	Limit        int
}

// CandidateFile is one file of a candidate with its state on both sites.
type CandidateFile struct {
	status.File
	Local  status.FileState
	Remote status.FileState
}

// Candidate is an item viewed from a (local, remote) site pair.
type Candidate struct {
	ItemID       string
	Priority     int
	LocalStatus  status.Status
	RemoteStatus status.Status
	Files        []CandidateFile
}

// Store is the CRUD contract of the Status Store.
type Store interface {
	// Get returns the record of an item on a site, or ErrNotFound.
	Get(ctx context.Context, project, itemID, site string) (*status.Record, error)

	// Upsert merges file patches into the (item, site) record, creating it
	// when missing. A nil priority keeps the stored one.
	Upsert(ctx context.Context, project, itemID, site string, files []status.FileState, priority *int) error

	// Delete removes the (item, site) record.
	Delete(ctx context.Context, project, itemID, site string) error

	// ListCandidates is the engine's discovery query, ordered by priority.
	ListCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)

	// GetBulk returns every existing record for the given items and sites.
	GetBulk(ctx context.Context, project string, itemIDs, sites []string) ([]status.Record, error)

	Close() error
}

// ItemRegistrar is implemented by stores that also own item file lists.
type ItemRegistrar interface {
	RegisterItem(ctx context.Context, project string, item status.Item) error
	GetItem(ctx context.Context, project, itemID string) (*status.Item, error)
}

// CycleRun records one reconciliation pass
type CycleRun struct {
	ID           int64
	CycleID      string
	StartTime    time.Time
	EndTime      time.Time
	Projects     int
	Uploads      int
	Downloads    int
	Succeeded    int
	Failed       int
	Resumable    int
	Status       string // "success", "partial", "failed"
	ErrorMessage string
}

// CycleRecorder is implemented by stores that keep a local cycle history.
type CycleRecorder interface {
	RecordCycle(ctx context.Context, run *CycleRun) error
	ListCycles(ctx context.Context, limit int) ([]CycleRun, error)
}
