package status

import (
	"fmt"
	"strings"
	"time"
)

// Status is the sync state of a file, or the aggregate state of a record.
type Status int

const (
	NotAvailable Status = -1
	InProgress   Status = 0
	Queued       Status = 1
	Failed       Status = 2
	Paused       Status = 3
	OK           Status = 4
)

// DefaultPriority is assigned to records created without an explicit priority.
const DefaultPriority = 50

const (
	MinPriority = 1
	MaxPriority = 1000
)

var statusNames = map[Status]string{
	NotAvailable: "not_available",
	InProgress:   "in_progress",
	Queued:       "queued",
	Failed:       "failed",
	Paused:       "paused",
	OK:           "ok",
}

// String returns the lower-case name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Parse converts a status name (case-insensitive, "-" or "_" separated) into a Status.
func Parse(name string) (Status, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for s, n := range statusNames {
		if n == normalized {
			return s, nil
		}
	}
	return NotAvailable, fmt.Errorf("unknown sync status %q", name)
}

// File is one immutable file of an item as published. The engine never mutates it.
type File struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"fileHash,omitempty"`
}

// Item is a versioned bundle of files (a "representation").
type Item struct {
	ID    string `json:"id"`
	Files []File `json:"files"`
}

// FileState is the per-site state of a single file.
type FileState struct {
	ID        string  `json:"id"`
	Status    Status  `json:"status"`
	Size      int64   `json:"size"`
	Timestamp int64   `json:"timestamp"`
	Progress  float64 `json:"progress,omitempty"`
	Message   string  `json:"message,omitempty"`
	Retries   int     `json:"retries,omitempty"`
	Paused    bool    `json:"pause,omitempty"`
}

// NewFileState returns a state for f with the given status stamped at now.
func NewFileState(f File, s Status, now time.Time) FileState {
	return FileState{
		ID:        f.ID,
		Status:    s,
		Size:      f.Size,
		Timestamp: now.Unix(),
	}
}

// Record is the reconciliation state of one item on one site.
type Record struct {
	ItemID   string      `json:"representationId"`
	Site     string      `json:"site"`
	Status   Status      `json:"status"`
	Priority int         `json:"priority"`
	Files    []FileState `json:"files"`
}

// File returns the state of the file with the given id.
func (r *Record) File(id string) (FileState, bool) {
	for _, f := range r.Files {
		if f.ID == id {
			return f, true
		}
	}
	return FileState{}, false
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Files = append([]FileState(nil), r.Files...)
	return &c
}

// Patch merges file patches into the record and recomputes the aggregate.
// Patched files replace the stored state wholesale, so a patch without a
// message or retry counter clears them. Unknown file ids are appended.
func (r *Record) Patch(patches []FileState, priority *int) error {
	if priority != nil {
		if *priority < MinPriority || *priority > MaxPriority {
			return fmt.Errorf("priority %d out of range [%d, %d]", *priority, MinPriority, MaxPriority)
		}
		r.Priority = *priority
	}
	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}

	index := make(map[string]int, len(r.Files))
	for i, f := range r.Files {
		index[f.ID] = i
	}
	for _, p := range patches {
		if !p.Status.Valid() {
			return fmt.Errorf("file %s: invalid status %d", p.ID, int(p.Status))
		}
		if i, ok := index[p.ID]; ok {
			r.Files[i] = p
			continue
		}
		index[p.ID] = len(r.Files)
		r.Files = append(r.Files, p)
	}

	r.Status = Aggregate(r.Files)
	return nil
}

// Summary counts files per status.
func (r *Record) Summary() map[Status]int {
	counts := make(map[Status]int)
	for _, f := range r.Files {
		counts[f.Status]++
	}
	return counts
}
