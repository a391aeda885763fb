package engine

import (
	"sort"
	"sync"
	"time"
)

// Phase is the scheduler activity shown by the progress tracker.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseDiscovering  Phase = "discovering"
	PhaseTransferring Phase = "transferring"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
)

const maxRecentEvents = 20

// TransferEvent records a finished transfer for the recent activity log.
type TransferEvent struct {
	Project   string    `json:"project"`
	Site      string    `json:"site"`
	Path      string    `json:"path"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"` // "completed", "failed", "resumable"
	Error     string    `json:"error,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Items     int       `json:"items"`
	At        time.Time `json:"at"`
}

// TransferProgress is one in-flight transfer.
type TransferProgress struct {
	Project   string  `json:"project"`
	Site      string  `json:"site"`
	Path      string  `json:"path"`
	Direction string  `json:"direction"`
	Fraction  float64 `json:"fraction"`
	Size      int64   `json:"size"`
}

// Progress is a snapshot of the current cycle, safe for JSON serialization.
type Progress struct {
	CycleID          string             `json:"cycle_id"`
	Phase            Phase              `json:"phase"`
	Project          string             `json:"project,omitempty"`
	TotalTransfers   int                `json:"total_transfers"`
	Completed        int                `json:"completed"`
	Failed           int                `json:"failed"`
	Resumable        int                `json:"resumable"`
	TotalBytes       int64              `json:"total_bytes"`
	BytesTransferred int64              `json:"bytes_transferred"`
	Percent          float64            `json:"percent"`
	Active           []TransferProgress `json:"active,omitempty"`
	RecentEvents     []TransferEvent    `json:"recent_events,omitempty"`
	StartTime        time.Time          `json:"start_time"`
	Elapsed          string             `json:"elapsed"`
}

// Tracker accumulates transfer progress reported by pool workers.
type Tracker struct {
	mu sync.Mutex

	cycleID   string
	phase     Phase
	project   string
	total     int
	completed int
	failed    int
	resumable int
	totalSize int64
	startTime time.Time

	// in-flight transfers keyed by site and logical path
	active map[string]*TransferProgress
	// bytes of finished transfers
	doneBytes int64

	recentEvents []TransferEvent
}

// NewTracker creates a tracker for one cycle.
func NewTracker(cycleID string) *Tracker {
	return &Tracker{
		cycleID:   cycleID,
		phase:     PhaseDiscovering,
		startTime: time.Now(),
		active:    make(map[string]*TransferProgress),
	}
}

func trackerKey(site, path string) string {
	return site + "\x00" + path
}

// SetPhase updates the phase and the project being worked on.
func (t *Tracker) SetPhase(phase Phase, project string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.project = project
}

// Started registers a dispatched transfer.
func (t *Tracker) Started(tp TransferProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	t.totalSize += tp.Size
	t.active[trackerKey(tp.Site, tp.Path)] = &tp
}

// Update records the transferred fraction of an active transfer.
func (t *Tracker) Update(site, path string, fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.active[trackerKey(site, path)]; ok {
		tp.Fraction = fraction
	}
}

// Finished moves a transfer to the recent activity log.
func (t *Tracker) Finished(ev TransferEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackerKey(ev.Site, ev.Path)
	tp, ok := t.active[key]
	if ok {
		delete(t.active, key)
	}

	switch ev.Status {
	case "completed":
		t.completed++
		if ok {
			t.doneBytes += tp.Size
		}
	case "resumable":
		t.resumable++
	default:
		t.failed++
	}

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	t.recentEvents = append([]TransferEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > maxRecentEvents {
		t.recentEvents = t.recentEvents[:maxRecentEvents]
	}
}

// Snapshot returns a copy of the current progress state.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := make([]TransferProgress, 0, len(t.active))
	transferred := t.doneBytes
	for _, tp := range t.active {
		active = append(active, *tp)
		transferred += int64(float64(tp.Size) * tp.Fraction)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Site != active[j].Site {
			return active[i].Site < active[j].Site
		}
		return active[i].Path < active[j].Path
	})

	var pct float64
	if t.total > 0 {
		pct = float64(t.completed+t.failed+t.resumable) / float64(t.total) * 100
	} else if t.phase == PhaseComplete {
		pct = 100
	}

	recent := make([]TransferEvent, len(t.recentEvents))
	copy(recent, t.recentEvents)

	return Progress{
		CycleID:          t.cycleID,
		Phase:            t.phase,
		Project:          t.project,
		TotalTransfers:   t.total,
		Completed:        t.completed,
		Failed:           t.failed,
		Resumable:        t.resumable,
		TotalBytes:       t.totalSize,
		BytesTransferred: transferred,
		Percent:          pct,
		Active:           active,
		RecentEvents:     recent,
		StartTime:        t.startTime,
		Elapsed:          time.Since(t.startTime).Truncate(time.Second).String(),
	}
}
