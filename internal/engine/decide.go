package engine

import "github.com/BadgerOps/sitesync/internal/status"

// Action is what the engine does for one file of a (local, remote) pair.
type Action int

const (
	Nothing Action = iota
	Upload
	Download
)

func (a Action) String() string {
	switch a {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "nothing"
	}
}

// IsMine reports whether this process owns transfers between localSite and
// remoteSite. Only the process running as one of the two sites moves bytes.
func IsMine(localSiteID, localSite, remoteSite string) bool {
	return localSiteID != "" && (localSiteID == localSite || localSiteID == remoteSite)
}

// Decide maps the state of one file on both sites to an action.
//
// A FAILED or paused file on the receiving side is never retried; a
// receiving side that used up retryLimit is left alone. Upload wins when
// both directions qualify.
func Decide(local, remote status.FileState, mine bool, retryLimit int) Action {
	if !mine {
		return Nothing
	}
	if isHeld(local) || isHeld(remote) {
		return Nothing
	}
	if local.Status == status.OK && receivable(remote, retryLimit) {
		return Upload
	}
	if remote.Status == status.OK && receivable(local, retryLimit) {
		return Download
	}
	return Nothing
}

func isHeld(f status.FileState) bool {
	return f.Paused || f.Status == status.Paused
}

func receivable(f status.FileState, retryLimit int) bool {
	return f.Status != status.OK && f.Status != status.Failed && f.Retries < retryLimit
}

// pendingStatuses are aggregate statuses of a side that still needs files.
var pendingStatuses = []status.Status{
	status.NotAvailable,
	status.Queued,
	status.InProgress,
	status.Failed,
}
