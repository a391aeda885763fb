package status

import "time"

// Aggregate derives a record status from its file states.
//
// Precedence: all NOT_AVAILABLE, all OK, any FAILED, any IN_PROGRESS,
// any PAUSED, otherwise QUEUED. An empty file list is NOT_AVAILABLE.
func Aggregate(files []FileState) Status {
	allNA, allOK := true, true
	var anyFailed, anyInProgress, anyPaused bool

	for _, f := range files {
		if f.Status != NotAvailable {
			allNA = false
		}
		if f.Status != OK {
			allOK = false
		}
		switch f.Status {
		case Failed:
			anyFailed = true
		case InProgress:
			anyInProgress = true
		case Paused:
			anyPaused = true
		}
	}

	switch {
	case allNA:
		return NotAvailable
	case allOK:
		return OK
	case anyFailed:
		return Failed
	case anyInProgress:
		return InProgress
	case anyPaused:
		return Paused
	default:
		return Queued
	}
}

// ApplySuccess marks a file as fully transferred.
func ApplySuccess(f FileState, now time.Time) FileState {
	f.Status = OK
	f.Progress = 1
	f.Message = ""
	f.Retries = 0
	f.Timestamp = now.Unix()
	return f
}

// ApplyProgress records partial progress of an active transfer.
func ApplyProgress(f FileState, progress float64, now time.Time) FileState {
	switch {
	case progress < 0:
		progress = 0
	case progress > 1:
		progress = 1
	}
	f.Status = InProgress
	f.Progress = progress
	f.Timestamp = now.Unix()
	return f
}

// ApplyFailure counts a failed attempt. Once retries reach maxRetries the
// file becomes FAILED. A FAILED file is returned unchanged; only an explicit
// reset brings it back.
func ApplyFailure(f FileState, message string, maxRetries int, now time.Time) FileState {
	if f.Status == Failed {
		return f
	}
	f.Retries++
	f.Message = message
	f.Timestamp = now.Unix()
	if f.Retries >= maxRetries {
		f.Status = Failed
		f.Progress = 0
	}
	return f
}

// ApplyPause sets or clears the pause marker.
func ApplyPause(f FileState, paused bool) FileState {
	f.Paused = paused
	return f
}

// Reset puts a file back into the queue with a clean retry budget.
func Reset(f FileState, now time.Time) FileState {
	f.Status = Queued
	f.Progress = 0
	f.Message = ""
	f.Retries = 0
	f.Timestamp = now.Unix()
	return f
}
