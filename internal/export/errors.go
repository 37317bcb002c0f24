package export

import (
	"fmt"
	"time"
)

// AmbiguousSignalError is attached to signals that could not be classified,
// it is logged and the watcher continues.
type AmbiguousSignalError struct {
	Source  Source
	Payload string
	Err     error
}

func (e *AmbiguousSignalError) Error() string {
	return fmt.Sprintf("ambiguous %s signal: %s", e.Source, e.Err)
}

func (e *AmbiguousSignalError) Unwrap() error {
	return e.Err
}

// VisibilityError means the task panel could not be opened, the DOM channel is
// disabled for the job.
type VisibilityError struct {
	Key     string
	Elapsed time.Duration
	Err     error
}

func (e *VisibilityError) Error() string {
	return fmt.Sprintf("export %q: task panel not visible after %s: %s", e.Key, e.Elapsed, e.Err)
}

func (e *VisibilityError) Unwrap() error {
	return e.Err
}

// TerminalFailureError means the job failed on the backend or every signal
// channel went away.
type TerminalFailureError struct {
	Key     string
	Elapsed time.Duration
	Source  Source
	Reason  string
	Err     error
}

func (e *TerminalFailureError) Error() string {
	msg := fmt.Sprintf("export %q failed after %s (%s): %s", e.Key, e.Elapsed, e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TerminalFailureError) Unwrap() error {
	return e.Err
}

// TimeoutError means the deadline passed without a terminal signal.
type TimeoutError struct {
	Key      string
	Elapsed  time.Duration
	Deadline time.Duration
	// LastState is PENDING or INTERIM.
	LastState State
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"export %q timed out after %s (deadline %s, last state %s)",
		e.Key, e.Elapsed, e.Deadline, e.LastState,
	)
}

// DownloadError means the artifact could not be fetched or saved after the
// bounded retries.
type DownloadError struct {
	Key      string
	Elapsed  time.Duration
	Ref      string
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf(
		"export %q: download of %s failed after %d attempt(s) (%s): %s",
		e.Key, e.Ref, e.Attempts, e.Elapsed, e.Err,
	)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// CanceledError means the caller's context ended before an outcome.
type CanceledError struct {
	Key     string
	Elapsed time.Duration
	Err     error
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("export %q canceled after %s: %s", e.Key, e.Elapsed, e.Err)
}

func (e *CanceledError) Unwrap() error {
	return e.Err
}
