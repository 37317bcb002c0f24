package export

import (
	"sync/atomic"
	"time"
)

// Source identifies the channel a Signal was observed on.
type Source int

const (
	SourceNetwork Source = iota
	SourceDOM
)

func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "NETWORK"
	case SourceDOM:
		return "DOM"
	}
	return "UNKNOWN"
}

// Class is the classification a watcher assigns to a Signal.
type Class int

const (
	// ClassAmbiguous means completion cannot be determined yet.
	ClassAmbiguous Class = iota
	// ClassInterim means the job reports done but there is no retrievable artifact yet.
	ClassInterim
	// ClassTerminal means the job is done and the signal carries a usable reference.
	ClassTerminal
	// ClassFailure means the backend reported an explicit job failure.
	ClassFailure
)

func (c Class) String() string {
	switch c {
	case ClassAmbiguous:
		return "AMBIGUOUS"
	case ClassInterim:
		return "INTERIM_COMPLETE"
	case ClassTerminal:
		return "TERMINAL_COMPLETE"
	case ClassFailure:
		return "TERMINAL_FAILURE"
	}
	return "UNKNOWN"
}

// State is the status of an ExportJob, it is only ever written by the Coordinator.
type State int32

const (
	StatePending State = iota
	StateInterim
	StateTerminalSuccess
	StateTerminalFailure
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateInterim:
		return "INTERIM"
	case StateTerminalSuccess:
		return "TERMINAL_SUCCESS"
	case StateTerminalFailure:
		return "TERMINAL_FAILURE"
	case StateTimedOut:
		return "TIMED_OUT"
	}
	return "UNKNOWN"
}

func (s State) Terminal() bool {
	return s == StateTerminalSuccess || s == StateTerminalFailure || s == StateTimedOut
}

// JobSpec is the caller supplied description of an in-flight export. Watchers
// only ever receive a copy of it.
type JobSpec struct {
	// CorrelationKey binds signals to this job, it is carried by every error.
	CorrelationKey string
	// RowMatch selects the task row containing this text, empty picks the first row.
	RowMatch string
	// BaseName is the semantic file name, without extension.
	BaseName string
	// Label is used to derive a file name when BaseName is empty.
	Label string
	// Timeout overrides the configured detection deadline when positive.
	Timeout time.Duration
}

// ExportJob is one in-flight export request, it lives for exactly one detector call.
type ExportJob struct {
	Spec      JobSpec
	CreatedAt time.Time
	Deadline  time.Time

	status atomic.Int32
}

func NewExportJob(spec JobSpec, now time.Time, defaultTimeout time.Duration) *ExportJob {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ExportJob{
		Spec:      spec,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}
}

func (j *ExportJob) Status() State {
	return State(j.status.Load())
}

func (j *ExportJob) setStatus(s State) {
	j.status.Store(int32(s))
}

type ReferenceKind int

const (
	// ReferenceLocation is a URL the artifact can be fetched from.
	ReferenceLocation ReferenceKind = iota
	// ReferenceTransfer is a browser initiated download.
	ReferenceTransfer
)

// ArtifactReference points at the export result.
type ArtifactReference struct {
	Kind     ReferenceKind
	URL      string
	Transfer Transfer
}

func (r ArtifactReference) String() string {
	if r.Kind == ReferenceTransfer {
		return "transfer"
	}
	return r.URL
}

// Signal is one immutable observation from a watcher.
type Signal struct {
	Source     Source
	Payload    string
	ObservedAt time.Time
	Class      Class
	Reference  *ArtifactReference
	// Err records why a signal is ambiguous, it never aborts detection by itself.
	Err error

	// stopped is set by the Coordinator when a watcher's Watch returned.
	stopped bool
	// disabled marks a stopped DOM channel whose panel could not be made visible.
	disabled bool
}

// MaterializedFile is the on-disk outcome of a successful job.
type MaterializedFile struct {
	Path      string
	Size      int64
	CreatedAt time.Time
	Source    Source
}
