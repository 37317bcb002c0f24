package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"erpexport/internal/components/assert"
	"erpexport/internal/components/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("erpexport/export")

const (
	report_coordinator_signal   = "coordinator.signal"
	report_coordinator_watcher  = "coordinator.watcher"
	report_coordinator_dropped  = "coordinator.dropped"
	report_coordinator_disabled = "coordinator.dom-disabled"
)

// inboxSize bounds how many signals may wait for the Coordinator before
// watchers block in emit.
const inboxSize = 64

// Emit hands a signal to the Coordinator. It returns false once the job is
// over, the signal is then dropped and the watcher should return.
type Emit func(Signal) bool

// Watcher observes one channel for job completion. Watch must return
// promptly once ctx is done.
type Watcher interface {
	Source() Source
	Watch(ctx context.Context, spec JobSpec, emit Emit) error
}

// Outcome describes how a job ended.
type Outcome struct {
	State     State
	Winner    Source
	Reference ArtifactReference
	// InterimAt is the time since start of the first INTERIM_COMPLETE signal, zero if none.
	InterimAt time.Duration
	Processed int
	Elapsed   time.Duration
	// Visibility is set when the DOM channel was disabled for the job.
	Visibility error
}

type CoordinatorOptions struct {
	Network    Watcher
	DOM        Watcher
	Visibility Visibility
}

// Coordinator races the watchers of one job and owns its status.
type Coordinator struct {
	network    Watcher
	dom        Watcher
	visibility Visibility
	tel        telemetry.API
}

func NewCoordinator(opts CoordinatorOptions, tel telemetry.API) Coordinator {
	assert.NotNil(tel)
	return Coordinator{
		network:    opts.Network,
		dom:        opts.DOM,
		visibility: opts.Visibility,
		tel:        telemetry.NewScopedAPI("export", tel),
	}
}

// Run blocks until the job reaches a terminal state, the deadline passes or
// ctx ends. All watcher goroutines have returned by the time Run does.
func (c Coordinator) Run(ctx context.Context, job *ExportJob) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "coordinator:Run")
	defer span.End()
	span.SetAttributes(attribute.String("export.correlation_key", job.Spec.CorrelationKey))

	start := job.CreatedAt
	key := job.Spec.CorrelationKey

	var wg sync.WaitGroup
	defer wg.Wait()
	scope, cancel := context.WithCancel(ctx)
	defer cancel()

	wd := newWatchdog(job.Deadline)
	defer wd.Stop()

	inbox := make(chan Signal, inboxSize)
	emit := func(sig Signal) bool {
		if scope.Err() != nil {
			return false
		}
		select {
		case inbox <- sig:
			return true
		case <-scope.Done():
			return false
		}
	}

	t := newTracker(job, start)
	watch := func(w Watcher) {
		err := w.Watch(scope, job.Spec, emit)
		if scope.Err() != nil {
			return
		}
		emit(Signal{Source: w.Source(), ObservedAt: time.Now(), Err: err, stopped: true})
	}

	// the network channel is subscribed first so no status response is missed
	// while the panel is being opened
	if c.network != nil {
		t.active[SourceNetwork] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			watch(c.network)
		}()
	}
	// opening the panel can take many seconds, the loop keeps arbitrating
	// network signals meanwhile
	if c.dom != nil {
		t.active[SourceDOM] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.ensureVisible(scope, job)
			if err != nil {
				emit(Signal{Source: SourceDOM, ObservedAt: time.Now(), Err: err, stopped: true, disabled: true})
				return
			}
			watch(c.dom)
		}()
	}
	if len(t.active) == 0 {
		t.fail(SourceNetwork, "no signal channel available", nil)
	}

loop:
	for !t.job.Status().Terminal() {
		select {
		case sig := <-inbox:
			batch := drain(inbox, job.Deadline, sig)
			for _, s := range batch {
				c.report(s)
			}
			t.observe(batch)
			if !time.Now().Before(job.Deadline) {
				t.timeout()
			}
		case <-wd.C():
			// signals observed before the deadline that are still queued win
			// over the timeout
			batch := drain(inbox, job.Deadline)
			for _, s := range batch {
				c.report(s)
			}
			t.observe(batch)
			t.timeout()
		case <-ctx.Done():
			break loop
		}
	}

	cancel()
	wd.Stop()
	if dropped := len(inbox); dropped > 0 {
		c.tel.ReportDebug(report_coordinator_dropped, dropped, key)
	}

	var outcome Outcome
	outcome.State = job.Status()
	outcome.Visibility = t.visibility
	outcome.InterimAt = t.interimAt
	outcome.Processed = t.processed
	outcome.Elapsed = time.Since(start)
	span.SetAttributes(attribute.String("export.state", outcome.State.String()))

	switch outcome.State {
	case StateTerminalSuccess:
		outcome.Winner = t.winner.Source
		outcome.Reference = *t.winner.Reference
		span.SetStatus(codes.Ok, "terminal signal")
		return outcome, nil
	case StateTerminalFailure:
		err := &TerminalFailureError{
			Key:     key,
			Elapsed: outcome.Elapsed,
			Source:  t.failSource,
			Reason:  t.failReason,
			Err:     t.failErr,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "terminal failure")
		return outcome, err
	case StateTimedOut:
		err := &TimeoutError{
			Key:       key,
			Elapsed:   outcome.Elapsed,
			Deadline:  job.Deadline.Sub(job.CreatedAt),
			LastState: t.lastOpen,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "timed out")
		return outcome, err
	}

	// the caller's context ended first
	var err error = &CanceledError{Key: key, Elapsed: outcome.Elapsed, Err: ctx.Err()}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		job.setStatus(StateTimedOut)
		outcome.State = StateTimedOut
		err = &TimeoutError{
			Key:       key,
			Elapsed:   outcome.Elapsed,
			Deadline:  job.Deadline.Sub(job.CreatedAt),
			LastState: t.lastOpen,
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "context done")
	return outcome, err
}

func (c Coordinator) ensureVisible(ctx context.Context, job *ExportJob) error {
	if c.visibility == nil {
		return nil
	}
	ctx, cancel := context.WithDeadline(ctx, job.Deadline)
	defer cancel()
	return c.visibility.EnsureVisible(ctx, job.Spec)
}

// drain collects seed and the signals already queued on inbox without
// blocking. Signals observed after the deadline are discarded.
func drain(inbox <-chan Signal, deadline time.Time, seed ...Signal) []Signal {
	var batch []Signal
	keep := func(sig Signal) {
		if !sig.ObservedAt.After(deadline) {
			batch = append(batch, sig)
		}
	}
	for _, sig := range seed {
		keep(sig)
	}
	for {
		select {
		case sig := <-inbox:
			keep(sig)
		default:
			return batch
		}
	}
}

func (c Coordinator) report(sig Signal) {
	if sig.disabled {
		c.tel.ReportWarning(report_coordinator_disabled, sig.Err)
		return
	}
	if sig.stopped {
		if sig.Err != nil {
			c.tel.ReportBroken(report_coordinator_watcher, sig.Source.String(), sig.Err)
		} else {
			c.tel.ReportWarning(report_coordinator_watcher, sig.Source.String(), "stopped")
		}
		return
	}
	if sig.Err != nil {
		c.tel.ReportWarning(report_coordinator_signal, sig.Source.String(), sig.Err)
		return
	}
	c.tel.ReportDebug(report_coordinator_signal, sig.Source.String(), sig.Class.String())
}

// tracker is the job state machine, it is only touched by the goroutine
// running Coordinator.Run.
type tracker struct {
	job       *ExportJob
	start     time.Time
	active    map[Source]bool
	processed int

	interimAt time.Duration
	// lastOpen is the last non terminal state, reported on timeout.
	lastOpen State

	// visibility is the error that disabled the DOM channel, if any.
	visibility error

	winner     *Signal
	failSource Source
	failReason string
	failErr    error
	stopErrs   []error
}

func newTracker(job *ExportJob, start time.Time) *tracker {
	job.setStatus(StatePending)
	return &tracker{
		job:      job,
		start:    start,
		active:   map[Source]bool{},
		lastOpen: StatePending,
	}
}

// observe handles the signals that were queued at the same time. They are
// processed in arrival order, except that a network TERMINAL_COMPLETE in the
// batch wins over any DOM terminal in the same batch.
func (t *tracker) observe(batch []Signal) {
	preferred := -1
	for i, sig := range batch {
		if sig.Source == SourceNetwork && !sig.stopped && sig.Class == ClassTerminal && sig.Reference != nil {
			preferred = i
			break
		}
	}

	for i, sig := range batch {
		if t.job.Status().Terminal() {
			return
		}
		t.processed++

		if preferred >= 0 && i < preferred && sig.Source == SourceDOM {
			if sig.Class == ClassTerminal || sig.Class == ClassFailure {
				continue
			}
		}
		t.apply(sig)
	}
}

func (t *tracker) apply(sig Signal) {
	if sig.stopped {
		delete(t.active, sig.Source)
		if sig.disabled {
			t.visibility = sig.Err
		}
		if sig.Err != nil {
			t.stopErrs = append(t.stopErrs, fmt.Errorf("%s watcher: %w", sig.Source, sig.Err))
		}
		if len(t.active) == 0 {
			t.fail(sig.Source, "every signal channel stopped", errors.Join(t.stopErrs...))
		}
		return
	}

	switch sig.Class {
	case ClassInterim:
		if t.job.Status() == StatePending {
			t.interimAt = sig.ObservedAt.Sub(t.start)
			if t.interimAt < 0 {
				t.interimAt = 0
			}
			t.job.setStatus(StateInterim)
			t.lastOpen = StateInterim
		}
	case ClassTerminal:
		if sig.Reference == nil {
			return
		}
		winner := sig
		t.winner = &winner
		t.job.setStatus(StateTerminalSuccess)
	case ClassFailure:
		reason := "task reported failure"
		if sig.Source == SourceDOM {
			reason = "task row shows failed state"
		}
		t.fail(sig.Source, reason, nil)
	}
}

func (t *tracker) fail(source Source, reason string, err error) {
	t.failSource = source
	t.failReason = reason
	t.failErr = err
	t.job.setStatus(StateTerminalFailure)
}

func (t *tracker) timeout() {
	if t.job.Status().Terminal() {
		return
	}
	t.job.setStatus(StateTimedOut)
}
