package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"erpexport/internal/components/assert"
	"erpexport/internal/components/telemetry"
)

const (
	report_dom_watcher_resolve = "dom_watcher.resolve"
	report_dom_watcher_poll    = "dom_watcher.poll"
	report_dom_watcher_stale   = "dom_watcher.stale"
)

// ErrRowStale marks a row that could not be read even after re-resolving it.
var ErrRowStale = errors.New("task row went stale")

// RowHandle is a live reference to the task row of a job. It is read only,
// except for Download which clicks the row's download control.
type RowHandle interface {
	// HTML returns the current outer html of the row, it fails when the
	// element went stale.
	HTML(ctx context.Context) (string, error)
	// Download returns a transfer that clicks the download control of the row.
	Download() Transfer
}

// RowResolver finds the task row of a job inside the (already visible) panel.
type RowResolver interface {
	Resolve(ctx context.Context, spec JobSpec) (RowHandle, error)
}

type DOMWatcherOptions struct {
	Interval  time.Duration
	Selectors RowSelectors
	// Tokens defaults to DefaultStateTokens.
	Tokens map[string]RowState
}

// DOMWatcher polls the visual state of the job's task row.
type DOMWatcher struct {
	rows RowResolver
	opts DOMWatcherOptions
	tel  telemetry.API
}

func NewDOMWatcher(rows RowResolver, opts DOMWatcherOptions, tel telemetry.API) DOMWatcher {
	assert.NotNil(rows)
	assert.NotNil(tel)
	assert.Positive(opts.Interval)
	if opts.Tokens == nil {
		opts.Tokens = DefaultStateTokens
	}
	if opts.Selectors == (RowSelectors{}) {
		opts.Selectors = DefaultRowSelectors
	}
	return DOMWatcher{
		rows: rows,
		opts: opts,
		tel:  telemetry.NewScopedAPI("export", tel),
	}
}

func (w DOMWatcher) Source() Source {
	return SourceDOM
}

// Watch polls until ctx ends or emit refuses a signal. Row resolution
// problems are reported as ambiguous signals, they never stop the watcher.
func (w DOMWatcher) Watch(ctx context.Context, spec JobSpec, emit Emit) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	p := &rowPoller{watcher: w, spec: spec}
	for {
		sig := p.poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !emit(sig) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type rowPoller struct {
	watcher DOMWatcher
	spec    JobSpec
	row     RowHandle
	// stale counts reads that failed even after re-resolving
	stale int64
}

func (p *rowPoller) resolve(ctx context.Context) error {
	row, err := p.watcher.rows.Resolve(ctx, p.spec)
	if err != nil {
		p.row = nil
		return err
	}
	p.row = row
	return nil
}

// read returns the row html, re-resolving the row once when the handle went
// stale.
func (p *rowPoller) read(ctx context.Context) (string, error) {
	if p.row == nil {
		err := p.resolve(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve row: %w", err)
		}
	}
	html, err := p.row.HTML(ctx)
	if err == nil {
		return html, nil
	}

	staleErr := err
	err = p.resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v, re-resolve: %w", ErrRowStale, staleErr, err)
	}
	html, err = p.row.HTML(ctx)
	if err != nil {
		p.row = nil
		return "", fmt.Errorf("%w: %w", ErrRowStale, err)
	}
	return html, nil
}

func (p *rowPoller) poll(ctx context.Context) Signal {
	sig := Signal{Source: SourceDOM, Class: ClassAmbiguous}

	html, err := p.read(ctx)
	sig.ObservedAt = time.Now()
	if err != nil {
		if ctx.Err() == nil {
			p.watcher.tel.ReportWarning(report_dom_watcher_resolve, err, p.spec.CorrelationKey)
		}
		if errors.Is(err, ErrRowStale) {
			p.stale++
			p.watcher.tel.ReportCount(report_dom_watcher_stale, p.stale)
		}
		sig.Err = &AmbiguousSignalError{Source: SourceDOM, Err: err}
		return sig
	}
	sig.Payload = html

	obs, err := ParseRow(html, p.watcher.opts.Selectors, p.watcher.opts.Tokens)
	if err != nil {
		p.watcher.tel.ReportWarning(report_dom_watcher_poll, err, p.spec.CorrelationKey)
		sig.Err = &AmbiguousSignalError{Source: SourceDOM, Payload: html, Err: err}
		return sig
	}

	sig.Class = ClassifyRow(obs)
	if sig.Class == ClassTerminal {
		sig.Reference = &ArtifactReference{
			Kind:     ReferenceTransfer,
			Transfer: p.row.Download(),
		}
	}
	p.watcher.tel.ReportDebug("dom row polled", obs.State.String(), obs.Token, obs.HasAffordance)
	return sig
}
