package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type funcWatcher struct {
	source Source
	watch  func(ctx context.Context, spec JobSpec, emit Emit) error
	calls  atomic.Int32
}

func (w *funcWatcher) Source() Source {
	return w.source
}

func (w *funcWatcher) Watch(ctx context.Context, spec JobSpec, emit Emit) error {
	w.calls.Add(1)
	return w.watch(ctx, spec, emit)
}

type scriptStep struct {
	after time.Duration
	url   string
	body  string
}

// scriptedSubscriber replays status responses at fixed offsets from the
// moment Subscribe is called. After the script the stream stays silent,
// unless closeAtEnd is set.
type scriptedSubscriber struct {
	steps      []scriptStep
	closeAtEnd bool
	err        error
	closed     atomic.Bool
}

func (s *scriptedSubscriber) Subscribe(ctx context.Context, spec JobSpec) (ResponseStream, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &scriptedStream{sub: s, start: time.Now()}, nil
}

type scriptedStream struct {
	sub   *scriptedSubscriber
	start time.Time
	next  int
}

func (s *scriptedStream) Next(ctx context.Context) (StatusResponse, error) {
	if s.next >= len(s.sub.steps) {
		if s.sub.closeAtEnd {
			return StatusResponse{}, ErrStreamClosed
		}
		<-ctx.Done()
		return StatusResponse{}, ctx.Err()
	}
	step := s.sub.steps[s.next]
	wait := time.NewTimer(time.Until(s.start.Add(step.after)))
	defer wait.Stop()
	select {
	case <-ctx.Done():
		return StatusResponse{}, ctx.Err()
	case <-wait.C:
	}
	s.next++
	return StatusResponse{Url: step.url, Body: []byte(step.body), ReceivedAt: time.Now()}, nil
}

func (s *scriptedStream) Close() error {
	s.sub.closed.Store(true)
	return nil
}

type rowStep struct {
	after time.Duration
	html  string
}

// timedRows serves a row whose html changes over time, relative to the
// first Resolve call.
type timedRows struct {
	steps    []rowStep
	transfer Transfer

	mutex    sync.Mutex
	start    time.Time
	resolves int
	// staleReads makes the first n HTML calls fail.
	staleReads int
}

func (r *timedRows) Resolve(ctx context.Context, spec JobSpec) (RowHandle, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.start.IsZero() {
		r.start = time.Now()
	}
	r.resolves++
	return timedRow{rows: r}, nil
}

type timedRow struct {
	rows *timedRows
}

func (h timedRow) HTML(ctx context.Context) (string, error) {
	r := h.rows
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.staleReads > 0 {
		r.staleReads--
		return "", errors.New("element detached from document")
	}
	elapsed := time.Since(r.start)
	html := ""
	for _, step := range r.steps {
		if step.after <= elapsed {
			html = step.html
		}
	}
	return html, nil
}

func (h timedRow) Download() Transfer {
	return h.rows.transfer
}

type fakePanel struct {
	visible  bool
	openErr  error
	stuck    bool
	openings int
}

func (p *fakePanel) Visible(ctx context.Context) (bool, error) {
	return p.visible, nil
}

func (p *fakePanel) Open(ctx context.Context) error {
	p.openings++
	if p.openErr != nil {
		return p.openErr
	}
	if !p.stuck {
		p.visible = true
	}
	return nil
}

// fileTransfer writes content into a temporary file like a browser
// download would.
type fileTransfer struct {
	dir       string
	suggested string
	content   string
	err       error
	path      string
}

func (f *fileTransfer) Await(ctx context.Context) (Download, error) {
	if f.err != nil {
		return Download{}, f.err
	}
	f.path = filepath.Join(f.dir, "3f0a6c1e-download")
	err := os.WriteFile(f.path, []byte(f.content), 0644)
	if err != nil {
		return Download{}, err
	}
	return Download{SuggestedName: f.suggested, Path: f.path}, nil
}

// funcVisibility adapts a function to the Visibility interface.
type funcVisibility func(ctx context.Context, spec JobSpec) error

func (f funcVisibility) EnsureVisible(ctx context.Context, spec JobSpec) error {
	return f(ctx, spec)
}

// slowVisibility takes delay to make the panel visible, a negative delay
// never finishes before ctx ends.
func slowVisibility(delay time.Duration) funcVisibility {
	return func(ctx context.Context, spec JobSpec) error {
		if delay < 0 {
			<-ctx.Done()
			return ctx.Err()
		}
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// delayedTransfer is a browser download that only starts after delay.
type delayedTransfer struct {
	fileTransfer
	delay time.Duration
}

func (d *delayedTransfer) Await(ctx context.Context) (Download, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return Download{}, ctx.Err()
	}
	return d.fileTransfer.Await(ctx)
}
