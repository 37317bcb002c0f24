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
	report_net_watcher_subscribe = "net_watcher.subscribe"
	report_net_watcher_classify  = "net_watcher.classify"
)

// StatusResponse is one intercepted response of the task status endpoint.
type StatusResponse struct {
	Url        string
	Body       []byte
	ReceivedAt time.Time
}

// ResponseStream yields intercepted status responses in arrival order.
type ResponseStream interface {
	// Next blocks until the next response arrives or ctx ends.
	Next(ctx context.Context) (StatusResponse, error)
	// Close unsubscribes from the underlying event channel.
	Close() error
}

// ResponseSubscriber opens a ResponseStream for a job.
type ResponseSubscriber interface {
	Subscribe(ctx context.Context, spec JobSpec) (ResponseStream, error)
}

// ErrStreamClosed is returned by a ResponseStream that will yield nothing more.
var ErrStreamClosed = errors.New("response stream closed")

// NetworkWatcher classifies the bodies of the task status endpoint.
type NetworkWatcher struct {
	subscriber ResponseSubscriber
	tel        telemetry.API
}

func NewNetworkWatcher(subscriber ResponseSubscriber, tel telemetry.API) NetworkWatcher {
	assert.NotNil(subscriber)
	assert.NotNil(tel)
	return NetworkWatcher{
		subscriber: subscriber,
		tel:        telemetry.NewScopedAPI("export", tel),
	}
}

func (w NetworkWatcher) Source() Source {
	return SourceNetwork
}

// Watch returns nil once ctx ends, any other return is a watcher level failure.
func (w NetworkWatcher) Watch(ctx context.Context, spec JobSpec, emit Emit) error {
	stream, err := w.subscriber.Subscribe(ctx, spec)
	if err != nil {
		w.tel.ReportBroken(report_net_watcher_subscribe, err, spec.CorrelationKey)
		return fmt.Errorf("subscribe to status responses: %w", err)
	}
	defer stream.Close()

	for {
		res, err := stream.Next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("next status response: %w", err)
		}

		sig := w.classify(res)
		if !emit(sig) {
			return nil
		}
	}
}

func (w NetworkWatcher) classify(res StatusResponse) Signal {
	class, ref, err := ClassifyStatusBody(res.Body, res.Url)
	sig := Signal{
		Source:     SourceNetwork,
		Payload:    string(res.Body),
		ObservedAt: res.ReceivedAt,
		Class:      class,
		Reference:  ref,
	}
	if sig.ObservedAt.IsZero() {
		sig.ObservedAt = time.Now()
	}
	if err != nil {
		sig.Err = &AmbiguousSignalError{Source: SourceNetwork, Payload: sig.Payload, Err: err}
		w.tel.ReportWarning(report_net_watcher_classify, err, res.Url)
	}
	return sig
}
