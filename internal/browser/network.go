package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"sync"
	"time"

	"erpexport/internal/export"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const report_status_stream_body = "status_stream.body"

// responseBuffer bounds the responses waiting for the network watcher.
const responseBuffer = 32

// StatusSubscriber intercepts responses of the task status endpoint on the
// ERP tab, it is an export.ResponseSubscriber.
type StatusSubscriber struct {
	session *Session
	pattern *regexp.Regexp
}

// NewStatusSubscriber matches response urls against pattern, a go regexp.
func (s *Session) NewStatusSubscriber(pattern string) (StatusSubscriber, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return StatusSubscriber{}, fmt.Errorf("compile status endpoint pattern: %w", err)
	}
	return StatusSubscriber{session: s, pattern: re}, nil
}

func (s StatusSubscriber) Subscribe(ctx context.Context, spec export.JobSpec) (export.ResponseStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	page := s.session.page.Context(ctx)

	err := proto.NetworkEnable{}.Call(page)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("enable network domain: %w", err)
	}

	stream := &statusStream{
		responses: make(chan export.StatusResponse, responseBuffer),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	// request ids of matching responses whose body is still loading
	pending := map[proto.NetworkRequestID]string{}

	wait := page.EachEvent(
		func(e *proto.NetworkResponseReceived) {
			if e.Response != nil && s.pattern.MatchString(e.Response.URL) {
				pending[e.RequestID] = e.Response.URL
			}
		},
		func(e *proto.NetworkLoadingFinished) {
			url, ok := pending[e.RequestID]
			if !ok {
				return
			}
			delete(pending, e.RequestID)

			body, err := responseBody(page, e.RequestID)
			if err != nil {
				s.session.tel.ReportWarning(report_status_stream_body, err, url)
				return
			}
			select {
			case stream.responses <- export.StatusResponse{Url: url, Body: body, ReceivedAt: time.Now()}:
			case <-ctx.Done():
			}
		},
		func(e *proto.NetworkLoadingFailed) {
			delete(pending, e.RequestID)
		},
	)
	go func() {
		defer close(stream.done)
		wait()
	}()
	return stream, nil
}

func responseBody(page *rod.Page, id proto.NetworkRequestID) ([]byte, error) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(page)
	if err != nil {
		return nil, err
	}
	if res.Base64Encoded {
		return base64.StdEncoding.DecodeString(res.Body)
	}
	return []byte(res.Body), nil
}

type statusStream struct {
	responses chan export.StatusResponse
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *statusStream) Next(ctx context.Context) (export.StatusResponse, error) {
	select {
	case res := <-s.responses:
		return res, nil
	case <-ctx.Done():
		return export.StatusResponse{}, ctx.Err()
	case <-s.done:
		// the page was closed or navigated away from
		return export.StatusResponse{}, export.ErrStreamClosed
	}
}

// Close stops the event subscription and waits for it to end.
func (s *statusStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
