package export

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"erpexport/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

type memoryRecorder struct {
	mutex sync.Mutex
	runs  []RunRecord
}

func (r *memoryRecorder) Record(ctx context.Context, run RunRecord) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func TestDetectorRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("report"))
	}))
	defer srv.Close()

	tel := telemetry.NewRecorder()
	sub := &scriptedSubscriber{steps: []scriptStep{
		{after: 0, body: `{"status":0}`},
		{after: 50 * time.Millisecond, body: `{"status":1,"data":{"url":"` + srv.URL + `/files/r.xlsx"}}`},
	}}
	recorder := &memoryRecorder{}
	dir := t.TempDir()
	detector := NewDetector(DetectorOptions{
		Coordinator:    NewCoordinator(CoordinatorOptions{Network: NewNetworkWatcher(sub, tel)}, tel),
		Materializer:   newTestMaterializer(t, dir, MaterializerOptions{}),
		Recorder:       recorder,
		DefaultTimeout: 5 * time.Second,
	}, tel)

	file, err := detector.Run(context.Background(), JobSpec{CorrelationKey: "task/status", BaseName: "monthly"})
	require.NoError(t, err)
	content, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	require.Equal(t, "report", string(content))

	require.Len(t, recorder.runs, 1)
	run := recorder.runs[0]
	require.NotEmpty(t, run.Id)
	require.Equal(t, "task/status", run.CorrelationKey)
	require.Equal(t, "task_center", run.Mode)
	require.Equal(t, StateTerminalSuccess, run.State)
	require.Equal(t, SourceNetwork, run.Winner)
	require.Equal(t, file.Path, run.Path)
	require.Equal(t, int64(6), run.Size)
	require.Empty(t, run.Error)
}

func TestDetectorTimeout(t *testing.T) {
	tel := telemetry.NewRecorder()
	recorder := &memoryRecorder{}
	detector := NewDetector(DetectorOptions{
		Coordinator:    NewCoordinator(CoordinatorOptions{Network: NewNetworkWatcher(&scriptedSubscriber{}, tel)}, tel),
		Materializer:   newTestMaterializer(t, t.TempDir(), MaterializerOptions{}),
		Recorder:       recorder,
		DefaultTimeout: 5 * time.Second,
	}, tel)

	_, err := detector.Run(context.Background(), JobSpec{CorrelationKey: "k", Timeout: 200 * time.Millisecond})
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "k", timeoutErr.Key)
	require.GreaterOrEqual(t, timeoutErr.Elapsed, 200*time.Millisecond)

	require.Len(t, recorder.runs, 1)
	require.Equal(t, StateTimedOut, recorder.runs[0].State)
	require.False(t, recorder.runs[0].Detected)
	require.NotEmpty(t, recorder.runs[0].Error)
	require.True(t, tel.Has("warning", report_detector_run))
}

func TestDetectorDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tel := telemetry.NewRecorder()
	sub := &scriptedSubscriber{steps: []scriptStep{
		{body: `{"status":1,"data":{"url":"` + srv.URL + `/r.xlsx"}}`},
	}}
	recorder := &memoryRecorder{}
	detector := NewDetector(DetectorOptions{
		Coordinator:    NewCoordinator(CoordinatorOptions{Network: NewNetworkWatcher(sub, tel)}, tel),
		Materializer:   newTestMaterializer(t, t.TempDir(), MaterializerOptions{Attempts: 2}),
		Recorder:       recorder,
		DefaultTimeout: 5 * time.Second,
	}, tel)

	_, err := detector.Run(context.Background(), JobSpec{CorrelationKey: "k"})
	var derr *DownloadError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, 2, derr.Attempts)
	require.Equal(t, StateTerminalFailure, recorder.runs[0].State)
	require.True(t, recorder.runs[0].Detected)
	require.Equal(t, SourceNetwork, recorder.runs[0].Winner)
}

func TestDetectorAwaitDirect(t *testing.T) {
	tel := telemetry.NewRecorder()
	recorder := &memoryRecorder{}
	detector := NewDetector(DetectorOptions{
		Materializer:   newTestMaterializer(t, t.TempDir(), MaterializerOptions{}),
		Recorder:       recorder,
		DefaultTimeout: 5 * time.Second,
	}, tel)

	transfer := &fileTransfer{dir: t.TempDir(), suggested: "direct.xlsx", content: "direct"}
	file, err := detector.AwaitDirect(context.Background(), JobSpec{CorrelationKey: "direct"}, transfer)
	require.NoError(t, err)
	require.Equal(t, SourceDOM, file.Source)
	require.Equal(t, int64(6), file.Size)

	require.Len(t, recorder.runs, 1)
	require.Equal(t, "direct", recorder.runs[0].Mode)
	require.Equal(t, StateTerminalSuccess, recorder.runs[0].State)
}

func TestAwaitDirectWaitsForJobDeadline(t *testing.T) {
	tel := telemetry.NewRecorder()
	recorder := &memoryRecorder{}
	detector := NewDetector(DetectorOptions{
		Materializer:   newTestMaterializer(t, t.TempDir(), MaterializerOptions{TransferTimeout: 100 * time.Millisecond}),
		Recorder:       recorder,
		DefaultTimeout: 5 * time.Second,
	}, tel)

	// the transfer timeout only applies after a terminal signal, direct
	// downloads may start any time before the job deadline
	transfer := &delayedTransfer{
		fileTransfer: fileTransfer{dir: t.TempDir(), suggested: "direct.xlsx", content: "direct"},
		delay:        300 * time.Millisecond,
	}
	file, err := detector.AwaitDirect(context.Background(), JobSpec{CorrelationKey: "direct", Timeout: 2 * time.Second}, transfer)
	require.NoError(t, err)
	require.Equal(t, int64(6), file.Size)
	require.Equal(t, StateTerminalSuccess, recorder.runs[0].State)
	require.True(t, recorder.runs[0].Detected)
}

func TestAwaitDirectTimeout(t *testing.T) {
	tel := telemetry.NewRecorder()
	recorder := &memoryRecorder{}
	detector := NewDetector(DetectorOptions{
		Materializer:   newTestMaterializer(t, t.TempDir(), MaterializerOptions{}),
		Recorder:       recorder,
		DefaultTimeout: 5 * time.Second,
	}, tel)

	transfer := &delayedTransfer{
		fileTransfer: fileTransfer{dir: t.TempDir(), suggested: "direct.xlsx", content: "direct"},
		delay:        5 * time.Second,
	}
	start := time.Now()
	_, err := detector.AwaitDirect(context.Background(), JobSpec{CorrelationKey: "direct", Timeout: 200 * time.Millisecond}, transfer)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "direct", timeoutErr.Key)
	require.Equal(t, 200*time.Millisecond, timeoutErr.Deadline)
	require.Less(t, time.Since(start), 2*time.Second)

	require.Equal(t, StateTimedOut, recorder.runs[0].State)
	require.False(t, recorder.runs[0].Detected)
}

func TestAwaitDirectCanceled(t *testing.T) {
	detector := NewDetector(DetectorOptions{
		Materializer:   newTestMaterializer(t, t.TempDir(), MaterializerOptions{}),
		DefaultTimeout: 5 * time.Second,
	}, telemetry.NewRecorder())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := detector.AwaitDirect(ctx, JobSpec{CorrelationKey: "direct"}, &delayedTransfer{delay: 5 * time.Second})
	var canceled *CanceledError
	require.ErrorAs(t, err, &canceled)
	require.ErrorIs(t, err, context.Canceled)
}
