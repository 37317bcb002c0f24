package export

import (
	"context"
	"errors"
	"time"

	"erpexport/internal/components/assert"
	"erpexport/internal/components/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	report_detector_run    = "detector.run"
	report_detector_record = "detector.record"
)

var meter = otel.Meter("erpexport/export")
var outcomeCounter, _ = meter.Int64Counter(
	"export.outcomes",
	metric.WithDescription("Finished export detections by final state."),
)

// RunRecord is what the detector records about each finished call.
type RunRecord struct {
	Id             string
	CorrelationKey string
	Mode           string
	State          State
	// Detected is set once a terminal signal was seen, Winner is its source.
	Detected  bool
	Winner    Source
	Path      string
	Size      int64
	StartedAt time.Time
	Elapsed   time.Duration
	Error     string
}

// Recorder persists run records, see internal/ledger.
type Recorder interface {
	Record(ctx context.Context, run RunRecord) error
}

type DetectorOptions struct {
	Coordinator  Coordinator
	Materializer *Materializer
	// Recorder may be nil.
	Recorder       Recorder
	DefaultTimeout time.Duration
}

// Detector waits for an already dispatched export and saves its artifact.
type Detector struct {
	coordinator    Coordinator
	materializer   *Materializer
	recorder       Recorder
	defaultTimeout time.Duration
	tel            telemetry.API
}

func NewDetector(opts DetectorOptions, tel telemetry.API) *Detector {
	assert.NotNil(tel)
	assert.NotNil(opts.Materializer)
	assert.Positive(opts.DefaultTimeout)
	return &Detector{
		coordinator:    opts.Coordinator,
		materializer:   opts.Materializer,
		recorder:       opts.Recorder,
		defaultTimeout: opts.DefaultTimeout,
		tel:            telemetry.NewScopedAPI("export", tel),
	}
}

// Run detects completion of the export identified by spec and materializes
// its artifact. Every error is one of *TimeoutError, *TerminalFailureError,
// *DownloadError or *CanceledError.
func (d *Detector) Run(ctx context.Context, spec JobSpec) (MaterializedFile, error) {
	ctx, span := tracer.Start(ctx, "detector:Run")
	defer span.End()

	job := NewExportJob(spec, time.Now(), d.defaultTimeout)
	record := RunRecord{
		Id:             uuid.New().String(),
		CorrelationKey: spec.CorrelationKey,
		Mode:           "task_center",
		StartedAt:      job.CreatedAt,
	}
	span.SetAttributes(attribute.String("export.run_id", record.Id))
	d.tel.ReportDebug("detection started", record.Id, spec.CorrelationKey, job.Deadline)

	outcome, err := d.coordinator.Run(ctx, job)
	record.State = outcome.State
	if err != nil {
		return d.finish(ctx, record, MaterializedFile{}, err)
	}
	record.Detected = true
	record.Winner = outcome.Winner
	d.tel.ReportDebug(
		"terminal signal",
		record.Id,
		outcome.Winner.String(),
		outcome.Reference.String(),
		outcome.Elapsed.String(),
	)

	file, err := d.materializer.Materialize(ctx, spec, outcome.Reference)
	if err != nil {
		err = d.withElapsed(err, job.CreatedAt)
		span.RecordError(err)
		span.SetStatus(codes.Error, "materialize failed")
	}
	return d.finish(ctx, record, file, err)
}

// AwaitDirect materializes an export that is downloaded by the browser
// directly, without going through the task center. The download may take
// until the job deadline to start. Every error is one of *TimeoutError,
// *DownloadError or *CanceledError.
func (d *Detector) AwaitDirect(ctx context.Context, spec JobSpec, transfer Transfer) (MaterializedFile, error) {
	ctx, span := tracer.Start(ctx, "detector:AwaitDirect")
	defer span.End()

	job := NewExportJob(spec, time.Now(), d.defaultTimeout)
	record := RunRecord{
		Id:             uuid.New().String(),
		CorrelationKey: spec.CorrelationKey,
		Mode:           "direct",
		StartedAt:      job.CreatedAt,
	}
	span.SetAttributes(attribute.String("export.run_id", record.Id))

	jobCtx, cancel := context.WithDeadline(ctx, job.Deadline)
	defer cancel()

	file, err := d.materializer.MaterializeDirect(jobCtx, spec, transfer)
	if err == nil {
		record.State = StateTerminalSuccess
		record.Detected = true
		record.Winner = SourceDOM
		return d.finish(ctx, record, file, nil)
	}

	elapsed := time.Since(job.CreatedAt)
	switch {
	case ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		record.State = StateTerminalFailure
		err = &CanceledError{Key: spec.CorrelationKey, Elapsed: elapsed, Err: ctx.Err()}
	case jobCtx.Err() != nil:
		// the caller's deadline or the job's passed before the download began
		record.State = StateTimedOut
		err = &TimeoutError{
			Key:       spec.CorrelationKey,
			Elapsed:   elapsed,
			Deadline:  job.Deadline.Sub(job.CreatedAt),
			LastState: StatePending,
		}
	default:
		record.State = StateTerminalFailure
		err = d.withElapsed(err, job.CreatedAt)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "direct download failed")
	return d.finish(ctx, record, file, err)
}

func (d *Detector) withElapsed(err error, start time.Time) error {
	var derr *DownloadError
	if errors.As(err, &derr) {
		derr.Elapsed = time.Since(start)
	}
	return err
}

func (d *Detector) finish(ctx context.Context, record RunRecord, file MaterializedFile, err error) (MaterializedFile, error) {
	record.Elapsed = time.Since(record.StartedAt)
	record.Path = file.Path
	record.Size = file.Size
	if err != nil {
		record.Error = err.Error()
		if record.State == StateTerminalSuccess {
			// detection succeeded but the artifact could not be saved
			record.State = StateTerminalFailure
		}
		d.tel.ReportWarning(report_detector_run, record.Id, err)
	}

	outcomeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", record.State.String()),
		attribute.String("mode", record.Mode),
	))

	if d.recorder != nil {
		// the caller's context may be done already, the record is still written
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		recordErr := d.recorder.Record(recordCtx, record)
		cancel()
		if recordErr != nil {
			d.tel.ReportBroken(report_detector_record, recordErr, record.Id)
		}
	}
	return file, err
}
