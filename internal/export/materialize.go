package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"erpexport/internal/components/assert"
	"erpexport/internal/components/chrono"
	"erpexport/internal/components/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	report_materializer_fetch    = "materializer.fetch"
	report_materializer_transfer = "materializer.transfer"
	report_materializer_save     = "materializer.save"
)

// maxNameAttempts bounds how many names are tried when files with the
// generated names already exist on disk.
const maxNameAttempts = 100

// Download is a finished browser download. Path is a temporary file that
// the materializer owns (and removes) once it is returned.
type Download struct {
	SuggestedName string
	Path          string
}

// Transfer is a browser initiated download of the artifact.
type Transfer interface {
	// Await triggers the download if needed and blocks until the browser
	// finished writing it.
	Await(ctx context.Context) (Download, error)
}

// CookieSource supplies the session cookies needed to fetch an artifact url.
type CookieSource func(ctx context.Context) ([]*http.Cookie, error)

type MaterializerOptions struct {
	OutputDir string
	// Attempts is the total number of fetch attempts for a location.
	Attempts int
	// Backoff is the fixed wait between fetch attempts.
	Backoff         time.Duration
	FetchTimeout    time.Duration
	TransferTimeout time.Duration
	// Cookies may be nil.
	Cookies CookieSource
	// Http may be nil, a client is created from the other options then.
	Http  *resty.Client
	Clock chrono.API
}

// Materializer saves artifacts under collision safe names.
type Materializer struct {
	outputDir       string
	attempts        int
	fetchTimeout    time.Duration
	transferTimeout time.Duration
	cookies         CookieSource
	http            *resty.Client
	clock           chrono.API
	namer           *Namer
	tel             telemetry.API
}

func NewMaterializer(opts MaterializerOptions, tel telemetry.API) (*Materializer, error) {
	assert.NotNil(tel)
	assert.NotNil(opts.Clock)
	assert.NotEmptyStr(opts.OutputDir)
	assert.Positive(opts.Attempts)

	outputDir, err := filepath.Abs(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	tel = telemetry.NewScopedAPI("export", tel)
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}

	client := opts.Http
	if client == nil {
		client = newFetchClient(opts.Attempts, opts.Backoff, tel)
	}

	return &Materializer{
		outputDir:       outputDir,
		attempts:        opts.Attempts,
		fetchTimeout:    opts.FetchTimeout,
		transferTimeout: opts.TransferTimeout,
		cookies:         opts.Cookies,
		http:            client,
		clock:           opts.Clock,
		namer:           NewNamer(opts.Clock),
		tel:             tel,
	}, nil
}

func newFetchClient(attempts int, backoff time.Duration, tel telemetry.API) *resty.Client {
	client := resty.New()
	client.SetRetryCount(attempts - 1)
	client.SetRetryWaitTime(backoff)
	client.SetRetryMaxWaitTime(backoff)
	client.SetRetryAfter(func(*resty.Client, *resty.Response) (time.Duration, error) {
		return backoff, nil
	})
	client.AddRetryCondition(func(res *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		code := res.StatusCode()
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	})
	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	telemetry.InstrumentResty(client, tel)
	return client
}

// Materialize turns a terminal reference into a file on disk. Transfers are
// bounded by the transfer timeout, the download is expected to start right
// after the terminal signal.
func (m *Materializer) Materialize(ctx context.Context, spec JobSpec, ref ArtifactReference) (MaterializedFile, error) {
	return m.materialize(ctx, spec, ref, m.transferTimeout)
}

// MaterializeDirect saves a browser download that may only start once the
// backend finishes, it is bounded by ctx alone.
func (m *Materializer) MaterializeDirect(ctx context.Context, spec JobSpec, transfer Transfer) (MaterializedFile, error) {
	return m.materialize(ctx, spec, ArtifactReference{Kind: ReferenceTransfer, Transfer: transfer}, 0)
}

func (m *Materializer) materialize(ctx context.Context, spec JobSpec, ref ArtifactReference, transferTimeout time.Duration) (MaterializedFile, error) {
	ctx, span := tracer.Start(ctx, "materializer:Materialize")
	defer span.End()
	span.SetAttributes(attribute.String("export.reference", ref.String()))

	var file MaterializedFile
	var err error
	switch ref.Kind {
	case ReferenceLocation:
		file, err = m.fetch(ctx, spec, ref.URL)
	case ReferenceTransfer:
		file, err = m.transfer(ctx, spec, ref.Transfer, transferTimeout)
	default:
		err = &DownloadError{Key: spec.CorrelationKey, Ref: ref.String(), Err: fmt.Errorf("unknown reference kind %d", ref.Kind)}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "materialize failed")
		return MaterializedFile{}, err
	}
	span.SetAttributes(attribute.String("export.path", file.Path), attribute.Int64("export.size", file.Size))
	return file, nil
}

func (m *Materializer) fetch(ctx context.Context, spec JobSpec, location string) (MaterializedFile, error) {
	start := time.Now()
	fail := func(attempts int, err error) (MaterializedFile, error) {
		m.tel.ReportBroken(report_materializer_fetch, err, location, attempts)
		return MaterializedFile{}, &DownloadError{
			Key:      spec.CorrelationKey,
			Elapsed:  time.Since(start),
			Ref:      location,
			Attempts: attempts,
			Err:      err,
		}
	}

	if m.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.fetchTimeout)
		defer cancel()
	}

	req := m.http.R().SetContext(ctx)
	if m.cookies != nil {
		cookies, err := m.cookies(ctx)
		if err != nil {
			m.tel.ReportWarning(report_materializer_fetch, fmt.Errorf("read session cookies: %w", err))
		} else {
			req.SetCookies(cookies)
		}
	}

	res, err := req.Get(location)
	attempts := m.attempts
	if res != nil && res.Request != nil && res.Request.Attempt > 0 {
		attempts = res.Request.Attempt
	}
	if err != nil {
		return fail(attempts, err)
	}
	if res.IsError() {
		return fail(attempts, fmt.Errorf("unexpected status %s", res.Status()))
	}

	disposition := res.Header().Get("Content-Disposition")
	suggested := suggestedName(disposition, location)
	base := DeriveBaseName(spec, suggested)
	ext := resolveExt("", disposition, location)

	body := res.Body()
	path, size, err := m.save(base, ext, func(w io.Writer) (int64, error) {
		n, err := w.Write(body)
		return int64(n), err
	})
	if err != nil {
		return fail(attempts, err)
	}
	return MaterializedFile{
		Path:      path,
		Size:      size,
		CreatedAt: m.clock.Now(),
		Source:    SourceNetwork,
	}, nil
}

func (m *Materializer) transfer(ctx context.Context, spec JobSpec, transfer Transfer, timeout time.Duration) (MaterializedFile, error) {
	start := time.Now()
	fail := func(err error) (MaterializedFile, error) {
		m.tel.ReportBroken(report_materializer_transfer, err, spec.CorrelationKey)
		return MaterializedFile{}, &DownloadError{
			Key:      spec.CorrelationKey,
			Elapsed:  time.Since(start),
			Ref:      "transfer",
			Attempts: 1,
			Err:      err,
		}
	}
	if transfer == nil {
		return fail(fmt.Errorf("reference has no transfer"))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dl, err := transfer.Await(ctx)
	if err != nil {
		return fail(fmt.Errorf("await transfer: %w", err))
	}
	defer os.Remove(dl.Path)

	src, err := os.Open(dl.Path)
	if err != nil {
		return fail(fmt.Errorf("open downloaded file: %w", err))
	}
	defer src.Close()

	base := DeriveBaseName(spec, dl.SuggestedName)
	ext := transferExt(dl.SuggestedName)
	path, size, err := m.save(base, ext, func(w io.Writer) (int64, error) {
		return io.Copy(w, src)
	})
	if err != nil {
		return fail(err)
	}
	return MaterializedFile{
		Path:      path,
		Size:      size,
		CreatedAt: m.clock.Now(),
		Source:    SourceDOM,
	}, nil
}

// save creates a new file named by the Namer and fills it with write. Files
// are created exclusively, a name that already exists on disk is skipped.
func (m *Materializer) save(base, ext string, write func(io.Writer) (int64, error)) (string, int64, error) {
	err := os.MkdirAll(m.outputDir, 0755)
	if err != nil {
		return "", 0, fmt.Errorf("create output directory %s: %w", m.outputDir, err)
	}

	for i := 0; i < maxNameAttempts; i++ {
		path := filepath.Join(m.outputDir, m.namer.Next(base, ext))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", 0, fmt.Errorf("create %s: %w", path, err)
		}

		size, err := write(f)
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(path)
			m.tel.ReportBroken(report_materializer_save, err, path)
			return "", 0, fmt.Errorf("write %s: %w", path, err)
		}
		return path, size, nil
	}
	return "", 0, fmt.Errorf("no free file name for %s%s after %d attempts", base, ext, maxNameAttempts)
}
