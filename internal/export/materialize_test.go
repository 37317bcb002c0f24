package export

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"erpexport/internal/components/chrono"
	"erpexport/internal/components/telemetry"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

func newTestMaterializer(t *testing.T, dir string, opts MaterializerOptions) *Materializer {
	t.Helper()
	opts.OutputDir = dir
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Backoff == 0 {
		opts.Backoff = 10 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = chrono.NewFixedImpl(testNow)
	}
	m, err := NewMaterializer(opts, telemetry.NewRecorder())
	require.NoError(t, err)
	return m
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="Sales Report.XLS"`)
		w.Write([]byte("sheet"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := newTestMaterializer(t, dir, MaterializerOptions{})
	file, err := m.Materialize(context.Background(), JobSpec{BaseName: "sales"}, ArtifactReference{
		Kind: ReferenceLocation,
		URL:  srv.URL + "/files/export",
	})
	require.NoError(t, err)
	require.Equal(t, int32(3), hits.Load())

	require.Equal(t, filepath.Join(dir, "sales_20240309140507.xls"), file.Path)
	require.True(t, filepath.IsAbs(file.Path))
	require.Equal(t, int64(5), file.Size)
	require.Equal(t, SourceNetwork, file.Source)
	require.Equal(t, testNow, file.CreatedAt)

	content, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	require.Equal(t, "sheet", string(content))
}

func TestFetchGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := newTestMaterializer(t, dir, MaterializerOptions{})
	_, err := m.Materialize(context.Background(), JobSpec{CorrelationKey: "k"}, ArtifactReference{URL: srv.URL + "/f.xlsx"})

	var derr *DownloadError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, "k", derr.Key)
	require.Equal(t, 3, derr.Attempts)
	require.Equal(t, int32(3), hits.Load())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := newTestMaterializer(t, t.TempDir(), MaterializerOptions{})
	_, err := m.Materialize(context.Background(), JobSpec{}, ArtifactReference{URL: srv.URL + "/f.xlsx"})
	var derr *DownloadError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, 1, derr.Attempts)
	require.Equal(t, int32(1), hits.Load())
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	m := newTestMaterializer(t, t.TempDir(), MaterializerOptions{Attempts: 1, FetchTimeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := m.Materialize(context.Background(), JobSpec{}, ArtifactReference{URL: srv.URL + "/f.xlsx"})
	var derr *DownloadError
	require.ErrorAs(t, err, &derr)
	require.Less(t, time.Since(start), time.Second)
}

func TestFetchSendsSessionCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("SESSION")
		if err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := newTestMaterializer(t, t.TempDir(), MaterializerOptions{
		Cookies: func(ctx context.Context) ([]*http.Cookie, error) {
			return []*http.Cookie{{Name: "SESSION", Value: "abc"}}, nil
		},
	})
	file, err := m.Materialize(context.Background(), JobSpec{}, ArtifactReference{URL: srv.URL + "/out/stock.csv"})
	require.NoError(t, err)
	require.Equal(t, "stock_20240309140507.csv", filepath.Base(file.Path))
}

func TestSaveSkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "sales_20240309140507.xlsx")
	require.NoError(t, os.WriteFile(existing, []byte("keep me"), 0644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("new"))
	}))
	defer srv.Close()

	m := newTestMaterializer(t, dir, MaterializerOptions{})
	var paths []string
	for i := 0; i < 3; i++ {
		file, err := m.Materialize(context.Background(), JobSpec{BaseName: "sales"}, ArtifactReference{URL: srv.URL + "/x"})
		require.NoError(t, err)
		paths = append(paths, filepath.Base(file.Path))
	}

	expected := []string{
		"sales_20240309140507_2.xlsx",
		"sales_20240309140507_3.xlsx",
		"sales_20240309140507_4.xlsx",
	}
	if diff := cmp.Diff(expected, paths); diff != "" {
		t.Fatal(diff)
	}
	content, err := os.ReadFile(existing)
	require.NoError(t, err)
	require.Equal(t, "keep me", string(content))
}

func TestOutputDirCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "downloads")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	m := newTestMaterializer(t, dir, MaterializerOptions{})
	file, err := m.Materialize(context.Background(), JobSpec{}, ArtifactReference{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "downloaded_file_20240309140507.xlsx"), file.Path)
}

func TestTransfer(t *testing.T) {
	dir := t.TempDir()
	transfer := &fileTransfer{dir: t.TempDir(), suggested: "Inventory.CSV", content: "a,b\n1,2\n"}

	m := newTestMaterializer(t, dir, MaterializerOptions{TransferTimeout: time.Second})
	file, err := m.Materialize(context.Background(), JobSpec{Label: "inventory"}, ArtifactReference{
		Kind:     ReferenceTransfer,
		Transfer: transfer,
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "inventory_20240309140507.csv"), file.Path)
	require.Equal(t, int64(8), file.Size)
	require.Equal(t, SourceDOM, file.Source)

	// the browser's temporary file is consumed
	_, err = os.Stat(transfer.path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestTransferWithoutExtension(t *testing.T) {
	dir := t.TempDir()
	transfer := &fileTransfer{dir: t.TempDir(), suggested: "stock report", content: "x"}

	m := newTestMaterializer(t, dir, MaterializerOptions{})
	file, err := m.Materialize(context.Background(), JobSpec{BaseName: "stock"}, ArtifactReference{
		Kind:     ReferenceTransfer,
		Transfer: transfer,
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "stock_20240309140507"), file.Path)
}

func TestTransferFailure(t *testing.T) {
	awaitErr := errors.New("download canceled")
	m := newTestMaterializer(t, t.TempDir(), MaterializerOptions{})
	_, err := m.Materialize(context.Background(), JobSpec{}, ArtifactReference{
		Kind:     ReferenceTransfer,
		Transfer: &fileTransfer{err: awaitErr},
	})
	var derr *DownloadError
	require.ErrorAs(t, err, &derr)
	require.ErrorIs(t, err, awaitErr)

	_, err = m.Materialize(context.Background(), JobSpec{}, ArtifactReference{Kind: ReferenceTransfer})
	require.ErrorAs(t, err, &derr)
}
