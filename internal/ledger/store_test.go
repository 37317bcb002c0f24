package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"erpexport/internal/export"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	store, database, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	{
		entries, err := store.List(ctx, ListRequest{})
		if err != nil {
			t.Fatal(err)
		}
		require.Len(t, entries, 0)
	}

	start := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	runs := []export.RunRecord{
		{
			Id:             "a",
			CorrelationKey: "task/status",
			Mode:           "task_center",
			State:          export.StateTerminalSuccess,
			Detected:       true,
			Winner:         export.SourceNetwork,
			Path:           "/tmp/sales_20240309140507.xlsx",
			Size:           1024,
			StartedAt:      start,
			Elapsed:        1500 * time.Millisecond,
		},
		{
			Id:             "b",
			CorrelationKey: "task/status",
			Mode:           "task_center",
			State:          export.StateTimedOut,
			StartedAt:      start.Add(time.Minute),
			Elapsed:        5 * time.Second,
			Error:          "timed out",
		},
		{
			Id:             "c",
			CorrelationKey: "direct",
			Mode:           "direct",
			State:          export.StateTerminalSuccess,
			Detected:       true,
			Winner:         export.SourceDOM,
			StartedAt:      start.Add(2 * time.Minute),
		},
	}
	for _, run := range runs {
		err := store.Record(ctx, run)
		if err != nil {
			t.Fatal(err)
		}
	}

	{
		entries, err := store.List(ctx, ListRequest{})
		if err != nil {
			t.Fatal(err)
		}
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.Id
		}
		if diff := cmp.Diff([]string{"c", "b", "a"}, ids); diff != "" {
			t.Fatal(diff)
		}

		a := entries[2]
		require.Equal(t, "TERMINAL_SUCCESS", a.State)
		require.Equal(t, "NETWORK", a.Winner)
		require.Equal(t, int64(1024), a.Size)
		require.Equal(t, 1500*time.Millisecond, a.Elapsed)
		require.True(t, start.Equal(a.StartedAt))
	}
	{
		entries, err := store.List(ctx, ListRequest{State: "TIMED_OUT"})
		if err != nil {
			t.Fatal(err)
		}
		require.Len(t, entries, 1)
		require.Equal(t, "timed out", entries[0].Error)
		require.Empty(t, entries[0].Winner)
	}
	{
		entries, err := store.List(ctx, ListRequest{Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		require.Len(t, entries, 1)
		require.Equal(t, "c", entries[0].Id)
	}

	// ids are unique
	require.Error(t, store.Record(ctx, runs[0]))
}

func TestOpenCreatesDirectory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "ledger.db")
	store, database, err := Open(ctx, path)
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, store.Record(ctx, export.RunRecord{Id: "x", StartedAt: time.Now()}))
}
