// Package ledger keeps a history of export detections in sqlite.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"erpexport/internal/export"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

// Open opens (and creates if needed) the ledger database at path, ":memory:"
// gives a throwaway ledger.
func Open(ctx context.Context, path string) (Store, *sql.DB, error) {
	if path != ":memory:" {
		err := os.MkdirAll(filepath.Dir(path), 0755)
		if err != nil {
			return Store{}, nil, err
		}
	}
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return Store{}, nil, err
	}
	if path == ":memory:" {
		// every connection to :memory: is a different database
		database.SetMaxOpenConns(1)
	}
	_, err = database.ExecContext(ctx, Schema)
	if err != nil {
		database.Close()
		return Store{}, nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return NewStore(database), database, nil
}

// Record implements export.Recorder.
func (s Store) Record(ctx context.Context, run export.RunRecord) error {
	winner := ""
	if run.Detected {
		winner = run.Winner.String()
	}
	_, err := s.db.ExecContext(
		ctx,
		`insert into export_run (
			id, correlation_key, mode, state, winner, path, size, started_at, elapsed_ms, error
		) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Id,
		run.CorrelationKey,
		run.Mode,
		run.State.String(),
		winner,
		run.Path,
		run.Size,
		run.StartedAt.UnixMilli(),
		run.Elapsed.Milliseconds(),
		run.Error,
	)
	return err
}

// Entry is a recorded run as stored, states and sources are kept as their
// names. Winner is empty when nothing was detected.
type Entry struct {
	Id             string
	CorrelationKey string
	Mode           string
	State          string
	Winner         string
	Path           string
	Size           int64
	StartedAt      time.Time
	Elapsed        time.Duration
	Error          string
}

type ListRequest struct {
	// Limit of 0 means 20.
	Limit int
	// State filters by state name when not empty.
	State string
}

// List returns recorded runs, newest first.
func (s Store) List(ctx context.Context, req ListRequest) ([]Entry, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(
		ctx,
		`select id, correlation_key, mode, state, winner, path, size, started_at, elapsed_ms, error
		from export_run
		where (? = '' or state = ?)
		order by started_at desc, rowid desc
		limit ?`,
		req.State, req.State, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var startedAt, elapsedMs int64
		err := rows.Scan(
			&e.Id,
			&e.CorrelationKey,
			&e.Mode,
			&e.State,
			&e.Winner,
			&e.Path,
			&e.Size,
			&startedAt,
			&elapsedMs,
			&e.Error,
		)
		if err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(startedAt)
		e.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
