// v2
// internal/ledger/ledger.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"aquagrid/engine/internal/model"
)

// ErrNotFound is returned when a batch has no recorded status yet.
var ErrNotFound = errors.New("no ledger entry")

// Entry is one recorded batch lifecycle transition.
type Entry struct {
	ID         int64             `json:"id"`
	BatchIndex int               `json:"batchIndex"`
	Status     model.BatchStatus `json:"status"`
	Detail     string            `json:"detail,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Store is the durable, append-only record of batch execution status. Rows
// are never updated or deleted; the current status of a batch is simply its
// most recent row.
type Store struct {
	db *sql.DB
	lg *slog.Logger
}

// Open creates or opens the ledger database at path.
func Open(path string, lg *slog.Logger) (*Store, error) {
	if path == "" {
		path = "engine-ledger.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS batch_status (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create batch_status table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_status_index ON batch_status(batch_index, id)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}
	lg.Info("ledger_opened", "path", path)
	return &Store{db: db, lg: lg}, nil
}

// RecordStatus appends a lifecycle transition for the batch.
func (s *Store) RecordStatus(ctx context.Context, batchIndex int, status model.BatchStatus, detail string, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_status (batch_index, status, detail, recorded_at) VALUES (?, ?, ?, ?)`,
		batchIndex, string(status), detail, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	s.lg.Info("ledger_status_recorded", "batch", batchIndex, "status", status)
	return nil
}

// History returns the most recent entries, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_index, status, detail, recorded_at FROM batch_status ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Current returns the latest recorded status for one batch.
func (s *Store) Current(ctx context.Context, batchIndex int) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, batch_index, status, detail, recorded_at FROM batch_status
		 WHERE batch_index = ? ORDER BY id DESC LIMIT 1`, batchIndex)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: batch %d", ErrNotFound, batchIndex)
	}
	return e, err
}

// Unfinished lists batches whose latest status is still running. Used at
// startup: a running batch after a crash must be re-queried against live
// device and field state before execution resumes.
func (s *Store) Unfinished(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.batch_index FROM batch_status b
		JOIN (SELECT batch_index, MAX(id) AS max_id FROM batch_status GROUP BY batch_index) last
		  ON b.batch_index = last.batch_index AND b.id = last.max_id
		WHERE b.status = ?
		ORDER BY b.batch_index`, string(model.BatchRunning))
	if err != nil {
		return nil, fmt.Errorf("query unfinished: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var status, recordedAt string
	if err := r.Scan(&e.ID, &e.BatchIndex, &status, &e.Detail, &recordedAt); err != nil {
		return Entry{}, err
	}
	e.Status = model.BatchStatus(status)
	ts, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse recorded_at: %w", err)
	}
	e.RecordedAt = ts
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
