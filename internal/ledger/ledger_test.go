// v1
// internal/ledger/ledger_test.go
package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"aquagrid/engine/internal/model"
)

func openTestLedger(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndHistoryNewestFirst(t *testing.T) {
	s := openTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)

	for i, st := range []model.BatchStatus{model.BatchPending, model.BatchRunning, model.BatchCompleted} {
		if err := s.RecordStatus(ctx, 0, st, "", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := s.RecordStatus(ctx, 1, model.BatchPending, "queued", base.Add(time.Hour)); err != nil {
		t.Fatalf("record: %v", err)
	}

	h, err := s.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(h) != 4 {
		t.Fatalf("history length = %d, want 4", len(h))
	}
	if h[0].BatchIndex != 1 || h[0].Status != model.BatchPending {
		t.Fatalf("history not newest-first: %+v", h[0])
	}
	if h[0].Detail != "queued" {
		t.Fatalf("detail lost: %+v", h[0])
	}

	limited, err := s.History(ctx, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limit ignored: %v %+v", err, limited)
	}
}

func TestCurrentReflectsLatestTransition(t *testing.T) {
	s := openTestLedger(t)
	ctx := context.Background()

	if _, err := s.Current(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.RecordStatus(ctx, 3, model.BatchRunning, "", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordStatus(ctx, 3, model.BatchFailed, "pump fault", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}

	cur, err := s.Current(ctx, 3)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.Status != model.BatchFailed || cur.Detail != "pump fault" {
		t.Fatalf("current = %+v, want failed/pump fault", cur)
	}
}

func TestUnfinishedFindsCrashedBatches(t *testing.T) {
	s := openTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	// Batch 0 completed cleanly, batch 1 left running, batch 2 never started.
	_ = s.RecordStatus(ctx, 0, model.BatchRunning, "", now)
	_ = s.RecordStatus(ctx, 0, model.BatchCompleted, "", now.Add(time.Minute))
	_ = s.RecordStatus(ctx, 1, model.BatchRunning, "", now)
	_ = s.RecordStatus(ctx, 2, model.BatchPending, "", now)

	got, err := s.Unfinished(ctx)
	if err != nil {
		t.Fatalf("unfinished: %v", err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("unfinished = %v, want [1]", got)
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	s, err := Open(path, lg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.RecordStatus(ctx, 5, model.BatchRunning, "", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path, lg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	cur, err := s2.Current(ctx, 5)
	if err != nil || cur.Status != model.BatchRunning {
		t.Fatalf("state lost across reopen: %+v %v", cur, err)
	}
}
