// v1
// internal/queue/queue_test.go
package queue

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"aquagrid/engine/internal/model"
)

func testQueue() *Queue {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnqueueDeduplicatesInflight(t *testing.T) {
	q := testQueue()
	spec := Spec{DeviceType: model.DeviceInletGate, DeviceID: "V1", Action: model.ActionClose, Phase: model.PhaseStop, HardwareRef: "hw-V1"}

	id1, dup := q.Enqueue(spec)
	if dup {
		t.Fatalf("first enqueue flagged as duplicate")
	}
	id2, dup := q.Enqueue(spec)
	if !dup {
		t.Fatalf("second enqueue not deduplicated")
	}
	if id1 != id2 {
		t.Fatalf("dedup returned different ids: %d vs %d", id1, id2)
	}
	if got := q.Stats().Total; got != 1 {
		t.Fatalf("total commands = %d, want 1", got)
	}

	// Same fingerprint while sent is still deduplicated.
	if err := q.MarkSent(id1); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, dup := q.Enqueue(spec); !dup {
		t.Fatalf("sent command no longer deduplicates")
	}

	// After the command terminates the fingerprint is free again.
	if err := q.UpdateStatus(id1, model.CommandExecuted, "ok"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	id3, dup := q.Enqueue(spec)
	if dup || id3 == id1 {
		t.Fatalf("terminal command should not block a new enqueue (id3=%d dup=%v)", id3, dup)
	}
}

func TestEnqueueDifferentPhaseNotDeduplicated(t *testing.T) {
	q := testQueue()
	a, _ := q.Enqueue(Spec{DeviceID: "V1", Action: model.ActionClose, Phase: model.PhaseStop, HardwareRef: "hw"})
	b, dup := q.Enqueue(Spec{DeviceID: "V1", Action: model.ActionClose, Phase: model.PhaseRunning, HardwareRef: "hw"})
	if dup || a == b {
		t.Fatalf("distinct phases must produce distinct commands")
	}
}

func TestUpdateStatusUnknownID(t *testing.T) {
	q := testQueue()
	err := q.UpdateStatus(42, model.CommandExecuted, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryFilters(t *testing.T) {
	q := testQueue()
	q.Enqueue(Spec{DeviceType: model.DeviceInletGate, DeviceID: "V1", Action: model.ActionClose, Phase: model.PhaseStop, HardwareRef: "hw"})
	q.Enqueue(Spec{DeviceType: model.DevicePump, DeviceID: "P1", Action: model.ActionStop, Phase: model.PhaseStop, HardwareRef: "hw"})
	q.Enqueue(Spec{DeviceType: model.DevicePump, DeviceID: "P2", Action: model.ActionStart, Phase: model.PhaseStart, HardwareRef: "hw"})

	if got := len(q.Query(Filter{DeviceType: model.DevicePump})); got != 2 {
		t.Fatalf("pump filter returned %d, want 2", got)
	}
	if got := len(q.Query(Filter{Phase: model.PhaseStop})); got != 2 {
		t.Fatalf("stop phase filter returned %d, want 2", got)
	}
	if got := len(q.Query(Filter{Status: model.CommandPending})); got != 3 {
		t.Fatalf("pending filter returned %d, want 3", got)
	}
}

func TestPendingOrdersByPriority(t *testing.T) {
	q := testQueue()
	q.Enqueue(Spec{DeviceID: "low", Action: model.ActionClose, Phase: model.PhaseStop, Priority: 1, HardwareRef: "hw"})
	q.Enqueue(Spec{DeviceID: "high", Action: model.ActionOpen, Phase: model.PhaseStop, Priority: 9, HardwareRef: "hw"})
	p := q.Pending()
	if len(p) != 2 || p[0].DeviceID != "high" {
		t.Fatalf("expected high priority first, got %+v", p)
	}
}

func TestCleanupKeepsOutstandingObligations(t *testing.T) {
	q := testQueue()
	base := time.Now().Add(-48 * time.Hour)
	q.now = func() time.Time { return base }

	oldPending, _ := q.Enqueue(Spec{DeviceID: "V1", Action: model.ActionClose, Phase: model.PhaseStop, HardwareRef: "hw"})
	oldSent, _ := q.Enqueue(Spec{DeviceID: "V2", Action: model.ActionClose, Phase: model.PhaseStop, HardwareRef: "hw"})
	oldDone, _ := q.Enqueue(Spec{DeviceID: "V3", Action: model.ActionClose, Phase: model.PhaseStop, HardwareRef: "hw"})
	if err := q.MarkSent(oldSent); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := q.UpdateStatus(oldDone, model.CommandExecuted, ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	q.now = time.Now
	freshDone, _ := q.Enqueue(Spec{DeviceID: "V4", Action: model.ActionClose, Phase: model.PhaseStop, HardwareRef: "hw"})
	if err := q.UpdateStatus(freshDone, model.CommandFailed, "valve jam"); err != nil {
		t.Fatalf("update: %v", err)
	}

	removed := q.Cleanup(24 * time.Hour)
	if removed != 1 {
		t.Fatalf("cleanup removed %d, want 1", removed)
	}
	left := q.Query(Filter{})
	ids := map[int64]bool{}
	for _, c := range left {
		ids[c.ID] = true
	}
	if !ids[oldPending] || !ids[oldSent] || !ids[freshDone] {
		t.Fatalf("cleanup removed a command it must keep: %+v", left)
	}
	if ids[oldDone] {
		t.Fatalf("aged executed command survived cleanup")
	}
}
