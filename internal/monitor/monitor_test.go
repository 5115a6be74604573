// v2
// internal/monitor/monitor_test.go
package monitor

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"aquagrid/engine/internal/model"
	"aquagrid/engine/internal/queue"
	"aquagrid/engine/internal/waterlevel"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(t *testing.T) (*Monitor, *queue.Queue, *waterlevel.Store) {
	t.Helper()
	lg := discard()
	q := queue.New(lg)
	wl := waterlevel.NewStore(lg)
	return New(lg, q, wl), q, wl
}

func field(id, segment, gate string, opt, high float64) model.FieldSpec {
	return model.FieldSpec{
		ID: id, SegmentID: segment, InletGateID: gate,
		PlannedLevelMM: 0, OptLevelMM: opt, HighLevelMM: high,
		InletDevice: "inlet-" + id, InletHWRef: "hw-" + id,
	}
}

func sensor(id string, mm float64) model.WaterLevelReading {
	return model.WaterLevelReading{FieldID: id, LevelMM: mm, Timestamp: time.Now(), Source: model.SourceSensor, Quality: model.QualityGood}
}

func TestFieldCompletionIdempotent(t *testing.T) {
	m, q, _ := newTestMonitor(t)
	b := model.Batch{Index: 1, Fields: []model.FieldSpec{field("F1", "S1", "G-3", 100, 150)}}
	if err := m.InitializeBatch(b); err != nil {
		t.Fatalf("init: %v", err)
	}

	res := m.CheckAndCloseDevices(map[string]model.WaterLevelReading{"F1": sensor("F1", 120)})
	if len(res.CompletedFields) != 1 || res.CompletedFields[0] != "F1" {
		t.Fatalf("expected F1 completed, got %+v", res)
	}
	closes := q.Query(queue.Filter{DeviceType: model.DeviceInletGate})
	if len(closes) != 1 || closes[0].Action != model.ActionClose {
		t.Fatalf("expected exactly one inlet close, got %+v", closes)
	}
	st := m.GetStatistics()
	if st.CompletedFields != 1 || st.ActiveFields != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	// Repeated tick with the same reading: terminal fields are skipped and
	// no second close command appears.
	res = m.CheckAndCloseDevices(map[string]model.WaterLevelReading{"F1": sensor("F1", 121)})
	if len(res.CompletedFields) != 0 {
		t.Fatalf("terminal field re-completed: %+v", res)
	}
	if got := q.Stats().Total; got != 1 {
		t.Fatalf("total commands = %d, want 1", got)
	}
}

func TestOverflowEnqueuesInletCloseAndOutletOpen(t *testing.T) {
	m, q, _ := newTestMonitor(t)
	f := field("F1", "S1", "G-3", 100, 150)
	f.OutletDevice = "outlet-F1"
	f.OutletHWRef = "hw-out-F1"
	if err := m.InitializeBatch(model.Batch{Index: 1, Fields: []model.FieldSpec{f}}); err != nil {
		t.Fatalf("init: %v", err)
	}

	res := m.CheckAndCloseDevices(map[string]model.WaterLevelReading{"F1": sensor("F1", 151)})
	if len(res.OverflowFields) != 1 {
		t.Fatalf("expected overflow, got %+v", res)
	}
	cmds := q.Query(queue.Filter{})
	if len(cmds) != 2 {
		t.Fatalf("expected inlet close + outlet open, got %+v", cmds)
	}
	var sawClose, sawOpen bool
	for _, c := range cmds {
		if c.DeviceType == model.DeviceInletGate && c.Action == model.ActionClose {
			sawClose = true
		}
		if c.DeviceType == model.DeviceOutletGate && c.Action == model.ActionOpen {
			sawOpen = true
			if c.Params["open_percent"] != 100 {
				t.Fatalf("outlet open not full: %+v", c.Params)
			}
		}
	}
	if !sawClose || !sawOpen {
		t.Fatalf("missing overflow commands: %+v", cmds)
	}
}

func TestMissingReadingLeavesFieldUntouched(t *testing.T) {
	m, q, _ := newTestMonitor(t)
	b := model.Batch{Index: 1, Fields: []model.FieldSpec{
		field("F1", "S1", "G-1", 100, 150),
		field("F2", "S1", "G-2", 100, 150),
	}}
	if err := m.InitializeBatch(b); err != nil {
		t.Fatalf("init: %v", err)
	}

	readings := map[string]model.WaterLevelReading{
		"F1": sensor("F1", 130),
		"F2": {FieldID: "F2", LevelMM: 200, Timestamp: time.Now(), Source: model.SourceSensor, Quality: model.QualityMissing},
	}
	res := m.CheckAndCloseDevices(readings)
	if len(res.CompletedFields) != 1 || res.CompletedFields[0] != "F1" {
		t.Fatalf("expected only F1 to complete, got %+v", res)
	}
	if len(res.OverflowFields) != 0 {
		t.Fatalf("missing-quality reading must not drive a transition: %+v", res)
	}
	for _, c := range q.Query(queue.Filter{}) {
		if c.DeviceID == "inlet-F2" {
			t.Fatalf("F2 must not receive a command on missing data")
		}
	}
}

func TestSuspectReadingLeavesFieldUntouched(t *testing.T) {
	m, q, _ := newTestMonitor(t)
	b := model.Batch{Index: 1, Fields: []model.FieldSpec{field("F1", "S1", "G-1", 100, 150)}}
	if err := m.InitializeBatch(b); err != nil {
		t.Fatalf("init: %v", err)
	}

	// A suspect reading at completion level must not close anything.
	res := m.CheckAndCloseDevices(map[string]model.WaterLevelReading{
		"F1": {FieldID: "F1", LevelMM: 120, Timestamp: time.Now(), Source: model.SourceSensor, Quality: model.QualitySuspect},
	})
	if len(res.CompletedFields) != 0 || len(res.OverflowFields) != 0 {
		t.Fatalf("suspect reading drove a transition: %+v", res)
	}
	if got := q.Stats().Total; got != 0 {
		t.Fatalf("suspect reading enqueued %d commands, want 0", got)
	}

	// The same level with good quality completes the field.
	res = m.CheckAndCloseDevices(map[string]model.WaterLevelReading{"F1": sensor("F1", 120)})
	if len(res.CompletedFields) != 1 {
		t.Fatalf("good reading did not complete field: %+v", res)
	}
}

func TestBranchRegulatorClosesOnOwnSegment(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	b := model.Batch{Index: 1,
		Fields: []model.FieldSpec{
			field("F1", "S3", "G-4", 100, 150),
			field("F2", "S3", "G-5", 100, 150),
			field("F3", "S9", "G-1", 100, 150),
		},
		Regulators: []model.RegulatorSpec{{ID: "R1", Type: model.GateBranch, SegmentID: "S3", GateSeq: 2, HardwareRef: "hw-R1"}},
	}
	if err := m.InitializeBatch(b); err != nil {
		t.Fatalf("init: %v", err)
	}

	// Only one S3 field done: gate stays open.
	res := m.CheckAndCloseDevices(map[string]model.WaterLevelReading{"F1": sensor("F1", 120)})
	if len(res.ClosedRegulators) != 0 {
		t.Fatalf("regulator closed with demand remaining: %+v", res)
	}

	// All S3 fields terminal: gate closes, even though S9 still irrigates.
	res = m.CheckAndCloseDevices(map[string]model.WaterLevelReading{"F2": sensor("F2", 125)})
	if len(res.ClosedRegulators) != 1 || res.ClosedRegulators[0] != "R1" {
		t.Fatalf("expected R1 closed, got %+v", res)
	}
}

func TestMainRegulatorClosesOnDownstreamSequence(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	// Other-segment fields are all strictly downstream of the main gate
	// (seq > 5); its own segment still has an active field that completes
	// this tick to trigger Tier 1.
	b := model.Batch{Index: 2,
		Fields: []model.FieldSpec{
			field("F1", "S1", "G-2", 100, 150),
			field("F2", "S2", "G-7", 100, 150),
			field("F3", "S2", "G-9", 100, 150),
		},
		Regulators: []model.RegulatorSpec{{ID: "M1", Type: model.GateMain, SegmentID: "S1", GateSeq: 5, HardwareRef: "hw-M1"}},
	}
	if err := m.InitializeBatch(b); err != nil {
		t.Fatalf("init: %v", err)
	}

	res := m.CheckAndCloseDevices(map[string]model.WaterLevelReading{"F1": sensor("F1", 110)})
	if len(res.ClosedRegulators) != 1 || res.ClosedRegulators[0] != "M1" {
		t.Fatalf("main gate should close on downstream-only demand, got %+v", res)
	}
}

func TestFullCascadeReportsAllCompletedOnce(t *testing.T) {
	m, q, _ := newTestMonitor(t)
	b := model.Batch{Index: 3,
		Fields: []model.FieldSpec{
			field("F1", "S1", "G-1", 100, 150),
			field("F2", "S2", "G-2", 100, 150),
		},
		Regulators: []model.RegulatorSpec{
			{ID: "R1", Type: model.GateBranch, SegmentID: "S1", GateSeq: 3, HardwareRef: "hw"},
			{ID: "R2", Type: model.GateBranch, SegmentID: "S2", GateSeq: 4, HardwareRef: "hw"},
		},
		Pumps: []string{"P1", "P2"},
	}
	if err := m.InitializeBatch(b); err != nil {
		t.Fatalf("init: %v", err)
	}

	res := m.CheckAndCloseDevices(map[string]model.WaterLevelReading{
		"F1": sensor("F1", 110),
		"F2": sensor("F2", 112),
	})
	if len(res.CompletedFields) != 2 || len(res.ClosedRegulators) != 2 || len(res.StoppedPumps) != 2 {
		t.Fatalf("cascade incomplete: %+v", res)
	}
	if !res.AllCompleted {
		t.Fatalf("all_completed not reported")
	}
	pumpStops := q.Query(queue.Filter{DeviceType: model.DevicePump})
	if len(pumpStops) != 2 {
		t.Fatalf("expected 2 pump stops, got %+v", pumpStops)
	}

	// The flag is one-shot.
	res = m.CheckAndCloseDevices(nil)
	if res.AllCompleted {
		t.Fatalf("all_completed reported twice")
	}
	if st := m.GetStatistics(); !st.AllCompleted || st.ActivePumps != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestInitializeBatchRejectsStructurallyInvalidInput(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	cases := []model.Batch{
		{Index: 1, Fields: []model.FieldSpec{{ID: "F1", InletGateID: "G-1"}}},                                    // no segment
		{Index: 1, Fields: []model.FieldSpec{{ID: "F1", SegmentID: "S1", InletGateID: "GATE"}}},                  // no gate sequence
		{Index: 1, Regulators: []model.RegulatorSpec{{ID: "R1", SegmentID: "S1", Type: model.GateType("side")}}}, // bad gate type
		{Index: 1, Fields: []model.FieldSpec{field("F1", "S1", "G-1", 1, 2), field("F1", "S1", "G-2", 1, 2)}},    // duplicate field
	}
	for i, b := range cases {
		if err := m.InitializeBatch(b); !errors.Is(err, ErrInvalidBatch) {
			t.Fatalf("case %d: expected ErrInvalidBatch, got %v", i, err)
		}
	}
}

func TestInitializeBatchReplacesState(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	first := model.Batch{Index: 1, Fields: []model.FieldSpec{field("F1", "S1", "G-1", 100, 150)}, Pumps: []string{"P1"}}
	if err := m.InitializeBatch(first); err != nil {
		t.Fatalf("init: %v", err)
	}
	m.CheckAndCloseDevices(map[string]model.WaterLevelReading{"F1": sensor("F1", 120)})

	second := model.Batch{Index: 2, Fields: []model.FieldSpec{field("F9", "S5", "G-2", 100, 150)}, Pumps: []string{"P2"}}
	if err := m.InitializeBatch(second); err != nil {
		t.Fatalf("init: %v", err)
	}
	st := m.GetStatistics()
	if st.BatchIndex != 2 || st.CompletedFields != 0 || st.ActiveFields != 1 || st.ActivePumps != 1 {
		t.Fatalf("previous batch leaked into new context: %+v", st)
	}
	if ids := m.ActiveFieldIDs(); len(ids) != 1 || ids[0] != "F9" {
		t.Fatalf("unexpected active fields: %v", ids)
	}
}

func TestManualOverrideRecordsHistory(t *testing.T) {
	m, _, wl := newTestMonitor(t)
	if err := m.InitializeBatch(model.Batch{Index: 1, Fields: []model.FieldSpec{field("F1", "S1", "G-1", 100, 150)}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	m.UpdateWaterLevels(map[string]float64{"F1": 88, "nope": 10})

	latest := wl.Latest([]string{"F1", "nope"})
	r, ok := latest["F1"]
	if !ok || r.Source != model.SourceManual || r.LevelMM != 88 {
		t.Fatalf("manual reading not recorded: %+v", latest)
	}
	if _, ok := latest["nope"]; ok {
		t.Fatalf("unknown field must not be recorded")
	}
}

func TestGateSequence(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"G-7", 7, true},
		{"LQ1-07", 7, true},
		{"main12", 12, true},
		{"GATE", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, err := GateSequence(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Fatalf("GateSequence(%q) = %d, %v; want %d", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Fatalf("GateSequence(%q) should fail", c.in)
		}
	}
}
