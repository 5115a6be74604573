// v4
// internal/monitor/monitor.go
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"aquagrid/engine/internal/model"
	"aquagrid/engine/internal/queue"
	"aquagrid/engine/internal/waterlevel"
)

// ErrInvalidBatch marks structurally broken plan input: the cascade cannot
// resolve segment membership, so batch execution must fail rather than
// proceed on garbage.
var ErrInvalidBatch = errors.New("structurally invalid batch")

// FieldState tracks one irrigating field inside the active batch.
type FieldState struct {
	ID             string
	SegmentID      string
	GateSeq        int
	CurrentWL      float64
	OptWL          float64
	HighWL         float64
	Status         model.FieldStatus
	InletDevice    string
	InletHWRef     string
	OutletDevice   string
	OutletHWRef    string
	CompletionTime time.Time
}

// RegulatorState tracks one channel gate inside the active batch.
type RegulatorState struct {
	ID          string
	Type        model.GateType
	SegmentID   string
	GateSeq     int
	HardwareRef string
	Status      model.RegulatorStatus
}

// TickResult reports what one cascade pass decided.
type TickResult struct {
	CompletedFields  []string `json:"completedFields"`
	OverflowFields   []string `json:"overflowFields"`
	ClosedRegulators []string `json:"closedRegulators"`
	StoppedPumps     []string `json:"stoppedPumps"`
	AllCompleted     bool     `json:"allCompleted"`
}

// Statistics is a point-in-time summary of monitor state.
type Statistics struct {
	BatchIndex       int  `json:"batchIndex"`
	ActiveFields     int  `json:"activeFields"`
	CompletedFields  int  `json:"completedFields"`
	OverflowFields   int  `json:"overflowFields"`
	OpenRegulators   int  `json:"openRegulators"`
	ClosedRegulators int  `json:"closedRegulators"`
	ActivePumps      int  `json:"activePumps"`
	AllCompleted     bool `json:"allCompleted"`
}

// Monitor owns the per-batch field/regulator/pump state machine. Exactly one
// batch is active at a time; InitializeBatch replaces all state. The monitor
// never talks to hardware: every decision goes through the command queue.
//
// All exported methods take the monitor lock, so manual water-level
// overrides serialize with the tick instead of racing it.
type Monitor struct {
	mu sync.Mutex
	lg *slog.Logger
	q  *queue.Queue
	wl *waterlevel.Store

	batchIndex   int
	fields       map[string]*FieldState
	regulators   map[string]*RegulatorState
	pumps        map[string]struct{}
	doneReported bool
	now          func() time.Time
}

func New(lg *slog.Logger, q *queue.Queue, wl *waterlevel.Store) *Monitor {
	return &Monitor{
		lg:         lg,
		q:          q,
		wl:         wl,
		batchIndex: -1,
		fields:     map[string]*FieldState{},
		regulators: map[string]*RegulatorState{},
		pumps:      map[string]struct{}{},
		now:        time.Now,
	}
}

// InitializeBatch discards any previous batch context and loads the new one.
// Segment membership is validated up front: a field or regulator without a
// segment, or a field whose gate sequence cannot be derived, makes the whole
// batch unexecutable.
func (m *Monitor) InitializeBatch(b model.Batch) error {
	fields := make(map[string]*FieldState, len(b.Fields))
	for _, f := range b.Fields {
		if f.ID == "" || f.SegmentID == "" {
			return fmt.Errorf("%w: field %q has no segment", ErrInvalidBatch, f.ID)
		}
		seq, err := GateSequence(f.InletGateID)
		if err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrInvalidBatch, f.ID, err)
		}
		if _, dup := fields[f.ID]; dup {
			return fmt.Errorf("%w: duplicate field %s", ErrInvalidBatch, f.ID)
		}
		fields[f.ID] = &FieldState{
			ID:           f.ID,
			SegmentID:    f.SegmentID,
			GateSeq:      seq,
			CurrentWL:    f.PlannedLevelMM,
			OptWL:        f.OptLevelMM,
			HighWL:       f.HighLevelMM,
			Status:       model.FieldIrrigating,
			InletDevice:  f.InletDevice,
			InletHWRef:   f.InletHWRef,
			OutletDevice: f.OutletDevice,
			OutletHWRef:  f.OutletHWRef,
		}
	}
	regs := make(map[string]*RegulatorState, len(b.Regulators))
	for _, r := range b.Regulators {
		if r.ID == "" || r.SegmentID == "" {
			return fmt.Errorf("%w: regulator %q has no segment", ErrInvalidBatch, r.ID)
		}
		if r.Type != model.GateMain && r.Type != model.GateBranch {
			return fmt.Errorf("%w: regulator %s has unknown gate type %q", ErrInvalidBatch, r.ID, r.Type)
		}
		regs[r.ID] = &RegulatorState{
			ID:          r.ID,
			Type:        r.Type,
			SegmentID:   r.SegmentID,
			GateSeq:     r.GateSeq,
			HardwareRef: r.HardwareRef,
			Status:      model.RegulatorOpen,
		}
	}
	pumps := make(map[string]struct{}, len(b.Pumps))
	for _, p := range b.Pumps {
		pumps[p] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchIndex = b.Index
	m.fields = fields
	m.regulators = regs
	m.pumps = pumps
	m.doneReported = false
	m.lg.Info("batch_initialized", "batch", b.Index, "fields", len(fields), "regulators", len(regs), "pumps", len(pumps))
	return nil
}

// UpdateWaterLevels is the manual override path. Levels are applied to field
// state and recorded in the history store with source=manual, bypassing the
// sensor collaborator entirely.
func (m *Monitor) UpdateWaterLevels(levels map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, mm := range levels {
		f, ok := m.fields[id]
		if !ok {
			m.lg.Warn("manual_level_unknown_field", "field", id)
			continue
		}
		f.CurrentWL = mm
		m.wl.Record(model.WaterLevelReading{
			FieldID:   id,
			LevelMM:   mm,
			Timestamp: m.now(),
			Source:    model.SourceManual,
			Quality:   model.QualityGood,
		})
		m.lg.Info("manual_level_applied", "field", id, "level_mm", mm)
	}
}

// CheckAndCloseDevices runs one cascade tick over the supplied fresh
// readings. Tiers run strictly in order; each later tier recomputes its
// closure predicate from the state left by the earlier one.
func (m *Monitor) CheckAndCloseDevices(latest map[string]model.WaterLevelReading) TickResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res TickResult

	// Tier 0: field completion. Fields without a fresh good-quality reading
	// are left untouched; missing or suspect data never forces a closure.
	for _, f := range sortedFields(m.fields) {
		if f.Status != model.FieldIrrigating {
			continue
		}
		r, ok := latest[f.ID]
		if !ok || r.Quality != model.QualityGood {
			m.lg.Debug("field_skipped_no_usable_reading", "field", f.ID)
			continue
		}
		f.CurrentWL = r.LevelMM
		switch {
		case r.LevelMM > f.HighWL:
			m.overflowField(f)
			res.OverflowFields = append(res.OverflowFields, f.ID)
		case r.LevelMM >= f.OptWL:
			m.completeField(f)
			res.CompletedFields = append(res.CompletedFields, f.ID)
		}
	}

	// Tier 1: regulator closure. Only worth evaluating when Tier 0 moved
	// something; otherwise the topology has not changed since last tick.
	if len(res.CompletedFields)+len(res.OverflowFields) > 0 {
		for _, reg := range sortedRegulators(m.regulators) {
			if reg.Status != model.RegulatorOpen {
				continue
			}
			if m.regulatorMayClose(reg) {
				m.closeRegulator(reg)
				res.ClosedRegulators = append(res.ClosedRegulators, reg.ID)
			}
		}
	}

	// Tier 2: pump stop. Requires Tier 1 progress, or every field terminal.
	if len(res.ClosedRegulators) > 0 || m.allFieldsTerminal() {
		if m.allFieldsTerminal() || m.allRegulatorsClosed() {
			for _, p := range sortedPumps(m.pumps) {
				m.stopPump(p)
				res.StoppedPumps = append(res.StoppedPumps, p)
			}
		}
	}

	if m.allFieldsTerminal() && len(m.pumps) == 0 && !m.doneReported {
		m.doneReported = true
		res.AllCompleted = true
		m.lg.Info("batch_all_completed", "batch", m.batchIndex)
	}
	return res
}

func (m *Monitor) completeField(f *FieldState) {
	f.Status = model.FieldCompleted
	f.CompletionTime = m.now()
	m.q.Enqueue(queue.Spec{
		DeviceType:  model.DeviceInletGate,
		DeviceID:    f.InletDevice,
		HardwareRef: f.InletHWRef,
		Action:      model.ActionClose,
		Phase:       model.PhaseStop,
		Priority:    5,
		Description: "inlet close, target level reached",
		Reason:      fmt.Sprintf("field %s at %.0fmm within [%.0f, %.0f]", f.ID, f.CurrentWL, f.OptWL, f.HighWL),
	})
	m.lg.Info("field_completed", "field", f.ID, "level_mm", f.CurrentWL)
}

func (m *Monitor) overflowField(f *FieldState) {
	f.Status = model.FieldOverflow
	f.CompletionTime = m.now()
	m.q.Enqueue(queue.Spec{
		DeviceType:  model.DeviceInletGate,
		DeviceID:    f.InletDevice,
		HardwareRef: f.InletHWRef,
		Action:      model.ActionClose,
		Phase:       model.PhaseStop,
		Priority:    9,
		Description: "inlet close, overflow",
		Reason:      fmt.Sprintf("field %s at %.0fmm above ceiling %.0fmm", f.ID, f.CurrentWL, f.HighWL),
	})
	if f.OutletDevice != "" {
		m.q.Enqueue(queue.Spec{
			DeviceType:  model.DeviceOutletGate,
			DeviceID:    f.OutletDevice,
			HardwareRef: f.OutletHWRef,
			Action:      model.ActionOpen,
			Phase:       model.PhaseStop,
			Params:      map[string]float64{"open_percent": 100},
			Priority:    10,
			Description: "emergency outlet full open",
			Reason:      fmt.Sprintf("field %s overflow drain", f.ID),
		})
	}
	m.lg.Warn("field_overflow", "field", f.ID, "level_mm", f.CurrentWL, "high_mm", f.HighWL)
}

// regulatorMayClose encodes the topological ordering along the channel: a
// gate may close once nothing that still needs flow has to route through it.
func (m *Monitor) regulatorMayClose(reg *RegulatorState) bool {
	switch reg.Type {
	case model.GateBranch:
		// Own segment drained, or all of its demand sits upstream of this
		// gate. A segment with zero fields trivially satisfies closure.
		allTerminal, allUpstream := true, true
		for _, f := range m.fields {
			if f.SegmentID != reg.SegmentID {
				continue
			}
			if f.Status == model.FieldIrrigating {
				allTerminal = false
			}
			if f.GateSeq >= reg.GateSeq {
				allUpstream = false
			}
		}
		return allTerminal || allUpstream
	case model.GateMain:
		// Main gates look at every other segment's remaining demand.
		allTerminal, allDownstream := true, true
		for _, f := range m.fields {
			if f.SegmentID == reg.SegmentID {
				continue
			}
			if f.Status == model.FieldIrrigating {
				allTerminal = false
			}
			if f.GateSeq <= reg.GateSeq {
				allDownstream = false
			}
		}
		return allTerminal || allDownstream
	default:
		return false
	}
}

func (m *Monitor) closeRegulator(reg *RegulatorState) {
	reg.Status = model.RegulatorClosed
	m.q.Enqueue(queue.Spec{
		DeviceType:  model.DeviceRegulator,
		DeviceID:    reg.ID,
		HardwareRef: reg.HardwareRef,
		Action:      model.ActionClose,
		Phase:       model.PhaseStop,
		Priority:    5,
		Description: fmt.Sprintf("%s gate close, downstream demand satisfied", reg.Type),
		Reason:      fmt.Sprintf("segment %s seq %d", reg.SegmentID, reg.GateSeq),
	})
	m.lg.Info("regulator_closed", "regulator", reg.ID, "type", reg.Type, "segment", reg.SegmentID)
}

func (m *Monitor) stopPump(id string) {
	delete(m.pumps, id)
	m.q.Enqueue(queue.Spec{
		DeviceType:  model.DevicePump,
		DeviceID:    id,
		Action:      model.ActionStop,
		Phase:       model.PhaseStop,
		Priority:    5,
		Description: "pump stop, no remaining demand",
	})
	m.lg.Info("pump_stopped", "pump", id)
}

func (m *Monitor) allFieldsTerminal() bool {
	for _, f := range m.fields {
		if f.Status == model.FieldIrrigating {
			return false
		}
	}
	return true
}

func (m *Monitor) allRegulatorsClosed() bool {
	for _, r := range m.regulators {
		if r.Status != model.RegulatorClosed {
			return false
		}
	}
	return true
}

// GetStatistics snapshots current batch progress.
func (m *Monitor) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Statistics{BatchIndex: m.batchIndex, ActivePumps: len(m.pumps), AllCompleted: m.doneReported}
	for _, f := range m.fields {
		switch f.Status {
		case model.FieldIrrigating:
			st.ActiveFields++
		case model.FieldCompleted:
			st.CompletedFields++
		case model.FieldOverflow:
			st.OverflowFields++
		}
	}
	for _, r := range m.regulators {
		if r.Status == model.RegulatorClosed {
			st.ClosedRegulators++
		} else {
			st.OpenRegulators++
		}
	}
	return st
}

// ActiveFieldIDs lists fields the engine should fetch readings for.
func (m *Monitor) ActiveFieldIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.fields))
	for _, f := range m.fields {
		if f.Status == model.FieldIrrigating {
			out = append(out, f.ID)
		}
	}
	sortStrings(out)
	return out
}

// Segments lists the distinct segment IDs of the active batch.
func (m *Monitor) Segments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	for _, f := range m.fields {
		seen[f.SegmentID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sortStrings(out)
	return out
}

// GateSequence extracts the trailing integer from a gate identifier, e.g.
// "LQ1-07" -> 7. The sequence orders gates upstream to downstream.
func GateSequence(gateID string) (int, error) {
	end := len(gateID)
	start := end
	for start > 0 {
		c := gateID[start-1]
		if c < '0' || c > '9' {
			break
		}
		start--
	}
	if start == end {
		return 0, fmt.Errorf("gate id %q has no sequence number", gateID)
	}
	seq, err := strconv.Atoi(gateID[start:end])
	if err != nil {
		return 0, fmt.Errorf("gate id %q: %w", gateID, err)
	}
	return seq, nil
}
