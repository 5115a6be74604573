// v3
// internal/model/model.go
package model

import "time"

// Device and command enumerations. Command statuses and batch statuses are
// deliberately separate types even though some values overlap.
type DeviceType string

const (
	DevicePump       DeviceType = "pump"
	DeviceRegulator  DeviceType = "regulator"
	DeviceInletGate  DeviceType = "inlet_gate"
	DeviceOutletGate DeviceType = "outlet_gate"
)

type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
	ActionOpen  Action = "open"
	ActionClose Action = "close"
	ActionSet   Action = "set"
)

type Phase string

const (
	PhaseStart   Phase = "start"
	PhaseRunning Phase = "running"
	PhaseStop    Phase = "stop"
)

type CommandStatus string

const (
	CommandPending  CommandStatus = "pending"
	CommandSent     CommandStatus = "sent"
	CommandExecuted CommandStatus = "executed"
	CommandFailed   CommandStatus = "failed"
)

// Terminal reports whether the command can no longer change state.
func (s CommandStatus) Terminal() bool {
	return s == CommandExecuted || s == CommandFailed
}

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

type FieldStatus string

const (
	FieldIrrigating FieldStatus = "irrigating"
	FieldCompleted  FieldStatus = "completed"
	FieldOverflow   FieldStatus = "overflow"
)

type GateType string

const (
	GateMain   GateType = "main"
	GateBranch GateType = "branch"
)

type RegulatorStatus string

const (
	RegulatorOpen   RegulatorStatus = "open"
	RegulatorClosed RegulatorStatus = "closed"
)

type ReadingSource string

const (
	SourceSensor ReadingSource = "sensor"
	SourceManual ReadingSource = "manual"
)

type ReadingQuality string

const (
	QualityGood    ReadingQuality = "good"
	QualitySuspect ReadingQuality = "suspect"
	QualityMissing ReadingQuality = "missing"
)

// WaterLevelReading is an immutable observation of one field's water level.
type WaterLevelReading struct {
	FieldID   string         `json:"fieldId"`
	LevelMM   float64        `json:"levelMm"`
	Timestamp time.Time      `json:"timestamp"`
	Source    ReadingSource  `json:"source"`
	Quality   ReadingQuality `json:"quality"`
}

// DeviceCommand is a queued hardware instruction. The ID is assigned by the
// command queue and is monotonic within a process lifetime.
type DeviceCommand struct {
	ID          int64              `json:"id"`
	DeviceType  DeviceType         `json:"deviceType"`
	DeviceID    string             `json:"deviceId"`
	HardwareRef string             `json:"hardwareRef,omitempty"`
	Action      Action             `json:"action"`
	Params      map[string]float64 `json:"params,omitempty"`
	Priority    int                `json:"priority"`
	Phase       Phase              `json:"phase"`
	Description string             `json:"description,omitempty"`
	Status      CommandStatus      `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	SentAt      time.Time          `json:"sentAt,omitempty"`
	CompletedAt time.Time          `json:"completedAt,omitempty"`
	Feedback    string             `json:"feedback,omitempty"`
}

// Fingerprint identifies an in-flight command for deduplication purposes.
type Fingerprint struct {
	DeviceID string
	Action   Action
	Phase    Phase
}

func (c DeviceCommand) Fingerprint() Fingerprint {
	return Fingerprint{DeviceID: c.DeviceID, Action: c.Action, Phase: c.Phase}
}

// FieldSpec is the plan-supplied description of one field in a batch.
// GateSeq is derived from the inlet gate identifier when the batch is
// initialized; PlannedLevelMM is the level the optimizer assumed.
type FieldSpec struct {
	ID             string  `json:"id"`
	SegmentID      string  `json:"segmentId"`
	InletGateID    string  `json:"inletGateId"`
	PlannedLevelMM float64 `json:"plannedLevelMm"`
	OptLevelMM     float64 `json:"optLevelMm"`
	HighLevelMM    float64 `json:"highLevelMm"`
	InletDevice    string  `json:"inletDevice"`
	InletHWRef     string  `json:"inletHwRef,omitempty"`
	OutletDevice   string  `json:"outletDevice,omitempty"`
	OutletHWRef    string  `json:"outletHwRef,omitempty"`
	DurationMin    float64 `json:"durationMin"`
	FlowRateLPS    float64 `json:"flowRateLps"`
}

// RegulatorSpec describes a channel gate assigned to a batch.
type RegulatorSpec struct {
	ID          string   `json:"id"`
	Type        GateType `json:"type"`
	SegmentID   string   `json:"segmentId"`
	GateSeq     int      `json:"gateSeq"`
	HardwareRef string   `json:"hardwareRef,omitempty"`
	OpenPercent float64  `json:"openPercent"`
}

// PlannedCommand is a plan-level command prior to queue admission. FieldID
// ties irrigation commands back to the field they serve so regeneration can
// rewrite or drop them.
type PlannedCommand struct {
	DeviceType  DeviceType         `json:"deviceType"`
	DeviceID    string             `json:"deviceId"`
	HardwareRef string             `json:"hardwareRef,omitempty"`
	Action      Action             `json:"action"`
	Phase       Phase              `json:"phase"`
	FieldID     string             `json:"fieldId,omitempty"`
	Params      map[string]float64 `json:"params,omitempty"`
	Priority    int                `json:"priority"`
	Description string             `json:"description,omitempty"`
}

// Batch is one scheduled execution unit of a plan. Immutable input.
type Batch struct {
	Index       int              `json:"index"`
	StartOffset time.Duration    `json:"startOffset"`
	Duration    time.Duration    `json:"duration"`
	Fields      []FieldSpec      `json:"fields"`
	Regulators  []RegulatorSpec  `json:"regulators"`
	Pumps       []string         `json:"pumps"`
	Commands    []PlannedCommand `json:"commands"`
}

// Plan is the optimizer's output: an ordered batch sequence.
type Plan struct {
	ID      string  `json:"id"`
	Batches []Batch `json:"batches"`
}

// BatchByIndex returns the batch with the given index, if present.
func (p Plan) BatchByIndex(idx int) (Batch, bool) {
	for _, b := range p.Batches {
		if b.Index == idx {
			return b, true
		}
	}
	return Batch{}, false
}

type ImpactLevel string

const (
	ImpactMinor    ImpactLevel = "minor"
	ImpactModerate ImpactLevel = "moderate"
	ImpactMajor    ImpactLevel = "major"
)

// RegenerationChange records one per-field adjustment made by the plan
// regenerator.
type RegenerationChange struct {
	Type     string      `json:"type"`
	FieldID  string      `json:"fieldId"`
	OldValue float64     `json:"oldValue"`
	NewValue float64     `json:"newValue"`
	Reason   string      `json:"reason"`
	Impact   ImpactLevel `json:"impact"`
}

// BatchRegenerationResult always carries both command sets so callers can
// diff deterministically. Success=false means no state was touched.
type BatchRegenerationResult struct {
	Success             bool                 `json:"success"`
	BatchIndex          int                  `json:"batchIndex"`
	OriginalCommands    []PlannedCommand     `json:"originalCommands"`
	RegeneratedCommands []PlannedCommand     `json:"regeneratedCommands"`
	Changes             []RegenerationChange `json:"changes"`
	TimeAdjustmentMin   float64              `json:"timeAdjustmentMin"`
	VolumeAdjustmentM3  float64              `json:"volumeAdjustmentM3"`
	ErrorMessage        string               `json:"errorMessage,omitempty"`
}
