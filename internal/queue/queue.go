// v2
// internal/queue/queue.go
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"aquagrid/engine/internal/model"
)

// ErrNotFound is returned when a status update references an unknown command
// ID. Callers treat it as a warning, not a failure.
var ErrNotFound = errors.New("command not found")

// Spec is the caller-facing request to enqueue a command. The queue assigns
// ID, status and timestamps.
type Spec struct {
	DeviceType  model.DeviceType
	DeviceID    string
	HardwareRef string
	Action      model.Action
	Phase       model.Phase
	Params      map[string]float64
	Priority    int
	Description string
	Reason      string
}

// Filter narrows Query results. Empty fields match everything.
type Filter struct {
	Phase      model.Phase
	Status     model.CommandStatus
	DeviceType model.DeviceType
}

// Stats summarizes queue occupancy by status.
type Stats struct {
	Total    int                         `json:"total"`
	ByStatus map[model.CommandStatus]int `json:"byStatus"`
}

// Queue holds every hardware command the engine has decided on. It is the
// single choke point between decision logic and hardware: the monitor and
// the regenerator never talk to devices directly.
//
// The fingerprint index holds only commands in non-terminal status, so the
// dedup check is O(1) instead of a scan. Check-and-append runs under one
// lock because both the monitor tick and external regeneration calls
// enqueue.
type Queue struct {
	mu       sync.Mutex
	lg       *slog.Logger
	nextID   int64
	commands map[int64]*model.DeviceCommand
	inflight map[model.Fingerprint]int64
	now      func() time.Time
}

func New(lg *slog.Logger) *Queue {
	return &Queue{
		lg:       lg,
		commands: map[int64]*model.DeviceCommand{},
		inflight: map[model.Fingerprint]int64{},
		now:      time.Now,
	}
}

// Enqueue admits a command, or returns the ID of an existing pending/sent
// command with the same (device, action, phase) fingerprint. The boolean is
// true when the spec was deduplicated.
func (q *Queue) Enqueue(spec Spec) (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fp := model.Fingerprint{DeviceID: spec.DeviceID, Action: spec.Action, Phase: spec.Phase}
	if id, ok := q.inflight[fp]; ok {
		q.lg.Info("command_dedup_skip", "id", id, "device", spec.DeviceID, "action", spec.Action, "phase", spec.Phase)
		return id, true
	}

	q.nextID++
	cmd := &model.DeviceCommand{
		ID:          q.nextID,
		DeviceType:  spec.DeviceType,
		DeviceID:    spec.DeviceID,
		HardwareRef: spec.HardwareRef,
		Action:      spec.Action,
		Params:      cloneParams(spec.Params),
		Priority:    spec.Priority,
		Phase:       spec.Phase,
		Description: spec.Description,
		Status:      model.CommandPending,
		Reason:      spec.Reason,
		CreatedAt:   q.now(),
	}
	if cmd.HardwareRef == "" {
		// Still enqueued and dispatched; the device bridge will fail it
		// through feedback until an operator binds the hardware.
		q.lg.Warn("command_missing_hardware_ref", "id", cmd.ID, "device", cmd.DeviceID, "type", cmd.DeviceType)
		if cmd.Reason == "" {
			cmd.Reason = "missing hardware reference"
		} else {
			cmd.Reason += "; missing hardware reference"
		}
	}
	q.commands[cmd.ID] = cmd
	q.inflight[fp] = cmd.ID
	q.lg.Info("command_enqueued", "id", cmd.ID, "device", cmd.DeviceID, "action", cmd.Action, "phase", cmd.Phase, "priority", cmd.Priority)
	return cmd.ID, false
}

// Query returns copies of commands matching the filter, ordered by ID.
func (q *Queue) Query(f Filter) []model.DeviceCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.DeviceCommand, 0, len(q.commands))
	for _, c := range q.commands {
		if f.Phase != "" && c.Phase != f.Phase {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.DeviceType != "" && c.DeviceType != f.DeviceType {
			continue
		}
		out = append(out, copyCommand(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending returns dispatchable commands ordered by priority (high first),
// then by ID for stability.
func (q *Queue) Pending() []model.DeviceCommand {
	out := q.Query(Filter{Status: model.CommandPending})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// MarkSent transitions a command to sent and stamps the send time.
func (q *Queue) MarkSent(id int64) error {
	return q.transition(id, model.CommandSent, "")
}

// UpdateStatus applies an externally observed transition, typically from an
// asynchronous hardware feedback callback.
func (q *Queue) UpdateStatus(id int64, status model.CommandStatus, message string) error {
	return q.transition(id, status, message)
}

func (q *Queue) transition(id int64, status model.CommandStatus, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.commands[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	prev := cmd.Status
	cmd.Status = status
	if message != "" {
		cmd.Feedback = message
	}
	switch status {
	case model.CommandSent:
		cmd.SentAt = q.now()
	case model.CommandExecuted, model.CommandFailed:
		cmd.CompletedAt = q.now()
		delete(q.inflight, cmd.Fingerprint())
	}
	q.lg.Info("command_status", "id", id, "from", prev, "to", status)
	return nil
}

// Stats counts commands by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Total: len(q.commands), ByStatus: map[model.CommandStatus]int{}}
	for _, c := range q.commands {
		s.ByStatus[c.Status]++
	}
	return s
}

// Cleanup drops terminal commands created before the retention window.
// Pending and sent commands are outstanding hardware obligations and are
// never removed, whatever their age.
func (q *Queue) Cleanup(retention time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-retention)
	removed := 0
	for id, c := range q.commands {
		if !c.Status.Terminal() {
			continue
		}
		if c.CreatedAt.After(cutoff) {
			continue
		}
		delete(q.commands, id)
		removed++
	}
	if removed > 0 {
		q.lg.Info("command_cleanup", "removed", removed, "retention", retention.String())
	}
	return removed
}

func copyCommand(c *model.DeviceCommand) model.DeviceCommand {
	cp := *c
	cp.Params = cloneParams(c.Params)
	return cp
}

func cloneParams(src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
