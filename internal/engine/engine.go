// v5
// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"aquagrid/engine/internal/config"
	"aquagrid/engine/internal/gateway"
	"aquagrid/engine/internal/ledger"
	"aquagrid/engine/internal/metrics"
	"aquagrid/engine/internal/model"
	"aquagrid/engine/internal/monitor"
	"aquagrid/engine/internal/queue"
	"aquagrid/engine/internal/regen"
	"aquagrid/engine/internal/waterlevel"
)

// ErrNoActivePlan is returned when an operation needs a loaded plan.
var ErrNoActivePlan = errors.New("no active plan")

// IO is the broker-facing surface the coordinator depends on. The kafka
// gateway satisfies it; tests swap in a fake.
type IO interface {
	DrainSegmentReadings(ctx context.Context, segment string) ([]model.WaterLevelReading, error)
	DrainFeedback(ctx context.Context) ([]gateway.CommandFeedback, error)
	PublishCommands(ctx context.Context, cmds []model.DeviceCommand) error
	PublishLedgerEvent(ctx context.Context, ev gateway.LedgerEvent) error
}

// Stats is the engine-level status snapshot served over HTTP.
type Stats struct {
	RunID       string             `json:"runId"`
	PlanID      string             `json:"planId,omitempty"`
	ActiveBatch int                `json:"activeBatch"`
	Ticks       int64              `json:"ticks"`
	ReadingsIn  int64              `json:"readingsIn"`
	CommandsOut int64              `json:"commandsOut"`
	Monitor     monitor.Statistics `json:"monitor"`
	Queue       queue.Stats        `json:"queue"`
}

// Engine is the coordinator: it owns the poll loop and is the only component
// that touches the broker, the ledger and the decision modules together.
// External calls (start, regenerate, manual levels) serialize against the
// tick through the engine mutex.
type Engine struct {
	cfg *config.AppConfig
	lg  *slog.Logger
	io  IO
	q   *queue.Queue
	wl  *waterlevel.Store
	mon *monitor.Monitor
	led *ledger.Store

	mu          sync.Mutex
	plan        model.Plan
	planLoaded  bool
	runID       string
	activeBatch int
	batchDone   bool
	lastCleanup time.Time
	ticks       int64
	readingsIn  int64
	commandsOut int64
}

func NewEngine(cfg *config.AppConfig, lg *slog.Logger, io IO, q *queue.Queue, wl *waterlevel.Store, mon *monitor.Monitor, led *ledger.Store) *Engine {
	return &Engine{
		cfg:         cfg,
		lg:          lg,
		io:          io,
		q:           q,
		wl:          wl,
		mon:         mon,
		led:         led,
		runID:       uuid.NewString(),
		activeBatch: -1,
		lastCleanup: time.Now(),
	}
}

// RecoverUnfinished marks batches left running by a previous process as
// failed. The engine never resumes a half-executed batch blind; the operator
// restarts it against live field state.
func (e *Engine) RecoverUnfinished(ctx context.Context) error {
	idxs, err := e.led.Unfinished(ctx)
	if err != nil {
		return fmt.Errorf("unfinished scan: %w", err)
	}
	for _, idx := range idxs {
		e.lg.Warn("batch_interrupted", "batch", idx)
		if err := e.led.RecordStatus(ctx, idx, model.BatchFailed, "interrupted by restart", time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// LoadPlan replaces the engine's plan. Nothing starts executing until
// StartBatch is called.
func (e *Engine) LoadPlan(plan model.Plan) error {
	if len(plan.Batches) == 0 {
		return errors.New("plan has no batches")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plan = plan
	e.planLoaded = true
	e.activeBatch = -1
	e.batchDone = false
	e.lg.Info("plan_loaded", "plan", plan.ID, "batches", len(plan.Batches))
	return nil
}

// StartBatch activates one batch: monitor state is initialized and the
// batch's planned commands are admitted to the queue.
func (e *Engine) StartBatch(ctx context.Context, idx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.planLoaded {
		return ErrNoActivePlan
	}
	b, ok := e.plan.BatchByIndex(idx)
	if !ok {
		return fmt.Errorf("batch %d not in plan %s", idx, e.plan.ID)
	}
	if err := e.mon.InitializeBatch(b); err != nil {
		if lerr := e.led.RecordStatus(ctx, idx, model.BatchFailed, err.Error(), time.Now()); lerr != nil {
			e.lg.Error("ledger_write_failed", "batch", idx, "error", lerr)
		}
		return err
	}
	for _, pc := range b.Commands {
		_, deduped := e.q.Enqueue(queue.Spec{
			DeviceType:  pc.DeviceType,
			DeviceID:    pc.DeviceID,
			HardwareRef: pc.HardwareRef,
			Action:      pc.Action,
			Phase:       pc.Phase,
			Params:      pc.Params,
			Priority:    pc.Priority,
			Description: pc.Description,
		})
		if deduped {
			metrics.CommandsDedupedTotal.Inc()
		} else {
			metrics.CommandsEnqueuedTotal.WithLabelValues(string(pc.Action)).Inc()
		}
	}
	e.activeBatch = idx
	e.batchDone = false
	e.recordTransition(ctx, idx, model.BatchRunning, "")
	e.lg.Info("batch_started", "batch", idx, "fields", len(b.Fields), "commands", len(b.Commands))
	return nil
}

// Regenerate reworks one batch's command set against fresh manual readings.
// The regenerator itself is pure and is built from the current rules on
// every call, so a properties reload takes effect immediately. On success
// the engine swaps the batch's commands in the stored plan.
func (e *Engine) Regenerate(idx int, newLevels map[string]float64) (model.BatchRegenerationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.planLoaded {
		return model.BatchRegenerationResult{}, ErrNoActivePlan
	}
	res := regen.New(e.cfg.Rules, e.lg).RegenerateBatch(idx, e.plan, newLevels)
	if !res.Success {
		metrics.RegenerationsTotal.WithLabelValues("failed").Inc()
		return res, nil
	}
	for i := range e.plan.Batches {
		if e.plan.Batches[i].Index == idx {
			e.plan.Batches[i].Commands = res.RegeneratedCommands
			break
		}
	}
	metrics.RegenerationsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

// InjectWaterLevels applies operator-entered levels to the active batch.
func (e *Engine) InjectWaterLevels(levels map[string]float64) {
	e.mon.UpdateWaterLevels(levels)
	for range levels {
		metrics.ReadingsTotal.WithLabelValues(string(model.SourceManual)).Inc()
	}
}

// Run drives the poll loop until the context is cancelled. An in-flight tick
// always completes; cancellation is only observed between ticks.
func (e *Engine) Run(ctx context.Context) {
	interval := time.Duration(e.cfg.PollIntervalSec) * time.Second
	e.lg.Info("engine start", "interval_sec", e.cfg.PollIntervalSec, "segments", e.cfg.Segments, "run", e.runID)
	for {
		select {
		case <-ctx.Done():
			e.lg.Info("engine stop", "run", e.runID)
			return
		default:
		}
		if err := e.Tick(ctx); err != nil {
			metrics.TickErrorsTotal.Inc()
			e.lg.Error("tick error", "error", err)
		}
		select {
		case <-ctx.Done():
			e.lg.Info("engine stop", "run", e.runID)
			return
		case <-time.After(interval):
		}
	}
}

// Tick executes one full cycle: fetch readings, apply feedback, run the
// closure cascade, dispatch, and settle the ledger.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticks++
	metrics.TicksTotal.Inc()

	if e.activeBatch >= 0 && !e.batchDone {
		if err := e.fetchReadings(ctx); err != nil {
			e.lg.Error("readings fetch", "error", err)
		}
	}
	e.applyFeedback(ctx)

	if e.activeBatch >= 0 && !e.batchDone {
		latest := e.wl.Latest(e.mon.ActiveFieldIDs())
		res := e.mon.CheckAndCloseDevices(latest)
		if n := len(res.CompletedFields) + len(res.OverflowFields) + len(res.ClosedRegulators) + len(res.StoppedPumps); n > 0 {
			e.lg.Info("cascade_progress", "batch", e.activeBatch,
				"completed", res.CompletedFields, "overflow", res.OverflowFields,
				"regulators", res.ClosedRegulators, "pumps", res.StoppedPumps)
		}
		if res.AllCompleted {
			e.batchDone = true
			e.recordTransition(ctx, e.activeBatch, model.BatchCompleted, "")
		}
	}

	e.dispatch(ctx)

	if time.Since(e.lastCleanup) > time.Hour {
		e.q.Cleanup(time.Duration(e.cfg.CleanupRetentionMin) * time.Minute)
		e.lastCleanup = time.Now()
	}

	st := e.mon.GetStatistics()
	metrics.ActiveFields.Set(float64(st.ActiveFields))
	qs := e.q.Stats()
	metrics.QueueDepth.Set(float64(qs.ByStatus[model.CommandPending] + qs.ByStatus[model.CommandSent]))
	return nil
}

// fetchReadings drains every active segment in parallel and records what
// arrived. A slow or dead collaborator only costs its own timeout.
func (e *Engine) fetchReadings(ctx context.Context) error {
	segments := e.mon.Segments()
	if len(segments) == 0 {
		return nil
	}
	timeout := time.Duration(e.cfg.CollaboratorTimeoutSec) * time.Second
	var mu sync.Mutex
	var readings []model.WaterLevelReading

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FetchParallelism)
	for _, seg := range segments {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			rs, err := e.io.DrainSegmentReadings(sctx, seg)
			if err != nil {
				e.lg.Warn("segment fetch failed", "segment", seg, "error", err)
				return nil // one dead segment must not starve the rest
			}
			mu.Lock()
			readings = append(readings, rs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, r := range readings {
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now()
		}
		if r.Source == "" {
			r.Source = model.SourceSensor
		}
		if r.Quality == "" {
			r.Quality = model.QualityGood
		}
		e.wl.Record(r)
		e.readingsIn++
		metrics.ReadingsTotal.WithLabelValues(string(r.Source)).Inc()
	}
	return nil
}

// applyFeedback folds device execution reports into the queue. Unknown
// command IDs happen after restarts and are tolerated.
func (e *Engine) applyFeedback(ctx context.Context) {
	fbs, err := e.io.DrainFeedback(ctx)
	if err != nil {
		e.lg.Warn("feedback fetch failed", "error", err)
		return
	}
	for _, fb := range fbs {
		if fb.Status != model.CommandExecuted && fb.Status != model.CommandFailed {
			e.lg.Warn("feedback with non-terminal status ignored", "id", fb.CommandID, "status", fb.Status)
			continue
		}
		if err := e.q.UpdateStatus(fb.CommandID, fb.Status, fb.Message); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				e.lg.Warn("feedback for unknown command", "id", fb.CommandID)
				continue
			}
			e.lg.Error("feedback apply failed", "id", fb.CommandID, "error", err)
			continue
		}
		if fb.Status == model.CommandFailed {
			metrics.CommandsFailedTotal.Inc()
		}
	}
}

// dispatch publishes pending commands and marks them sent. Publish and mark
// are not atomic; a crash in between re-sends, which devices must treat as
// idempotent.
func (e *Engine) dispatch(ctx context.Context) {
	pending := e.q.Pending()
	if len(pending) == 0 {
		return
	}
	if err := e.io.PublishCommands(ctx, pending); err != nil {
		e.lg.Error("command publish failed", "count", len(pending), "error", err)
		return
	}
	for _, c := range pending {
		if err := e.q.MarkSent(c.ID); err != nil {
			e.lg.Error("mark sent failed", "id", c.ID, "error", err)
		}
	}
	e.commandsOut += int64(len(pending))
	metrics.CommandsDispatchedTotal.Add(float64(len(pending)))
}

func (e *Engine) recordTransition(ctx context.Context, idx int, status model.BatchStatus, detail string) {
	now := time.Now()
	if err := e.led.RecordStatus(ctx, idx, status, detail, now); err != nil {
		metrics.LedgerWritesTotal.WithLabelValues("error").Inc()
		e.lg.Error("ledger_write_failed", "batch", idx, "status", status, "error", err)
	} else {
		metrics.LedgerWritesTotal.WithLabelValues("ok").Inc()
	}
	ev := gateway.LedgerEvent{
		RunID:      e.runID,
		PlanID:     e.plan.ID,
		BatchIndex: idx,
		Status:     status,
		Detail:     detail,
		Timestamp:  now,
	}
	if err := e.io.PublishLedgerEvent(ctx, ev); err != nil {
		e.lg.Warn("ledger event publish failed", "batch", idx, "error", err)
	}
}

// GetStats snapshots the engine for the HTTP status route.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		RunID:       e.runID,
		PlanID:      e.plan.ID,
		ActiveBatch: e.activeBatch,
		Ticks:       e.ticks,
		ReadingsIn:  e.readingsIn,
		CommandsOut: e.commandsOut,
		Monitor:     e.mon.GetStatistics(),
		Queue:       e.q.Stats(),
	}
}

// Plan returns a copy of the current plan.
func (e *Engine) Plan() (model.Plan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan, e.planLoaded
}
