// v3
// internal/regen/regen.go
package regen

import (
	"fmt"
	"log/slog"
	"math"

	"aquagrid/engine/internal/model"
)

// Change type identifiers carried in RegenerationChange.Type.
const (
	ChangeAdjustDuration = "adjust_duration"
	ChangeRemoveCommands = "remove_commands"
)

// Rules are the plan-independent regeneration tunables, loaded from the
// properties file.
type Rules struct {
	// WaterLevelThresholdMM is the dead band: deltas below it are noise.
	WaterLevelThresholdMM float64
	// TargetToleranceMM widens the per-field optimum into a satisfied band.
	TargetToleranceMM float64
	// Duration clamp, minutes.
	MinIrrigationDurationMin float64
	MaxIrrigationDurationMin float64
	// MaxFlowAdjustRatio bounds flow scaling relative to the original.
	MaxFlowAdjustRatio float64
	// ModerateFactor scales the threshold for the moderate/major boundary.
	// minor < 1x threshold, moderate < ModerateFactor x threshold.
	ModerateFactor float64
}

// DefaultRules mirror the shipped properties file.
func DefaultRules() Rules {
	return Rules{
		WaterLevelThresholdMM:    20,
		TargetToleranceMM:        10,
		MinIrrigationDurationMin: 15,
		MaxIrrigationDurationMin: 720,
		MaxFlowAdjustRatio:       1.5,
		ModerateFactor:           3,
	}
}

// Regenerator recomputes a batch's command set against updated readings. It
// is a pure transformation: neither the plan nor any live device state is
// touched, and the caller receives both command sets for a deterministic
// diff.
type Regenerator struct {
	rules Rules
	lg    *slog.Logger
}

func New(rules Rules, lg *slog.Logger) *Regenerator {
	return &Regenerator{rules: rules, lg: lg}
}

// RegenerateBatch revises the identified batch using per-field updated
// levels (mm). An unknown batch index yields success=false with a populated
// error message and empty changes.
func (g *Regenerator) RegenerateBatch(batchIndex int, plan model.Plan, newLevels map[string]float64) model.BatchRegenerationResult {
	res := model.BatchRegenerationResult{BatchIndex: batchIndex}

	batch, ok := plan.BatchByIndex(batchIndex)
	if !ok {
		res.ErrorMessage = fmt.Sprintf("batch index %d not present in plan %s", batchIndex, plan.ID)
		g.lg.Warn("regen_unknown_batch", "batch", batchIndex, "plan", plan.ID)
		return res
	}

	res.Success = true
	res.OriginalCommands = cloneCommands(batch.Commands)

	removed := map[string]bool{}
	adjusted := map[string]fieldAdjustment{}

	for _, f := range batch.Fields {
		newLevel, ok := newLevels[f.ID]
		if !ok {
			continue
		}
		delta := newLevel - f.PlannedLevelMM

		// The dead band gates everything: a delta below the threshold is
		// sensor noise, whatever the absolute level.
		if math.Abs(delta) < g.rules.WaterLevelThresholdMM {
			continue
		}

		// Already inside the satisfied band around the target: the field
		// needs no more water, so its remaining commands are dropped
		// rather than rescaled.
		if math.Abs(newLevel-f.OptLevelMM) <= g.rules.TargetToleranceMM {
			removed[f.ID] = true
			res.Changes = append(res.Changes, model.RegenerationChange{
				Type:     ChangeRemoveCommands,
				FieldID:  f.ID,
				OldValue: f.DurationMin,
				NewValue: 0,
				Reason:   fmt.Sprintf("level %.0fmm already within %.0f±%.0fmm", newLevel, f.OptLevelMM, g.rules.TargetToleranceMM),
				Impact:   g.classify(delta),
			})
			res.TimeAdjustmentMin -= f.DurationMin
			res.VolumeAdjustmentM3 -= litersToM3(f.FlowRateLPS * f.DurationMin * 60)
			continue
		}

		adj := g.adjustField(f, newLevel)
		adjusted[f.ID] = adj
		res.Changes = append(res.Changes, model.RegenerationChange{
			Type:     ChangeAdjustDuration,
			FieldID:  f.ID,
			OldValue: f.DurationMin,
			NewValue: adj.durationMin,
			Reason:   fmt.Sprintf("level moved %+.0fmm against plan", delta),
			Impact:   g.classify(delta),
		})
		res.TimeAdjustmentMin += adj.durationMin - f.DurationMin
		res.VolumeAdjustmentM3 += litersToM3(adj.flowLPS*adj.durationMin*60) - litersToM3(f.FlowRateLPS*f.DurationMin*60)
	}

	res.RegeneratedCommands = rewriteCommands(batch.Commands, removed, adjusted)
	g.lg.Info("regen_done", "batch", batchIndex, "changes", len(res.Changes),
		"time_adjust_min", res.TimeAdjustmentMin, "volume_adjust_m3", res.VolumeAdjustmentM3)
	return res
}

type fieldAdjustment struct {
	durationMin float64
	flowLPS     float64
}

// adjustField rescales duration and flow by the remaining-demand ratio,
// clamped to the configured bounds.
func (g *Regenerator) adjustField(f model.FieldSpec, newLevel float64) fieldAdjustment {
	plannedNeed := f.OptLevelMM - f.PlannedLevelMM
	remainingNeed := f.OptLevelMM - newLevel
	ratio := 1.0
	if plannedNeed > 0 {
		ratio = remainingNeed / plannedNeed
	}
	if ratio < 0 {
		ratio = 0
	}

	dur := clamp(f.DurationMin*ratio, g.rules.MinIrrigationDurationMin, g.rules.MaxIrrigationDurationMin)

	flow := f.FlowRateLPS * ratio
	if g.rules.MaxFlowAdjustRatio > 0 {
		flow = clamp(flow, f.FlowRateLPS/g.rules.MaxFlowAdjustRatio, f.FlowRateLPS*g.rules.MaxFlowAdjustRatio)
	}
	return fieldAdjustment{durationMin: dur, flowLPS: flow}
}

func (g *Regenerator) classify(delta float64) model.ImpactLevel {
	mag := math.Abs(delta)
	switch {
	case mag < g.rules.WaterLevelThresholdMM:
		return model.ImpactMinor
	case mag < g.rules.ModerateFactor*g.rules.WaterLevelThresholdMM:
		return model.ImpactModerate
	default:
		return model.ImpactMajor
	}
}

func rewriteCommands(cmds []model.PlannedCommand, removed map[string]bool, adjusted map[string]fieldAdjustment) []model.PlannedCommand {
	out := make([]model.PlannedCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.FieldID != "" && removed[c.FieldID] {
			continue
		}
		cp := c
		if adj, ok := adjusted[c.FieldID]; ok && c.FieldID != "" {
			cp.Params = cloneParamMap(c.Params)
			if _, has := cp.Params["duration_min"]; has {
				cp.Params["duration_min"] = adj.durationMin
			}
			if _, has := cp.Params["flow_rate_lps"]; has {
				cp.Params["flow_rate_lps"] = adj.flowLPS
			}
		}
		out = append(out, cp)
	}
	return out
}

func cloneCommands(cmds []model.PlannedCommand) []model.PlannedCommand {
	out := make([]model.PlannedCommand, len(cmds))
	for i, c := range cmds {
		out[i] = c
		out[i].Params = cloneParamMap(c.Params)
	}
	return out
}

func cloneParamMap(src map[string]float64) map[string]float64 {
	if src == nil {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func litersToM3(liters float64) float64 { return liters / 1000 }
