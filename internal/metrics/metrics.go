// v1
// internal/metrics/metrics.go
// Package metrics registers the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_ticks_total",
		Help: "Coordinator ticks executed.",
	})
	TickErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_tick_errors_total",
		Help: "Coordinator ticks that ended with an error.",
	})
	ReadingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_water_readings_total",
		Help: "Water level readings recorded, by source.",
	}, []string{"source"})
	CommandsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_commands_enqueued_total",
		Help: "Device commands accepted into the queue, by action.",
	}, []string{"action"})
	CommandsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_commands_deduped_total",
		Help: "Enqueue attempts absorbed by an in-flight duplicate.",
	})
	CommandsDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_commands_dispatched_total",
		Help: "Commands written to the device command topic.",
	})
	CommandsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_commands_failed_total",
		Help: "Commands reported failed by device feedback.",
	})
	RegenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_regenerations_total",
		Help: "Batch regeneration attempts, by result.",
	}, []string{"result"})
	LedgerWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_ledger_writes_total",
		Help: "Ledger status writes, by result.",
	}, []string{"result"})
	ActiveFields = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_active_fields",
		Help: "Fields currently irrigating in the active batch.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_queue_depth",
		Help: "Non-terminal commands in the device queue.",
	})
)

// Handler exposes the default registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
