// v1
// internal/waterlevel/archive.go
package waterlevel

import (
	"context"
	"log/slog"
	"time"

	influxdb3 "github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"

	"aquagrid/engine/internal/model"
)

// InfluxArchiver batches readings into InfluxDB for long-term analysis. The
// in-memory Store stays authoritative for trend decisions; the archive is a
// best-effort sink, so a full buffer drops rather than blocks a tick.
type InfluxArchiver struct {
	client   *influxdb3.Client
	lg       *slog.Logger
	in       chan model.WaterLevelReading
	done     chan struct{}
	interval time.Duration
	batch    int
}

// NewInfluxArchiver starts the flush loop. Call Close to drain and stop.
func NewInfluxArchiver(client *influxdb3.Client, lg *slog.Logger, flushInterval time.Duration, batchSize int) *InfluxArchiver {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	a := &InfluxArchiver{
		client:   client,
		lg:       lg,
		in:       make(chan model.WaterLevelReading, 4*batchSize),
		done:     make(chan struct{}),
		interval: flushInterval,
		batch:    batchSize,
	}
	go a.loop()
	return a
}

// Archive implements waterlevel.Archiver.
func (a *InfluxArchiver) Archive(r model.WaterLevelReading) {
	select {
	case a.in <- r:
	default:
		a.lg.Warn("archive_buffer_full", "field", r.FieldID)
	}
}

func (a *InfluxArchiver) loop() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	buf := make([]model.WaterLevelReading, 0, a.batch)
	for {
		select {
		case r, ok := <-a.in:
			if !ok {
				a.flush(buf)
				close(a.done)
				return
			}
			buf = append(buf, r)
			if len(buf) >= a.batch {
				a.flush(buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				a.flush(buf)
				buf = buf[:0]
			}
		}
	}
}

func (a *InfluxArchiver) flush(buf []model.WaterLevelReading) {
	if len(buf) == 0 {
		return
	}
	points := make([]*influxdb3.Point, 0, len(buf))
	for _, r := range buf {
		points = append(points, influxdb3.NewPoint(
			"water_level",
			map[string]string{
				"field_id": r.FieldID,
				"source":   string(r.Source),
				"quality":  string(r.Quality),
			},
			map[string]interface{}{
				"level_mm": r.LevelMM,
			},
			r.Timestamp,
		))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.client.WritePoints(ctx, points); err != nil {
		a.lg.Error("archive_write_failed", "points", len(points), "error", err)
		return
	}
	a.lg.Debug("archive_write_ok", "points", len(points))
}

// Close drains buffered readings and stops the loop.
func (a *InfluxArchiver) Close() {
	close(a.in)
	<-a.done
}
