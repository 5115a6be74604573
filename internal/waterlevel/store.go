// v2
// internal/waterlevel/store.go
package waterlevel

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"aquagrid/engine/internal/model"
)

// minTrendSamples is the smallest window population that yields a trend.
const minTrendSamples = 2

// Trend summarizes recent level movement for one field. SlopeMMPerHour is a
// least-squares fit over the window.
type Trend struct {
	FieldID        string    `json:"fieldId"`
	SlopeMMPerHour float64   `json:"slopeMmPerHour"`
	LatestMM       float64   `json:"latestMm"`
	LatestAt       time.Time `json:"latestAt"`
	SampleCount    int       `json:"sampleCount"`
}

// Archiver receives every recorded reading for long-term storage. Record
// must not block the caller.
type Archiver interface {
	Archive(r model.WaterLevelReading)
}

// Store keeps an append-only per-field history of water-level readings.
// Histories are ordered by timestamp; exact duplicates are retained (two
// sensors, or a manual entry echoing a sensor one, are both evidence).
type Store struct {
	mu        sync.RWMutex
	lg        *slog.Logger
	histories map[string][]model.WaterLevelReading
	archiver  Archiver
	now       func() time.Time
}

func NewStore(lg *slog.Logger) *Store {
	return &Store{
		lg:        lg,
		histories: map[string][]model.WaterLevelReading{},
		now:       time.Now,
	}
}

// SetArchiver wires an optional long-term sink for recorded readings.
func (s *Store) SetArchiver(a Archiver) {
	s.mu.Lock()
	s.archiver = a
	s.mu.Unlock()
}

// Record appends a reading to the field's history. Out-of-order arrivals are
// inserted at their timestamp position so range queries stay ordered.
func (s *Store) Record(r model.WaterLevelReading) {
	s.mu.Lock()
	h := s.histories[r.FieldID]
	if n := len(h); n == 0 || !r.Timestamp.Before(h[n-1].Timestamp) {
		h = append(h, r)
	} else {
		i := sort.Search(n, func(i int) bool { return h[i].Timestamp.After(r.Timestamp) })
		h = append(h, model.WaterLevelReading{})
		copy(h[i+1:], h[i:])
		h[i] = r
	}
	s.histories[r.FieldID] = h
	arch := s.archiver
	s.mu.Unlock()

	if arch != nil {
		arch.Archive(r)
	}
}

// History returns the field's readings within [start, end], ordered by
// timestamp. The returned slice is a copy.
func (s *Store) History(fieldID string, start, end time.Time) []model.WaterLevelReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.histories[fieldID]
	out := make([]model.WaterLevelReading, 0, len(h))
	for _, r := range h {
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Trend fits a slope over the field's readings inside the trailing window.
// The boolean is false when fewer than two samples fall in the window; that
// is an expected outcome the caller must handle, not an error.
func (s *Store) Trend(fieldID string, window time.Duration) (Trend, bool) {
	now := s.now()
	readings := s.History(fieldID, now.Add(-window), now)
	if len(readings) < minTrendSamples {
		return Trend{FieldID: fieldID, SampleCount: len(readings)}, false
	}

	// Least squares on (hours since first reading, level).
	t0 := readings[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	for _, r := range readings {
		x := r.Timestamp.Sub(t0).Hours()
		y := r.LevelMM
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	n := float64(len(readings))
	denom := n*sumXX - sumX*sumX
	var slope float64
	if denom != 0 {
		slope = (n*sumXY - sumX*sumY) / denom
	}
	last := readings[len(readings)-1]
	return Trend{
		FieldID:        fieldID,
		SlopeMMPerHour: slope,
		LatestMM:       last.LevelMM,
		LatestAt:       last.Timestamp,
		SampleCount:    len(readings),
	}, true
}

// Latest returns the most recent reading per requested field. Fields with no
// history are absent from the result.
func (s *Store) Latest(fieldIDs []string) map[string]model.WaterLevelReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.WaterLevelReading, len(fieldIDs))
	for _, id := range fieldIDs {
		if h := s.histories[id]; len(h) > 0 {
			out[id] = h[len(h)-1]
		}
	}
	return out
}

// FieldCount reports how many fields have at least one reading.
func (s *Store) FieldCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories)
}
