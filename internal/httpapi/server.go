// v4
// internal/httpapi/server.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"aquagrid/engine/internal/config"
	"aquagrid/engine/internal/engine"
	"aquagrid/engine/internal/ledger"
	"aquagrid/engine/internal/metrics"
	"aquagrid/engine/internal/model"
	"aquagrid/engine/internal/waterlevel"
)

// Server exposes the engine's operational surface over HTTP.
type Server struct {
	cfg  *config.AppConfig
	lg   *slog.Logger
	eng  *engine.Engine
	led  *ledger.Store
	wl   *waterlevel.Store
	http *http.Server
}

func NewServer(cfg *config.AppConfig, lg *slog.Logger, eng *engine.Engine, led *ledger.Store, wl *waterlevel.Store) *Server {
	s := &Server{cfg: cfg, lg: lg, eng: eng, led: led, wl: wl}
	router := s.Router()
	logged := handlers.LoggingHandler(os.Stdout, router)
	s.http = &http.Server{Addr: cfg.HTTPBind, Handler: logged}
	return s
}

// Router builds the route table. Split out so tests can drive handlers
// without binding a socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.getHealth).Methods("GET")
	r.HandleFunc("/status", s.getStatus).Methods("GET")
	r.HandleFunc("/plan", s.postPlan).Methods("POST")
	r.HandleFunc("/batches/{index}/start", s.postBatchStart).Methods("POST")
	r.HandleFunc("/batches/{index}/status", s.getBatchStatus).Methods("GET")
	r.HandleFunc("/batches/{index}/regenerate", s.postRegenerate).Methods("POST")
	r.HandleFunc("/waterlevels", s.putWaterLevels).Methods("PUT")
	r.HandleFunc("/fields/{id}/history", s.getFieldHistory).Methods("GET")
	r.HandleFunc("/fields/{id}/trend", s.getFieldTrend).Methods("GET")
	r.HandleFunc("/history", s.getHistory).Methods("GET")
	r.HandleFunc("/config/reload", s.postReload).Methods("POST")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	return r
}

func (s *Server) Start() error {
	s.lg.Info("http start", "bind", s.cfg.HTTPBind)
	return s.http.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.lg.Info("http stop")
	return s.http.Shutdown(ctx)
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.GetStats())
}

func (s *Server) postPlan(w http.ResponseWriter, r *http.Request) {
	var plan model.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.eng.LoadPlan(plan); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"planId": plan.ID, "batches": len(plan.Batches)})
}

func (s *Server) postBatchStart(w http.ResponseWriter, r *http.Request) {
	idx, ok := batchIndex(w, r)
	if !ok {
		return
	}
	if err := s.eng.StartBatch(r.Context(), idx); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrNoActivePlan) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": idx, "status": model.BatchRunning})
}

func (s *Server) getBatchStatus(w http.ResponseWriter, r *http.Request) {
	idx, ok := batchIndex(w, r)
	if !ok {
		return
	}
	cur, err := s.led.Current(r.Context(), idx)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func (s *Server) postRegenerate(w http.ResponseWriter, r *http.Request) {
	idx, ok := batchIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		WaterLevels map[string]float64 `json:"waterLevels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.WaterLevels) == 0 {
		writeError(w, http.StatusBadRequest, "waterLevels required")
		return
	}
	res, err := s.eng.Regenerate(idx, req.WaterLevels)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNoActivePlan) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) putWaterLevels(w http.ResponseWriter, r *http.Request) {
	var levels map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&levels); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(levels) == 0 {
		writeError(w, http.StatusBadRequest, "at least one field level required")
		return
	}
	s.eng.InjectWaterLevels(levels)
	writeJSON(w, http.StatusOK, map[string]any{"applied": len(levels)})
}

func (s *Server) getFieldHistory(w http.ResponseWriter, r *http.Request) {
	fieldID := mux.Vars(r)["id"]
	q := r.URL.Query()
	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from; use RFC3339")
			return
		}
		start = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to; use RFC3339")
			return
		}
		end = t
	}
	h := s.wl.History(fieldID, start, end)
	writeJSON(w, http.StatusOK, map[string]any{"fieldId": fieldID, "count": len(h), "readings": h})
}

func (s *Server) getFieldTrend(w http.ResponseWriter, r *http.Request) {
	fieldID := mux.Vars(r)["id"]
	windowMin := 60
	if v := r.URL.Query().Get("windowMin"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid windowMin")
			return
		}
		windowMin = n
	}
	tr, ok := s.wl.Trend(fieldID, time.Duration(windowMin)*time.Minute)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"fieldId": fieldID, "available": false, "sampleCount": tr.SampleCount})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fieldId": fieldID, "available": true, "trend": tr})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	h, err := s.led.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(h), "items": h})
}

func (s *Server) postReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.ReloadProperties(); err != nil {
		s.lg.Error("reload", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded"})
}

func batchIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil || idx < 0 {
		writeError(w, http.StatusBadRequest, "invalid batch index")
		return 0, false
	}
	return idx, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "status": fmt.Sprintf("%d", status)})
}
