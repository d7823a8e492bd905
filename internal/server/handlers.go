package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/validation"
	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "kubilitics-sentinel",
		"version": s.opts.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	a := s.opts.Holder.Load()
	if a == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"reason": "no trained model loaded",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ready":      true,
		"models":     a.ModelIDs(),
		"trained_at": a.TrainedAt,
		"samples":    a.SampleCount,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		respondError(w, http.StatusServiceUnavailable, "detection loop not running")
		return
	}
	respondJSON(w, http.StatusOK, s.opts.Status.Snapshot())
}

type scoreRequest struct {
	CPU     *float64 `json:"cpu"`
	Memory  *float64 `json:"memory"`
	Network *float64 `json:"network"`
}

type scoreResponse struct {
	models.EnsembleDecision
	Sample    models.Sample `json:"sample"`
	IsAnomaly bool          `json:"is_anomaly"`
	TrainedAt time.Time     `json:"trained_at"`
	Threshold float64       `json:"threshold"`
}

// handleScore scores one ad-hoc sample against the current artifact. It
// does not touch the gate or the buffers.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.CPU == nil || req.Memory == nil || req.Network == nil {
		respondError(w, http.StatusBadRequest, "cpu, memory and network are required")
		return
	}

	sample := models.Sample{CPU: *req.CPU, Memory: *req.Memory, Network: *req.Network, Timestamp: time.Now().UTC()}
	if problems := validation.ValidateSample(sample); len(problems) > 0 {
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid sample", "problems": problems})
		return
	}

	// One atomic load: scaler and scorers always come from the same training.
	a := s.opts.Holder.Load()
	if a == nil {
		respondError(w, http.StatusServiceUnavailable, "no trained model loaded")
		return
	}
	vec, err := a.Scaler.Transform(sample.Vector())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	d, err := s.opts.Combiner.Decide(sample, vec, a.Scorers)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, scoreResponse{
		EnsembleDecision: d,
		Sample:           sample,
		IsAnomaly:        d.Label.IsAnomaly(),
		TrainedAt:        a.TrainedAt,
		Threshold:        s.opts.Combiner.Threshold(),
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"strategies": ensemble.Strategies(),
		"active":     s.opts.Combiner.Strategy(),
		"threshold":  s.opts.Combiner.Threshold(),
		"models":     ml.DefaultRegistry().IDs(),
	})
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		var req struct {
			Threshold *float64 `json:"threshold"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Threshold == nil {
			respondError(w, http.StatusBadRequest, "body must be {\"threshold\": <0..1>}")
			return
		}
		if err := s.opts.Combiner.SetThreshold(*req.Threshold); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ensemble.ErrThresholdRange) {
				status = http.StatusBadRequest
			}
			respondError(w, status, err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]float64{"threshold": s.opts.Combiner.Threshold()})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
