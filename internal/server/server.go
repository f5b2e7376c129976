// Package server exposes the optimization service over HTTP: starting
// runs, polling their progress, and cancelling them.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aerolab/foilopt/internal/logging"
	"github.com/aerolab/foilopt/internal/optimization"
)

// Logger is the logging surface the server needs.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Overrides are the per-run knobs a client may change without restarting
// the service. Nil fields keep the configured value.
type Overrides struct {
	MaxEvaluations  *int     `json:"max_evaluations,omitempty"`
	InitialPoints   *int     `json:"initial_points,omitempty"`
	StallIterations *int     `json:"stall_iterations,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
	DragWeight      *float64 `json:"drag_weight,omitempty"`
	LiftWeight      *float64 `json:"lift_weight,omitempty"`
	MomentWeight    *float64 `json:"moment_weight,omitempty"`
}

// Run is one materialized optimization run as built by the Factory.
type Run struct {
	Optimizer optimization.Optimizer
	// Budget is the run's evaluation budget, used for progress reporting.
	Budget int
	// Failures reports failure counts by kind; may be nil.
	Failures func() map[string]int
}

// Factory builds the optimizer pipeline for a new run.
type Factory func(runID string, ov Overrides) (*Run, error)

// runState tracks one run through its lifecycle. Access is guarded by the
// server's mutex.
type runState struct {
	ID          string
	Status      string // pending, running, completed, failed, cancelled
	StartTime   time.Time
	EndTime     *time.Time
	Run         *Run
	Result      *optimization.Result
	Err         string
	CancelFunc  context.CancelFunc
	LastUpdated time.Time
}

// Server manages optimization runs over HTTP.
type Server struct {
	logger  Logger
	factory Factory

	mu   sync.RWMutex
	runs map[string]*runState
}

// NewServer creates a server that starts runs through factory.
func NewServer(factory Factory, logger Logger) *Server {
	return &Server{
		logger:  logger,
		factory: factory,
		runs:    make(map[string]*runState),
	}
}

// RegisterRoutes mounts the run management API on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs/{id}", s.handleRunStatus)
		r.Delete("/runs/{id}", s.handleCancelRun)
	})
}

// Close cancels all running optimizations.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.CancelFunc != nil {
			run.CancelFunc()
		}
	}
	return nil
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var ov Overrides
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&ov); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	id := uuid.New().String()
	run, err := s.factory(id, ov)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &runState{
		ID:          id,
		Status:      "pending",
		StartTime:   time.Now(),
		Run:         run,
		CancelFunc:  cancel,
		LastUpdated: time.Now(),
	}

	s.mu.Lock()
	s.runs[id] = state
	s.mu.Unlock()

	go s.runOptimization(ctx, state)

	s.logger.Info("run accepted", map[string]interface{}{"run_id": id})
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": id,
		"status": "pending",
	})
}

func (s *Server) runOptimization(ctx context.Context, state *runState) {
	s.mu.Lock()
	state.Status = "running"
	state.LastUpdated = time.Now()
	s.mu.Unlock()

	result, err := state.Run.Optimizer.Optimize(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	switch {
	case state.Status == "cancelled":
		// Cancellation already set the terminal status.
	case err != nil:
		state.Status = "failed"
		state.Err = err.Error()
		s.logger.Error("run failed", map[string]interface{}{
			"run_id": state.ID,
			"error":  err.Error(),
		})
	default:
		state.Status = "completed"
		state.Result = result
		s.logger.Info("run completed", map[string]interface{}{
			"run_id":      state.ID,
			"evaluations": result.Evaluations,
			"best_score":  result.Best.Score,
			"reason":      result.Reason,
		})
	}
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.runs[id]
	if !ok {
		s.respondError(w, http.StatusNotFound, "run not found")
		return
	}

	history := state.Run.Optimizer.History()

	response := map[string]interface{}{
		"run_id":      state.ID,
		"status":      state.Status,
		"state":       state.Run.Optimizer.State().String(),
		"start_time":  state.StartTime.Format(time.RFC3339),
		"last_update": state.LastUpdated.Format(time.RFC3339),
		"evaluations": len(history),
		"budget":      state.Run.Budget,
	}
	if state.Run.Budget > 0 {
		response["progress"] = float64(len(history)) / float64(state.Run.Budget)
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Err != "" {
		response["error"] = state.Err
	}

	if best := state.Run.Optimizer.Best(); best != nil {
		response["best"] = solutionJSON(best)
	}
	if len(history) > 0 {
		entries := make([]map[string]interface{}, len(history))
		for i, ev := range history {
			entries[i] = map[string]interface{}{
				"index":      ev.Index,
				"parameters": ev.Solution.Parameters,
				"score":      ev.Solution.Score,
			}
		}
		response["history"] = entries
	}
	if state.Result != nil {
		response["converged"] = state.Result.Converged
		response["reason"] = state.Result.Reason
	}
	if state.Run.Failures != nil {
		if counts := state.Run.Failures(); len(counts) > 0 {
			response["failures"] = counts
		}
	}

	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.runs[id]
	if !ok {
		s.respondError(w, http.StatusNotFound, "run not found")
		return
	}

	switch state.Status {
	case "completed", "failed", "cancelled":
		s.respondError(w, http.StatusConflict, "run already "+state.Status)
		return
	}

	if state.CancelFunc != nil {
		state.CancelFunc()
	}
	now := time.Now()
	state.Status = "cancelled"
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("run cancelled", map[string]interface{}{"run_id": id})
	s.respondJSON(w, http.StatusOK, map[string]string{
		"run_id": id,
		"status": "cancelled",
	})
}

func solutionJSON(sol *optimization.Solution) map[string]interface{} {
	return map[string]interface{}{
		"parameters": sol.Parameters,
		"score":      sol.Score,
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]interface{}{"error": message})
}
