// Package controlsrv exposes the operator-facing HTTP+JSON surface:
// opening/pausing cycles and reading status, health, and metrics.
// Grounded on services/orchestrator/main.go's http.ServeMux wiring.
package controlsrv

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskforge/internal/cyclectl"
	"github.com/swarmguard/taskforge/internal/model"
	"github.com/swarmguard/taskforge/internal/store"
	"github.com/swarmguard/taskforge/internal/supervisor"
)

// Server wires the control surface against the running controller,
// store, and supervisor.
type Server struct {
	controller *cyclectl.Controller
	store      *store.Store
	supervisor *supervisor.Supervisor
	promHandler http.Handler
	log        *slog.Logger

	openRequests metric.Int64Counter
}

// New builds a Server. promHandler is whatever otelinit.InitMetrics
// returned; it is served verbatim at /metrics.
func New(ctrl *cyclectl.Controller, st *store.Store, sup *supervisor.Supervisor, promHandler http.Handler, meter metric.Meter) *Server {
	openRequests, _ := meter.Int64Counter("taskforge_control_open_cycle_requests_total")
	return &Server{
		controller:   ctrl,
		store:        st,
		supervisor:   sup,
		promHandler:  promHandler,
		log:          slog.Default().With("component", "controlsrv"),
		openRequests: openRequests,
	}
}

// Mux builds the http.ServeMux for the control surface.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/cycles", s.handleOpenCycle)
	mux.HandleFunc("/v1/pause", s.handlePause)
	mux.HandleFunc("/v1/status", s.handleStatus)
	if s.promHandler != nil {
		mux.Handle("/metrics", s.promHandler)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleOpenCycle starts a new cycle asynchronously; OpenCycle runs for
// the full planning+execution+judging duration, so this endpoint
// returns immediately with 202 rather than blocking the request.
func (s *Server) handleOpenCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.openRequests.Add(r.Context(), 1)
	go func() {
		ctx := context.Background()
		if err := s.controller.OpenCycle(ctx); err != nil {
			s.log.Error("open_cycle failed", "error", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("cycle opening"))
}

// handlePause requests that the controller park after the current
// cycle closes; it does not interrupt work in progress.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.controller.Pause()
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("pausing after current cycle"))
}

type statusResponse struct {
	CycleID     string    `json:"cycle_id,omitempty"`
	Phase       string    `json:"phase"`
	Parked      bool      `json:"parked"`
	QueuedTasks int       `json:"queued_tasks,omitempty"`
	Agents      []agentJSON `json:"agents"`
	GeneratedAt time.Time `json:"generated_at"`
}

type agentJSON struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Status     string `json:"status"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	cs := s.controller.Status()

	resp := statusResponse{
		CycleID:     cs.CycleID,
		Phase:       string(cs.Phase),
		Parked:      cs.Parked,
		GeneratedAt: time.Now(),
		Agents:      []agentJSON{},
	}

	if cs.CycleID != "" {
		if tasks, err := s.store.ListTasksByCycle(ctx, cs.CycleID, []model.TaskStatus{
			model.TaskPending, model.TaskAssigned, model.TaskRunning,
		}); err == nil {
			resp.QueuedTasks = len(tasks)
		}
	}

	for _, role := range []model.AgentRole{model.RolePlanner, model.RoleWorker, model.RoleJudge} {
		agents, err := s.store.ListAgentsByRole(ctx, role)
		if err != nil {
			continue
		}
		for _, a := range agents {
			resp.Agents = append(resp.Agents, agentJSON{
				ID: a.ID, Role: string(a.Role), Status: string(a.Status), CurrentTaskID: a.CurrentTaskID,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
