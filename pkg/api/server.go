package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/orchestrator"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// Server exposes the orchestration core over HTTP JSON: the submission API
// for clients and the worker API for connected agent processes.
type Server struct {
	orch     *orchestrator.Orchestrator
	store    storage.Store
	registry *registry.Registry
	http     *http.Server
	logger   zerolog.Logger
}

// NewServer creates an API server.
func NewServer(orch *orchestrator.Orchestrator, store storage.Store, reg *registry.Registry) *Server {
	return &Server{
		orch:     orch,
		store:    store,
		registry: reg,
		logger:   log.WithComponent("api"),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tasks", s.instrument(s.submitTask))
	mux.HandleFunc("GET /v1/tasks/upcoming", s.instrument(s.upcomingTasks))
	mux.HandleFunc("GET /v1/tasks/{id}", s.instrument(s.getTask))
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.instrument(s.cancelTask))
	mux.HandleFunc("POST /v1/tasks/{id}/complete", s.instrument(s.completeTask))
	mux.HandleFunc("POST /v1/tasks/{id}/fail", s.instrument(s.failTask))

	mux.HandleFunc("POST /v1/workflows", s.instrument(s.submitWorkflow))
	mux.HandleFunc("GET /v1/workflows/{id}", s.instrument(s.getWorkflow))

	mux.HandleFunc("POST /v1/workers/register", s.instrument(s.registerWorker))
	mux.HandleFunc("DELETE /v1/workers/{id}", s.instrument(s.unregisterWorker))
	mux.HandleFunc("POST /v1/workers/{id}/heartbeat", s.instrument(s.heartbeat))
	mux.HandleFunc("GET /v1/workers", s.instrument(s.listWorkers))

	mux.HandleFunc("GET /v1/deadletters", s.instrument(s.listDeadLetters))
	mux.HandleFunc("POST /v1/deadletters/requeue", s.instrument(s.requeueDeadLetters))

	mux.HandleFunc("POST /v1/messages/{id}/ack", s.instrument(s.ackMessage))

	mux.HandleFunc("GET /healthz", metrics.HealthHandler)
	mux.HandleFunc("GET /readyz", metrics.ReadinessHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// Start begins serving on addr and blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("http api listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// submitTask handles POST /v1/tasks.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var task types.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.orch.Submit(&task)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// getTask handles GET /v1/tasks/{id}.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// upcomingTasks handles GET /v1/tasks/upcoming?horizon_m=60.
func (s *Server) upcomingTasks(w http.ResponseWriter, r *http.Request) {
	horizon := time.Hour
	if v := r.URL.Query().Get("horizon_m"); v != "" {
		d, err := time.ParseDuration(v + "m")
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "horizon_m must be a positive number of minutes")
			return
		}
		horizon = d
	}

	tasks, err := s.store.Upcoming(horizon, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// cancelTask handles POST /v1/tasks/{id}/cancel. Accepted rather than OK:
// tasks held by a worker only cancel after the grace window.
func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.orch.Cancel(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

type completeRequest struct {
	Output map[string]any `json:"output,omitempty"`
}

// completeTask handles POST /v1/tasks/{id}/complete.
func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req completeRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.orch.ReportCompletion(id, req.Output)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "completed"})
}

type failRequest struct {
	ErrorTag         types.ErrorTag `json:"error_tag"`
	Message          string         `json:"message"`
	RetryRecommended *bool          `json:"retry_recommended,omitempty"`
}

// failTask handles POST /v1/tasks/{id}/fail.
func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ErrorTag == "" {
		req.ErrorTag = types.ErrTagInternal
	}

	err := s.orch.ReportFailure(id, req.ErrorTag, req.Message, req.RetryRecommended)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "failure recorded"})
}

// submitWorkflow handles POST /v1/workflows.
func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var def types.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	wf, err := s.orch.SubmitWorkflow(&def)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

// getWorkflow handles GET /v1/workflows/{id}.
func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// registerWorker handles POST /v1/workers/register.
func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var inst types.WorkerInstance
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.orch.RegisterWorker(&inst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": inst.ID, "status": "registered"})
}

// unregisterWorker handles DELETE /v1/workers/{id}.
func (s *Server) unregisterWorker(w http.ResponseWriter, r *http.Request) {
	s.orch.UnregisterWorker(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	UsedCapacity int               `json:"used_capacity"`
	Health       types.HealthState `json:"health,omitempty"`
}

// heartbeat handles POST /v1/workers/{id}/heartbeat.
func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req heartbeatRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.orch.Heartbeat(id, req.UsedCapacity, req.Health); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "ok"})
}

// listWorkers handles GET /v1/workers.
func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.registry.List()})
}

// listDeadLetters handles GET /v1/deadletters.
func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.store.ListDeadLetter()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

type requeueRequest struct {
	MaxAgeHours int `json:"max_age_h"`
}

// requeueDeadLetters handles POST /v1/deadletters/requeue.
func (s *Server) requeueDeadLetters(w http.ResponseWriter, r *http.Request) {
	req := requeueRequest{MaxAgeHours: 72}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxAgeHours <= 0 {
		writeError(w, http.StatusBadRequest, "max_age_h must be positive")
		return
	}

	ids, err := s.orch.RequeueDeadLetters(time.Duration(req.MaxAgeHours) * time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": ids})
}

type ackRequest struct {
	Response map[string]any `json:"response,omitempty"`
}

// ackMessage handles POST /v1/messages/{id}/ack. Acknowledging an unknown or
// already-acked message is a no-op.
func (s *Server) ackMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ackRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.orch.AckMessage(id, req.Response)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "acknowledged"})
}

// submitStatus maps submission errors to HTTP status codes.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidTask),
		errors.Is(err, orchestrator.ErrInvalidWorkflow),
		errors.Is(err, orchestrator.ErrUnknownDependency),
		errors.Is(err, orchestrator.ErrTenantMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body, tolerating an empty one.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errors.New("invalid request body: " + err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
