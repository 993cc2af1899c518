// Package api serves the operator HTTP API over the orchestration engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ir-orchestrator/internal/analytics"
	irerrors "ir-orchestrator/internal/errors"
	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/orchestrator"
	"ir-orchestrator/internal/store"
)

// UserHeader names the operator on manual actions.
const UserHeader = "X-User-ID"

// Engine is the orchestrator surface the API drives.
type Engine interface {
	Submit(ctx context.Context, ic model.IncidentContext) error
	RespondToIncident(ctx context.Context, ic model.IncidentContext, autoExecute bool) (*model.IncidentResponse, error)
	ExecutePlan(ctx context.Context, incidentID string) (*model.IncidentResponse, error)
	ExecuteManualAction(ctx context.Context, incidentID string, action model.ResponseActionConfig, userID string) (*model.ResponseExecution, error)
	RollbackAction(ctx context.Context, incidentID, executionID, userID string) (*model.ResponseExecution, error)
	ResolveIncident(incidentID, notes string) (*model.IncidentResponse, error)
	CloseIncident(incidentID, reason string) (*model.IncidentResponse, error)
	GetIncidentStatus(incidentID string) (*model.IncidentResponse, error)
	GetResponseAnalytics(tenantID string, p analytics.Period) analytics.Analytics
	GetHistoricalAnalytics(ctx context.Context, tenantID string, p analytics.Period) (analytics.Analytics, error)
	Stats() map[string]any
}

// Handler serves the operator API.
type Handler struct {
	engine     Engine
	logger     *slog.Logger
	maxPayload int64
	maxBatch   int
	startTime  time.Time
	submitted  atomic.Uint64

	// background runs plan executions that outlive the request.
	background func(fn func())

	dependencies []dependency
}

// DependencyCheck checks one external dependency. detail is reported as is.
type DependencyCheck func(ctx context.Context) (healthy bool, detail any)

type dependency struct {
	name  string
	check DependencyCheck
}

// dependencyTimeout bounds each dependency check on /health.
const dependencyTimeout = 3 * time.Second

// NewHandler creates a Handler.
func NewHandler(engine Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:     engine,
		logger:     logger,
		maxPayload: 1 << 20,
		maxBatch:   100,
		startTime:  time.Now(),
		background: func(fn func()) { go fn() },
	}
}

// WithMaxPayload sets the maximum request body size.
func (h *Handler) WithMaxPayload(size int64) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum number of incidents per submission.
func (h *Handler) WithMaxBatch(n int) *Handler {
	h.maxBatch = n
	return h
}

// WithDependency reports check under name on /health. An unhealthy
// dependency degrades the overall status.
func (h *Handler) WithDependency(name string, check DependencyCheck) *Handler {
	h.dependencies = append(h.dependencies, dependency{name: name, check: check})
	return h
}

// Routes registers the API on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/incidents", h.HandleSubmit)
	mux.HandleFunc("POST /v1/incidents/plan", h.HandlePlan)
	mux.HandleFunc("GET /v1/incidents/{id}", h.HandleStatus)
	mux.HandleFunc("POST /v1/incidents/{id}/execute", h.HandleExecute)
	mux.HandleFunc("POST /v1/incidents/{id}/actions", h.HandleManualAction)
	mux.HandleFunc("POST /v1/incidents/{id}/executions/{exec}/rollback", h.HandleRollback)
	mux.HandleFunc("POST /v1/incidents/{id}/resolve", h.HandleResolve)
	mux.HandleFunc("POST /v1/incidents/{id}/close", h.HandleClose)
	mux.HandleFunc("GET /v1/analytics", h.HandleAnalytics)
	mux.HandleFunc("GET /health", h.HealthCheck)
}

// SubmitRequest is the body of POST /v1/incidents.
type SubmitRequest struct {
	Incidents []model.IncidentContext `json:"incidents"`
}

// SubmitResponse reports a submission.
type SubmitResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleSubmit queues incidents for automatic response.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req SubmitRequest
	if status, err := h.decode(w, r, &req); err != nil {
		respondError(w, status, err.Error(), requestID)
		return
	}
	if len(req.Incidents) == 0 {
		respondError(w, http.StatusBadRequest, "no incidents provided", requestID)
		return
	}
	if len(req.Incidents) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	resp := SubmitResponse{RequestID: requestID}
	queueFull := false
	for i, ic := range req.Incidents {
		if err := h.engine.Submit(r.Context(), ic); err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("incident[%d]: %v", i, err))
			queueFull = queueFull || errors.Is(err, orchestrator.ErrQueueFull)
			continue
		}
		resp.Accepted++
		h.submitted.Add(1)
	}
	resp.Success = resp.Rejected == 0

	status := http.StatusAccepted
	switch {
	case resp.Accepted == 0 && queueFull:
		status = http.StatusServiceUnavailable
	case resp.Accepted == 0:
		status = http.StatusBadRequest
	case resp.Rejected > 0:
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

// HandlePlan creates a response and returns its plan without executing it.
func (h *Handler) HandlePlan(w http.ResponseWriter, r *http.Request) {
	var ic model.IncidentContext
	if status, err := h.decode(w, r, &ic); err != nil {
		respondError(w, status, err.Error(), "")
		return
	}
	resp, err := h.engine.RespondToIncident(r.Context(), ic, false)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// HandleStatus returns the current response for an incident.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.engine.GetIncidentStatus(r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// HandleExecute starts a reviewed plan. Execution can take up to the
// incident deadline, so it runs detached from the request.
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp, err := h.engine.GetIncidentStatus(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if resp.Status != model.StatusAnalyzing {
		h.fail(w, fmt.Errorf("%w: %s is %s", orchestrator.ErrNotAwaiting, id, resp.Status))
		return
	}

	ctx := context.WithoutCancel(r.Context())
	h.background(func() {
		if _, err := h.engine.ExecutePlan(ctx, id); err != nil {
			h.logger.Warn("plan execution failed", "incident_id", id, "error", err)
		}
	})
	respondJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"incident_id": id,
	})
}

// HandleManualAction runs one operator action synchronously.
func (h *Handler) HandleManualAction(w http.ResponseWriter, r *http.Request) {
	var action model.ResponseActionConfig
	if status, err := h.decode(w, r, &action); err != nil {
		respondError(w, status, err.Error(), "")
		return
	}
	ex, err := h.engine.ExecuteManualAction(r.Context(), r.PathValue("id"), action, r.Header.Get(UserHeader))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ex)
}

// HandleRollback rolls back a completed execution.
func (h *Handler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	ex, err := h.engine.RollbackAction(r.Context(), r.PathValue("id"), r.PathValue("exec"), r.Header.Get(UserHeader))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ex)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

type closeRequest struct {
	Reason string `json:"reason"`
}

// HandleResolve marks an incident resolved.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength != 0 {
		if status, err := h.decode(w, r, &req); err != nil {
			respondError(w, status, err.Error(), "")
			return
		}
	}
	resp, err := h.engine.ResolveIncident(r.PathValue("id"), req.Notes)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// HandleClose closes an incident.
func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	req := closeRequest{Reason: "closed by operator"}
	if r.ContentLength != 0 {
		if status, err := h.decode(w, r, &req); err != nil {
			respondError(w, status, err.Error(), "")
			return
		}
	}
	resp, err := h.engine.CloseIncident(r.PathValue("id"), req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// HandleAnalytics aggregates responses for ?tenant_id= over ?window=
// (default 24h). ?source=history reads the ClickHouse history instead of
// the in-memory store.
func (h *Handler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := 24 * time.Hour
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "invalid window", "")
			return
		}
		window = d
	}
	p := analytics.Last(window, time.Now())
	tenant := q.Get("tenant_id")

	if q.Get("source") == "history" {
		a, err := h.engine.GetHistoricalAnalytics(r.Context(), tenant, p)
		if err != nil {
			h.fail(w, err)
			return
		}
		respondJSON(w, http.StatusOK, a)
		return
	}
	respondJSON(w, http.StatusOK, h.engine.GetResponseAnalytics(tenant, p))
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()

	status := "healthy"
	if depth, ok := stats["queue_depth"].(int); ok {
		if capacity, ok := stats["queue_capacity"].(int); ok && capacity > 0 && depth > capacity*9/10 {
			status = "degraded"
		}
	}
	body := map[string]any{
		"status":          status,
		"engine":          stats,
		"submitted_total": h.submitted.Load(),
		"uptime_seconds":  int(time.Since(h.startTime).Seconds()),
	}

	if len(h.dependencies) > 0 {
		deps := make(map[string]any, len(h.dependencies))
		for _, d := range h.dependencies {
			ctx, cancel := context.WithTimeout(r.Context(), dependencyTimeout)
			healthy, detail := d.check(ctx)
			cancel()
			if !healthy {
				status = "degraded"
			}
			deps[d.name] = detail
		}
		body["status"] = status
		body["dependencies"] = deps
	}
	respondJSON(w, http.StatusOK, body)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) (int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, errors.New("payload too large")
		}
		return http.StatusBadRequest, errors.New("failed to read request body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid JSON: %v", err)
	}
	return 0, nil
}

// fail maps engine errors to HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrIncidentNotFound),
		errors.Is(err, orchestrator.ErrExecutionNotFound),
		errors.Is(err, irerrors.ErrToolNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrIncidentExists),
		errors.Is(err, store.ErrIncidentClosed),
		errors.Is(err, store.ErrStatusConflict),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrNotAwaiting),
		errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrNotRollbackable):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrQueueFull),
		errors.Is(err, orchestrator.ErrEngineStopped),
		errors.Is(err, orchestrator.ErrHistoryUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	respondError(w, status, err.Error(), "")
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message, requestID string) {
	resp := map[string]any{
		"success": false,
		"error":   message,
	}
	if requestID != "" {
		resp["request_id"] = requestID
	}
	respondJSON(w, status, resp)
}
