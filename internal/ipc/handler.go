// Package ipc provides the HTTP API for the incident orchestrator.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/logiwatch/incident-orchestrator/internal/bus"
	"github.com/logiwatch/incident-orchestrator/internal/discovery"
	"github.com/logiwatch/incident-orchestrator/internal/domain"
	"github.com/logiwatch/incident-orchestrator/internal/guard"
	"github.com/logiwatch/incident-orchestrator/internal/handoff"
	"github.com/logiwatch/incident-orchestrator/internal/store"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Engine    *discovery.Engine
	Handoff   *handoff.Service
	Guard     *guard.Guard
	Hub       *bus.Hub
	DB        *store.DB
	Incidents *store.IncidentRepo
	Shipments *store.ShipmentRepo
	Logs      *store.LogRepo

	logger *slog.Logger
}

// NewHandler wires a Handler around the engine's store.
func NewHandler(eng *discovery.Engine, svc *handoff.Service, g *guard.Guard, hub *bus.Hub) *Handler {
	return &Handler{
		Engine:    eng,
		Handoff:   svc,
		Guard:     g,
		Hub:       hub,
		DB:        eng.DB,
		Incidents: &store.IncidentRepo{},
		Shipments: &store.ShipmentRepo{},
		Logs:      &store.LogRepo{},
		logger:    slog.Default().With("component", "ipc"),
	}
}

// ResolveRequest is the body for POST /api/v1/incidents/{id}/resolve.
type ResolveRequest struct {
	Status domain.IncidentStatus `json:"status"`
	Note   string                `json:"note"`
}

// IncidentDetail is the response for GET /api/v1/incidents/{id}: the
// incident and the shipment it was declared against.
type IncidentDetail struct {
	Incident domain.Incident  `json:"incident"`
	Shipment *domain.Shipment `json:"shipment,omitempty"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": h.Hub.Subscribers(),
		"dropped":     h.Hub.Dropped(),
	})
}

// ListShipments handles GET /api/v1/shipments.
func (h *Handler) ListShipments(w http.ResponseWriter, r *http.Request) {
	shipments, err := h.Shipments.List(r.Context(), h.DB)
	if err != nil {
		writeError(w, domain.WrapOrchestratorError(domain.ErrStoreQuery, "list shipments", err))
		return
	}
	if shipments == nil {
		shipments = []domain.Shipment{}
	}
	writeJSON(w, http.StatusOK, shipments)
}

// CreateIncident handles POST /api/v1/incidents.
func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var req discovery.DeclareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	inc, err := h.Engine.Declare(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

// ListIncidents handles GET /api/v1/incidents.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.Incidents.List(r.Context(), h.DB)
	if err != nil {
		writeError(w, domain.WrapOrchestratorError(domain.ErrStoreQuery, "list incidents", err))
		return
	}
	if incidents == nil {
		incidents = []domain.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

// GetIncident handles GET /api/v1/incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.Incidents.GetByID(r.Context(), h.DB, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	detail := IncidentDetail{Incident: *inc}
	shipment, err := h.Shipments.GetByID(r.Context(), h.DB, inc.ShipmentID)
	switch {
	case err == nil:
		detail.Shipment = shipment
	case !errors.Is(err, domain.ErrShipmentNotFound):
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// ListLogs handles GET /api/v1/incidents/{id}/logs. Clients use it to
// rebuild the timeline after a reconnect.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Incidents.GetByID(r.Context(), h.DB, id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.Logs.ListByIncident(r.Context(), h.DB, id)
	if err != nil {
		writeError(w, domain.WrapOrchestratorError(domain.ErrStoreQuery, "list logs", err))
		return
	}
	if entries == nil {
		entries = []domain.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Discover handles POST /api/v1/incidents/{id}/discover. A started run
// answers 202; RUNNING and COMPLETED answer 200. Repeats are idempotent, so
// the trigger is not rate limited.
func (h *Handler) Discover(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.Engine.Discover(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Status == domain.OutcomeStarted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// TriggerHandoff handles POST /api/v1/incidents/{id}/handoff.
func (h *Handler) TriggerHandoff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Guard.CheckRateLimit(id); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Handoff.Trigger(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ResolveIncident handles POST /api/v1/incidents/{id}/resolve.
func (h *Handler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	status := domain.IncidentStatus(strings.ToUpper(strings.TrimSpace(string(req.Status))))
	inc, err := h.Engine.Resolve(r.Context(), r.PathValue("id"), status, req.Note, domain.SourceOrchestrator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// AutomationCallback handles POST /api/v1/automation/callback.
func (h *Handler) AutomationCallback(w http.ResponseWriter, r *http.Request) {
	var cb handoff.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	res, err := h.Handoff.Ingest(r.Context(), cb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetRun handles GET /api/v1/runs/{runID}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	info, err := h.Handoff.Run(r.Context(), r.PathValue("runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ResetDemo handles DELETE /api/v1/demo.
func (h *Handler) ResetDemo(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.Reset(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error code to its HTTP status.
func statusFor(code int) int {
	switch code {
	case domain.ErrIncidentNotFound.Code, domain.ErrShipmentNotFound.Code, domain.ErrRunNotFound.Code:
		return http.StatusNotFound
	case domain.ErrDiscoveryNotComplete.Code, domain.ErrHandoffAlreadySent.Code,
		domain.ErrIncidentClosed.Code, domain.ErrInvalidTransition.Code, domain.ErrDiscoveryConflict.Code:
		return http.StatusConflict
	case domain.ErrAutomationUpstream.Code:
		return http.StatusBadGateway
	case domain.ErrAutomationUnavailable.Code:
		return http.StatusServiceUnavailable
	case domain.ErrInvalidRequest.Code:
		return http.StatusBadRequest
	case domain.ErrRateLimited.Code:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var oe *domain.OrchestratorError
	if errors.As(err, &oe) {
		writeJSON(w, statusFor(oe.Code), APIError{Code: oe.Code, Message: oe.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	f.Flush()
}
