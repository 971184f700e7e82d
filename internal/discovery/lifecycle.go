package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// DeclareRequest is the input for declaring an incident.
type DeclareRequest struct {
	ID          string `json:"id,omitempty"`
	ShipmentID  string `json:"shipment_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Declare creates an ACTIVE incident with discovery PENDING and announces it.
func (e *Engine) Declare(ctx context.Context, req DeclareRequest) (*domain.Incident, error) {
	if strings.TrimSpace(req.ShipmentID) == "" || strings.TrimSpace(req.Title) == "" {
		return nil, domain.NewOrchestratorError(domain.ErrInvalidRequest.Code, "shipment_id and title are required")
	}
	shipment, err := e.Shipments.GetByID(ctx, e.DB, req.ShipmentID)
	if err != nil {
		return nil, storeError(err, domain.ErrStoreQuery, "load shipment")
	}

	id := req.ID
	if id == "" {
		id = "INC-" + strings.ToUpper(uuid.NewString()[:8])
	}
	now := e.now().Unix()
	inc := domain.Incident{
		ID:              id,
		ShipmentID:      shipment.ID,
		Title:           req.Title,
		Description:     req.Description,
		Status:          domain.IncidentActive,
		DiscoveryStatus: domain.DiscoveryPending,
		HandoffStatus:   domain.HandoffNone,
		CreatedAtUnix:   now,
		UpdatedAtUnix:   now,
	}
	if err := e.Incidents.Create(ctx, e.DB, inc); err != nil {
		return nil, domain.WrapOrchestratorError(domain.ErrStoreWrite, "create incident", err)
	}

	risk := shipment.RiskScore
	e.Bus.Publish(ctx, domain.Event{
		Type:       domain.EventIncidentCreated,
		IncidentID: inc.ID,
		ShipmentID: shipment.ID,
		RiskScore:  &risk,
	})
	e.logger.InfoContext(ctx, "incident declared",
		"incident_id", inc.ID, "shipment_id", shipment.ID, "risk_score", risk)
	return &inc, nil
}

// Resolve moves an ACTIVE incident to RESOLVED or FAILED, appends one log
// entry narrating it, and publishes the matching terminal event.
func (e *Engine) Resolve(ctx context.Context, incidentID string, status domain.IncidentStatus, note string, source domain.LogSource) (*domain.Incident, error) {
	if !status.Terminal() {
		return nil, domain.NewOrchestratorError(domain.ErrInvalidRequest.Code,
			fmt.Sprintf("status must be %s or %s", domain.IncidentResolved, domain.IncidentFailed))
	}
	inc, err := e.Incidents.GetByID(ctx, e.DB, incidentID)
	if err != nil {
		return nil, storeError(err, domain.ErrStoreQuery, "load incident")
	}

	ok, err := e.Incidents.Resolve(ctx, e.DB, incidentID, status, e.now().Unix())
	if err != nil {
		return nil, storeError(err, domain.ErrStoreWrite, "resolve incident")
	}
	if !ok {
		return nil, domain.ErrIncidentClosed
	}
	inc.Status = status

	if source == "" {
		source = domain.SourceOrchestrator
	}
	severity, evType := domain.SeveritySuccess, domain.EventIncidentResolved
	if status == domain.IncidentFailed {
		severity, evType = domain.SeverityError, domain.EventIncidentFailed
	}
	msg := fmt.Sprintf("Incident %s", strings.ToLower(string(status)))
	if note = strings.TrimSpace(note); note != "" {
		msg += ": " + note
	}

	entry, err := e.Logs.Append(ctx, e.DB, domain.LogEntry{
		ID:          newLogID(),
		IncidentID:  incidentID,
		TimestampMs: e.now().UnixMilli(),
		Message:     msg,
		Source:      source,
		Severity:    severity,
		Kind:        domain.LogResolution,
	})
	ev := domain.Event{Type: evType, IncidentID: incidentID, ShipmentID: inc.ShipmentID}
	if err != nil {
		// The status change is already durable; announce it without a log.
		e.logger.ErrorContext(ctx, "append resolution log failed",
			"incident_id", incidentID, "error", err)
	} else {
		ev.Log = &entry
	}
	e.Bus.Publish(ctx, ev)

	e.logger.InfoContext(ctx, "incident closed",
		"incident_id", incidentID, "status", string(status))
	return inc, nil
}

// Reset deletes every incident and log entry between demo runs.
func (e *Engine) Reset(ctx context.Context) (int64, error) {
	n, err := e.Incidents.DeleteAll(ctx, e.DB)
	if err != nil {
		return 0, domain.WrapOrchestratorError(domain.ErrStoreWrite, "reset incidents", err)
	}
	e.logger.InfoContext(ctx, "incidents reset", "deleted", n)
	return n, nil
}
