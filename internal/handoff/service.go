package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/logiwatch/incident-orchestrator/internal/bus"
	"github.com/logiwatch/incident-orchestrator/internal/domain"
	"github.com/logiwatch/incident-orchestrator/internal/observability"
	"github.com/logiwatch/incident-orchestrator/internal/store"
)

// Resolver closes incidents. discovery.Engine implements it.
type Resolver interface {
	Resolve(ctx context.Context, incidentID string, status domain.IncidentStatus, note string, source domain.LogSource) (*domain.Incident, error)
}

// Result reports a successful handoff.
type Result struct {
	IncidentID string `json:"incident_id"`
	RunID      string `json:"run_id,omitempty"`
	Status     string `json:"status"`
}

// Service runs the automation handoff and ingests its callbacks.
type Service struct {
	DB        *store.DB
	Incidents *store.IncidentRepo
	Shipments *store.ShipmentRepo
	Logs      *store.LogRepo
	Bus       bus.Publisher
	Sender    Sender
	Runs      *RunInfoCache
	Resolver  Resolver
	Telemetry *observability.Provider
	PublicURL string

	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a Service. sender may be nil, in which case Trigger
// reports ErrAutomationUnavailable.
func NewService(db *store.DB, pub bus.Publisher, sender Sender, runs *RunInfoCache, resolver Resolver, publicURL string) *Service {
	if runs == nil {
		runs = NewRunInfoCache(NewMemoryRunStore())
	}
	return &Service{
		DB:        db,
		Incidents: &store.IncidentRepo{},
		Shipments: &store.ShipmentRepo{},
		Logs:      &store.LogRepo{},
		Bus:       pub,
		Sender:    sender,
		Runs:      runs,
		Resolver:  resolver,
		PublicURL: strings.TrimRight(publicURL, "/"),
		now:       time.Now,
		logger:    slog.Default().With("component", "handoff"),
	}
}

// Trigger sends the incident to the automation workflow once discovery is
// COMPLETED. A server-side claim keeps two viewers from both firing it; a
// failed handoff may be triggered again by hand but is never retried here.
func (s *Service) Trigger(ctx context.Context, incidentID string) (Result, error) {
	ctx, done := s.Telemetry.TrackOperation(ctx, "handoff.trigger", attribute.String("incident_id", incidentID))
	res, err := s.trigger(ctx, incidentID)
	done(err)
	return res, err
}

func (s *Service) trigger(ctx context.Context, incidentID string) (Result, error) {
	inc, err := s.Incidents.GetByID(ctx, s.DB, incidentID)
	if err != nil {
		return Result{}, wrapStore(err, domain.ErrStoreQuery, "load incident")
	}
	if inc.Status.Terminal() {
		return Result{}, domain.ErrIncidentClosed
	}
	if inc.DiscoveryStatus != domain.DiscoveryCompleted {
		return Result{}, domain.ErrDiscoveryNotComplete
	}
	if inc.HandoffStatus == domain.HandoffSent {
		return Result{}, domain.ErrHandoffAlreadySent
	}
	if s.Sender == nil {
		return Result{}, domain.ErrAutomationUnavailable
	}

	shipment, err := s.Shipments.GetByID(ctx, s.DB, inc.ShipmentID)
	if err != nil {
		return Result{}, wrapStore(err, domain.ErrStoreQuery, "load shipment")
	}

	claimed, err := s.Incidents.ClaimHandoff(ctx, s.DB, incidentID, s.now().Unix())
	if err != nil {
		return Result{}, wrapStore(err, domain.ErrStoreWrite, "claim handoff")
	}
	if !claimed {
		return Result{}, domain.ErrHandoffAlreadySent
	}

	// Once claimed, the outcome must be recorded even if the caller goes away.
	wctx := context.WithoutCancel(ctx)

	payload := BuildPayload(*inc, *shipment, s.PublicURL+CallbackPath)
	ack, sendErr := s.Sender.Send(ctx, payload)
	if sendErr != nil {
		s.Telemetry.RecordHandoff(wctx, "failed")
		s.logger.ErrorContext(wctx, "automation handoff failed",
			"incident_id", incidentID, "error", sendErr)
		if err := s.Incidents.SetHandoffStatus(wctx, s.DB, incidentID, domain.HandoffFailed, s.now().Unix()); err != nil {
			s.logger.ErrorContext(wctx, "record handoff failure", "incident_id", incidentID, "error", err)
		}
		s.narrate(wctx, incidentID, domain.SeverityError,
			fmt.Sprintf("Automation handoff failed: %s", upstreamReason(sendErr)))

		var oe *domain.OrchestratorError
		if errors.As(sendErr, &oe) {
			return Result{}, sendErr
		}
		return Result{}, domain.WrapOrchestratorError(domain.ErrAutomationUpstream, "send", sendErr)
	}

	s.Telemetry.RecordHandoff(wctx, "sent")
	msg := fmt.Sprintf("Automation workflow engaged with %d facilities and %d drivers",
		len(payload.Facilities), len(payload.Drivers))
	if ack.RunID != "" {
		msg += fmt.Sprintf(" (run %s)", ack.RunID)
	}
	s.narrate(wctx, incidentID, domain.SeverityInfo, msg)
	s.logger.InfoContext(wctx, "automation handoff sent",
		"incident_id", incidentID, "run_id", ack.RunID)
	return Result{IncidentID: incidentID, RunID: ack.RunID, Status: string(domain.HandoffSent)}, nil
}

// narrate appends one ORCHESTRATOR handoff entry and publishes it.
func (s *Service) narrate(ctx context.Context, incidentID string, sev domain.Severity, msg string) {
	entry, err := s.Logs.Append(ctx, s.DB, domain.LogEntry{
		ID:          "log-" + uuid.NewString(),
		IncidentID:  incidentID,
		TimestampMs: s.now().UnixMilli(),
		Message:     msg,
		Source:      domain.SourceOrchestrator,
		Severity:    sev,
		Kind:        domain.LogHandoff,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "append handoff log failed", "incident_id", incidentID, "error", err)
		return
	}
	s.Bus.Publish(ctx, domain.Event{Type: domain.EventIncidentLog, IncidentID: incidentID, Log: &entry})
}

// upstreamReason strips the error code prefix for the user-facing entry.
func upstreamReason(err error) string {
	var oe *domain.OrchestratorError
	if errors.As(err, &oe) {
		return oe.Message
	}
	return err.Error()
}

func wrapStore(err error, base *domain.OrchestratorError, op string) error {
	var oe *domain.OrchestratorError
	if errors.As(err, &oe) {
		return err
	}
	return domain.WrapOrchestratorError(base, op, err)
}
