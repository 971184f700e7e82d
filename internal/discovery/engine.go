// Package discovery runs the per-incident discovery state machine
// (PENDING -> RUNNING -> COMPLETED) and the paced reveal of its results.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/logiwatch/incident-orchestrator/internal/bus"
	"github.com/logiwatch/incident-orchestrator/internal/config"
	"github.com/logiwatch/incident-orchestrator/internal/domain"
	"github.com/logiwatch/incident-orchestrator/internal/geo"
	"github.com/logiwatch/incident-orchestrator/internal/observability"
	"github.com/logiwatch/incident-orchestrator/internal/store"
)

// Engine owns every write to an incident's discovery state.
type Engine struct {
	DB        *store.DB
	Incidents *store.IncidentRepo
	Shipments *store.ShipmentRepo
	Resources *store.ResourceRepo
	Logs      *store.LogRepo
	Bus       bus.Publisher
	Sequencer *Sequencer
	Telemetry *observability.Provider
	TopN      int

	now    func() time.Time
	logger *slog.Logger
	active sync.Map // incident id -> struct{} while a run is in this process
	wg     sync.WaitGroup
}

// NewEngine creates an Engine with a Sequencer paced by cfg.
func NewEngine(db *store.DB, pub bus.Publisher, cfg config.SequencerConfig, tel *observability.Provider) *Engine {
	e := &Engine{
		DB:        db,
		Incidents: &store.IncidentRepo{},
		Shipments: &store.ShipmentRepo{},
		Resources: &store.ResourceRepo{},
		Logs:      &store.LogRepo{},
		Bus:       pub,
		Telemetry: tel,
		TopN:      cfg.TopN,
		now:       time.Now,
		logger:    slog.Default().With("component", "discovery"),
	}
	if e.TopN <= 0 {
		e.TopN = geo.DefaultTopN
	}
	initial, step, final := cfg.Delays()
	e.Sequencer = NewSequencer(e, initial, step, final)
	return e
}

// Discover handles a discovery trigger for incidentID.
//
// COMPLETED returns the cached candidates, RUNNING returns without side
// effects, and PENDING claims the run with a conditional update, ranks the
// candidates, stores them and starts the reveal in the background. Only the
// caller that wins the claim sees OutcomeStarted.
func (e *Engine) Discover(ctx context.Context, incidentID string) (domain.DiscoveryResult, error) {
	ctx, done := e.Telemetry.TrackOperation(ctx, "discovery.trigger", attribute.String("incident_id", incidentID))
	res, err := e.discover(ctx, incidentID)
	done(err)
	if err == nil {
		e.Telemetry.RecordDiscovery(ctx, string(res.Status))
	}
	return res, err
}

func (e *Engine) discover(ctx context.Context, incidentID string) (domain.DiscoveryResult, error) {
	inc, err := e.Incidents.GetByID(ctx, e.DB, incidentID)
	if err != nil {
		return domain.DiscoveryResult{}, storeError(err, domain.ErrStoreQuery, "load incident")
	}

	switch inc.DiscoveryStatus {
	case domain.DiscoveryCompleted:
		return completedResult(inc), nil
	case domain.DiscoveryRunning:
		return domain.DiscoveryResult{Status: domain.OutcomeRunning}, nil
	case domain.DiscoveryPending:
	default:
		return domain.DiscoveryResult{}, domain.NewOrchestratorError(
			domain.ErrInvalidTransition.Code,
			fmt.Sprintf("incident %s has unknown discovery status %q", incidentID, inc.DiscoveryStatus),
		)
	}

	// Inputs are read before the claim so a missing shipment never leaves
	// the incident in RUNNING.
	shipment, err := e.Shipments.GetByID(ctx, e.DB, inc.ShipmentID)
	if err != nil {
		return domain.DiscoveryResult{}, storeError(err, domain.ErrStoreQuery, "load shipment")
	}
	resources, err := e.Resources.ListAll(ctx, e.DB)
	if err != nil {
		return domain.DiscoveryResult{}, storeError(err, domain.ErrStoreQuery, "list resources")
	}

	won, err := e.Incidents.TransitionDiscovery(ctx, e.DB, incidentID,
		domain.DiscoveryPending, domain.DiscoveryRunning, e.now().Unix())
	if err != nil {
		return domain.DiscoveryResult{}, storeError(err, domain.ErrStoreWrite, "claim discovery")
	}
	if !won {
		return e.currentResult(ctx, incidentID)
	}

	// The claim is ours now; the caller hanging up must not strand the run.
	wctx := context.WithoutCancel(ctx)

	pos := geo.ResolvePosition(*shipment)
	candidates := geo.Rank(pos, resources, e.TopN)

	if err := e.Incidents.SaveCandidates(wctx, e.DB, incidentID, candidates, e.now().Unix()); err != nil {
		e.logger.ErrorContext(wctx, "save candidates failed, forcing completion",
			"incident_id", incidentID, "error", err)
		// Nothing was cached, so the completion announces nothing either.
		e.forceComplete(wctx, inc.ID, nil, nil, "save_failed")
		return domain.DiscoveryResult{}, storeError(err, domain.ErrStoreWrite, "save candidates")
	}

	e.logger.InfoContext(ctx, "discovery started",
		"incident_id", incidentID,
		"shipment_id", shipment.ID,
		"lat", pos.Lat, "lng", pos.Lng,
		"candidates", len(candidates),
	)

	r := &run{incident: *inc, candidates: candidates}
	e.spawn(r)
	return domain.DiscoveryResult{Status: domain.OutcomeStarted}, nil
}

// currentResult answers a caller that lost the claim.
func (e *Engine) currentResult(ctx context.Context, incidentID string) (domain.DiscoveryResult, error) {
	inc, err := e.Incidents.GetByID(ctx, e.DB, incidentID)
	if err != nil {
		return domain.DiscoveryResult{}, storeError(err, domain.ErrStoreQuery, "reload incident")
	}
	if inc.DiscoveryStatus == domain.DiscoveryCompleted {
		return completedResult(inc), nil
	}
	return domain.DiscoveryResult{Status: domain.OutcomeRunning}, nil
}

func completedResult(inc *domain.Incident) domain.DiscoveryResult {
	cands := inc.Candidates
	if cands == nil {
		cands = []domain.Candidate{}
	}
	return domain.DiscoveryResult{Status: domain.OutcomeCompleted, Candidates: cands}
}

// spawn detaches the reveal onto its own goroutine. The request that
// triggered it does not wait.
func (e *Engine) spawn(r *run) {
	e.active.Store(r.incident.ID, struct{}{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.active.Delete(r.incident.ID)
		e.supervise(r)
	}()
}

// supervise plays the sequence and guarantees the incident leaves RUNNING,
// whether the sequence returns an error or panics.
func (e *Engine) supervise(r *run) {
	ctx := context.Background()
	defer func() {
		if p := recover(); p != nil {
			e.logger.ErrorContext(ctx, "discovery sequence panicked",
				"incident_id", r.incident.ID, "panic", fmt.Sprint(p))
			e.forceComplete(ctx, r.incident.ID, r.summary, r.candidates, "panic")
		}
	}()

	if err := e.Sequencer.Play(ctx, r); err != nil {
		e.logger.ErrorContext(ctx, "discovery sequence failed",
			"incident_id", r.incident.ID, "step", r.step, "error", err)
		e.forceComplete(ctx, r.incident.ID, r.summary, r.candidates, "error")
	}
}

// forceComplete moves a RUNNING incident to COMPLETED outside the normal
// sequence. If no summary was written yet it appends one, so exactly one
// completion entry exists per run.
func (e *Engine) forceComplete(ctx context.Context, incidentID string, summary *domain.LogEntry, candidates []domain.Candidate, reason string) bool {
	ok, err := e.Incidents.TransitionDiscovery(ctx, e.DB, incidentID,
		domain.DiscoveryRunning, domain.DiscoveryCompleted, e.now().Unix())
	if err != nil {
		e.logger.ErrorContext(ctx, "forced completion failed",
			"incident_id", incidentID, "reason", reason, "error", err)
		return false
	}
	if !ok {
		return false
	}
	e.Telemetry.RecordForcedCompletion(ctx, reason)
	e.logger.WarnContext(ctx, "discovery forced to completed",
		"incident_id", incidentID, "reason", reason)

	entry := summary
	if entry == nil {
		appended, err := e.Logs.Append(ctx, e.DB, domain.LogEntry{
			ID:          newLogID(),
			IncidentID:  incidentID,
			TimestampMs: e.now().UnixMilli(),
			Message:     interruptedSummary(candidates),
			Source:      domain.SourceDiscovery,
			Severity:    domain.SeverityWarning,
			Kind:        domain.LogDiscoverySummary,
		})
		if err != nil {
			// Live clients still learn about COMPLETED, just without the entry.
			e.logger.ErrorContext(ctx, "append forced summary failed",
				"incident_id", incidentID, "error", err)
		} else {
			entry = &appended
		}
	}
	e.Bus.Publish(ctx, domain.Event{
		Type:       domain.EventDiscoveryCompleted,
		IncidentID: incidentID,
		Log:        entry,
		Candidates: candidates,
	})
	return true
}

// Running reports whether a reveal for incidentID is in flight in this process.
func (e *Engine) Running(incidentID string) bool {
	_, ok := e.active.Load(incidentID)
	return ok
}

// Wait blocks until every background run started by this Engine returns.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// storeError keeps orchestrator errors as they are and wraps anything else
// (driver failures) in base.
func storeError(err error, base *domain.OrchestratorError, op string) error {
	var oe *domain.OrchestratorError
	if errors.As(err, &oe) {
		return err
	}
	return domain.WrapOrchestratorError(base, op, err)
}
