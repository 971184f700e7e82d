package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// run is the state of one discovery run as the reveal progresses.
type run struct {
	incident   domain.Incident
	candidates []domain.Candidate
	summary    *domain.LogEntry
	step       string
}

// Sequencer reveals a ranked result one candidate at a time. Every step
// persists exactly one log entry and publishes exactly one event carrying it.
type Sequencer struct {
	engine       *Engine
	InitialDelay time.Duration
	StepDelay    time.Duration
	FinalDelay   time.Duration

	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// BeforeStep, if set, runs before each step. Tests use it to inject faults.
	BeforeStep func(step string)
}

// NewSequencer creates a Sequencer that writes through e.
func NewSequencer(e *Engine, initial, step, final time.Duration) *Sequencer {
	return &Sequencer{
		engine:       e,
		InitialDelay: initial,
		StepDelay:    step,
		FinalDelay:   final,
		Sleep:        sleepCtx,
	}
}

// Play runs the reveal for r: scan start, one entry per candidate in rank
// order, the summary, then the COMPLETED transition. Steps never overlap.
func (s *Sequencer) Play(ctx context.Context, r *run) error {
	e := s.engine

	if err := s.wait(ctx, r, "scan", s.InitialDelay); err != nil {
		return err
	}
	scan, err := s.append(ctx, r, domain.LogEntry{
		Message:  scanMessage(r.incident, len(r.candidates)),
		Severity: domain.SeverityInfo,
		Kind:     domain.LogScanStarted,
	})
	if err != nil {
		return err
	}
	e.Bus.Publish(ctx, domain.Event{
		Type:       domain.EventIncidentLog,
		IncidentID: r.incident.ID,
		ShipmentID: r.incident.ShipmentID,
		Log:        &scan,
	})

	for i := range r.candidates {
		c := r.candidates[i]
		if err := s.wait(ctx, r, fmt.Sprintf("reveal-%d", c.Rank), s.StepDelay); err != nil {
			return err
		}
		entry, err := s.append(ctx, r, domain.LogEntry{
			Message:  revealMessage(c),
			Severity: domain.SeverityInfo,
			Kind:     domain.LogResourceRevealed,
			Rank:     c.Rank,
		})
		if err != nil {
			return err
		}
		e.Bus.Publish(ctx, domain.Event{
			Type:       domain.EventResourceLocated,
			IncidentID: r.incident.ID,
			ShipmentID: r.incident.ShipmentID,
			Log:        &entry,
			Candidate:  &c,
			Rank:       c.Rank,
			Selection:  []string{c.ID},
		})
	}

	if err := s.wait(ctx, r, "summary", s.FinalDelay); err != nil {
		return err
	}
	severity := domain.SeveritySuccess
	if len(r.candidates) == 0 {
		severity = domain.SeverityWarning
	}
	summary, err := s.append(ctx, r, domain.LogEntry{
		Message:  summaryMessage(r.candidates),
		Severity: severity,
		Kind:     domain.LogDiscoverySummary,
	})
	if err != nil {
		return err
	}
	r.summary = &summary

	r.step = "complete"
	ok, err := e.Incidents.TransitionDiscovery(ctx, e.DB, r.incident.ID,
		domain.DiscoveryRunning, domain.DiscoveryCompleted, e.now().Unix())
	if err != nil {
		return fmt.Errorf("complete discovery: %w", err)
	}
	if !ok {
		// Someone else (the sweeper) completed it; the summary is still ours to announce.
		e.logger.WarnContext(ctx, "discovery already completed before sequence finished",
			"incident_id", r.incident.ID)
	}

	ids := make([]string, 0, len(r.candidates))
	for _, c := range r.candidates {
		ids = append(ids, c.ID)
	}
	e.Bus.Publish(ctx, domain.Event{
		Type:       domain.EventDiscoveryCompleted,
		IncidentID: r.incident.ID,
		ShipmentID: r.incident.ShipmentID,
		Log:        &summary,
		Candidates: r.candidates,
		Selection:  ids,
	})
	e.logger.InfoContext(ctx, "discovery completed",
		"incident_id", r.incident.ID, "candidates", len(r.candidates))
	return nil
}

func (s *Sequencer) wait(ctx context.Context, r *run, step string, d time.Duration) error {
	r.step = step
	if s.BeforeStep != nil {
		s.BeforeStep(step)
	}
	if d <= 0 {
		return nil
	}
	return s.Sleep(ctx, d)
}

func (s *Sequencer) append(ctx context.Context, r *run, entry domain.LogEntry) (domain.LogEntry, error) {
	entry.ID = newLogID()
	entry.IncidentID = r.incident.ID
	entry.TimestampMs = s.engine.now().UnixMilli()
	entry.Source = domain.SourceDiscovery
	saved, err := s.engine.Logs.Append(ctx, s.engine.DB, entry)
	if err != nil {
		return entry, fmt.Errorf("append %s log: %w", entry.Kind, err)
	}
	return saved, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newLogID() string {
	return "log-" + uuid.NewString()
}

func scanMessage(inc domain.Incident, n int) string {
	return fmt.Sprintf("Scanning recovery network around shipment %s for %q (%d candidates in range)",
		inc.ShipmentID, inc.Title, n)
}

func revealMessage(c domain.Candidate) string {
	switch c.Kind {
	case domain.KindAsset:
		return fmt.Sprintf("#%d recovery driver %s is %.1f mi out", c.Rank, label(c.Resource), c.DistanceMiles)
	default:
		return fmt.Sprintf("#%d facility %s located %.1f mi away", c.Rank, label(c.Resource), c.DistanceMiles)
	}
}

func summaryMessage(cands []domain.Candidate) string {
	if len(cands) == 0 {
		return "Discovery complete: no recovery resources found"
	}
	var facilities, drivers int
	for _, c := range cands {
		if c.Kind == domain.KindAsset {
			drivers++
		} else {
			facilities++
		}
	}
	nearest := cands[0]
	return fmt.Sprintf("Discovery complete: %s and %s ranked. Nearest is %s at %.1f mi",
		plural(facilities, "facility", "facilities"), plural(drivers, "driver", "drivers"),
		label(nearest.Resource), nearest.DistanceMiles)
}

func interruptedSummary(cands []domain.Candidate) string {
	return fmt.Sprintf("Discovery closed before the reveal finished; %s cached",
		plural(len(cands), "candidate", "candidates"))
}

func label(r domain.Resource) string {
	if strings.TrimSpace(r.Name) != "" {
		return r.Name
	}
	return r.ID
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
