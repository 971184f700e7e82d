package handoff

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logiwatch/incident-orchestrator/internal/bus"
	"github.com/logiwatch/incident-orchestrator/internal/config"
	"github.com/logiwatch/incident-orchestrator/internal/discovery"
	"github.com/logiwatch/incident-orchestrator/internal/domain"
	"github.com/logiwatch/incident-orchestrator/internal/store"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []Payload
	ack   Ack
	err   error
}

func (f *fakeSender) Send(_ context.Context, p Payload) (Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	return f.ack, f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	db     *store.DB
	hub    *bus.Hub
	engine *discovery.Engine
	sender *fakeSender
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "handoff.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hub := bus.NewHub(256)
	eng := discovery.NewEngine(db, hub, config.SequencerConfig{TopN: 3}, nil)
	t.Cleanup(eng.Wait)

	require.NoError(t, (&store.ShipmentRepo{}).Upsert(ctx, db, fixtureShipment()))
	for _, c := range fixtureIncident().Candidates {
		require.NoError(t, (&store.ResourceRepo{}).Upsert(ctx, db, c.Resource))
	}
	require.NoError(t, (&store.IncidentRepo{}).Create(ctx, db, domain.Incident{
		ID:              "INC-1",
		ShipmentID:      "SHIP-1",
		Title:           "Reefer unit failure",
		Status:          domain.IncidentActive,
		DiscoveryStatus: domain.DiscoveryPending,
		HandoffStatus:   domain.HandoffNone,
	}))

	sender := &fakeSender{ack: Ack{RunID: "run-1", Status: "queued"}}
	svc := NewService(db, hub, sender, nil, eng, "http://localhost:9810/")
	return &fixture{db: db, hub: hub, engine: eng, sender: sender, svc: svc}
}

func (f *fixture) discover(t *testing.T) {
	t.Helper()
	_, err := f.engine.Discover(context.Background(), "INC-1")
	require.NoError(t, err)
	f.engine.Wait()
}

func (f *fixture) incident(t *testing.T) *domain.Incident {
	t.Helper()
	inc, err := (&store.IncidentRepo{}).GetByID(context.Background(), f.db, "INC-1")
	require.NoError(t, err)
	return inc
}

func (f *fixture) logsOfKind(t *testing.T, kind domain.LogKind) []domain.LogEntry {
	t.Helper()
	all, err := (&store.LogRepo{}).ListByIncident(context.Background(), f.db, "INC-1")
	require.NoError(t, err)
	var out []domain.LogEntry
	for _, e := range all {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestTrigger_RequiresCompletedDiscovery(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Trigger(context.Background(), "INC-1")
	assert.True(t, errors.Is(err, domain.ErrDiscoveryNotComplete))
	assert.Zero(t, f.sender.count())
}

func TestTrigger_UnknownIncident(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Trigger(context.Background(), "INC-404")
	assert.True(t, errors.Is(err, domain.ErrIncidentNotFound))
}

func TestTrigger_Success(t *testing.T) {
	f := newFixture(t)
	f.discover(t)
	events, cancel := f.hub.Subscribe("INC-1")
	defer cancel()

	res, err := f.svc.Trigger(context.Background(), "INC-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "sent", res.Status)

	require.Equal(t, 1, f.sender.count())
	p := f.sender.calls[0]
	assert.Equal(t, "http://localhost:9810"+CallbackPath, p.CallbackURL)
	assert.Len(t, p.Drivers, 1)
	assert.Len(t, p.Facilities, 2)

	assert.Equal(t, domain.HandoffSent, f.incident(t).HandoffStatus)

	entries := f.logsOfKind(t, domain.LogHandoff)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SourceOrchestrator, entries[0].Source)
	assert.Equal(t, domain.SeverityInfo, entries[0].Severity)
	assert.Equal(t, "Automation workflow engaged with 2 facilities and 1 drivers (run run-1)", entries[0].Message)

	ev := <-events
	assert.Equal(t, domain.EventIncidentLog, ev.Type)
	require.NotNil(t, ev.Log)
	assert.Equal(t, entries[0].ID, ev.Log.ID)
}

func TestTrigger_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, dup int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Trigger(context.Background(), "INC-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrHandoffAlreadySent):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, dup)
	assert.Equal(t, 1, f.sender.count())
}

func TestTrigger_UpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.discover(t)
	f.sender.err = domain.NewOrchestratorError(domain.ErrAutomationUpstream.Code, "status 500: boom")

	_, err := f.svc.Trigger(context.Background(), "INC-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAutomationUpstream))
	assert.Equal(t, domain.HandoffFailed, f.incident(t).HandoffStatus)

	entries := f.logsOfKind(t, domain.LogHandoff)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SeverityError, entries[0].Severity)
	assert.Equal(t, "Automation handoff failed: status 500: boom", entries[0].Message)
	assert.Equal(t, 1, f.sender.count(), "no automatic retry")

	// A manual retry is allowed after a failure.
	f.sender.err = nil
	_, err = f.svc.Trigger(context.Background(), "INC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffSent, f.incident(t).HandoffStatus)
	assert.Equal(t, 2, f.sender.count())
}

// cancelingSender cancels the caller's context while the request is in flight.
type cancelingSender struct {
	cancel context.CancelFunc
	ack    Ack
	err    error
}

func (c *cancelingSender) Send(_ context.Context, _ Payload) (Ack, error) {
	c.cancel()
	return c.ack, c.err
}

func TestTrigger_CallerGoneDuringFailedSend(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.Sender = &cancelingSender{
		cancel: cancel,
		err:    domain.NewOrchestratorError(domain.ErrAutomationUpstream.Code, "status 502: gateway"),
	}

	_, err := f.svc.Trigger(ctx, "INC-1")
	assert.True(t, errors.Is(err, domain.ErrAutomationUpstream))
	assert.Equal(t, domain.HandoffFailed, f.incident(t).HandoffStatus)

	entries := f.logsOfKind(t, domain.LogHandoff)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SeverityError, entries[0].Severity)

	// The failure was recorded, so a manual retry goes through.
	f.svc.Sender = f.sender
	_, err = f.svc.Trigger(context.Background(), "INC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffSent, f.incident(t).HandoffStatus)
}

func TestTrigger_CallerGoneDuringSuccessfulSend(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.Sender = &cancelingSender{cancel: cancel, ack: Ack{RunID: "run-7"}}

	res, err := f.svc.Trigger(ctx, "INC-1")
	require.NoError(t, err)
	assert.Equal(t, "run-7", res.RunID)
	assert.Equal(t, domain.HandoffSent, f.incident(t).HandoffStatus)

	entries := f.logsOfKind(t, domain.LogHandoff)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "(run run-7)")
}

func TestTrigger_Unavailable(t *testing.T) {
	f := newFixture(t)
	f.discover(t)
	f.svc.Sender = nil

	_, err := f.svc.Trigger(context.Background(), "INC-1")
	assert.True(t, errors.Is(err, domain.ErrAutomationUnavailable))
	assert.Equal(t, domain.HandoffNone, f.incident(t).HandoffStatus)
}

func TestTrigger_ClosedIncident(t *testing.T) {
	f := newFixture(t)
	f.discover(t)
	_, err := f.engine.Resolve(context.Background(), "INC-1", domain.IncidentResolved, "manual", "")
	require.NoError(t, err)

	_, err = f.svc.Trigger(context.Background(), "INC-1")
	assert.True(t, errors.Is(err, domain.ErrIncidentClosed))
}

func TestIngest_StepsAndOutcome(t *testing.T) {
	f := newFixture(t)
	f.discover(t)
	_, err := f.svc.Trigger(context.Background(), "INC-1")
	require.NoError(t, err)
	ctx := context.Background()

	progress := Callback{
		IncidentID: "INC-1",
		RunID:      "run-1",
		Agent:      "dispatcher",
		Status:     "running",
		Steps: []CallbackStep{
			{Agent: "dispatcher", Message: "Paged Dana Ortiz", Severity: "info"},
			{Agent: "carrier-liaison", Message: "Carrier acknowledged reroute", Severity: "success"},
			{Agent: "dispatcher", Message: "   "},
		},
	}
	res, err := f.svc.Ingest(ctx, progress)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Appended)
	assert.Zero(t, res.Duplicates)
	assert.Nil(t, res.Run)
	assert.Equal(t, domain.IncidentActive, res.Status)

	// Redelivery dedupes.
	res, err = f.svc.Ingest(ctx, progress)
	require.NoError(t, err)
	assert.Zero(t, res.Appended)
	assert.Equal(t, 2, res.Duplicates)

	steps := f.logsOfKind(t, domain.LogAgentStep)
	require.Len(t, steps, 2)
	assert.Equal(t, domain.AgentSource("dispatcher"), steps[0].Source)
	assert.Equal(t, domain.LogSource("AGENT:CARRIER-LIAISON"), steps[1].Source)
	assert.Equal(t, domain.SeveritySuccess, steps[1].Severity)

	final := Callback{
		IncidentID: "INC-1",
		RunID:      "run-1",
		Agent:      "dispatcher",
		Status:     "completed",
		Outcome:    "resolved",
		Steps:      []CallbackStep{{Message: "Cargo transferred to WH-2", Severity: "success"}},
	}
	res, err = f.svc.Ingest(ctx, final)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Appended)
	assert.Equal(t, domain.IncidentResolved, res.Status)
	require.NotNil(t, res.Run)
	assert.Equal(t, "Cargo transferred to WH-2", res.Run.Summary)
	assert.Equal(t, []string{"DISPATCHER"}, res.Run.Agents)

	assert.Equal(t, domain.IncidentResolved, f.incident(t).Status)
	resolution := f.logsOfKind(t, domain.LogResolution)
	require.Len(t, resolution, 1)
	assert.Equal(t, domain.AgentSource("dispatcher"), resolution[0].Source)

	// A redelivered final callback neither fails nor writes a second resolution.
	_, err = f.svc.Ingest(ctx, final)
	require.NoError(t, err)
	assert.Len(t, f.logsOfKind(t, domain.LogResolution), 1)

	info, err := f.svc.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "INC-1", info.IncidentID)
	assert.Equal(t, "resolved", info.Outcome)
}

func TestIngest_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Ingest(context.Background(), Callback{IncidentID: "INC-1"})
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))

	_, err = f.svc.Ingest(context.Background(), Callback{IncidentID: "INC-9", RunID: "r"})
	assert.True(t, errors.Is(err, domain.ErrIncidentNotFound))
}

func TestRun_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Run(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrRunNotFound))
}
