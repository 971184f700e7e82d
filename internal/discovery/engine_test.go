package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logiwatch/incident-orchestrator/internal/bus"
	"github.com/logiwatch/incident-orchestrator/internal/config"
	"github.com/logiwatch/incident-orchestrator/internal/domain"
	"github.com/logiwatch/incident-orchestrator/internal/geo"
	"github.com/logiwatch/incident-orchestrator/internal/store"
)

const milesPerDegreeLat = geo.EarthRadiusMiles * 3.141592653589793 / 180

func northOf(p domain.Point, miles float64) domain.Point {
	return domain.Point{Lat: p.Lat + miles/milesPerDegreeLat, Lng: p.Lng}
}

func tenPointRoute() []domain.Point {
	route := make([]domain.Point, 10)
	for i := range route {
		route[i] = domain.Point{Lat: 35 + float64(i)*0.5, Lng: -97 + float64(i)*0.3}
	}
	return route
}

type harness struct {
	db     *store.DB
	hub    *bus.Hub
	engine *Engine
	events <-chan domain.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hub := bus.NewHub(256)
	events, cancel := hub.Subscribe("")
	t.Cleanup(cancel)

	eng := NewEngine(db, hub, config.SequencerConfig{TopN: 3}, nil)
	t.Cleanup(eng.Wait)
	return &harness{db: db, hub: hub, engine: eng, events: events}
}

// seedScenario stores SHIP-1 on a 10-point route at 50% progress with a
// driver 3.0 mi and a facility 7.5 mi from the resolved position, plus
// INC-1 in PENDING.
func (h *harness) seedScenario(t *testing.T) domain.Point {
	t.Helper()
	ctx := context.Background()
	route := tenPointRoute()
	pos := route[4]

	require.NoError(t, (&store.ShipmentRepo{}).Upsert(ctx, h.db, domain.Shipment{
		ID:               "SHIP-1",
		Reference:        "PO-1",
		Route:            route,
		Origin:           route[0],
		Destination:      route[9],
		Progress:         50,
		RiskScore:        60,
		CargoValue:       decimal.NewFromInt(120000),
		DelayCostPerHour: decimal.NewFromInt(900),
	}))
	require.NoError(t, (&store.ResourceRepo{}).Upsert(ctx, h.db, domain.Resource{
		ID: "FAC-A", Name: "Tulsa Cold Storage", Kind: domain.KindFacility, Location: northOf(pos, 7.5),
	}))
	require.NoError(t, (&store.ResourceRepo{}).Upsert(ctx, h.db, domain.Resource{
		ID: "DRV-B", Name: "Dana Ortiz", Kind: domain.KindAsset, Location: northOf(pos, 3.0),
	}))
	h.createIncident(t, "INC-1", "SHIP-1")
	return pos
}

func (h *harness) createIncident(t *testing.T, id, shipmentID string) {
	t.Helper()
	require.NoError(t, (&store.IncidentRepo{}).Create(context.Background(), h.db, domain.Incident{
		ID:              id,
		ShipmentID:      shipmentID,
		Title:           "Reefer unit failure",
		Status:          domain.IncidentActive,
		DiscoveryStatus: domain.DiscoveryPending,
		HandoffStatus:   domain.HandoffNone,
	}))
}

func (h *harness) drain() []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *harness) logs(t *testing.T, incidentID string) []domain.LogEntry {
	t.Helper()
	entries, err := (&store.LogRepo{}).ListByIncident(context.Background(), h.db, incidentID)
	require.NoError(t, err)
	return entries
}

func (h *harness) incident(t *testing.T, id string) *domain.Incident {
	t.Helper()
	inc, err := (&store.IncidentRepo{}).GetByID(context.Background(), h.db, id)
	require.NoError(t, err)
	return inc
}

func TestDiscover_Scenario(t *testing.T) {
	h := newHarness(t)
	h.seedScenario(t)

	res, err := h.engine.Discover(context.Background(), "INC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStarted, res.Status)
	h.engine.Wait()

	inc := h.incident(t, "INC-1")
	assert.Equal(t, domain.DiscoveryCompleted, inc.DiscoveryStatus)
	require.Len(t, inc.Candidates, 2)
	assert.Equal(t, "DRV-B", inc.Candidates[0].ID)
	assert.Equal(t, 1, inc.Candidates[0].Rank)
	assert.InDelta(t, 3.0, inc.Candidates[0].DistanceMiles, 0.01)
	assert.Equal(t, "FAC-A", inc.Candidates[1].ID)
	assert.Equal(t, 2, inc.Candidates[1].Rank)
	assert.InDelta(t, 7.5, inc.Candidates[1].DistanceMiles, 0.01)

	logs := h.logs(t, "INC-1")
	require.Len(t, logs, 4)
	assert.Equal(t, domain.LogScanStarted, logs[0].Kind)
	assert.Equal(t, domain.LogResourceRevealed, logs[1].Kind)
	assert.Equal(t, 1, logs[1].Rank)
	assert.Contains(t, logs[1].Message, "recovery driver Dana Ortiz")
	assert.Equal(t, domain.LogResourceRevealed, logs[2].Kind)
	assert.Equal(t, 2, logs[2].Rank)
	assert.Contains(t, logs[2].Message, "facility Tulsa Cold Storage")
	assert.Equal(t, domain.LogDiscoverySummary, logs[3].Kind)
	assert.Contains(t, logs[3].Message, "1 facility and 1 driver")
	for _, l := range logs {
		assert.Equal(t, domain.SourceDiscovery, l.Source)
	}
}

func TestDiscover_EveryEventCarriesItsLogEntry(t *testing.T) {
	h := newHarness(t)
	h.seedScenario(t)

	_, err := h.engine.Discover(context.Background(), "INC-1")
	require.NoError(t, err)
	h.engine.Wait()

	logs := h.logs(t, "INC-1")
	var events []domain.Event
	for _, ev := range h.drain() {
		if ev.IncidentID == "INC-1" {
			events = append(events, ev)
		}
	}
	require.Len(t, events, len(logs))

	wantTypes := []domain.EventType{
		domain.EventIncidentLog,
		domain.EventResourceLocated,
		domain.EventResourceLocated,
		domain.EventDiscoveryCompleted,
	}
	for i, ev := range events {
		assert.Equal(t, wantTypes[i], ev.Type)
		require.NotNil(t, ev.Log)
		assert.Equal(t, logs[i].ID, ev.Log.ID)
	}
	assert.Equal(t, 1, events[1].Rank)
	assert.Equal(t, []string{"DRV-B"}, events[1].Selection)
	assert.Equal(t, 2, events[2].Rank)
	assert.Len(t, events[3].Candidates, 2)
}

func TestDiscover_CompletedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedScenario(t)

	_, err := h.engine.Discover(context.Background(), "INC-1")
	require.NoError(t, err)
	h.engine.Wait()

	first, err := h.engine.Discover(context.Background(), "INC-1")
	require.NoError(t, err)
	second, err := h.engine.Discover(context.Background(), "INC-1")
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeCompleted, first.Status)
	assert.Equal(t, first, second)
	assert.Len(t, h.logs(t, "INC-1"), 4, "a completed trigger must not append logs")
}

func TestDiscover_ConcurrentTriggersStartOnce(t *testing.T) {
	h := newHarness(t)
	h.seedScenario(t)

	const n = 24
	results := make([]domain.DiscoveryOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.Discover(context.Background(), "INC-1")
			if err != nil {
				t.Errorf("Discover: %v", err)
				return
			}
			results[i] = res.Status
		}(i)
	}
	wg.Wait()
	h.engine.Wait()

	started := 0
	for _, s := range results {
		switch s {
		case domain.OutcomeStarted:
			started++
		case domain.OutcomeRunning, domain.OutcomeCompleted:
		default:
			t.Errorf("unexpected outcome %q", s)
		}
	}
	assert.Equal(t, 1, started)
	assert.Len(t, h.logs(t, "INC-1"), 4)
}

func TestDiscover_RunningReturnsRunning(t *testing.T) {
	h := newHarness(t)
	h.seedScenario(t)

	ok, err := (&store.IncidentRepo{}).TransitionDiscovery(context.Background(), h.db, "INC-1",
		domain.DiscoveryPending, domain.DiscoveryRunning, 1)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.engine.Discover(context.Background(), "INC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRunning, res.Status)
	assert.Empty(t, h.logs(t, "INC-1"))
}

func TestDiscover_PanicStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.seedScenario(t)
	h.engine.Sequencer.BeforeStep = func(step string) {
		if step == "reveal-2" {
			panic("renderer exploded")
		}
	}

	res, err := h.engine.Discover(context.Background(), "INC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStarted, res.Status)
	h.engine.Wait()

	assert.Equal(t, domain.DiscoveryCompleted, h.incident(t, "INC-1").DiscoveryStatus)

	logs := h.logs(t, "INC-1")
	require.Len(t, logs, 3)
	assert.Equal(t, domain.LogResourceRevealed, logs[1].Kind)
	assert.Equal(t, domain.LogDiscoverySummary, logs[2].Kind)
	assert.Equal(t, domain.SeverityWarning, logs[2].Severity)

	var completed int
	for _, ev := range h.drain() {
		if ev.Type == domain.EventDiscoveryCompleted {
			completed++
			require.NotNil(t, ev.Log)
			assert.Equal(t, logs[2].ID, ev.Log.ID)
		}
	}
	assert.Equal(t, 1, completed)
}

func TestForceComplete_ReusesWrittenSummary(t *testing.T) {
	h := newHarness(t)
	h.seedScenario(t)
	ctx := context.Background()

	_, err := (&store.IncidentRepo{}).TransitionDiscovery(ctx, h.db, "INC-1",
		domain.DiscoveryPending, domain.DiscoveryRunning, 1)
	require.NoError(t, err)
	summary, err := (&store.LogRepo{}).Append(ctx, h.db, domain.LogEntry{
		ID: "log-summary", IncidentID: "INC-1", TimestampMs: 5, Message: "done",
		Source: domain.SourceDiscovery, Severity: domain.SeveritySuccess, Kind: domain.LogDiscoverySummary,
	})
	require.NoError(t, err)

	assert.True(t, h.engine.forceComplete(ctx, "INC-1", &summary, nil, "error"))
	assert.False(t, h.engine.forceComplete(ctx, "INC-1", &summary, nil, "error"), "second completion is a no-op")

	logs := h.logs(t, "INC-1")
	require.Len(t, logs, 1)
	events := h.drain()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventDiscoveryCompleted, events[0].Type)
	assert.Equal(t, "log-summary", events[0].Log.ID)
}

func TestDiscover_MissingShipmentLeavesPending(t *testing.T) {
	h := newHarness(t)
	h.createIncident(t, "INC-9", "SHIP-missing")

	_, err := h.engine.Discover(context.Background(), "INC-9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrShipmentNotFound))
	assert.Equal(t, domain.DiscoveryPending, h.incident(t, "INC-9").DiscoveryStatus)
}

func TestDiscover_UnknownIncident(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Discover(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrIncidentNotFound))
}

func TestDiscover_NoResources(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, (&store.ShipmentRepo{}).Upsert(context.Background(), h.db, domain.Shipment{ID: "SHIP-2"}))
	h.createIncident(t, "INC-2", "SHIP-2")

	_, err := h.engine.Discover(context.Background(), "INC-2")
	require.NoError(t, err)
	h.engine.Wait()

	res, err := h.engine.Discover(context.Background(), "INC-2")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCompleted, res.Status)
	assert.Empty(t, res.Candidates)

	logs := h.logs(t, "INC-2")
	require.Len(t, logs, 2)
	assert.Equal(t, "Discovery complete: no recovery resources found", logs[1].Message)
}

func TestDiscover_StoreUnavailable(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	mock.ExpectQuery("SELECT .* FROM incidents").WillReturnError(errors.New("disk I/O error"))

	eng := NewEngine(store.Wrap(sqlDB, "sqlite"), bus.NewHub(1), config.SequencerConfig{}, nil)
	_, err = eng.Discover(context.Background(), "INC-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreQuery))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDiscover_CallerGoneAfterClaimKeepsRanking(t *testing.T) {
	h := newHarness(t)
	h.seedScenario(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The first clock read stamps the claim; the caller hangs up on the second.
	var reads atomic.Int32
	h.engine.now = func() time.Time {
		if reads.Add(1) == 2 {
			cancel()
		}
		return time.Now()
	}

	res, err := h.engine.Discover(ctx, "INC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStarted, res.Status)
	h.engine.Wait()

	res, err = h.engine.Discover(context.Background(), "INC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCompleted, res.Status)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "DRV-B", res.Candidates[0].ID)
	assert.Equal(t, "FAC-A", res.Candidates[1].ID)
	assert.Len(t, h.logs(t, "INC-1"), 4)
}

func TestDiscover_SaveFailureCompletesEmpty(t *testing.T) {
	h := newHarness(t)
	h.seedScenario(t)
	_, err := h.db.Exec(`CREATE TRIGGER reject_candidates BEFORE UPDATE OF candidates_json ON incidents
BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)
	require.NoError(t, err)

	_, err = h.engine.Discover(context.Background(), "INC-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreWrite))
	assert.Equal(t, domain.DiscoveryCompleted, h.incident(t, "INC-1").DiscoveryStatus)

	res, err := h.engine.Discover(context.Background(), "INC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCompleted, res.Status)
	assert.Empty(t, res.Candidates)

	var completed []domain.Event
	for _, ev := range h.drain() {
		if ev.Type == domain.EventDiscoveryCompleted {
			completed = append(completed, ev)
		}
	}
	require.Len(t, completed, 1)
	assert.Empty(t, completed[0].Candidates, "completion matches what was stored")
	require.NotNil(t, completed[0].Log)
	assert.Equal(t, domain.SeverityWarning, completed[0].Log.Severity)
	assert.Contains(t, completed[0].Log.Message, "0 candidates")
}

func TestForceComplete_PublishesWithoutSummaryWhenAppendFails(t *testing.T) {
	h := newHarness(t)
	h.seedScenario(t)
	ctx := context.Background()

	_, err := (&store.IncidentRepo{}).TransitionDiscovery(ctx, h.db, "INC-1",
		domain.DiscoveryPending, domain.DiscoveryRunning, 1)
	require.NoError(t, err)
	_, err = h.db.Exec(`CREATE TRIGGER reject_logs BEFORE INSERT ON incident_logs
BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)
	require.NoError(t, err)

	assert.True(t, h.engine.forceComplete(ctx, "INC-1", nil, nil, "error"))
	assert.Equal(t, domain.DiscoveryCompleted, h.incident(t, "INC-1").DiscoveryStatus)

	events := h.drain()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventDiscoveryCompleted, events[0].Type)
	assert.Nil(t, events[0].Log)
}
