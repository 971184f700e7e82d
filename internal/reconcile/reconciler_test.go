package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

func snapshot(risk float64, discovery domain.DiscoveryStatus, logs ...domain.LogEntry) Snapshot {
	return Snapshot{
		Incident: domain.Incident{
			ID:              "INC-1",
			ShipmentID:      "SHIP-1",
			Title:           "Reefer unit failure",
			Status:          domain.IncidentActive,
			DiscoveryStatus: discovery,
			HandoffStatus:   domain.HandoffNone,
		},
		Shipment: &domain.Shipment{ID: "SHIP-1", RiskScore: risk},
		Logs:     logs,
	}
}

func entry(id string, ts, seq int64) domain.LogEntry {
	return domain.LogEntry{ID: id, IncidentID: "INC-1", TimestampMs: ts, Seq: seq, Message: id}
}

func candidate(id string, rank int) domain.Candidate {
	return domain.Candidate{Resource: domain.Resource{ID: id}, Rank: rank, DistanceMiles: float64(rank)}
}

func TestView_MaxOfAuthoritativeAndOverride(t *testing.T) {
	r := New()
	r.ApplySnapshot(snapshot(60, domain.DiscoveryPending))
	require.True(t, r.SetOverride("SHIP-1", 85))

	v, ok := r.View("INC-1")
	require.True(t, ok)
	assert.Equal(t, 85.0, v.Risk)
	assert.Equal(t, 60.0, v.AuthoritativeRisk)
	require.NotNil(t, v.Override)
	assert.Equal(t, 85.0, *v.Override)
	assert.Equal(t, LevelCritical, v.Level)

	// A slow refresh carrying an older, lower value cannot erase the override.
	r.ApplySnapshot(snapshot(40, domain.DiscoveryPending))
	v, _ = r.View("INC-1")
	assert.Equal(t, 85.0, v.Risk)

	// A higher authoritative value wins over a lower override.
	risk := 92.0
	r.ApplyEvent(domain.Event{Type: domain.EventIncidentLog, IncidentID: "INC-1", RiskScore: &risk})
	v, _ = r.View("INC-1")
	assert.Equal(t, 92.0, v.Risk)
}

func TestTerminalEvent_ClearsOverrideKeepsShipment(t *testing.T) {
	r := New()
	r.ApplySnapshot(snapshot(60, domain.DiscoveryCompleted))
	require.True(t, r.SetOverride("SHIP-1", 85))

	resolution := entry("log-res", 500, 9)
	r.ApplyEvent(domain.Event{Type: domain.EventIncidentResolved, IncidentID: "INC-1", ShipmentID: "SHIP-1", Log: &resolution})

	_, ok := r.Override("SHIP-1")
	assert.False(t, ok)
	shipment, ok := r.AffectedShipment("INC-1")
	require.True(t, ok)
	assert.Equal(t, "SHIP-1", shipment)

	v, _ := r.View("INC-1")
	assert.Equal(t, domain.IncidentResolved, v.Status)
	assert.Equal(t, LevelResolved, v.Level)
	assert.Equal(t, 60.0, v.Risk)
	assert.Nil(t, v.Override)
	assert.Equal(t, "SHIP-1", v.ShipmentID)

	assert.False(t, r.SetOverride("SHIP-1", 99), "closed incident refuses new overrides")
}

func TestTerminalStatus_WinsOverStalePoll(t *testing.T) {
	r := New()
	r.ApplySnapshot(snapshot(60, domain.DiscoveryCompleted))
	r.ApplyEvent(domain.Event{Type: domain.EventIncidentFailed, IncidentID: "INC-1"})

	r.ApplySnapshot(snapshot(95, domain.DiscoveryCompleted))
	v, _ := r.View("INC-1")
	assert.Equal(t, domain.IncidentFailed, v.Status)
	assert.Equal(t, LevelFailed, v.Level)
}

func TestDiscoveryStatus_NeverRegresses(t *testing.T) {
	r := New()
	r.ApplyEvent(domain.Event{Type: domain.EventDiscoveryCompleted, IncidentID: "INC-1", Candidates: []domain.Candidate{candidate("A", 1)}})

	r.ApplySnapshot(snapshot(10, domain.DiscoveryRunning))
	v, _ := r.View("INC-1")
	assert.Equal(t, domain.DiscoveryCompleted, v.DiscoveryStatus)
	require.Len(t, v.Candidates, 1)

	r.ApplySnapshot(snapshot(10, domain.DiscoveryPending))
	v, _ = r.View("INC-1")
	assert.Equal(t, domain.DiscoveryCompleted, v.DiscoveryStatus)
}

func TestLogs_DedupedAndOrdered(t *testing.T) {
	r := New()
	second := entry("log-2", 200, 2)
	_, added := r.ApplyEvent(domain.Event{Type: domain.EventIncidentLog, IncidentID: "INC-1", Log: &second})
	assert.True(t, added)
	_, added = r.ApplyEvent(domain.Event{Type: domain.EventIncidentLog, IncidentID: "INC-1", Log: &second})
	assert.False(t, added)

	// Same text, distinct identity: not a duplicate.
	twin := entry("log-3", 200, 3)
	twin.Message = second.Message

	fresh := r.ApplySnapshot(snapshot(10, domain.DiscoveryRunning,
		twin, entry("log-1", 100, 1), second))
	require.Len(t, fresh, 2)
	assert.Equal(t, "log-1", fresh[0].ID)
	assert.Equal(t, "log-3", fresh[1].ID)

	v, _ := r.View("INC-1")
	ids := make([]string, len(v.Logs))
	for i, l := range v.Logs {
		ids[i] = l.ID
	}
	assert.Equal(t, []string{"log-1", "log-2", "log-3"}, ids)
}

func TestRevealedCandidates_RankOrder(t *testing.T) {
	r := New()
	for _, c := range []domain.Candidate{candidate("B", 2), candidate("A", 1)} {
		r.ApplyEvent(domain.Event{Type: domain.EventResourceLocated, IncidentID: "INC-1", Candidate: &c, Rank: c.Rank, Selection: []string{c.ID}})
	}

	v, _ := r.View("INC-1")
	assert.Equal(t, domain.DiscoveryRunning, v.DiscoveryStatus)
	require.Len(t, v.Candidates, 2)
	assert.Equal(t, "A", v.Candidates[0].ID)
	assert.Equal(t, "B", v.Candidates[1].ID)
	assert.Equal(t, []string{"A"}, v.Selection)
}

func TestClaimHandoff_Once(t *testing.T) {
	r := New()
	r.ApplySnapshot(snapshot(60, domain.DiscoveryRunning))
	assert.False(t, r.ClaimHandoff("INC-1"), "discovery still running")
	assert.False(t, r.ClaimHandoff("INC-404"))

	r.ApplyEvent(domain.Event{Type: domain.EventDiscoveryCompleted, IncidentID: "INC-1"})
	assert.True(t, r.ClaimHandoff("INC-1"))
	assert.False(t, r.ClaimHandoff("INC-1"))

	v, _ := r.View("INC-1")
	assert.True(t, v.HandoffTriggered)
}

func TestClaimHandoff_SentOnServer(t *testing.T) {
	r := New()
	s := snapshot(60, domain.DiscoveryCompleted)
	s.Incident.HandoffStatus = domain.HandoffSent
	r.ApplySnapshot(s)

	assert.False(t, r.ClaimHandoff("INC-1"))
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		risk float64
		want Level
	}{
		{0, LevelNominal},
		{49.9, LevelNominal},
		{50, LevelElevated},
		{79.9, LevelElevated},
		{80, LevelCritical},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.risk), "risk %v", tt.risk)
	}
}

func TestView_Unknown(t *testing.T) {
	_, ok := New().View("INC-1")
	assert.False(t, ok)
}

func TestSetOverride_NewIncidentOnClosedShipment(t *testing.T) {
	r := New()
	r.ApplySnapshot(snapshot(60, domain.DiscoveryCompleted))
	r.ApplyEvent(domain.Event{Type: domain.EventIncidentFailed, IncidentID: "INC-1", ShipmentID: "SHIP-1"})
	assert.False(t, r.SetOverride("SHIP-1", 90), "only closed incidents on the shipment")

	second := snapshot(60, domain.DiscoveryPending)
	second.Incident.ID = "INC-2"
	r.ApplySnapshot(second)
	require.True(t, r.SetOverride("SHIP-1", 90))

	v, ok := r.View("INC-2")
	require.True(t, ok)
	assert.Equal(t, 90.0, v.Risk)
	assert.Equal(t, LevelCritical, v.Level)

	closed, _ := r.View("INC-1")
	assert.Equal(t, LevelFailed, closed.Level)
}

func TestTerminalEvent_KeepsOverrideForOtherActiveIncident(t *testing.T) {
	r := New()
	r.ApplySnapshot(snapshot(60, domain.DiscoveryCompleted))
	second := snapshot(60, domain.DiscoveryPending)
	second.Incident.ID = "INC-2"
	r.ApplySnapshot(second)
	require.True(t, r.SetOverride("SHIP-1", 85))

	r.ApplyEvent(domain.Event{Type: domain.EventIncidentResolved, IncidentID: "INC-1", ShipmentID: "SHIP-1"})
	got, ok := r.Override("SHIP-1")
	require.True(t, ok)
	assert.Equal(t, 85.0, got)

	r.ApplyEvent(domain.Event{Type: domain.EventIncidentResolved, IncidentID: "INC-2", ShipmentID: "SHIP-1"})
	_, ok = r.Override("SHIP-1")
	assert.False(t, ok)
}
