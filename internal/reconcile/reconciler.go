// Package reconcile merges authoritative incident state, bus events and
// client-local overrides into the view a connected client renders.
package reconcile

import (
	"sort"
	"sync"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// Level is the displayed urgency of an incident.
type Level string

const (
	LevelNominal  Level = "NOMINAL"
	LevelElevated Level = "ELEVATED"
	LevelCritical Level = "CRITICAL"
	LevelResolved Level = "RESOLVED"
	LevelFailed   Level = "FAILED"
)

// Risk thresholds for the displayed level of an ACTIVE incident.
const (
	ElevatedRisk = 50.0
	CriticalRisk = 80.0
)

// LevelFor maps a merged risk value to a level.
func LevelFor(risk float64) Level {
	switch {
	case risk >= CriticalRisk:
		return LevelCritical
	case risk >= ElevatedRisk:
		return LevelElevated
	default:
		return LevelNominal
	}
}

// Snapshot is one authoritative fetch: the incident, its shipment when
// known, and the full ordered log.
type Snapshot struct {
	Incident domain.Incident
	Shipment *domain.Shipment
	Logs     []domain.LogEntry
}

// View is the merged, render-ready state of one incident.
type View struct {
	IncidentID        string                 `json:"incident_id"`
	ShipmentID        string                 `json:"shipment_id"`
	Title             string                 `json:"title"`
	Status            domain.IncidentStatus  `json:"status"`
	DiscoveryStatus   domain.DiscoveryStatus `json:"discovery_status"`
	Candidates        []domain.Candidate     `json:"candidates"`
	Selection         []string               `json:"selection,omitempty"`
	Risk              float64                `json:"risk"`
	AuthoritativeRisk float64                `json:"authoritative_risk"`
	Override          *float64               `json:"override,omitempty"`
	Level             Level                  `json:"level"`
	Logs              []domain.LogEntry      `json:"logs"`
	HandoffTriggered  bool                   `json:"handoff_triggered"`
}

type incidentState struct {
	id         string
	shipmentID string
	title      string
	status     domain.IncidentStatus
	discovery  domain.DiscoveryStatus
	candidates []domain.Candidate
	revealed   map[int]domain.Candidate
	selection  []string
	logs       []domain.LogEntry
	logIDs     map[string]bool
	handoff    bool
}

// Reconciler holds one client's view model. It is safe for concurrent use
// by an event reader and a poller.
type Reconciler struct {
	mu        sync.Mutex
	incidents map[string]*incidentState
	risk      map[string]float64 // authoritative, by shipment id
	overrides map[string]float64 // local, by shipment id
}

// New creates an empty Reconciler.
func New() *Reconciler {
	return &Reconciler{
		incidents: make(map[string]*incidentState),
		risk:      make(map[string]float64),
		overrides: make(map[string]float64),
	}
}

func (r *Reconciler) state(id string) *incidentState {
	st, ok := r.incidents[id]
	if !ok {
		st = &incidentState{
			id:        id,
			status:    domain.IncidentActive,
			discovery: domain.DiscoveryPending,
			revealed:  make(map[int]domain.Candidate),
			logIDs:    make(map[string]bool),
		}
		r.incidents[id] = st
	}
	return st
}

// ApplySnapshot merges an authoritative fetch and returns the log entries
// that were new to this client, in timeline order. A stale snapshot never
// regresses discovery status or reopens a closed incident.
func (r *Reconciler) ApplySnapshot(s Snapshot) []domain.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(s.Incident.ID)
	if s.Incident.ShipmentID != "" {
		st.shipmentID = s.Incident.ShipmentID
	}
	if s.Incident.Title != "" {
		st.title = s.Incident.Title
	}
	st.advanceDiscovery(s.Incident.DiscoveryStatus)
	if len(s.Incident.Candidates) > 0 {
		st.candidates = cloneCandidates(s.Incident.Candidates)
	}
	if s.Incident.HandoffStatus == domain.HandoffSent {
		st.handoff = true
	}
	if s.Shipment != nil {
		r.risk[s.Shipment.ID] = s.Shipment.RiskScore
	}
	if s.Incident.Status.Terminal() {
		r.close(st, s.Incident.Status)
	}

	var added []domain.LogEntry
	for _, e := range s.Logs {
		if st.addLog(e) {
			added = append(added, e)
		}
	}
	sortLogs(added)
	return added
}

// ApplyEvent merges one bus event without waiting for a refetch and returns
// the log entry it carried if that entry was new.
func (r *Reconciler) ApplyEvent(ev domain.Event) (domain.LogEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(ev.IncidentID)
	if ev.ShipmentID != "" {
		st.shipmentID = ev.ShipmentID
	}
	if ev.RiskScore != nil && st.shipmentID != "" {
		r.risk[st.shipmentID] = *ev.RiskScore
	}
	if len(ev.Selection) > 0 {
		st.selection = append([]string(nil), ev.Selection...)
	}

	switch ev.Type {
	case domain.EventResourceLocated:
		st.advanceDiscovery(domain.DiscoveryRunning)
		if ev.Candidate != nil {
			st.revealed[ev.Candidate.Rank] = *ev.Candidate
		}
	case domain.EventDiscoveryCompleted:
		st.advanceDiscovery(domain.DiscoveryCompleted)
		if ev.Candidates != nil {
			st.candidates = cloneCandidates(ev.Candidates)
		}
	case domain.EventIncidentResolved:
		r.close(st, domain.IncidentResolved)
	case domain.EventIncidentFailed:
		r.close(st, domain.IncidentFailed)
	}

	if ev.Log != nil && st.addLog(*ev.Log) {
		return *ev.Log, true
	}
	return domain.LogEntry{}, false
}

// close marks st terminal and drops the risk override for its shipment
// unless another incident on it is still ACTIVE. The shipment reference
// itself is kept.
func (r *Reconciler) close(st *incidentState, status domain.IncidentStatus) {
	if !st.status.Terminal() {
		st.status = status
	}
	if st.shipmentID != "" && !r.hasActive(st.shipmentID) {
		delete(r.overrides, st.shipmentID)
	}
}

// SetOverride pins a local risk value for shipmentID. It is refused when
// every known incident on that shipment is closed.
func (r *Reconciler) SetOverride(shipmentID string, risk float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	known := false
	for _, st := range r.incidents {
		if st.shipmentID == shipmentID {
			known = true
			break
		}
	}
	if known && !r.hasActive(shipmentID) {
		return false
	}
	r.overrides[shipmentID] = risk
	return true
}

func (r *Reconciler) hasActive(shipmentID string) bool {
	for _, st := range r.incidents {
		if st.shipmentID == shipmentID && !st.status.Terminal() {
			return true
		}
	}
	return false
}

// ClearOverride drops the local value for shipmentID.
func (r *Reconciler) ClearOverride(shipmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, shipmentID)
}

// Override returns the local value for shipmentID, if any.
func (r *Reconciler) Override(shipmentID string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.overrides[shipmentID]
	return v, ok
}

// AffectedShipment returns the shipment an incident was declared against.
// It stays available after the incident closes.
func (r *Reconciler) AffectedShipment(incidentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.incidents[incidentID]
	if !ok || st.shipmentID == "" {
		return "", false
	}
	return st.shipmentID, true
}

// ClaimHandoff returns true exactly once per incident, and only after the
// client has observed COMPLETED on an ACTIVE incident.
func (r *Reconciler) ClaimHandoff(incidentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.incidents[incidentID]
	if !ok || st.handoff || st.status.Terminal() || st.discovery != domain.DiscoveryCompleted {
		return false
	}
	st.handoff = true
	return true
}

// View renders the merged state of one incident.
func (r *Reconciler) View(incidentID string) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.incidents[incidentID]
	if !ok {
		return View{}, false
	}

	v := View{
		IncidentID:       st.id,
		ShipmentID:       st.shipmentID,
		Title:            st.title,
		Status:           st.status,
		DiscoveryStatus:  st.discovery,
		Candidates:       st.visibleCandidates(),
		Selection:        append([]string(nil), st.selection...),
		Logs:             append([]domain.LogEntry(nil), st.logs...),
		HandoffTriggered: st.handoff,
	}
	v.AuthoritativeRisk = r.risk[st.shipmentID]
	v.Risk = v.AuthoritativeRisk
	if o, ok := r.overrides[st.shipmentID]; ok && st.shipmentID != "" {
		v.Override = &o
		v.Risk = max(v.AuthoritativeRisk, o)
	}

	switch st.status {
	case domain.IncidentResolved:
		v.Level = LevelResolved
	case domain.IncidentFailed:
		v.Level = LevelFailed
	default:
		v.Level = LevelFor(v.Risk)
	}
	return v, true
}

func (st *incidentState) advanceDiscovery(to domain.DiscoveryStatus) {
	if to.Order() > st.discovery.Order() {
		st.discovery = to
	}
}

func (st *incidentState) addLog(e domain.LogEntry) bool {
	if e.ID == "" || st.logIDs[e.ID] {
		return false
	}
	st.logIDs[e.ID] = true
	i := sort.Search(len(st.logs), func(i int) bool { return e.Before(st.logs[i]) })
	st.logs = append(st.logs, domain.LogEntry{})
	copy(st.logs[i+1:], st.logs[i:])
	st.logs[i] = e
	return true
}

// visibleCandidates returns the cached result once discovery completed,
// otherwise the candidates revealed so far in rank order.
func (st *incidentState) visibleCandidates() []domain.Candidate {
	if len(st.candidates) > 0 {
		return cloneCandidates(st.candidates)
	}
	ranks := make([]int, 0, len(st.revealed))
	for rank := range st.revealed {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)
	out := make([]domain.Candidate, 0, len(ranks))
	for _, rank := range ranks {
		out = append(out, st.revealed[rank])
	}
	return out
}

func cloneCandidates(in []domain.Candidate) []domain.Candidate {
	return append([]domain.Candidate(nil), in...)
}

func sortLogs(entries []domain.LogEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Before(entries[j]) })
}
