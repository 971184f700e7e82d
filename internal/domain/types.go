// Package domain defines the core types for the incident orchestrator.
package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// IncidentStatus is the lifecycle status of an incident.
type IncidentStatus string

const (
	IncidentActive   IncidentStatus = "ACTIVE"
	IncidentResolved IncidentStatus = "RESOLVED"
	IncidentFailed   IncidentStatus = "FAILED"
)

// Terminal reports whether the incident has left the ACTIVE state.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentResolved || s == IncidentFailed
}

// DiscoveryStatus is the per-incident discovery state. It only moves forward.
type DiscoveryStatus string

const (
	DiscoveryPending   DiscoveryStatus = "PENDING"
	DiscoveryRunning   DiscoveryStatus = "RUNNING"
	DiscoveryCompleted DiscoveryStatus = "COMPLETED"
)

// Order returns the position of the status in the one-way sequence.
func (s DiscoveryStatus) Order() int {
	switch s {
	case DiscoveryPending:
		return 0
	case DiscoveryRunning:
		return 1
	case DiscoveryCompleted:
		return 2
	default:
		return -1
	}
}

// HandoffStatus tracks the outbound automation call for an incident.
type HandoffStatus string

const (
	HandoffNone   HandoffStatus = "none"
	HandoffSent   HandoffStatus = "sent"
	HandoffFailed HandoffStatus = "failed"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Shipment is an in-transit order. The orchestrator only reads it.
type Shipment struct {
	ID               string          `json:"id" yaml:"id"`
	Reference        string          `json:"reference" yaml:"reference"`
	Carrier          string          `json:"carrier" yaml:"carrier"`
	Origin           Point           `json:"origin" yaml:"origin"`
	Destination      Point           `json:"destination" yaml:"destination"`
	Route            []Point         `json:"route" yaml:"route"`
	Progress         float64         `json:"progress" yaml:"progress"`
	RiskScore        float64         `json:"risk_score" yaml:"risk_score"`
	CargoValue       decimal.Decimal `json:"cargo_value" yaml:"cargo_value"`
	DelayCostPerHour decimal.Decimal `json:"delay_cost_per_hour" yaml:"delay_cost_per_hour"`
	UpdatedAtUnix    int64           `json:"updated_at_unix" yaml:"-"`
}

// ResourceKind distinguishes fixed facilities from mobile assets.
type ResourceKind string

const (
	KindFacility ResourceKind = "FACILITY"
	KindAsset    ResourceKind = "ASSET"
)

// Resource is a recovery resource that can be ranked against an incident.
type Resource struct {
	ID       string       `json:"id" yaml:"id"`
	Name     string       `json:"name" yaml:"name"`
	Kind     ResourceKind `json:"kind" yaml:"kind"`
	Location Point        `json:"location" yaml:"location"`
	Capacity int          `json:"capacity,omitempty" yaml:"capacity"`
	Contact  string       `json:"contact,omitempty" yaml:"contact"`
}

// Candidate is a resource annotated with its distance and 1-based rank.
type Candidate struct {
	Resource
	DistanceMiles float64 `json:"distance_miles"`
	Rank          int     `json:"rank"`
}

// Incident is declared against an in-transit shipment.
type Incident struct {
	ID              string          `json:"id"`
	ShipmentID      string          `json:"shipment_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Status          IncidentStatus  `json:"status"`
	DiscoveryStatus DiscoveryStatus `json:"discovery_status"`
	Candidates      []Candidate     `json:"candidates,omitempty"`
	HandoffStatus   HandoffStatus   `json:"handoff_status"`
	CreatedAtUnix   int64           `json:"created_at_unix"`
	UpdatedAtUnix   int64           `json:"updated_at_unix"`
}

// LogSource tags the component that wrote a log entry.
type LogSource string

const (
	SourceSystem       LogSource = "SYSTEM"
	SourceDiscovery    LogSource = "DISCOVERY"
	SourceOrchestrator LogSource = "ORCHESTRATOR"
)

const agentSourcePrefix = "AGENT:"

// AgentSource returns the agent-scoped source tag for name.
func AgentSource(name string) LogSource {
	return LogSource(agentSourcePrefix + strings.ToUpper(strings.TrimSpace(name)))
}

// IsAgent reports whether the source is agent-scoped.
func (s LogSource) IsAgent() bool {
	return strings.HasPrefix(string(s), agentSourcePrefix)
}

// Severity of a log entry.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeveritySuccess Severity = "SUCCESS"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// ParseSeverity maps free-form input to a Severity, defaulting to INFO.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeveritySuccess:
		return SeveritySuccess
	case SeverityWarning:
		return SeverityWarning
	case SeverityError:
		return SeverityError
	default:
		return SeverityInfo
	}
}

// LogKind classifies what a log entry narrates.
type LogKind string

const (
	LogScanStarted      LogKind = "scan_started"
	LogResourceRevealed LogKind = "resource_revealed"
	LogDiscoverySummary LogKind = "discovery_summary"
	LogHandoff          LogKind = "handoff"
	LogAgentStep        LogKind = "agent_step"
	LogResolution       LogKind = "resolution"
)

// LogEntry is one append-only narration line for an incident.
// Entries are ordered by (TimestampMs, Seq); identity is ID.
type LogEntry struct {
	ID          string    `json:"id"`
	IncidentID  string    `json:"incident_id"`
	Seq         int64     `json:"seq"`
	TimestampMs int64     `json:"timestamp_ms"`
	Message     string    `json:"message"`
	Source      LogSource `json:"source"`
	Severity    Severity  `json:"severity"`
	Kind        LogKind   `json:"kind"`
	Rank        int       `json:"rank,omitempty"`
}

// Before reports whether e sorts before other in timeline order.
func (e LogEntry) Before(other LogEntry) bool {
	if e.TimestampMs != other.TimestampMs {
		return e.TimestampMs < other.TimestampMs
	}
	return e.Seq < other.Seq
}

// EventType names a bus event.
type EventType string

const (
	EventIncidentCreated    EventType = "incident_created"
	EventResourceLocated    EventType = "resource_located"
	EventIncidentLog        EventType = "incident_log"
	EventDiscoveryCompleted EventType = "discovery_completed"
	EventIncidentResolved   EventType = "incident_resolved"
	EventIncidentFailed     EventType = "incident_failed"
)

// Event is a state-transition notification fanned out by the bus.
// Every event carries the incident id so subscribers can filter.
type Event struct {
	Type       EventType   `json:"type"`
	IncidentID string      `json:"incident_id"`
	ShipmentID string      `json:"shipment_id,omitempty"`
	Log        *LogEntry   `json:"log,omitempty"`
	Candidate  *Candidate  `json:"candidate,omitempty"`
	Rank       int         `json:"rank,omitempty"`
	Selection  []string    `json:"selection,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
	RiskScore  *float64    `json:"risk_score,omitempty"`
	EmittedAt  int64       `json:"emitted_at_ms"`
}

// Terminal reports whether the event ends the incident's ACTIVE state.
func (e Event) Terminal() bool {
	return e.Type == EventIncidentResolved || e.Type == EventIncidentFailed
}

// DiscoveryOutcome is the response signal of a discovery trigger.
type DiscoveryOutcome string

const (
	OutcomeStarted   DiscoveryOutcome = "STARTED"
	OutcomeRunning   DiscoveryOutcome = "RUNNING"
	OutcomeCompleted DiscoveryOutcome = "COMPLETED"
)

// DiscoveryResult is returned by a discovery trigger.
type DiscoveryResult struct {
	Status     DiscoveryOutcome `json:"status"`
	Candidates []Candidate      `json:"candidates,omitempty"`
}
