package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// Callback is a progress or completion report from the automation workflow.
type Callback struct {
	IncidentID string         `json:"incident_id"`
	RunID      string         `json:"run_id"`
	Agent      string         `json:"agent"`
	Status     string         `json:"status"`
	Steps      []CallbackStep `json:"steps"`
	Outcome    string         `json:"outcome"`
	Summary    string         `json:"summary,omitempty"`
}

// CallbackStep is one narrated action taken by an agent.
type CallbackStep struct {
	Agent    string `json:"agent"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// CallbackResult reports what a callback changed.
type CallbackResult struct {
	IncidentID string                `json:"incident_id"`
	Appended   int                   `json:"appended"`
	Duplicates int                   `json:"duplicates"`
	Status     domain.IncidentStatus `json:"status"`
	Run        *RunInfo              `json:"run,omitempty"`
}

// Final reports whether the callback ends its run.
func (cb Callback) Final() bool {
	switch strings.ToLower(cb.Status) {
	case "completed", "succeeded", "failed", "error":
		return true
	}
	return cb.outcome() != ""
}

func (cb Callback) outcome() domain.IncidentStatus {
	switch strings.ToLower(strings.TrimSpace(cb.Outcome)) {
	case "resolved":
		return domain.IncidentResolved
	case "failed":
		return domain.IncidentFailed
	}
	return ""
}

// stepLogID is derived from the run, the step's position and its content, so
// a redelivered callback dedupes against entries it already wrote.
func stepLogID(runID string, i int, step CallbackStep) string {
	name := fmt.Sprintf("run:%s:step:%d:%s:%s", runID, i, agentName(step.Agent), step.Message)
	return "log-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// Ingest turns each step into an agent-scoped log entry, caches run info for
// final callbacks, and resolves the incident when an outcome is given.
func (s *Service) Ingest(ctx context.Context, cb Callback) (CallbackResult, error) {
	if strings.TrimSpace(cb.IncidentID) == "" || strings.TrimSpace(cb.RunID) == "" {
		return CallbackResult{}, domain.NewOrchestratorError(domain.ErrInvalidRequest.Code, "incident_id and run_id are required")
	}
	inc, err := s.Incidents.GetByID(ctx, s.DB, cb.IncidentID)
	if err != nil {
		return CallbackResult{}, wrapStore(err, domain.ErrStoreQuery, "load incident")
	}

	res := CallbackResult{IncidentID: inc.ID, Status: inc.Status}
	for i, step := range cb.Steps {
		msg := strings.TrimSpace(step.Message)
		if msg == "" {
			continue
		}
		agent := step.Agent
		if strings.TrimSpace(agent) == "" {
			agent = cb.Agent
		}
		if strings.TrimSpace(agent) == "" {
			agent = "automation"
		}
		entry, err := s.Logs.Append(ctx, s.DB, domain.LogEntry{
			ID:          stepLogID(cb.RunID, i, step),
			IncidentID:  inc.ID,
			TimestampMs: s.now().UnixMilli(),
			Message:     msg,
			Source:      domain.AgentSource(agent),
			Severity:    domain.ParseSeverity(step.Severity),
			Kind:        domain.LogAgentStep,
		})
		if errors.Is(err, domain.ErrDuplicateLog) {
			res.Duplicates++
			continue
		}
		if err != nil {
			return res, domain.WrapOrchestratorError(domain.ErrStoreWrite, "append agent step", err)
		}
		res.Appended++
		s.Bus.Publish(ctx, domain.Event{Type: domain.EventIncidentLog, IncidentID: inc.ID, ShipmentID: inc.ShipmentID, Log: &entry})
	}

	if cb.Final() {
		info, err := s.Runs.Resolve(ctx, cb.RunID, func() RunInfo {
			return ExtractRunInfo(cb, s.now().Unix())
		})
		if err != nil {
			return res, err
		}
		res.Run = &info
	}

	if status := cb.outcome(); status != "" && s.Resolver != nil {
		source := domain.SourceOrchestrator
		if strings.TrimSpace(cb.Agent) != "" {
			source = domain.AgentSource(cb.Agent)
		}
		note := ""
		if res.Run != nil {
			note = res.Run.Summary
		}
		closed, err := s.Resolver.Resolve(ctx, inc.ID, status, note, source)
		switch {
		case errors.Is(err, domain.ErrIncidentClosed):
			// Redelivered final callback; the first one already closed it.
		case err != nil:
			return res, err
		default:
			res.Status = closed.Status
		}
	}

	s.logger.InfoContext(ctx, "automation callback ingested",
		"incident_id", inc.ID, "run_id", cb.RunID,
		"status", cb.Status, "appended", res.Appended, "duplicates", res.Duplicates)
	return res, nil
}

// Run returns cached info for a finished run.
func (s *Service) Run(ctx context.Context, runID string) (RunInfo, error) {
	return s.Runs.Lookup(ctx, runID)
}
