package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// IncidentRepo handles persistence for Incident records.
//
// Discovery status changes are conditional updates ("set X where status = Y"),
// so concurrent callers race at the store and exactly one of them wins.
type IncidentRepo struct{}

// Create inserts a new incident.
func (r *IncidentRepo) Create(ctx context.Context, db *DB, inc domain.Incident) error {
	const q = `INSERT INTO incidents (incident_id, shipment_id, title, description, status, discovery_status,
	candidates_json, handoff_status, created_at_unix, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, db.Rebind(q),
		inc.ID,
		inc.ShipmentID,
		inc.Title,
		inc.Description,
		string(inc.Status),
		string(inc.DiscoveryStatus),
		"",
		string(inc.HandoffStatus),
		inc.CreatedAtUnix,
		inc.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

const incidentColumns = `incident_id, shipment_id, title, description, status, discovery_status,
	candidates_json, handoff_status, created_at_unix, updated_at_unix`

// GetByID retrieves an incident by its ID.
func (r *IncidentRepo) GetByID(ctx context.Context, db *DB, incidentID string) (*domain.Incident, error) {
	q := `SELECT ` + incidentColumns + ` FROM incidents WHERE incident_id = ?`
	inc, err := scanIncident(db.QueryRowContext(ctx, db.Rebind(q), incidentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

// List returns all incidents, newest first.
func (r *IncidentRepo) List(ctx context.Context, db *DB) ([]domain.Incident, error) {
	q := `SELECT ` + incidentColumns + ` FROM incidents ORDER BY created_at_unix DESC, incident_id ASC`
	return r.query(ctx, db, q)
}

// ListRunningSince returns incidents still RUNNING whose last update is at or
// before cutoffUnix.
func (r *IncidentRepo) ListRunningSince(ctx context.Context, db *DB, cutoffUnix int64) ([]domain.Incident, error) {
	q := `SELECT ` + incidentColumns + ` FROM incidents
WHERE discovery_status = ? AND updated_at_unix <= ?
ORDER BY updated_at_unix ASC`
	return r.query(ctx, db, db.Rebind(q), string(domain.DiscoveryRunning), cutoffUnix)
}

func (r *IncidentRepo) query(ctx context.Context, db *DB, q string, args ...any) ([]domain.Incident, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

// TransitionDiscovery moves discovery_status from one state to the next in a
// single conditional update. It returns false when the stored status was not
// `from`, which means another caller got there first.
func (r *IncidentRepo) TransitionDiscovery(ctx context.Context, db *DB, incidentID string, from, to domain.DiscoveryStatus, nowUnix int64) (bool, error) {
	if to.Order() != from.Order()+1 {
		return false, domain.NewOrchestratorError(
			domain.ErrInvalidTransition.Code,
			fmt.Sprintf("illegal discovery transition %s -> %s", from, to),
		)
	}

	const q = `UPDATE incidents SET discovery_status = ?, updated_at_unix = ?
WHERE incident_id = ? AND discovery_status = ?`
	res, err := db.ExecContext(ctx, db.Rebind(q), string(to), nowUnix, incidentID, string(from))
	if err != nil {
		return false, fmt.Errorf("transition discovery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// SaveCandidates stores the ranked snapshot while the run is in flight.
func (r *IncidentRepo) SaveCandidates(ctx context.Context, db *DB, incidentID string, candidates []domain.Candidate, nowUnix int64) error {
	data, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}

	const q = `UPDATE incidents SET candidates_json = ?, updated_at_unix = ?
WHERE incident_id = ? AND discovery_status = ?`
	res, err := db.ExecContext(ctx, db.Rebind(q), string(data), nowUnix, incidentID, string(domain.DiscoveryRunning))
	if err != nil {
		return fmt.Errorf("save candidates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrDiscoveryConflict
	}
	return nil
}

// Resolve moves an ACTIVE incident to a terminal status. It returns false if
// the incident was already closed.
func (r *IncidentRepo) Resolve(ctx context.Context, db *DB, incidentID string, status domain.IncidentStatus, nowUnix int64) (bool, error) {
	if !status.Terminal() {
		return false, domain.NewOrchestratorError(domain.ErrInvalidRequest.Code, fmt.Sprintf("status %q is not terminal", status))
	}
	const q = `UPDATE incidents SET status = ?, updated_at_unix = ?
WHERE incident_id = ? AND status = ?`
	res, err := db.ExecContext(ctx, db.Rebind(q), string(status), nowUnix, incidentID, string(domain.IncidentActive))
	if err != nil {
		return false, fmt.Errorf("resolve incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// ClaimHandoff marks the handoff as sent if discovery is COMPLETED and no
// handoff has succeeded yet. It returns false when the claim was not taken.
func (r *IncidentRepo) ClaimHandoff(ctx context.Context, db *DB, incidentID string, nowUnix int64) (bool, error) {
	const q = `UPDATE incidents SET handoff_status = ?, updated_at_unix = ?
WHERE incident_id = ? AND discovery_status = ? AND handoff_status IN (?, ?)`
	res, err := db.ExecContext(ctx, db.Rebind(q),
		string(domain.HandoffSent), nowUnix, incidentID,
		string(domain.DiscoveryCompleted), string(domain.HandoffNone), string(domain.HandoffFailed))
	if err != nil {
		return false, fmt.Errorf("claim handoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// SetHandoffStatus records the outcome of the outbound call.
func (r *IncidentRepo) SetHandoffStatus(ctx context.Context, db *DB, incidentID string, status domain.HandoffStatus, nowUnix int64) error {
	const q = `UPDATE incidents SET handoff_status = ?, updated_at_unix = ? WHERE incident_id = ?`
	if _, err := db.ExecContext(ctx, db.Rebind(q), string(status), nowUnix, incidentID); err != nil {
		return fmt.Errorf("set handoff status: %w", err)
	}
	return nil
}

// DeleteAll removes every incident and log entry. Used between demo runs.
func (r *IncidentRepo) DeleteAll(ctx context.Context, db *DB) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM incident_logs`); err != nil {
		return 0, fmt.Errorf("delete logs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM incidents`)
	if err != nil {
		return 0, fmt.Errorf("delete incidents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, tx.Commit()
}

func scanIncident(row rowScanner) (*domain.Incident, error) {
	var (
		inc                                  domain.Incident
		status, discovery, cands, handoffSts string
	)
	err := row.Scan(&inc.ID, &inc.ShipmentID, &inc.Title, &inc.Description, &status, &discovery,
		&cands, &handoffSts, &inc.CreatedAtUnix, &inc.UpdatedAtUnix)
	if err != nil {
		return nil, err
	}
	inc.Status = domain.IncidentStatus(status)
	inc.DiscoveryStatus = domain.DiscoveryStatus(discovery)
	inc.HandoffStatus = domain.HandoffStatus(handoffSts)
	if cands != "" {
		if err := json.Unmarshal([]byte(cands), &inc.Candidates); err != nil {
			return nil, fmt.Errorf("decode candidates: %w", err)
		}
	}
	return &inc, nil
}
