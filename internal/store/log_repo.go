package store

import (
	"context"
	"fmt"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// appendAttempts bounds retries when two writers race for the same seq.
const appendAttempts = 3

// LogRepo handles persistence for the append-only incident log.
type LogRepo struct{}

// Append writes entry and returns it with its per-incident Seq assigned.
// An entry whose ID already exists is rejected with ErrDuplicateLog and the
// stored entry is left untouched.
func (r *LogRepo) Append(ctx context.Context, db *DB, entry domain.LogEntry) (domain.LogEntry, error) {
	// Seq is MAX(seq)+1 for the incident, computed inside the insert.
	const q = `INSERT INTO incident_logs (log_id, incident_id, seq, timestamp_ms, message, source, severity, kind, rank_no)
SELECT CAST(? AS TEXT), CAST(? AS TEXT), COALESCE(MAX(seq), 0) + 1, CAST(? AS BIGINT),
	CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS INTEGER)
FROM incident_logs WHERE incident_id = ?
ON CONFLICT (log_id) DO NOTHING`

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		res, err := db.ExecContext(ctx, db.Rebind(q),
			entry.ID,
			entry.IncidentID,
			entry.TimestampMs,
			entry.Message,
			string(entry.Source),
			string(entry.Severity),
			string(entry.Kind),
			entry.Rank,
			entry.IncidentID,
		)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			return entry, fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return entry, domain.ErrDuplicateLog
		}
		return r.get(ctx, db, entry.ID)
	}
	return entry, fmt.Errorf("append log: %w", lastErr)
}

func (r *LogRepo) get(ctx context.Context, db *DB, logID string) (domain.LogEntry, error) {
	const q = `SELECT log_id, incident_id, seq, timestamp_ms, message, source, severity, kind, rank_no
FROM incident_logs WHERE log_id = ?`
	var (
		e                      domain.LogEntry
		source, severity, kind string
	)
	err := db.QueryRowContext(ctx, db.Rebind(q), logID).Scan(
		&e.ID, &e.IncidentID, &e.Seq, &e.TimestampMs, &e.Message, &source, &severity, &kind, &e.Rank)
	if err != nil {
		return e, fmt.Errorf("read back log: %w", err)
	}
	e.Source = domain.LogSource(source)
	e.Severity = domain.Severity(severity)
	e.Kind = domain.LogKind(kind)
	return e, nil
}

// ListByIncident returns the full log for an incident in timeline order
// (timestamp ascending, seq breaking ties).
func (r *LogRepo) ListByIncident(ctx context.Context, db *DB, incidentID string) ([]domain.LogEntry, error) {
	const q = `SELECT log_id, incident_id, seq, timestamp_ms, message, source, severity, kind, rank_no
FROM incident_logs
WHERE incident_id = ?
ORDER BY timestamp_ms ASC, seq ASC`

	rows, err := db.QueryContext(ctx, db.Rebind(q), incidentID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var (
			e                      domain.LogEntry
			source, severity, kind string
		)
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.Seq, &e.TimestampMs, &e.Message, &source, &severity, &kind, &e.Rank); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Source = domain.LogSource(source)
		e.Severity = domain.Severity(severity)
		e.Kind = domain.LogKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
