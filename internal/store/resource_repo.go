package store

import (
	"context"
	"fmt"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// ResourceRepo handles persistence for recovery resources (facilities and assets).
type ResourceRepo struct{}

// Upsert inserts a resource or replaces the stored copy.
func (r *ResourceRepo) Upsert(ctx context.Context, db *DB, res domain.Resource) error {
	const q = `INSERT INTO resources (resource_id, name, kind, lat, lng, capacity, contact)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (resource_id) DO UPDATE SET
	name = excluded.name,
	kind = excluded.kind,
	lat = excluded.lat,
	lng = excluded.lng,
	capacity = excluded.capacity,
	contact = excluded.contact`
	_, err := db.ExecContext(ctx, db.Rebind(q),
		res.ID,
		res.Name,
		string(res.Kind),
		res.Location.Lat,
		res.Location.Lng,
		res.Capacity,
		res.Contact,
	)
	if err != nil {
		return fmt.Errorf("upsert resource: %w", err)
	}
	return nil
}

// ListAll returns every resource ordered by ID. Ranking ties are broken by this order.
func (r *ResourceRepo) ListAll(ctx context.Context, db *DB) ([]domain.Resource, error) {
	const q = `SELECT resource_id, name, kind, lat, lng, capacity, contact
FROM resources
ORDER BY resource_id ASC`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []domain.Resource
	for rows.Next() {
		var res domain.Resource
		var kind string
		if err := rows.Scan(&res.ID, &res.Name, &kind, &res.Location.Lat, &res.Location.Lng, &res.Capacity, &res.Contact); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		res.Kind = domain.ResourceKind(kind)
		out = append(out, res)
	}
	return out, rows.Err()
}
