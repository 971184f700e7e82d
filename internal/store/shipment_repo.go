package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// ShipmentRepo handles persistence for Shipment records.
type ShipmentRepo struct{}

// Upsert inserts a shipment or replaces the stored copy.
func (r *ShipmentRepo) Upsert(ctx context.Context, db *DB, s domain.Shipment) error {
	route, err := json.Marshal(s.Route)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}
	if s.Route == nil {
		route = []byte("[]")
	}

	const q = `INSERT INTO shipments (shipment_id, reference, carrier, origin_lat, origin_lng, dest_lat, dest_lng,
	route_json, progress, risk_score, cargo_value, delay_cost_per_hour, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (shipment_id) DO UPDATE SET
	reference = excluded.reference,
	carrier = excluded.carrier,
	origin_lat = excluded.origin_lat,
	origin_lng = excluded.origin_lng,
	dest_lat = excluded.dest_lat,
	dest_lng = excluded.dest_lng,
	route_json = excluded.route_json,
	progress = excluded.progress,
	risk_score = excluded.risk_score,
	cargo_value = excluded.cargo_value,
	delay_cost_per_hour = excluded.delay_cost_per_hour,
	updated_at_unix = excluded.updated_at_unix`

	_, err = db.ExecContext(ctx, db.Rebind(q),
		s.ID,
		s.Reference,
		s.Carrier,
		s.Origin.Lat,
		s.Origin.Lng,
		s.Destination.Lat,
		s.Destination.Lng,
		string(route),
		s.Progress,
		s.RiskScore,
		s.CargoValue.String(),
		s.DelayCostPerHour.String(),
		s.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("upsert shipment: %w", err)
	}
	return nil
}

const shipmentColumns = `shipment_id, reference, carrier, origin_lat, origin_lng, dest_lat, dest_lng,
	route_json, progress, risk_score, cargo_value, delay_cost_per_hour, updated_at_unix`

// GetByID retrieves a shipment by its ID.
func (r *ShipmentRepo) GetByID(ctx context.Context, db *DB, shipmentID string) (*domain.Shipment, error) {
	q := `SELECT ` + shipmentColumns + ` FROM shipments WHERE shipment_id = ?`
	s, err := scanShipment(db.QueryRowContext(ctx, db.Rebind(q), shipmentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrShipmentNotFound
		}
		return nil, fmt.Errorf("get shipment: %w", err)
	}
	return s, nil
}

// List returns every shipment ordered by ID.
func (r *ShipmentRepo) List(ctx context.Context, db *DB) ([]domain.Shipment, error) {
	q := `SELECT ` + shipmentColumns + ` FROM shipments ORDER BY shipment_id ASC`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}
	defer rows.Close()

	var out []domain.Shipment
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shipment: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (*domain.Shipment, error) {
	var (
		s                 domain.Shipment
		route, cargo, dph string
	)
	err := row.Scan(&s.ID, &s.Reference, &s.Carrier,
		&s.Origin.Lat, &s.Origin.Lng, &s.Destination.Lat, &s.Destination.Lng,
		&route, &s.Progress, &s.RiskScore, &cargo, &dph, &s.UpdatedAtUnix)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(route), &s.Route); err != nil {
		return nil, fmt.Errorf("decode route: %w", err)
	}
	if s.CargoValue, err = decimal.NewFromString(cargo); err != nil {
		return nil, fmt.Errorf("decode cargo value: %w", err)
	}
	if s.DelayCostPerHour, err = decimal.NewFromString(dph); err != nil {
		return nil, fmt.Errorf("decode delay cost: %w", err)
	}
	return &s, nil
}
