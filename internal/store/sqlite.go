// Package store provides SQL persistence for the incident orchestrator.
// SQLite is the default; Postgres is supported with the same schema.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema. It sticks to types and
// statements that both SQLite and Postgres accept.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS shipments (
	shipment_id         TEXT PRIMARY KEY,
	reference           TEXT NOT NULL DEFAULT '',
	carrier             TEXT NOT NULL DEFAULT '',
	origin_lat          DOUBLE PRECISION NOT NULL DEFAULT 0,
	origin_lng          DOUBLE PRECISION NOT NULL DEFAULT 0,
	dest_lat            DOUBLE PRECISION NOT NULL DEFAULT 0,
	dest_lng            DOUBLE PRECISION NOT NULL DEFAULT 0,
	route_json          TEXT NOT NULL DEFAULT '[]',
	progress            DOUBLE PRECISION NOT NULL DEFAULT 0,
	risk_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
	cargo_value         TEXT NOT NULL DEFAULT '0',
	delay_cost_per_hour TEXT NOT NULL DEFAULT '0',
	updated_at_unix     BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS resources (
	resource_id TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	lat         DOUBLE PRECISION NOT NULL,
	lng         DOUBLE PRECISION NOT NULL,
	capacity    INTEGER NOT NULL DEFAULT 0,
	contact     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_resources_kind ON resources(kind);

CREATE TABLE IF NOT EXISTS incidents (
	incident_id      TEXT PRIMARY KEY,
	shipment_id      TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'ACTIVE',
	discovery_status TEXT NOT NULL DEFAULT 'PENDING',
	candidates_json  TEXT NOT NULL DEFAULT '',
	handoff_status   TEXT NOT NULL DEFAULT 'none',
	created_at_unix  BIGINT NOT NULL DEFAULT 0,
	updated_at_unix  BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_incidents_discovery ON incidents(discovery_status, updated_at_unix);

CREATE TABLE IF NOT EXISTS incident_logs (
	log_id       TEXT PRIMARY KEY,
	incident_id  TEXT NOT NULL,
	seq          BIGINT NOT NULL,
	timestamp_ms BIGINT NOT NULL,
	message      TEXT NOT NULL,
	source       TEXT NOT NULL,
	severity     TEXT NOT NULL,
	kind         TEXT NOT NULL DEFAULT '',
	rank_no      INTEGER NOT NULL DEFAULT 0,
	UNIQUE(incident_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_logs_incident_ts ON incident_logs(incident_id, timestamp_ms, seq);
`

// DB is a *sql.DB that knows which placeholder style its driver expects.
type DB struct {
	*sql.DB
	driver string
}

// Wrap adapts an already opened connection pool. driver is "sqlite" or "postgres".
func Wrap(db *sql.DB, driver string) *DB {
	return &DB{DB: db, driver: driver}
}

// Driver returns the driver name the pool was opened with.
func (d *DB) Driver() string {
	return d.driver
}

// Rebind rewrites ? placeholders to $n for Postgres. Queries in this package
// never contain a literal question mark.
func (d *DB) Rebind(q string) string {
	if d.driver != "postgres" {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*DB, error) {
	return Open("sqlite", path)
}

// Open connects to the configured driver and migrates the schema.
func Open(driver, dsn string) (*DB, error) {
	var (
		sqlDB *sql.DB
		err   error
	)
	switch driver {
	case "sqlite":
		full := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", dsn)
		sqlDB, err = sql.Open("sqlite", full)
		if err == nil {
			// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
			sqlDB.SetMaxOpenConns(1)
		}
	case "postgres":
		sqlDB, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := Wrap(sqlDB, driver)
	if err := migrate(db); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}

func migrate(db *DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
