package storage

import (
	"context"
	"fmt"
)

// The request_logs layout is read by the dashboard; columns are only ever
// added, never renamed.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS request_logs (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	ip_address TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	response TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	power_wh DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost_dollars DOUBLE PRECISION NOT NULL DEFAULT 0,
	http_status INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE request_logs ADD COLUMN IF NOT EXISTS request_id TEXT NOT NULL DEFAULT '';
ALTER TABLE request_logs ADD COLUMN IF NOT EXISTS method TEXT NOT NULL DEFAULT '';
ALTER TABLE request_logs ADD COLUMN IF NOT EXISTS path TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_request_logs_http_status ON request_logs (http_status);
CREATE INDEX IF NOT EXISTS idx_request_logs_model ON request_logs (model);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS request_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMP NOT NULL,
	ip_address TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	method TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	response TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	power_wh REAL NOT NULL DEFAULT 0,
	cost_dollars REAL NOT NULL DEFAULT 0,
	http_status INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_request_logs_http_status ON request_logs (http_status);
CREATE INDEX IF NOT EXISTS idx_request_logs_model ON request_logs (model);
`

// Migrate creates the request_logs table and its indexes if missing.
func (db *DB) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if db.driver == DriverSQLite {
		schema = sqliteSchema
	}

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
