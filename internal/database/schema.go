package database

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS pairing_sessions (
		id                 TEXT PRIMARY KEY,
		owner_id           TEXT NOT NULL,
		session_name       TEXT NOT NULL UNIQUE,
		status             TEXT NOT NULL,
		pairing_artifact   TEXT,
		channel_identifier TEXT,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		connected_at       TIMESTAMPTZ,
		CONSTRAINT pairing_sessions_status_check CHECK (status IN ('creating', 'waiting_qr', 'connecting', 'connected', 'disconnected')),
		CONSTRAINT pairing_sessions_artifact_check CHECK (status NOT IN ('connected', 'disconnected') OR pairing_artifact IS NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS pairing_sessions_owner_status_idx ON pairing_sessions (owner_id, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS pairing_sessions_one_connected_idx ON pairing_sessions (owner_id) WHERE status = 'connected'`,
}

// SQLite keeps TIMESTAMP as the declared type so modernc parses values back
// into time.Time.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS pairing_sessions (
		id                 TEXT PRIMARY KEY,
		owner_id           TEXT NOT NULL,
		session_name       TEXT NOT NULL UNIQUE,
		status             TEXT NOT NULL CHECK (status IN ('creating', 'waiting_qr', 'connecting', 'connected', 'disconnected')),
		pairing_artifact   TEXT,
		channel_identifier TEXT,
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL,
		connected_at       TIMESTAMP,
		CHECK (status NOT IN ('connected', 'disconnected') OR pairing_artifact IS NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS pairing_sessions_owner_status_idx ON pairing_sessions (owner_id, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS pairing_sessions_one_connected_idx ON pairing_sessions (owner_id) WHERE status = 'connected'`,
}

// Migrate creates the pairing_sessions table and its indexes if missing.
func (db *DB) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if db.Dialect == DialectSQLite {
		stmts = sqliteSchema
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
