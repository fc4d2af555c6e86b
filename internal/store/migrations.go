package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "devices: last-known state and profile per device",
		SQL: `
CREATE TABLE devices (
    device_id        TEXT PRIMARY KEY,
    display_name     TEXT NOT NULL DEFAULT '',
    state            TEXT NOT NULL CHECK (state IN ('discovered', 'pairing', 'trusted_disconnected', 'connected', 'preemptive_reconnect', 'disconnected', 'blocked')),
    profile          TEXT NOT NULL DEFAULT 'default' CHECK (profile IN ('home', 'office', 'traveling', 'default')),
    profile_evidence TEXT NOT NULL DEFAULT '{}',
    last_seen        INTEGER,
    updated_at       INTEGER NOT NULL
);

CREATE INDEX idx_devices_state ON devices(state);
`,
	},
	{
		Version:     2,
		Description: "trust_records: pairing trust per device",
		SQL: `
CREATE TABLE trust_records (
    device_id    TEXT PRIMARY KEY,
    token        TEXT NOT NULL,
    capabilities TEXT NOT NULL DEFAULT '[]',
    created_at   INTEGER NOT NULL,
    revoked      INTEGER NOT NULL DEFAULT 0 CHECK (revoked IN (0, 1)),
    revoked_at   INTEGER
);
`,
	},
	{
		Version:     3,
		Description: "pairing_tokens: pending one-time exchange values",
		SQL: `
CREATE TABLE pairing_tokens (
    device_id  TEXT PRIMARY KEY,
    token      TEXT NOT NULL,
    issued_at  INTEGER NOT NULL
);
`,
	},
	{
		Version:     4,
		Description: "connection_sessions: connected periods per device",
		SQL: `
CREATE TABLE connection_sessions (
    id          INTEGER PRIMARY KEY,
    device_id   TEXT NOT NULL,
    session_id  INTEGER NOT NULL,
    started_at  INTEGER NOT NULL,
    ended_at    INTEGER,
    end_reason  TEXT CHECK (end_reason IS NULL OR end_reason IN ('preemptive', 'lost', 'revoked', 'disconnect', 'fault', 'restart')),

    UNIQUE (device_id, session_id),
    FOREIGN KEY (device_id) REFERENCES devices(device_id)
);

CREATE INDEX idx_conn_sessions_device ON connection_sessions(device_id, session_id DESC);
CREATE INDEX idx_conn_sessions_open   ON connection_sessions(device_id) WHERE ended_at IS NULL;
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
