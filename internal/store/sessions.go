package store

import (
	"database/sql"
	"fmt"
)

// ConnectionSession is one connected period of a device.
type ConnectionSession struct {
	ID        int64
	DeviceID  string
	SessionID int64
	StartedAt int64
	EndedAt   *int64
	EndReason *string
}

const sessionColumns = `id, device_id, session_id, started_at, ended_at, end_reason`

func scanSession(scan func(...any) error) (*ConnectionSession, error) {
	var s ConnectionSession
	if err := scan(&s.ID, &s.DeviceID, &s.SessionID, &s.StartedAt, &s.EndedAt, &s.EndReason); err != nil {
		return nil, err
	}
	return &s, nil
}

// OpenSession records the start of a session. Session IDs must be unique per
// device; a reused ID is rejected by the schema.
func (db *DB) OpenSession(deviceID string, sessionID, startedAt int64) (*ConnectionSession, error) {
	result, err := db.Exec(`
		INSERT INTO connection_sessions (device_id, session_id, started_at)
		VALUES (?, ?, ?)
	`, deviceID, sessionID, startedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	id, _ := result.LastInsertId()
	return &ConnectionSession{
		ID:        id,
		DeviceID:  deviceID,
		SessionID: sessionID,
		StartedAt: startedAt,
	}, nil
}

// CloseSession ends an open session. Closed sessions are immutable, so
// closing one twice is an error.
func (db *DB) CloseSession(deviceID string, sessionID, endedAt int64, reason string) error {
	result, err := db.Exec(`
		UPDATE connection_sessions SET ended_at = ?, end_reason = ?
		WHERE device_id = ? AND session_id = ? AND ended_at IS NULL
	`, endedAt, reason, deviceID, sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("no open session %d for %s", sessionID, deviceID)
	}
	return nil
}

// CloseOpenSessions ends every open session of a device (restart recovery).
func (db *DB) CloseOpenSessions(deviceID string, endedAt int64, reason string) (int64, error) {
	result, err := db.Exec(`
		UPDATE connection_sessions SET ended_at = ?, end_reason = ?
		WHERE device_id = ? AND ended_at IS NULL
	`, endedAt, reason, deviceID)
	if err != nil {
		return 0, fmt.Errorf("close open sessions: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// LastSessionID returns the highest session ID ever used by a device, or 0.
func (db *DB) LastSessionID(deviceID string) (int64, error) {
	var id int64
	err := db.QueryRow(`
		SELECT COALESCE(MAX(session_id), 0) FROM connection_sessions WHERE device_id = ?
	`, deviceID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("last session id: %w", err)
	}
	return id, nil
}

// GetOpenSession returns the open session of a device, or nil.
func (db *DB) GetOpenSession(deviceID string) (*ConnectionSession, error) {
	row := db.QueryRow(`
		SELECT `+sessionColumns+` FROM connection_sessions
		WHERE device_id = ? AND ended_at IS NULL
	`, deviceID)
	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open session: %w", err)
	}
	return s, nil
}

// GetSessions returns the most recent sessions of a device, newest first.
func (db *DB) GetSessions(deviceID string, limit int) ([]ConnectionSession, error) {
	rows, err := db.Query(`
		SELECT `+sessionColumns+` FROM connection_sessions
		WHERE device_id = ? ORDER BY session_id DESC LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ConnectionSession
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
