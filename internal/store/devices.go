package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Device is the persisted last-known view of a device.
type Device struct {
	DeviceID        string
	DisplayName     string
	State           string
	Profile         string
	ProfileEvidence string // JSON
	LastSeen        *int64
	UpdatedAt       int64
}

// SaveDevice inserts or replaces the persisted view of a device.
func (db *DB) SaveDevice(d *Device) error {
	if d.Profile == "" {
		d.Profile = "default"
	}
	if d.ProfileEvidence == "" {
		d.ProfileEvidence = "{}"
	}
	d.UpdatedAt = time.Now().UnixMilli()

	_, err := db.Exec(`
		INSERT INTO devices (device_id, display_name, state, profile, profile_evidence, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			display_name = excluded.display_name,
			state = excluded.state,
			profile = excluded.profile,
			profile_evidence = excluded.profile_evidence,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`, d.DeviceID, d.DisplayName, d.State, d.Profile, d.ProfileEvidence, d.LastSeen, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.DeviceID, err)
	}
	return nil
}

// GetDevice returns a device by ID, or nil if it was never persisted.
func (db *DB) GetDevice(deviceID string) (*Device, error) {
	var d Device
	err := db.QueryRow(`
		SELECT device_id, display_name, state, profile, profile_evidence, last_seen, updated_at
		FROM devices WHERE device_id = ?
	`, deviceID).Scan(&d.DeviceID, &d.DisplayName, &d.State, &d.Profile, &d.ProfileEvidence, &d.LastSeen, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// ListDevices returns every persisted device ordered by ID.
func (db *DB) ListDevices() ([]Device, error) {
	rows, err := db.Query(`
		SELECT device_id, display_name, state, profile, profile_evidence, last_seen, updated_at
		FROM devices ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.DeviceID, &d.DisplayName, &d.State, &d.Profile, &d.ProfileEvidence, &d.LastSeen, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
