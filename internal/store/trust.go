package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// TrustRecord is the persisted pairing trust of one device.
type TrustRecord struct {
	DeviceID     string
	Token        string
	Capabilities []string
	CreatedAt    int64
	Revoked      bool
	RevokedAt    *int64
}

// PairingToken is a pending one-time exchange value.
type PairingToken struct {
	DeviceID string
	Token    string
	IssuedAt int64
}

const trustColumns = `device_id, token, capabilities, created_at, revoked, revoked_at`

func scanTrust(scan func(...any) error) (*TrustRecord, error) {
	var r TrustRecord
	var caps string
	if err := scan(&r.DeviceID, &r.Token, &caps, &r.CreatedAt, &r.Revoked, &r.RevokedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &r.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for %s: %w", r.DeviceID, err)
	}
	return &r, nil
}

// GetTrustRecord returns the trust record for a device, or nil if none exists.
func (db *DB) GetTrustRecord(deviceID string) (*TrustRecord, error) {
	row := db.QueryRow(`SELECT `+trustColumns+` FROM trust_records WHERE device_id = ?`, deviceID)
	r, err := scanTrust(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trust record: %w", err)
	}
	return r, nil
}

// ListTrustRecords returns all trust records, revoked ones included.
func (db *DB) ListTrustRecords() ([]TrustRecord, error) {
	rows, err := db.Query(`SELECT ` + trustColumns + ` FROM trust_records ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list trust records: %w", err)
	}
	defer rows.Close()

	var records []TrustRecord
	for rows.Next() {
		r, err := scanTrust(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan trust record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// CompletePairing writes the trust record (replacing a revoked one) and
// consumes the pending pairing token in a single transaction.
func (db *DB) CompletePairing(r *TrustRecord) error {
	caps, err := json.Marshal(r.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin pairing: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO trust_records (device_id, token, capabilities, created_at, revoked, revoked_at)
		VALUES (?, ?, ?, ?, 0, NULL)
		ON CONFLICT(device_id) DO UPDATE SET
			token = excluded.token,
			capabilities = excluded.capabilities,
			created_at = excluded.created_at,
			revoked = 0,
			revoked_at = NULL
	`, r.DeviceID, r.Token, string(caps), r.CreatedAt); err != nil {
		return fmt.Errorf("write trust record: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM pairing_tokens WHERE device_id = ?`, r.DeviceID); err != nil {
		return fmt.Errorf("consume pairing token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pairing: %w", err)
	}
	return nil
}

// RevokeTrust marks a device's record revoked and drops any pending token.
// Returns false if there was no active record to revoke.
func (db *DB) RevokeTrust(deviceID string, at int64) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin revoke: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE trust_records SET revoked = 1, revoked_at = ?
		WHERE device_id = ? AND revoked = 0
	`, at, deviceID)
	if err != nil {
		return false, fmt.Errorf("revoke trust record: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM pairing_tokens WHERE device_id = ?`, deviceID); err != nil {
		return false, fmt.Errorf("drop pairing token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit revoke: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// SavePairingToken records the pending exchange value for a device,
// replacing any earlier one.
func (db *DB) SavePairingToken(t *PairingToken) error {
	_, err := db.Exec(`
		INSERT INTO pairing_tokens (device_id, token, issued_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET token = excluded.token, issued_at = excluded.issued_at
	`, t.DeviceID, t.Token, t.IssuedAt)
	if err != nil {
		return fmt.Errorf("save pairing token: %w", err)
	}
	return nil
}

// GetPairingToken returns the pending token for a device, or nil.
func (db *DB) GetPairingToken(deviceID string) (*PairingToken, error) {
	var t PairingToken
	err := db.QueryRow(`SELECT device_id, token, issued_at FROM pairing_tokens WHERE device_id = ?`, deviceID).
		Scan(&t.DeviceID, &t.Token, &t.IssuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pairing token: %w", err)
	}
	return &t, nil
}

// DeletePairingToken burns a pending token.
func (db *DB) DeletePairingToken(deviceID string) error {
	if _, err := db.Exec(`DELETE FROM pairing_tokens WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete pairing token: %w", err)
	}
	return nil
}
