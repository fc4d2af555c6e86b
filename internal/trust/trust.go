// Package trust owns pairing and the capability grants of paired devices.
package trust

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/tether/internal/metrics"
	"github.com/lazypower/tether/internal/store"
)

var (
	ErrTokenMismatch = errors.New("pairing token mismatch")
	ErrAlreadyPaired = errors.New("device already paired")
	ErrRevoked       = errors.New("device trust revoked")
)

// Record is the trust granted to one device.
type Record struct {
	DeviceID     string     `json:"device_id"`
	Token        string     `json:"-"`
	Capabilities []string   `json:"capabilities"`
	CreatedAt    time.Time  `json:"created_at"`
	Revoked      bool       `json:"revoked"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the record grants anything.
func (r Record) Active() bool { return !r.Revoked }

func fromStore(r *store.TrustRecord) Record {
	rec := Record{
		DeviceID:     r.DeviceID,
		Token:        r.Token,
		Capabilities: append([]string(nil), r.Capabilities...),
		CreatedAt:    time.UnixMilli(r.CreatedAt),
		Revoked:      r.Revoked,
	}
	if r.RevokedAt != nil {
		at := time.UnixMilli(*r.RevokedAt)
		rec.RevokedAt = &at
	}
	return rec
}

// Store persists trust in SQLite and serves authorization from an
// in-memory mirror of committed state. Every mutation commits before it
// returns and holds the write lock, so Authorize never sees a half-applied
// pair or revoke.
type Store struct {
	db      *store.DB
	caps    []string
	log     *zap.Logger
	metrics *metrics.Metrics

	Now func() time.Time

	mu      sync.RWMutex
	records map[string]Record
}

// New loads existing trust records. caps is the capability set granted on
// successful pairing.
func New(db *store.DB, caps []string, log *zap.Logger, m *metrics.Metrics) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		db:      db,
		caps:    append([]string(nil), caps...),
		log:     log,
		metrics: m,
		Now:     time.Now,
		records: make(map[string]Record),
	}

	existing, err := db.ListTrustRecords()
	if err != nil {
		return nil, fmt.Errorf("load trust records: %w", err)
	}
	for i := range existing {
		s.records[existing[i].DeviceID] = fromStore(&existing[i])
	}
	return s, nil
}

// Offer registers the one-time exchange value a device will present,
// replacing any earlier one.
func (s *Store) Offer(deviceID, token string) error {
	if deviceID == "" || token == "" {
		return fmt.Errorf("offer: device id and token are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.SavePairingToken(&store.PairingToken{
		DeviceID: deviceID,
		Token:    token,
		IssuedAt: s.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("offer %s: %w", deviceID, err)
	}
	return nil
}

// Issue generates and registers a fresh exchange value.
func (s *Store) Issue(deviceID string) (string, error) {
	token := uuid.NewString()
	if err := s.Offer(deviceID, token); err != nil {
		return "", err
	}
	return token, nil
}

// Pair completes pairing. An active record wins over any token check; a
// wrong or missing token burns the pending one.
func (s *Store) Pair(deviceID, token string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[deviceID]; ok && rec.Active() {
		return Record{}, fmt.Errorf("pair %s: %w", deviceID, ErrAlreadyPaired)
	}

	pending, err := s.db.GetPairingToken(deviceID)
	if err != nil {
		return Record{}, fmt.Errorf("pair %s: %w", deviceID, err)
	}
	if pending == nil || subtle.ConstantTimeCompare([]byte(pending.Token), []byte(token)) != 1 {
		if pending != nil {
			if err := s.db.DeletePairingToken(deviceID); err != nil {
				s.log.Warn("burn pairing token", zap.String("device", deviceID), zap.Error(err))
			}
		}
		s.log.Info("pairing rejected", zap.String("device", deviceID), zap.Bool("pending", pending != nil))
		return Record{}, fmt.Errorf("pair %s: %w", deviceID, ErrTokenMismatch)
	}

	sr := &store.TrustRecord{
		DeviceID:     deviceID,
		Token:        token,
		Capabilities: append([]string(nil), s.caps...),
		CreatedAt:    s.Now().UnixMilli(),
	}
	if err := s.db.CompletePairing(sr); err != nil {
		return Record{}, fmt.Errorf("pair %s: %w", deviceID, err)
	}

	rec := fromStore(sr)
	s.records[deviceID] = rec
	s.log.Info("device paired", zap.String("device", deviceID), zap.Strings("capabilities", rec.Capabilities))
	return rec, nil
}

// CancelPairing drops the pending exchange value without touching any
// existing record.
func (s *Store) CancelPairing(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeletePairingToken(deviceID); err != nil {
		return fmt.Errorf("cancel pairing %s: %w", deviceID, err)
	}
	return nil
}

// Authorize reports whether deviceID may use capability. It never touches
// the database.
func (s *Store) Authorize(deviceID, capability string) bool {
	s.mu.RLock()
	rec, ok := s.records[deviceID]
	s.mu.RUnlock()

	allowed := ok && rec.Active() && slices.Contains(rec.Capabilities, capability)
	s.metrics.Authorization(allowed)
	return allowed
}

// Trusted reports whether deviceID holds an active record.
func (s *Store) Trusted(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[deviceID]
	return ok && rec.Active()
}

// Revoke marks the device's record revoked and drops any pending token.
// Revoking an unknown or already revoked device is a no-op.
func (s *Store) Revoke(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	changed, err := s.db.RevokeTrust(deviceID, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("revoke %s: %w", deviceID, err)
	}
	if changed {
		rec := s.records[deviceID]
		rec.Revoked = true
		rec.RevokedAt = &now
		s.records[deviceID] = rec
		s.log.Info("trust revoked", zap.String("device", deviceID))
	}
	return nil
}

// Get returns the record for deviceID.
func (s *Store) Get(deviceID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[deviceID]
	if !ok {
		return Record{}, false
	}
	rec.Capabilities = append([]string(nil), rec.Capabilities...)
	return rec, true
}

// List returns every record ordered by device ID.
func (s *Store) List() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		rec.Capabilities = append([]string(nil), rec.Capabilities...)
		out = append(out, rec)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		switch {
		case a.DeviceID < b.DeviceID:
			return -1
		case a.DeviceID > b.DeviceID:
			return 1
		}
		return 0
	})
	return out
}
