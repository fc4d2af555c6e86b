package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/tether/internal/engine"
	"github.com/lazypower/tether/internal/gate"
	"github.com/lazypower/tether/internal/telemetry"
	"github.com/lazypower/tether/internal/trust"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, trust.ErrAlreadyPaired),
		errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, telemetry.ErrOutOfOrder):
		return http.StatusConflict
	case errors.Is(err, trust.ErrTokenMismatch), errors.Is(err, trust.ErrRevoked):
		return http.StatusForbidden
	case errors.Is(err, telemetry.ErrGarbled):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.engine.Devices()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(devices),
		"devices": devices,
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Device(chi.URLParam(r, "deviceID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if _, err := s.engine.Device(deviceID); err != nil {
		s.fail(w, r, err)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	sessions, err := s.db.GetSessions(deviceID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	type sessionJSON struct {
		SessionID int64   `json:"session_id"`
		StartedAt string  `json:"started_at"`
		EndedAt   *string `json:"ended_at,omitempty"`
		EndReason *string `json:"end_reason,omitempty"`
	}
	out := make([]sessionJSON, len(sessions))
	for i, cs := range sessions {
		out[i] = sessionJSON{
			SessionID: cs.SessionID,
			StartedAt: time.UnixMilli(cs.StartedAt).UTC().Format(time.RFC3339Nano),
			EndReason: cs.EndReason,
		}
		if cs.EndedAt != nil {
			ended := time.UnixMilli(*cs.EndedAt).UTC().Format(time.RFC3339Nano)
			out[i].EndedAt = &ended
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"count":     len(out),
		"sessions":  out,
	})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	capability := r.URL.Query().Get("capability")
	if capability == "" {
		writeError(w, http.StatusBadRequest, "capability parameter required")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, gate.Decision{
		DeviceID:   deviceID,
		Capability: capability,
		Allowed:    s.engine.IsAuthorized(deviceID, capability),
	})
}

func (s *Server) handleBeginPairing(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req struct {
		DisplayName string `json:"display_name"`
		Token       string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	token, err := s.engine.BeginPairing(deviceID, req.DisplayName, req.Token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"device_id": deviceID,
		"token":     token,
		"status":    string(engine.Pairing),
	})
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}

	if err := s.engine.Pair(deviceID, req.Token); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeDevice(w, r, deviceID)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := s.engine.Connect(deviceID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeDevice(w, r, deviceID)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := s.engine.Disconnect(deviceID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeDevice(w, r, deviceID)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := s.engine.Revoke(deviceID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "status": "revoked"})
}

func (s *Server) handleLinkLost(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := s.engine.OnLinkLost(deviceID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) writeDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	snap, err := s.engine.Device(deviceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req struct {
		Timestamp *time.Time `json:"timestamp"`
		SignalDBm *float64   `json:"signal_dbm"`
		Battery   *float64   `json:"battery"`
		Context   []string   `json:"context"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SignalDBm == nil {
		writeError(w, http.StatusBadRequest, "signal_dbm required")
		return
	}
	flags, err := telemetry.ParseFlags(req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reading := telemetry.Reading{
		SignalDBm: *req.SignalDBm,
		Battery:   req.Battery,
		Flags:     flags,
	}
	if req.Timestamp != nil {
		reading.Timestamp = *req.Timestamp
	}

	if err := s.engine.OnSignalSample(deviceID, reading); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
		engine.ContextUpdate
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Hour != nil && (*req.Hour < 0 || *req.Hour > 23) {
		writeError(w, http.StatusBadRequest, "hour must be in [0,23]")
		return
	}

	if err := s.engine.UpdateContext(req.DeviceID, req.ContextUpdate); err != nil {
		s.fail(w, r, err)
		return
	}

	if req.DeviceID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "devices": len(s.engine.Devices())})
		return
	}
	s.writeDevice(w, r, req.DeviceID)
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.predictor.Info())
}
