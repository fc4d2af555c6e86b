package server

import (
	"encoding/json"
	"net/http"
	"testing"
)

func (e *testEnv) pair(t *testing.T, id string) {
	t.Helper()
	w := e.do(t, "POST", "/api/devices/"+id+"/pairing", `{"display_name":"Phone"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("pairing: status = %d; body: %s", w.Code, w.Body.String())
	}
	token, _ := decodeBody(t, w)["token"].(string)
	if token == "" {
		t.Fatal("pairing returned no token")
	}

	w = e.do(t, "POST", "/api/devices/"+id+"/pair", `{"token":"`+token+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("pair: status = %d; body: %s", w.Code, w.Body.String())
	}
}

func TestPairingFlow(t *testing.T) {
	env := testServer(t)
	env.pair(t, "phone")

	w := env.do(t, "GET", "/api/devices/phone", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeBody(t, w)
	if body["state"] != "trusted_disconnected" {
		t.Errorf("state = %v, want trusted_disconnected", body["state"])
	}
	if body["display_name"] != "Phone" {
		t.Errorf("display_name = %v, want Phone", body["display_name"])
	}

	w = env.do(t, "POST", "/api/devices/phone/connect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("connect: status = %d; body: %s", w.Code, w.Body.String())
	}
	if s := decodeBody(t, w)["state"]; s != "connected" {
		t.Errorf("state after connect = %v, want connected", s)
	}

	w = env.do(t, "POST", "/api/devices/phone/disconnect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("disconnect: status = %d; body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/devices/phone/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("sessions: status = %d", w.Code)
	}
	var sessions struct {
		Count    int `json:"count"`
		Sessions []struct {
			SessionID int64   `json:"session_id"`
			EndReason *string `json:"end_reason"`
		} `json:"sessions"`
	}
	json.Unmarshal(w.Body.Bytes(), &sessions)
	if sessions.Count != 1 || sessions.Sessions[0].SessionID != 1 {
		t.Fatalf("sessions = %+v, want one session with id 1", sessions)
	}
	if r := sessions.Sessions[0].EndReason; r == nil || *r != "disconnect" {
		t.Errorf("end_reason = %v, want disconnect", r)
	}
}

func TestPairErrors(t *testing.T) {
	env := testServer(t)

	w := env.do(t, "POST", "/api/devices/ghost/pair", `{"token":"x"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown device: status = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = env.do(t, "POST", "/api/devices/phone/pairing", `{"token":"123456"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("pairing: status = %d", w.Code)
	}

	w = env.do(t, "POST", "/api/devices/phone/pair", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing token: status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = env.do(t, "POST", "/api/devices/phone/pair", `{"token":"000000"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong token: status = %d, want %d", w.Code, http.StatusForbidden)
	}

	env.pair(t, "watch")
	w = env.do(t, "POST", "/api/devices/watch/pair", `{"token":"again"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("already paired: status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = env.do(t, "POST", "/api/devices/phone/pairing", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestConnectErrors(t *testing.T) {
	env := testServer(t)

	w := env.do(t, "POST", "/api/devices/ghost/connect", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown: status = %d, want %d", w.Code, http.StatusNotFound)
	}

	env.do(t, "POST", "/api/telemetry/stranger", `{"signal_dbm":-70}`)
	w = env.do(t, "POST", "/api/devices/stranger/connect", "")
	if w.Code != http.StatusConflict {
		t.Errorf("untrusted: status = %d, want %d", w.Code, http.StatusConflict)
	}

	env.pair(t, "phone")
	env.do(t, "POST", "/api/devices/phone/revoke", "")
	w = env.do(t, "POST", "/api/devices/phone/connect", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("revoked: status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestAuthorize(t *testing.T) {
	env := testServer(t)
	env.pair(t, "phone")

	check := func(device, capability string, want bool) {
		t.Helper()
		w := env.do(t, "GET", "/api/devices/"+device+"/authorize?capability="+capability, "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if got := decodeBody(t, w)["allowed"]; got != want {
			t.Errorf("authorize(%s, %s) = %v, want %v", device, capability, got, want)
		}
	}

	check("phone", "file-transfer", true)
	check("phone", "camera", false)
	check("ghost", "file-transfer", false)

	w := env.do(t, "POST", "/api/devices/phone/revoke", "")
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: status = %d; body: %s", w.Code, w.Body.String())
	}
	check("phone", "file-transfer", false)

	w = env.do(t, "GET", "/api/devices/phone/authorize", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing capability: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestTelemetryIngest(t *testing.T) {
	env := testServer(t)

	w := env.do(t, "POST", "/api/telemetry/phone",
		`{"timestamp":"2026-01-01T10:00:00Z","signal_dbm":-61.5,"battery":80,"context":["screen-on","Charging"]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/devices", "")
	if n := decodeBody(t, w)["count"]; n != float64(1) {
		t.Errorf("count = %v, want 1", n)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing signal", `{"battery":50}`, http.StatusBadRequest},
		{"unknown flag", `{"signal_dbm":-60,"context":["teleporting"]}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
		{"out of order", `{"timestamp":"2025-01-01T10:00:00Z","signal_dbm":-60}`, http.StatusConflict},
	}
	for _, tt := range tests {
		w := env.do(t, "POST", "/api/telemetry/phone", tt.body)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, tt.want)
		}
	}
}

func TestLinkLost(t *testing.T) {
	env := testServer(t)

	w := env.do(t, "POST", "/api/devices/ghost/link-lost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown: status = %d, want %d", w.Code, http.StatusNotFound)
	}

	env.pair(t, "phone")
	env.do(t, "POST", "/api/devices/phone/connect", "")
	w = env.do(t, "POST", "/api/devices/phone/link-lost", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
}

func TestContextUpdate(t *testing.T) {
	env := testServer(t)
	env.pair(t, "phone")

	w := env.do(t, "POST", "/api/context", `{"device_id":"phone","network":"home-wifi","hour":20}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if p := decodeBody(t, w)["profile"]; p != "home" {
		t.Errorf("profile = %v, want home", p)
	}

	w = env.do(t, "POST", "/api/context", `{"network":"cafe","location_delta_km":12}`)
	if w.Code != http.StatusOK {
		t.Fatalf("broadcast: status = %d; body: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "GET", "/api/devices/phone", "")
	if p := decodeBody(t, w)["profile"]; p != "traveling" {
		t.Errorf("profile after broadcast = %v, want traveling", p)
	}

	w = env.do(t, "POST", "/api/context", `{"device_id":"phone","hour":25}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad hour: status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = env.do(t, "POST", "/api/context", `{"device_id":"ghost","network":"x"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown device: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
