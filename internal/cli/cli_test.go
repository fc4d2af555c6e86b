package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "tether dev") {
		t.Errorf("output = %q, want prefix %q", out, "tether dev")
	}
}

func TestClassify(t *testing.T) {
	cfg := writeConfig(t, "profile:\n  office_networks: [Office-Net]\n  office_start_hour: 9\n  office_end_hour: 18\n")

	tests := []struct {
		hour string
		want string
	}{
		{"14", "office"},
		{"22", "default"},
	}
	for _, tt := range tests {
		out, err := run(t, "classify", "--config", cfg, "--network", "Office-Net", "--hour", tt.hour)
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		var res struct {
			Profile string `json:"profile"`
		}
		if err := json.Unmarshal([]byte(out), &res); err != nil {
			t.Fatalf("decode %q: %v", out, err)
		}
		if res.Profile != tt.want {
			t.Errorf("hour %s: profile = %q, want %q", tt.hour, res.Profile, tt.want)
		}
	}
}

func TestSessionsEmpty(t *testing.T) {
	t.Setenv("TETHER_DB", filepath.Join(t.TempDir(), "tether.db"))
	cfg := writeConfig(t, "")

	out, err := run(t, "sessions", "--config", cfg, "phone")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "No sessions for phone") {
		t.Errorf("output = %q", out)
	}
}

func TestAuthorize(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed := r.URL.Query().Get("capability") == "notifications"
		json.NewEncoder(w).Encode(map[string]any{"allowed": allowed})
	}))
	defer ts.Close()
	t.Setenv("TETHER_URL", ts.URL)
	cfg := writeConfig(t, "")

	out, err := run(t, "authorize", "--config", cfg, "phone", "notifications")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !strings.Contains(out, "allowed") {
		t.Errorf("output = %q, want allowed", out)
	}

	out, err = run(t, "authorize", "--config", cfg, "phone", "camera")
	if err != ErrDenied {
		t.Errorf("err = %v, want ErrDenied", err)
	}
	if !strings.Contains(out, "denied") {
		t.Errorf("output = %q, want denied", out)
	}
}

func TestTrustIssueThroughServer(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
	}))
	defer ts.Close()
	t.Setenv("TETHER_URL", ts.URL)

	out, err := run(t, "trust", "issue", "phone")
	if err != nil {
		t.Fatalf("trust issue: %v", err)
	}
	if strings.TrimSpace(out) != "tok-123" {
		t.Errorf("output = %q, want tok-123", out)
	}
	if gotPath != "/api/devices/phone/pairing" {
		t.Errorf("path = %q", gotPath)
	}
}
