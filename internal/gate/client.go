// Package gate is the Capability Gate client for collaborators running
// outside the tether process.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
)

const (
	defaultServerURL = "http://127.0.0.1:37780"
	httpTimeout      = 2 * time.Second
)

// Decision is the authorize endpoint's response body.
type Decision struct {
	DeviceID   string `json:"device_id"`
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
}

// Client asks the tether server whether a device may use a capability.
// Answers are never cached; every call reflects the current trust state.
type Client struct {
	http      *http.Client
	serverURL string
	log       *zap.Logger
}

// NewClient creates a gate client.
// Respects TETHER_URL, falls back to http://127.0.0.1:37780.
func NewClient(log *zap.Logger) *Client {
	u := os.Getenv("TETHER_URL")
	if u == "" {
		u = defaultServerURL
	}
	return NewClientURL(u, &http.Client{Timeout: httpTimeout}, log)
}

// NewClientURL creates a gate client for serverURL using hc.
func NewClientURL(serverURL string, hc *http.Client, log *zap.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: httpTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{http: hc, serverURL: serverURL, log: log.Named("gate")}
}

// IsAuthorized reports whether deviceID may use capability. Any failure to
// get a clear answer is a denial.
func (c *Client) IsAuthorized(ctx context.Context, deviceID, capability string) bool {
	d, err := c.Check(ctx, deviceID, capability)
	if err != nil {
		c.log.Warn("authorization check failed, denying",
			zap.String("device", deviceID),
			zap.String("capability", capability),
			zap.Error(err))
		return false
	}
	return d.Allowed
}

// Check returns the server's decision, or an error if there was none.
func (c *Client) Check(ctx context.Context, deviceID, capability string) (Decision, error) {
	path := "/api/devices/" + url.PathEscape(deviceID) + "/authorize?capability=" + url.QueryEscape(capability)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Decision{}, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, data)
	}

	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	return d, nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
