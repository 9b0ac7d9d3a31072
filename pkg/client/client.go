// Package client talks to a running clusterscope worker over HTTP.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	// HealthCheckTimeout is the timeout for health checks.
	HealthCheckTimeout = 1 * time.Second

	// RequestTimeout bounds every other request.
	RequestTimeout = 30 * time.Second
)

// APIError is a non-2xx answer from the worker.
type APIError struct {
	Message    string
	Field      string
	RequestID  string
	StatusCode int
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("worker returned %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("worker returned %d: %s", e.StatusCode, e.Message)
}

// Health is the worker's /api/health answer.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Client is a worker HTTP client.
type Client struct {
	http    *http.Client
	baseURL string
}

// New creates a client for the worker at baseURL, e.g. http://127.0.0.1:37790.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: RequestTimeout},
	}
}

// ForPort creates a client for a worker on the local host.
func ForPort(port int) *Client {
	return New(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// BaseURL returns the worker address.
func (c *Client) BaseURL() string { return c.baseURL }

// Health fetches the worker status. It fails fast when nothing listens.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// IsRunning checks if the worker is running and ready.
func (c *Client) IsRunning(ctx context.Context) bool {
	h, err := c.Health(ctx)
	return err == nil && h.Status == "ready"
}

// Stats fetches /api/stats.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunMaintenance triggers a maintenance run and returns the maintenance stats.
func (c *Client) RunMaintenance(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodPost, "/api/maintenance/run", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		var payload struct {
			Error     string `json:"error"`
			Field     string `json:"field"`
			RequestID string `json:"request_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Field = payload.Field
			apiErr.RequestID = payload.RequestID
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// VersionsCompatible reports whether a CLI and a worker version can talk. Dev
// builds match anything; otherwise the semver bases must be equal.
func VersionsCompatible(v1, v2 string) bool {
	if v1 == "dev" || v2 == "dev" {
		return true
	}
	return extractBaseVersion(v1) == extractBaseVersion(v2)
}

// extractBaseVersion extracts the semver base from a version string.
// e.g., "v0.3.5-2-gca711a8-dirty (commit: ca711a8)" -> "0.3.5"
func extractBaseVersion(version string) string {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if idx := strings.IndexAny(v, "- "); idx > 0 {
		v = v[:idx]
	}
	return v
}
