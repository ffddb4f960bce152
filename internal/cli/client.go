// =============================================================================
// CLI HTTP CLIENT - OPERATOR INTERFACE TO A RUNNING ddid
// =============================================================================
//
// HTTP ENDPOINTS USED:
//
//   Targets:
//     GET    /targets                           List targets
//     GET    /targets/{name}                    Describe target
//     GET    /targets/{name}/status?type=...    INFO / TABLE line
//     GET    /targets/{name}/devices            Backing devices
//     POST   /targets/{name}/suspend            Drain
//     POST   /targets/{name}/resume             Resume
//     POST   /targets/{name}/probe              Latency probe
//
//   Attributes (text/plain bodies):
//     GET    /targets/{name}/attrs              List
//     GET    /targets/{name}/attrs/{attr}       Read
//     PUT    /targets/{name}/attrs/{attr}       Write
//
//   Daemon:
//     GET    /health                            Health check
//     GET    /version                           Server version
//
// =============================================================================

package cli

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration for the CLI HTTP client.
type ClientConfig struct {
	// ServerURL is the base URL of ddid (e.g., "http://localhost:7070")
	ServerURL string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// TLS configures https servers (nil uses the system roots)
	TLS *tls.Config
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL: DefaultServer,
		Timeout:   30 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the HTTP client for CLI operations.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a new CLI HTTP client.
func NewClient(config ClientConfig) *Client {
	httpClient := &http.Client{Timeout: config.Timeout}
	if config.TLS != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = config.TLS
		httpClient.Transport = transport
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
	}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// doRequest executes a request with an optional JSON body and decodes a JSON
// response into result.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
		contentType = "application/json"
	}

	respBody, err := c.do(ctx, method, path, query, bodyReader, contentType)
	if err != nil {
		return err
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// do executes a request and returns the raw response body. Responses with
// status >= 400 become *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	u, err := url.JoinPath(c.config.ServerURL, path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	if len(query) > 0 {
		u = u + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				Message:    errResp.Error,
			}
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	return respBody, nil
}

func targetPath(name string, rest ...string) string {
	parts := append([]string{"/targets", name}, rest...)
	return strings.Join(parts, "/")
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// APIError represents an error from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// ErrorResponse is the error response format from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// TARGET OPERATIONS
// =============================================================================

// TargetInfo describes one target.
type TargetInfo struct {
	Name       string    `json:"name" yaml:"name"`
	Group      string    `json:"group" yaml:"group"`
	State      string    `json:"state" yaml:"state"`
	Length     uint64    `json:"length" yaml:"length"`
	ReadDelay  uint32    `json:"read_delay" yaml:"read_delay"`
	WriteDelay uint32    `json:"write_delay" yaml:"write_delay"`
	Reads      int       `json:"reads" yaml:"reads"`
	Writes     int       `json:"writes" yaml:"writes"`
	NextWake   time.Time `json:"next_wake,omitempty" yaml:"next_wake,omitempty"`
	Table      string    `json:"table" yaml:"table"`
}

// ListTargetsResponse is the response from listing targets.
type ListTargetsResponse struct {
	Targets []TargetInfo `json:"targets"`
	Count   int          `json:"count"`
}

// ListTargets lists all targets.
func (c *Client) ListTargets(ctx context.Context) ([]TargetInfo, error) {
	var resp ListTargetsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/targets", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Targets, nil
}

// GetTarget describes one target.
func (c *Client) GetTarget(ctx context.Context, name string) (*TargetInfo, error) {
	var resp TargetInfo
	if err := c.doRequest(ctx, http.MethodGet, targetPath(name), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatusResponse is one rendered status line.
type StatusResponse struct {
	Name   string `json:"name" yaml:"name"`
	Type   string `json:"type" yaml:"type"`
	Status string `json:"status" yaml:"status"`
}

// Status renders a target's INFO or TABLE line.
func (c *Client) Status(ctx context.Context, name, typ string) (*StatusResponse, error) {
	query := url.Values{}
	if typ != "" {
		query.Set("type", typ)
	}
	var resp StatusResponse
	if err := c.doRequest(ctx, http.MethodGet, targetPath(name, "status"), query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeviceInfo describes one backing device.
type DeviceInfo struct {
	Role   string `json:"role" yaml:"role"`
	Name   string `json:"name" yaml:"name"`
	ID     string `json:"id" yaml:"id"`
	Start  uint64 `json:"start" yaml:"start"`
	Length uint64 `json:"length" yaml:"length"`
	Size   int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

// Devices lists a target's backing devices.
func (c *Client) Devices(ctx context.Context, name string) ([]DeviceInfo, error) {
	var resp struct {
		Devices []DeviceInfo `json:"devices"`
	}
	if err := c.doRequest(ctx, http.MethodGet, targetPath(name, "devices"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// Suspend drains a target.
func (c *Client) Suspend(ctx context.Context, name string) (*TargetInfo, error) {
	var resp TargetInfo
	if err := c.doRequest(ctx, http.MethodPost, targetPath(name, "suspend"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resume resumes a drained target.
func (c *Client) Resume(ctx context.Context, name string) (*TargetInfo, error) {
	var resp TargetInfo
	if err := c.doRequest(ctx, http.MethodPost, targetPath(name, "resume"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProbeRequest configures a probe.
type ProbeRequest struct {
	Count  int    `json:"count,omitempty"`
	Sector uint64 `json:"sector,omitempty"`
}

// ProbeResult is the latency observed through a target.
type ProbeResult struct {
	Target     string          `json:"target" yaml:"target"`
	Count      int             `json:"count" yaml:"count"`
	Configured uint32          `json:"configured_ms" yaml:"configured_ms"`
	Min        time.Duration   `json:"min" yaml:"min"`
	Max        time.Duration   `json:"max" yaml:"max"`
	Mean       time.Duration   `json:"mean" yaml:"mean"`
	Samples    []time.Duration `json:"samples" yaml:"samples"`
}

// Probe times reads through a target.
func (c *Client) Probe(ctx context.Context, name string, req ProbeRequest) (*ProbeResult, error) {
	var resp ProbeResult
	if err := c.doRequest(ctx, http.MethodPost, targetPath(name, "probe"), nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// =============================================================================
// ATTRIBUTE OPERATIONS
// =============================================================================

// AttrInfo describes one control attribute.
type AttrInfo struct {
	Name     string `json:"name" yaml:"name"`
	Value    string `json:"value" yaml:"value"`
	Writable bool   `json:"writable" yaml:"writable"`
}

// ListAttrs lists a target's attributes with their values.
func (c *Client) ListAttrs(ctx context.Context, name string) ([]AttrInfo, error) {
	var resp struct {
		Attrs []AttrInfo `json:"attrs"`
	}
	if err := c.doRequest(ctx, http.MethodGet, targetPath(name, "attrs"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Attrs, nil
}

// ReadAttr returns an attribute value without its trailing newline.
func (c *Client) ReadAttr(ctx context.Context, name, attr string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, targetPath(name, "attrs", attr), nil, nil, "")
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(body), "\n"), nil
}

// WriteAttr writes an attribute and returns the value now in effect, which
// is unchanged when the daemon ignored a malformed value.
func (c *Client) WriteAttr(ctx context.Context, name, attr, value string) (string, error) {
	body, err := c.do(ctx, http.MethodPut, targetPath(name, "attrs", attr), nil,
		strings.NewReader(value), "text/plain")
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(body), "\n"), nil
}

// =============================================================================
// DAEMON OPERATIONS
// =============================================================================

// HealthResponse is the response from /health.
type HealthResponse struct {
	Status    string `json:"status" yaml:"status"`
	Targets   int    `json:"targets" yaml:"targets"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
}

// Health checks the daemon.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ServerVersion is the response from /version.
type ServerVersion struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

// Version returns the daemon's build information.
func (c *Client) Version(ctx context.Context) (*ServerVersion, error) {
	var resp ServerVersion
	if err := c.doRequest(ctx, http.MethodGet, "/version", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
