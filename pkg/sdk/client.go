// Package sdk is the HTTP client for an atmosphere daemon. The CLI is
// built on it, and it is the integration point for programs that want
// to route work through a mesh without running a node of their own.
//
//	client := sdk.NewClient(sdk.Config{BaseURL: "http://127.0.0.1:7433"})
//	dec, err := client.Route(ctx, sdk.RouteRequest{Intent: "summarize this page"})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL matches the daemon's default API bind.
const DefaultBaseURL = "http://127.0.0.1:7433"

// Config holds the client configuration.
type Config struct {
	// BaseURL is the daemon's API address. Defaults to DefaultBaseURL.
	BaseURL string

	// Timeout bounds each request. Executions carry their own budget
	// via timeout_ms, so this is a transport-level ceiling. Default 60s.
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to one daemon.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client; zero-value config targets a local daemon.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: httpClient,
	}
}

// BaseURL reports the configured daemon address.
func (c *Client) BaseURL() string { return c.base }

// Health is GET /api/health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/api/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status is GET /api/mesh/status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/api/mesh/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateMesh is POST /api/mesh/create.
func (c *Client) CreateMesh(ctx context.Context, name string) (*MeshInfo, error) {
	var out MeshInfo
	if err := c.post(ctx, "/api/mesh/create", map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateToken is POST /api/mesh/token. ttl 0 takes the daemon default.
func (c *Client) CreateToken(ctx context.Context, ttl time.Duration) (*TokenResponse, error) {
	var out TokenResponse
	body := map[string]int{"ttl_s": int(ttl.Seconds())}
	if err := c.post(ctx, "/api/mesh/token", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Join is POST /api/mesh/join; input is a token or atmosphere:// URI.
func (c *Client) Join(ctx context.Context, input string) (*JoinResponse, error) {
	var out JoinResponse
	if err := c.post(ctx, "/api/mesh/join", map[string]string{"token": input}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Leave is POST /api/mesh/leave.
func (c *Client) Leave(ctx context.Context) error {
	return c.post(ctx, "/api/mesh/leave", nil, nil)
}

// Revoke is POST /api/mesh/revoke.
func (c *Client) Revoke(ctx context.Context, tokenID string) error {
	return c.post(ctx, "/api/mesh/revoke", map[string]string{"token_id": tokenID}, nil)
}

// Peers is GET /api/mesh/peers.
func (c *Client) Peers(ctx context.Context) ([]Peer, error) {
	var out struct {
		Peers []Peer `json:"peers"`
	}
	if err := c.get(ctx, "/api/mesh/peers", &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

// Topology is GET /api/mesh/topology.
func (c *Client) Topology(ctx context.Context) (*Topology, error) {
	var out Topology
	if err := c.get(ctx, "/api/mesh/topology", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Capabilities is GET /api/capabilities.
func (c *Client) Capabilities(ctx context.Context, f CapabilityFilter) ([]Capability, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.Node != "" {
		q.Set("node", f.Node)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Tool != "" {
		q.Set("tool", f.Tool)
	}
	path := "/api/capabilities"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Capabilities []Capability `json:"capabilities"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Capabilities, nil
}

// Scan is POST /api/scan.
func (c *Client) Scan(ctx context.Context) (*ScanResult, error) {
	var out ScanResult
	if err := c.post(ctx, "/api/scan", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Route is POST /api/route.
func (c *Client) Route(ctx context.Context, req RouteRequest) (*Decision, error) {
	var out Decision
	if err := c.post(ctx, "/api/route", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute is POST /api/execute.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	var out ExecuteResponse
	if err := c.post(ctx, "/api/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CostCurrent is GET /api/cost/current.
func (c *Client) CostCurrent(ctx context.Context) (*CostReport, error) {
	var out CostReport
	if err := c.get(ctx, "/api/cost/current", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CostTable is GET /api/cost/table.
func (c *Client) CostTable(ctx context.Context) ([]CostUpdate, error) {
	var out struct {
		Nodes []CostUpdate `json:"nodes"`
	}
	if err := c.get(ctx, "/api/cost/table", &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// ApprovalConfig is GET /api/approval/config; the body is YAML.
func (c *Client) ApprovalConfig(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/approval/config", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("atmosphere: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// SetApprovalConfig is POST /api/approval/config with a YAML body. The
// daemon validates before applying; invalid configs come back as a
// validation APIError.
func (c *Client) SetApprovalConfig(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/approval/config", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-yaml")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("atmosphere: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

// AuditTail is GET /api/audit/tail.
func (c *Client) AuditTail(ctx context.Context, n int) ([]AuditEntry, error) {
	path := "/api/audit/tail"
	if n > 0 {
		path += "?n=" + strconv.Itoa(n)
	}
	var out struct {
		Entries []AuditEntry `json:"entries"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("atmosphere: encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("atmosphere: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("atmosphere: decoding response: %w", err)
	}
	return nil
}

// decodeAPIError reads the daemon's error envelope, falling back to a
// bare status when the body is not the expected shape.
func decodeAPIError(resp *http.Response) error {
	ae := &APIError{StatusCode: resp.StatusCode}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && json.Unmarshal(raw, &envelope) == nil {
		ae.Code = envelope.Error.Code
		ae.Message = envelope.Error.Message
		ae.Details = envelope.Error.Details
	}
	if ae.Message == "" {
		ae.Message = strings.TrimSpace(string(raw))
	}
	return ae
}
