// Package client provides the control plane API client for agents.
//
// # Operations
//
// - Heartbeat: Periodic registration and telemetry
// - GetAssignments: Fetch the full set of tasks assigned to this agent
// - PostResult: Submit one probe result
// - Ping: Startup connectivity check
//
// Every request carries the shared agent token as a bearer credential and
// the agent ID in X-Agent-ID.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pilot-net/dialer/pkg/types"
)

// ErrUnauthorized is returned when the control plane rejects the agent token.
var ErrUnauthorized = errors.New("control plane rejected agent token")

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// Retryable reports whether err is worth retrying. Transport errors are;
// 4xx responses other than 408/429 and auth failures are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// Client communicates with the control plane.
type Client struct {
	baseURL    string
	httpClient *http.Client
	agentID    string
	authToken  string
	userAgent  string
}

// Config for the client.
type Config struct {
	BaseURL    string
	AgentID    string
	AuthToken  string
	Version    string
	HTTPClient *http.Client
}

// NewClient creates a new control plane client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		agentID:    cfg.AgentID,
		authToken:  cfg.AuthToken,
		userAgent:  "dialer-agent/" + cfg.Version,
	}
}

// AgentID returns the agent ID sent with every request.
func (c *Client) AgentID() string {
	return c.agentID
}

// Heartbeat sends a health report to the control plane.
func (c *Client) Heartbeat(ctx context.Context, heartbeat types.Heartbeat) (*types.HeartbeatResponse, error) {
	var result types.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/agent/heartbeat", heartbeat, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAssignments fetches the tasks currently assigned to this agent.
func (c *Client) GetAssignments(ctx context.Context) (*types.AssignmentResponse, error) {
	var result types.AssignmentResponse
	if err := c.do(ctx, http.MethodGet, "/api/agent/assignments", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	if result.Tasks == nil {
		result.Tasks = []types.Assignment{}
	}
	return &result, nil
}

// PostResult submits one probe result and returns the stored result ID.
func (c *Client) PostResult(ctx context.Context, result types.Result) (int64, error) {
	var resp types.IngestResponse
	if err := c.do(ctx, http.MethodPost, "/api/agent/results", result, http.StatusCreated, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Ping tests connectivity to the control plane.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/health", nil, http.StatusOK, nil)
}

// do performs a request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.readError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request with standard headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// readError extracts an error from a failed response.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
