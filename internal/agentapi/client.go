package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// ErrRejected is returned when the agent answered but refused the request.
// Transport failures (timeouts, connection errors) are returned as-is so
// callers can tell "spoke said no" from "spoke never responded".
var ErrRejected = errors.New("rejected by spoke")

// Client is the hub-side client for spoke agent endpoints. A single Client
// is shared across all spokes; per-call credentials select the target.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new agent client. timeout bounds each HTTP exchange
// and must stay shorter than the heartbeat interval so one slow spoke
// cannot starve the poll loop.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Status polls the agent's heartbeat endpoint
func (c *Client) Status(ctx context.Context, address, keyDigest string) (*StatusReport, error) {
	var report StatusReport
	if err := c.get(ctx, address, keyDigest, "/status", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Telemetry fetches the agent's resource metrics
func (c *Client) Telemetry(ctx context.Context, address, keyDigest string) (*models.Metrics, error) {
	var metrics models.Metrics
	if err := c.get(ctx, address, keyDigest, "/telemetry", &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// Execute submits a command to the agent. A nil error means the agent
// acknowledged the command; execution itself completes asynchronously and
// is reported through the hub's result callback.
func (c *Client) Execute(ctx context.Context, address, keyDigest string, req ExecuteRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/commands", address), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(APIKeyHeader, keyDigest)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach spoke at %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s: %w", readErrorBody(resp.Body, resp.StatusCode), ErrRejected)
	}

	var ack ExecuteAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("failed to decode execute ack: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("command %s declined: %w", req.CommandID, ErrRejected)
	}

	return nil
}

func (c *Client) get(ctx context.Context, address, keyDigest, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s%s", address, path), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(APIKeyHeader, keyDigest)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach spoke at %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("spoke returned %s", readErrorBody(resp.Body, resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func readErrorBody(r io.Reader, statusCode int) string {
	var errResp ErrorResponse
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&errResp); err == nil && errResp.Error != "" {
		return fmt.Sprintf("HTTP %d: %s", statusCode, errResp.Error)
	}
	return fmt.Sprintf("HTTP %d", statusCode)
}
