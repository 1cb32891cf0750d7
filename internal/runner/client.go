// Package runner holds the execution-plane glue: the runner's HTTP client
// used by the control plane, the heartbeat reporter, and runtime probing.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ai-village/villaged/internal/controlplane/fleet"
	"github.com/ai-village/villaged/internal/controlplane/sessions"
	"github.com/ai-village/villaged/internal/session"
)

// MetadataAPIURL is the runner metadata key carrying its API base URL.
const MetadataAPIURL = "api_url"

var _ sessions.RunnerClient = (*HTTPClient)(nil)

// HTTPClient dispatches session operations to a runner's local API.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient creates a runner HTTP client.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{httpClient: &http.Client{Timeout: timeout}}
}

func runnerBaseURL(runner *fleet.StoredRunner) (string, error) {
	url := runner.Metadata[MetadataAPIURL]
	if url == "" {
		return "", fmt.Errorf("runner %s did not register an api_url", runner.RunnerID)
	}
	return url, nil
}

// StartSession dispatches a session start.
func (c *HTTPClient) StartSession(ctx context.Context, runner *fleet.StoredRunner, cfg session.Config) (*session.RuntimeState, error) {
	var state session.RuntimeState
	if err := c.do(ctx, runner, http.MethodPost, "/api/v1/sessions", cfg, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetSessionState fetches the live runtime state.
func (c *HTTPClient) GetSessionState(ctx context.Context, runner *fleet.StoredRunner, sessionID string) (*session.RuntimeState, error) {
	var state session.RuntimeState
	if err := c.do(ctx, runner, http.MethodGet, "/api/v1/sessions/"+sessionID, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SendInput forwards provider input.
func (c *HTTPClient) SendInput(ctx context.Context, runner *fleet.StoredRunner, sessionID string, data []byte) error {
	return c.do(ctx, runner, http.MethodPost, "/api/v1/sessions/"+sessionID+"/input",
		map[string]string{"data": string(data)}, nil)
}

// PauseSession pauses the session.
func (c *HTTPClient) PauseSession(ctx context.Context, runner *fleet.StoredRunner, sessionID string) error {
	return c.do(ctx, runner, http.MethodPost, "/api/v1/sessions/"+sessionID+"/pause", nil, nil)
}

// ResumeSession resumes the session.
func (c *HTTPClient) ResumeSession(ctx context.Context, runner *fleet.StoredRunner, sessionID string) error {
	return c.do(ctx, runner, http.MethodPost, "/api/v1/sessions/"+sessionID+"/resume", nil, nil)
}

// StopSession stops the session.
func (c *HTTPClient) StopSession(ctx context.Context, runner *fleet.StoredRunner, sessionID string, graceful bool) error {
	return c.do(ctx, runner, http.MethodPost, "/api/v1/sessions/"+sessionID+"/stop",
		map[string]bool{"graceful": graceful}, nil)
}

// ResolveApproval resolves an approval.
func (c *HTTPClient) ResolveApproval(ctx context.Context, runner *fleet.StoredRunner, sessionID, approvalID string, decision session.ApprovalDecision, note string) error {
	return c.do(ctx, runner, http.MethodPost, "/api/v1/sessions/"+sessionID+"/approvals/"+approvalID,
		map[string]string{"decision": string(decision), "note": note}, nil)
}

// GetBuffer fetches the terminal ring buffer.
func (c *HTTPClient) GetBuffer(ctx context.Context, runner *fleet.StoredRunner, sessionID string) ([]map[string]interface{}, error) {
	var out struct {
		Chunks []map[string]interface{} `json:"chunks"`
	}
	if err := c.do(ctx, runner, http.MethodGet, "/api/v1/sessions/"+sessionID+"/buffer", nil, &out); err != nil {
		return nil, err
	}
	return out.Chunks, nil
}

func (c *HTTPClient) do(ctx context.Context, runner *fleet.StoredRunner, method, path string, body, out interface{}) error {
	base, err := runnerBaseURL(runner)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runner request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return fmt.Errorf("runner returned %d: %s", resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode runner response: %w", err)
		}
	}
	return nil
}
