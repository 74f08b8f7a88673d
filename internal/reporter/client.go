package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jobctl/internal/job"
	"jobctl/pkg/backoff"
	"jobctl/pkg/cloudevent"
)

// userHeader names the acting user on API requests.
const userHeader = "X-User"

// RegisterRequest describes an externally launched execution.
type RegisterRequest struct {
	Name        string `json:"name"`
	Command     string `json:"command,omitempty"`
	Description string `json:"description,omitempty"`
	User        string `json:"user,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
}

// Registration is the server's answer to RegisterRequest.
type Registration struct {
	Job     job.Job `json:"job"`
	Run     job.Run `json:"run"`
	Created bool    `json:"created"`
}

// Completion reports how an execution ended.
type Completion struct {
	ExitCode int    `json:"exitCode"`
	Logs     string `json:"logs,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Client talks to the jobctld API. Transient failures (network errors,
// 408, 429, 5xx) are retried with exponential backoff.
type Client struct {
	baseURL string
	apiKey  string
	user    string
	http    *http.Client
	retries int
	backoff backoff.Config
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, apiKey, user string, timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		user:    user,
		http:    &http.Client{Timeout: timeout},
		retries: retries,
		backoff: backoff.Config{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2},
	}
}

// Register opens a MONITORED run for req.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	var reg Registration
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/auto-register", req, &reg); err != nil {
		return nil, fmt.Errorf("auto-register %s: %w", req.Name, err)
	}
	return &reg, nil
}

// Complete finalizes the run.
func (c *Client) Complete(ctx context.Context, runID string, done Completion) error {
	if err := c.do(ctx, http.MethodPut, "/v1/runs/"+runID+"/complete", done, nil); err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := backoff.Wait(ctx, attempt, &c.backoff); err != nil {
				return err
			}
		}
		lastErr = c.once(ctx, method, path, body, out)
		if lastErr == nil || cloudevent.IsClientError(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.user != "" {
		req.Header.Set(userHeader, c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &cloudevent.HTTPError{StatusCode: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
