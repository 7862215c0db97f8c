// Package runwaysdk is a minimal Runway HTTP API client for external
// collaborators: chat bridges, dashboards and automation.
package runwaysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Runway HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run model (partial).
type Run struct {
	ID          string `json:"id"`
	TriggerType string `json:"trigger_type"`
	Status      string `json:"status"`
	Iterations  int    `json:"iterations"`
	Degraded    bool   `json:"degraded"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Citation is a provenance record attached to trigger material.
type Citation struct {
	Type       string `json:"type"`
	LocatorURL string `json:"locator_url"`
	Identifier string `json:"identifier"`
}

// Action names the tracker operation a run should perform once approved.
type Action struct {
	Type        string `json:"type,omitempty"`
	IssueKey    string `json:"issue_key,omitempty"`
	TargetState string `json:"target_state,omitempty"`
}

// Approval represents a pending or settled human gate.
type Approval struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expires_at"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// Job represents a queue entry.
type Job struct {
	ID        string `json:"id"`
	Queue     string `json:"queue"`
	Kind      string `json:"kind"`
	RunID     string `json:"run_id,omitempty"`
	Status    string `json:"status"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
}

// CostTotal is the accumulated drafting spend.
type CostTotal struct {
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	SampleCount      int     `json:"sample_count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Trigger starts a run from a business event.
func (c *Client) Trigger(ctx context.Context, triggerType, text string, citations []Citation, action *Action) (Run, error) {
	body := map[string]any{
		"trigger_type": triggerType,
		"text":         text,
	}
	if len(citations) > 0 {
		body["citations"] = citations
	}
	if action != nil {
		body["action"] = action
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "triggers", body, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("runs/%s", url.PathEscape(runID)), nil, &resp)
	return resp.Run, err
}

// ListRuns returns runs, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string, limit int) ([]Run, error) {
	endpoint := "runs"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Decide submits a human decision for a suspended run. The decision
// payload is delivered verbatim; use map[string]any{"approved": true}.
func (c *Client) Decide(ctx context.Context, runID string, decision any) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("runs/%s/decision", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPost, endpoint, decision, &resp)
	return resp, err
}

// CancelRun aborts a non-terminal run.
func (c *Client) CancelRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	endpoint := fmt.Sprintf("runs/%s/cancel", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// PendingApprovals lists approvals awaiting a decision.
func (c *Client) PendingApprovals(ctx context.Context) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, "approvals?status=PENDING", nil, &resp)
	return resp, err
}

// DeadLetter lists dead-lettered jobs.
func (c *Client) DeadLetter(ctx context.Context, limit int) ([]Job, error) {
	endpoint := "jobs?queue=dead_letter"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReplayJob re-queues a dead-lettered job.
func (c *Client) ReplayJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("jobs/%s/replay", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Cost returns the accumulated drafting spend.
func (c *Client) Cost(ctx context.Context) (CostTotal, error) {
	var resp CostTotal
	err := c.do(ctx, http.MethodGet, "cost", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
