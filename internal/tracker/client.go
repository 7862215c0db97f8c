// Package tracker abstracts the external issue tracker: a typed client,
// pluggable credential schemes, the canonical-to-external field mapping
// and per-project transition tables.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"runway/internal/config"
)

// IssueRef identifies an issue in the external tracker.
type IssueRef struct {
	ID  string `json:"id"`
	Key string `json:"key"`
	URL string `json:"self,omitempty"`
}

// APIError is a typed failure from the external tracker.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Client is the external-issue-tracker collaborator contract.
type Client interface {
	CreateIssue(ctx context.Context, fields map[string]any) (IssueRef, error)
	UpdateIssue(ctx context.Context, issueKey string, fields map[string]any) error
	TransitionIssue(ctx context.Context, issueKey, transitionID string) error
}

// HTTPClient talks to a REST issue tracker.
type HTTPClient struct {
	BaseURL    string
	Auth       AuthStrategy
	HTTPClient *http.Client
}

// NewHTTPClient builds a client from configuration, selecting the auth
// strategy once.
func NewHTTPClient(cfg config.TrackerConfig) (*HTTPClient, error) {
	auth, err := SelectAuth(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		Auth:       auth,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *HTTPClient) CreateIssue(ctx context.Context, fields map[string]any) (IssueRef, error) {
	var ref IssueRef
	err := c.do(ctx, http.MethodPost, "/rest/api/3/issue", fields, &ref)
	return ref, err
}

func (c *HTTPClient) UpdateIssue(ctx context.Context, issueKey string, fields map[string]any) error {
	return c.do(ctx, http.MethodPut, "/rest/api/3/issue/"+issueKey, fields, nil)
}

func (c *HTTPClient) TransitionIssue(ctx context.Context, issueKey, transitionID string) error {
	body := map[string]any{
		"transition": map[string]any{"id": transitionID},
	}
	return c.do(ctx, http.MethodPost, "/rest/api/3/issue/"+issueKey+"/transitions", body, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.Auth.AuthHeaders() {
		req.Header.Set(k, v)
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}
