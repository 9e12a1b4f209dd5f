package relaysdk

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

// Client is a minimal Relay HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// Issue represents the API issue model.
type Issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	GitHubRepo  string `json:"github_repo,omitempty"`
	GitHubIssue *int   `json:"github_issue,omitempty"`
	PRNumber    *int   `json:"pr_number,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Draft represents a spec draft attached to an issue.
type Draft struct {
	ID          string `json:"id"`
	IssueID     string `json:"issue_id"`
	Validation  string `json:"validation"`
	ContentHash string `json:"content_hash,omitempty"`
	Committed   bool   `json:"committed"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Run represents a recorded step execution.
type Run struct {
	ID         string  `json:"id"`
	IssueID    string  `json:"issue_id"`
	ActorID    string  `json:"actor_id"`
	RequestID  string  `json:"request_id"`
	Mode       string  `json:"mode"`
	Step       string  `json:"step,omitempty"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
	DurationMS *int64  `json:"duration_ms,omitempty"`
	Error      *string `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

// NextStepResult is the versioned outcome of a next-step call.
type NextStepResult struct {
	SchemaVersion int    `json:"schema_version"`
	RequestID     string `json:"request_id"`
	IssueID       string `json:"issue_id"`
	RunID         string `json:"run_id,omitempty"`
	LoopStatus    string `json:"loop_status"`
	Step          string `json:"step,omitempty"`
	Blocked       bool   `json:"blocked"`
	BlockerCode   string `json:"blocker_code,omitempty"`
	StateBefore   string `json:"state_before,omitempty"`
	StateAfter    string `json:"state_after,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Event represents a timeline entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	IssueID string         `json:"issue_id"`
	ActorID string         `json:"actor_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// CleanupResult reports expired rows removed by maintenance.
type CleanupResult struct {
	LocksRemoved   int64 `json:"locks_removed"`
	RecordsRemoved int64 `json:"records_removed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIssue creates an issue in triage.
func (c *Client) CreateIssue(ctx context.Context, title string) (Issue, error) {
	body := map[string]any{"title": title}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues", body, &resp)
	return resp, err
}

// GetIssue fetches an issue by id.
func (c *Client) GetIssue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, "issues/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListIssues returns issues, optionally filtered by status.
func (c *Client) ListIssues(ctx context.Context, status string, limit int) ([]Issue, error) {
	endpoint := "issues"
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
	var resp []Issue
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// LinkGitHub links an issue to its GitHub issue.
func (c *Client) LinkGitHub(ctx context.Context, issueID, repo string, number int) (Issue, error) {
	body := map[string]any{"repo": repo, "number": number}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues/"+url.PathEscape(issueID)+"/link", body, &resp)
	return resp, err
}

// LinkPR links an issue to a pull request.
func (c *Client) LinkPR(ctx context.Context, issueID string, number int) (Issue, error) {
	body := map[string]any{"number": number}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues/"+url.PathEscape(issueID)+"/pr", body, &resp)
	return resp, err
}

// PutDraft creates or replaces an issue's draft.
func (c *Client) PutDraft(ctx context.Context, issueID, validation, contentHash string) (Draft, error) {
	body := map[string]any{"validation": validation, "content_hash": contentHash}
	var resp Draft
	err := c.do(ctx, http.MethodPut, "issues/"+url.PathEscape(issueID)+"/draft", body, &resp)
	return resp, err
}

// CommitDraft commits an issue's draft.
func (c *Client) CommitDraft(ctx context.Context, issueID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, "issues/"+url.PathEscape(issueID)+"/draft/commit", nil, &resp)
	return resp, err
}

// Hold moves an issue to held.
func (c *Client) Hold(ctx context.Context, issueID, reason string) (Issue, error) {
	body := map[string]any{"reason": reason}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues/"+url.PathEscape(issueID)+"/hold", body, &resp)
	return resp, err
}

// NextStep advances an issue by one step. Mode may be "execute" (the
// default when empty) or "dry_run". Reusing a request id within the
// replay window returns the recorded outcome.
func (c *Client) NextStep(ctx context.Context, issueID, mode, requestID string) (NextStepResult, error) {
	body := map[string]any{}
	if mode != "" {
		body["mode"] = mode
	}
	if requestID != "" {
		body["request_id"] = requestID
	}
	var resp NextStepResult
	err := c.do(ctx, http.MethodPost, "issues/"+url.PathEscape(issueID)+"/next-step", body, &resp)
	return resp, err
}

// ListRuns returns runs for an issue, newest first.
func (c *Client) ListRuns(ctx context.Context, issueID string, limit int) ([]Run, error) {
	endpoint := "issues/" + url.PathEscape(issueID) + "/runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Events returns recent timeline events.
func (c *Client) Events(ctx context.Context, issueID, evtType string, limit int) ([]Event, error) {
	endpoint := "events"
	q := url.Values{}
	if issueID != "" {
		q.Set("issue_id", issueID)
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Cleanup removes expired locks and idempotency records.
func (c *Client) Cleanup(ctx context.Context) (CleanupResult, error) {
	var resp CleanupResult
	err := c.do(ctx, http.MethodPost, "maintenance/cleanup", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
