// Package intentflow provides a small HTTP client for the IntentFlow REST API.
package intentflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the IntentFlow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Budget caps what a run may spend, expressed in atomic units of the asset.
type Budget struct {
	Asset          string `json:"asset"`
	Network        string `json:"network"`
	MaxAtomic      string `json:"max_atomic"`
	SpentAtomic    string `json:"spent_atomic,omitempty"`
	ReservedAtomic string `json:"reserved_atomic,omitempty"`
}

// RunSubmission represents the payload required to create a new run.
type RunSubmission struct {
	WorkspaceID string `json:"workspace_id"`
	Input       string `json:"input"`
	Budget      Budget `json:"budget"`
	ActorID     string `json:"actor_id,omitempty"`
}

// Run is the API view of a workflow run.
type Run struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Input       string          `json:"input"`
	Graph       json.RawMessage `json:"graph,omitempty"`
	Budget      Budget          `json:"budget"`
	Status      string          `json:"status"`
	PlanError   string          `json:"plan_error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// StepMetrics carries per-step execution measurements.
type StepMetrics struct {
	DurationMs  int64  `json:"duration_ms,omitempty"`
	SpentAtomic string `json:"spent_atomic,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
}

// Step is the API view of a single node execution within a run.
type Step struct {
	RunID          string         `json:"run_id"`
	StepID         string         `json:"step_id"`
	NodeType       string         `json:"node_type"`
	Status         string         `json:"status"`
	Attempt        int            `json:"attempt"`
	MaxRetries     int            `json:"max_retries"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Metrics        StepMetrics    `json:"metrics"`
	NextEligibleAt int64          `json:"next_eligible_at"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Actor identifies who triggered an event.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is one record from a run's append-only audit log.
type Event struct {
	RunID string         `json:"run_id"`
	Seq   int64          `json:"seq"`
	Type  string         `json:"type"`
	Data  map[string]any `json:"data,omitempty"`
	Actor Actor          `json:"actor"`
	Ts    int64          `json:"ts"`
}

// ListRunsQuery narrows the result of ListRuns. Zero values are omitted.
type ListRunsQuery struct {
	WorkspaceID string
	Status      string
	Limit       int
	Offset      int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("intentflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("intentflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the IntentFlow API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// CreateRun submits an intent with its budget and returns the created run.
// Planning happens synchronously, so the returned run already carries the graph.
func (c *Client) CreateRun(ctx context.Context, submission RunSubmission) (*Run, error) {
	var created Run
	if err := c.post(ctx, "/api/v1/runs", submission, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs matching the query, most recently updated first.
func (c *Client) ListRuns(ctx context.Context, query ListRunsQuery) ([]*Run, error) {
	values := url.Values{}
	if query.WorkspaceID != "" {
		values.Set("workspace_id", query.WorkspaceID)
	}
	if query.Status != "" {
		values.Set("status", query.Status)
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		values.Set("offset", strconv.Itoa(query.Offset))
	}
	endpoint := "/api/v1/runs"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var body struct {
		Runs []*Run `json:"runs"`
	}
	if err := c.get(ctx, endpoint, &body); err != nil {
		return nil, err
	}
	return body.Runs, nil
}

// ListSteps returns every step of a run.
func (c *Client) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	var body struct {
		Steps []*Step `json:"steps"`
	}
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/steps", &body); err != nil {
		return nil, err
	}
	return body.Steps, nil
}

// ListEvents returns the run's audit log ordered by sequence number.
func (c *Client) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	var body struct {
		Events []*Event `json:"events"`
	}
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/events", &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

// Approve releases a step waiting for approval. Outputs, when provided, become
// the approved step's outputs.
func (c *Client) Approve(ctx context.Context, runID, stepID, actorID string, outputs map[string]any) error {
	payload := map[string]any{
		"step_id":  stepID,
		"actor_id": actorID,
	}
	if len(outputs) > 0 {
		payload["outputs"] = outputs
	}
	return c.post(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/approve", payload, nil)
}

// Cancel moves a run into its canceled terminal state.
func (c *Client) Cancel(ctx context.Context, runID, actorID string) error {
	payload := map[string]any{"actor_id": actorID}
	return c.post(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/cancel", payload, nil)
}

// WaitForCompletion polls the run until it reaches a terminal status or the
// context is canceled.
func (c *Client) WaitForCompletion(ctx context.Context, runID string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case "succeeded", "failed", "canceled":
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
