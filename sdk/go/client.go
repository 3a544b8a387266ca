package codorsdk

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

// Client is a minimal client for the codor evidence API.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Run is a run recorded in the ledger.
type Run struct {
	ID         string `json:"id"`
	SpecPath   string `json:"spec_path"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Status     string `json:"status"`
	Total      int    `json:"total"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	ReportPath string `json:"report_path,omitempty"`
}

// Event is one link of the evidence ledger.
type Event struct {
	Seq      int64  `json:"seq"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	RunID    string `json:"run_id"`
	TaskID   string `json:"task_id,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	Path     string `json:"path"`
	Digest   string `json:"digest"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type EventQuery struct {
	RunID  string
	TaskID string
	Type   string
	Limit  int
	Cursor string
}

type Problem struct {
	Seq    int64  `json:"seq,omitempty"`
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Verification is the outcome of re-hashing the evidence directory.
type Verification struct {
	OK           bool      `json:"ok"`
	Events       int       `json:"events"`
	FilesChecked int       `json:"files_checked"`
	Head         string    `json:"head"`
	Problems     []Problem `json:"problems"`
}

type RunRequest struct {
	SpecPath      string            `json:"spec_path"`
	DryRun        bool              `json:"dry_run,omitempty"`
	StopOnFailure bool              `json:"stop_on_failure,omitempty"`
	Tasks         []string          `json:"tasks,omitempty"`
	Overrides     map[string]string `json:"overrides,omitempty"`
}

type Summary struct {
	Total              int `json:"total"`
	Passed             int `json:"passed"`
	Failed             int `json:"failed"`
	Skipped            int `json:"skipped"`
	FailureAnalyses    int `json:"failureAnalyses"`
	TechnicalDebtItems int `json:"technicalDebtItems"`
}

type TaskOutcome struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	Analyses      int    `json:"analyses"`
	DebtItems     int    `json:"debt_items"`
}

// RunResult is returned by StartRun once the run has finished.
type RunResult struct {
	RunID       string        `json:"run_id"`
	DryRun      bool          `json:"dry_run"`
	Passed      bool          `json:"passed"`
	Summary     Summary       `json:"summary"`
	Tasks       []TaskOutcome `json:"tasks"`
	FatalError  string        `json:"fatal_error,omitempty"`
	Error       string        `json:"error,omitempty"`
	EvidenceDir string        `json:"evidence_dir,omitempty"`
	ReportPath  string        `json:"report_path,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health returns nil when the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// LatestReport returns the newest execution report as stored on disk.
func (c *Client) LatestReport(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "reports/latest", nil, &resp)
	return resp, err
}

// TaskSummary returns the task-summary evidence of one task.
func (c *Client) TaskSummary(ctx context.Context, taskID string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// EventsPage returns one page of ledger events.
func (c *Client) EventsPage(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	v := url.Values{}
	if q.RunID != "" {
		v.Set("run_id", q.RunID)
	}
	if q.TaskID != "" {
		v.Set("task_id", q.TaskID)
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	endpoint := "ledger/events"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events follows cursors until every matching event is read.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	var all []Event
	for {
		page, err := c.EventsPage(ctx, q)
		if err != nil {
			return all, err
		}
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			return all, nil
		}
		q.Cursor = page.NextCursor
	}
}

func (c *Client) Verify(ctx context.Context) (Verification, error) {
	var resp Verification
	err := c.do(ctx, http.MethodGet, "ledger/verify", nil, &resp)
	return resp, err
}

func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	endpoint := "runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("runs?limit=%d", limit)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Run(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// StartRun executes a specification on the server and waits for the result.
// The client timeout must cover the whole run.
func (c *Client) StartRun(ctx context.Context, req RunRequest) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "runs", req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
