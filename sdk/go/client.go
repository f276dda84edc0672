package rooflinesdk

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

// Client is a minimal Roofline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Job represents the API job model (partial).
type Job struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	Kind         string `json:"kind"`
	Title        string `json:"title"`
	Address      string `json:"address,omitempty"`
	CustomerName string `json:"customer_name,omitempty"`
	Stage        string `json:"stage"`
	Status       string `json:"status"`
	Approved     bool   `json:"approved"`
}

// MissingItems lists unmet gate requirements grouped by artifact type.
type MissingItems struct {
	Documents  []string `json:"documents"`
	Photos     []string `json:"photos"`
	Checklists []string `json:"checklists"`
}

// GateStatus reports whether a job may advance to its next stage.
type GateStatus struct {
	JobID        string       `json:"job_id"`
	CurrentStage string       `json:"current_stage"`
	TargetStage  string       `json:"target_stage"`
	GateKey      string       `json:"gate_key"`
	Missing      MissingItems `json:"missing"`
	Satisfied    bool         `json:"satisfied"`
}

// Bypass is an audit record of a gate override.
type Bypass struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	JobID      string `json:"job_id"`
	GateKey    string `json:"gate_key"`
	Stage      string `json:"stage"`
	Reason     string `json:"reason"`
	RecordedBy string `json:"recorded_by"`
	RecordedAt string `json:"recorded_at"`
}

// AdvanceResult is the outcome of a stage advance.
type AdvanceResult struct {
	Job          Job     `json:"job"`
	Decision     string  `json:"decision"`
	BypassReason string  `json:"bypass_reason,omitempty"`
	Bypass       *Bypass `json:"bypass,omitempty"`
}

// Approval reports flag completion progress for a job.
type Approval struct {
	JobID       string         `json:"job_id"`
	Flags       []ApprovalFlag `json:"flags"`
	Count       int            `json:"count"`
	Total       int            `json:"total"`
	Percent     float64        `json:"percent"`
	AllComplete bool           `json:"all_complete"`
}

// ApprovalFlag is one of the contract/estimate/materials/labor flags.
type ApprovalFlag struct {
	Name string `json:"name"`
	Done bool   `json:"done"`
}

// Inspection represents a quality inspection record.
type Inspection struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	JobID     string   `json:"job_id"`
	Kind      string   `json:"kind"`
	Status    string   `json:"status"`
	Summary   string   `json:"summary"`
	Issues    []string `json:"issues"`
	URL       string   `json:"url"`
	CreatedBy string   `json:"created_by"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// WhoAmI describes the authenticated actor's roles and permissions.
type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateJob creates a job.
func (c *Client) CreateJob(ctx context.Context, title, kind string) (Job, error) {
	body := map[string]any{
		"title": title,
	}
	if kind != "" {
		body["kind"] = kind
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.projectPath("jobs"), body, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	endpoint := c.projectPath(fmt.Sprintf("jobs/%s", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GateStatus returns the gate standing for a job's next stage.
func (c *Client) GateStatus(ctx context.Context, jobID string) (GateStatus, error) {
	var resp GateStatus
	endpoint := c.projectPath(fmt.Sprintf("jobs/%s/gate", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AdvanceJob moves a job to the next stage. A non-empty bypassReason
// requests a gate override, which is audited server-side.
func (c *Client) AdvanceJob(ctx context.Context, jobID, bypassReason string) (AdvanceResult, error) {
	body := map[string]any{}
	if bypassReason != "" {
		body["bypass_reason"] = bypassReason
	}
	var resp AdvanceResult
	endpoint := c.projectPath(fmt.Sprintf("jobs/%s/advance", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddDocument attaches a document to a job.
func (c *Client) AddDocument(ctx context.Context, jobID, kind, name string) error {
	body := map[string]any{"kind": kind, "name": name}
	endpoint := c.projectPath(fmt.Sprintf("jobs/%s/documents", url.PathEscape(jobID)))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// AddPhoto attaches a photo to a job.
func (c *Client) AddPhoto(ctx context.Context, jobID, kind, caption string) error {
	body := map[string]any{"kind": kind, "caption": caption}
	endpoint := c.projectPath(fmt.Sprintf("jobs/%s/photos", url.PathEscape(jobID)))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// SetChecklistItem records a checklist item state on a job.
func (c *Client) SetChecklistItem(ctx context.Context, jobID, kind string, done bool, note string) error {
	body := map[string]any{"kind": kind, "done": done, "note": note}
	endpoint := c.projectPath(fmt.Sprintf("jobs/%s/checklist", url.PathEscape(jobID)))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// Approval returns the approval flag progress for a job.
func (c *Client) Approval(ctx context.Context, jobID string) (Approval, error) {
	var resp Approval
	endpoint := c.projectPath(fmt.Sprintf("jobs/%s/approval", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetApprovalFlag toggles a contract/estimate/materials/labor flag.
func (c *Client) SetApprovalFlag(ctx context.Context, jobID, flag string, value bool) (Approval, error) {
	body := map[string]any{"flag": flag, "value": value}
	var resp Approval
	endpoint := c.projectPath(fmt.Sprintf("jobs/%s/approval", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// ApproveJob finalizes a job once all flags are complete.
func (c *Client) ApproveJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	endpoint := c.projectPath(fmt.Sprintf("jobs/%s/approve", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// RecordInspection files a quality inspection outcome for a job.
func (c *Client) RecordInspection(ctx context.Context, jobID, kind, status, summary string, issues []string, reportURL string) (Inspection, error) {
	body := map[string]any{
		"kind":    kind,
		"status":  status,
		"summary": summary,
		"issues":  issues,
		"url":     reportURL,
	}
	var resp Inspection
	endpoint := c.projectPath(fmt.Sprintf("jobs/%s/inspections", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListInspections returns inspections for a job.
func (c *Client) ListInspections(ctx context.Context, jobID string) ([]Inspection, error) {
	var resp []Inspection
	endpoint := c.projectPath(fmt.Sprintf("jobs/%s/inspections", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateInspection amends an inspection record.
func (c *Client) UpdateInspection(ctx context.Context, id, status, summary string, issues []string, reportURL string) (Inspection, error) {
	body := map[string]any{
		"status":  status,
		"summary": summary,
		"issues":  issues,
		"url":     reportURL,
	}
	var resp Inspection
	endpoint := c.projectPath(fmt.Sprintf("inspections/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Bypasses lists gate bypass audit records, optionally filtered by job.
func (c *Client) Bypasses(ctx context.Context, jobID string) ([]Bypass, error) {
	var resp struct {
		Items []Bypass `json:"items"`
	}
	endpoint := c.projectPath("bypasses")
	if jobID != "" {
		endpoint = fmt.Sprintf("%s?job_id=%s", endpoint, url.QueryEscape(jobID))
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WhoAmI returns the authenticated actor's roles and permissions.
func (c *Client) WhoAmI(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	endpoint := c.projectPath("me/permissions")
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
