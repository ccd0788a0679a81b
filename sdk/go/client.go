package stewardsdk

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

// Client is a minimal Steward HTTP API client.
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

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	Category      string   `json:"category"`
	Priority      string   `json:"priority"`
	OrgID         string   `json:"org_id"`
	PlanID        *string  `json:"plan_id,omitempty"`
	FrameworkID   *string  `json:"framework_id,omitempty"`
	RequiredRoles []string `json:"required_roles,omitempty"`
	Status        string   `json:"status"`
	Title         string   `json:"title,omitempty"`
	DueAt         *string  `json:"due_at,omitempty"`
	CompletedAt   *string  `json:"completed_at,omitempty"`
}

// Assignment links a user to a work item.
type Assignment struct {
	ID                string   `json:"id"`
	ItemID            string   `json:"item_id"`
	UserID            string   `json:"user_id"`
	Role              string   `json:"role"`
	Status            string   `json:"status"`
	ResponsibilityTag string   `json:"responsibility_tag,omitempty"`
	EstimatedHours    *float64 `json:"estimated_hours,omitempty"`
}

// SLARecord is one tracking record for a work item.
type SLARecord struct {
	ID             string  `json:"id"`
	ItemKind       string  `json:"item_kind"`
	ItemID         string  `json:"item_id"`
	TargetHours    float64 `json:"target_hours"`
	StartedAt      string  `json:"started_at"`
	TargetAt       string  `json:"target_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	Status         string  `json:"status"`
	CompliancePct  float64 `json:"compliance_pct"`
	HoursRemaining float64 `json:"hours_remaining"`
	HoursOverdue   float64 `json:"hours_overdue"`
	ResponsibleID  *string `json:"responsible_id,omitempty"`
}

// Bottleneck records an item nobody could take.
type Bottleneck struct {
	ID         string `json:"id"`
	ItemID     string `json:"item_id"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
	Resolved   bool   `json:"resolved"`
	ReportedAt string `json:"reported_at"`
}

// AssignResult is what the rule engine returns for one item.
type AssignResult struct {
	ItemID      string       `json:"item_id"`
	Assignments []Assignment `json:"assignments"`
	SLA         *SLARecord   `json:"sla,omitempty"`
	Trace       []string     `json:"trace"`
	Bottleneck  *Bottleneck  `json:"bottleneck,omitempty"`
}

// OptimizeReport summarizes one optimizer batch.
type OptimizeReport struct {
	Considered  int    `json:"considered"`
	Assigned    int    `json:"assigned"`
	Bottlenecks int    `json:"bottlenecks"`
	Failed      int    `json:"failed"`
	StartedAt   string `json:"started_at"`
	Elapsed     string `json:"elapsed"`
}

// UserProfile is the rebuildable performance aggregate for one user.
type UserProfile struct {
	UserID         string  `json:"user_id"`
	TotalAssigned  int     `json:"total_assigned"`
	TotalCompleted int     `json:"total_completed"`
	Reliability    float64 `json:"reliability"`
	AvgHours       float64 `json:"avg_hours"`
	RebuiltAt      string  `json:"rebuilt_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// CreateWorkItemRequest is the payload for CreateWorkItem.
type CreateWorkItemRequest struct {
	ID            string   `json:"id,omitempty"`
	Kind          string   `json:"kind"`
	Category      string   `json:"category"`
	Priority      string   `json:"priority,omitempty"`
	OrgID         string   `json:"org_id"`
	PlanID        string   `json:"plan_id,omitempty"`
	FrameworkID   string   `json:"framework_id,omitempty"`
	RequiredRoles []string `json:"required_roles,omitempty"`
	Title         string   `json:"title,omitempty"`
	DueAt         string   `json:"due_at,omitempty"`
	AutoAssign    bool     `json:"auto_assign,omitempty"`
}

// CreatedWorkItem is the create-item response: the item plus, when
// auto_assign was requested, the rule engine outcome.
type CreatedWorkItem struct {
	Item   WorkItem      `json:"item"`
	Assign *AssignResult `json:"assign,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v1/health", nil, nil)
}

// CreateWorkItem creates a plan or a task.
func (c *Client) CreateWorkItem(ctx context.Context, req CreateWorkItemRequest) (CreatedWorkItem, error) {
	var resp CreatedWorkItem
	err := c.do(ctx, http.MethodPost, "v1/items", req, &resp)
	return resp, err
}

// GetWorkItem fetches one work item.
func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "v1/items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CompleteWorkItem marks a work item completed.
func (c *Client) CompleteWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v1/items/"+url.PathEscape(id)+"/complete", nil, &resp)
	return resp, err
}

// CancelWorkItem cancels a work item.
func (c *Client) CancelWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v1/items/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// AutoAssignPlan runs the plan assignment rules.
func (c *Client) AutoAssignPlan(ctx context.Context, planID string) (AssignResult, error) {
	var resp AssignResult
	err := c.do(ctx, http.MethodPost, "v1/plans/"+url.PathEscape(planID)+"/auto-assign", nil, &resp)
	return resp, err
}

// AutoAssignTask runs the task assignment rules.
func (c *Client) AutoAssignTask(ctx context.Context, taskID string) (AssignResult, error) {
	var resp AssignResult
	err := c.do(ctx, http.MethodPost, "v1/tasks/"+url.PathEscape(taskID)+"/auto-assign", nil, &resp)
	return resp, err
}

// SLARecords returns all tracking records for a work item.
func (c *Client) SLARecords(ctx context.Context, kind, itemID string) ([]SLARecord, error) {
	var resp struct {
		Records []SLARecord `json:"records"`
	}
	endpoint := fmt.Sprintf("v1/sla/%s/%s", url.PathEscape(kind), url.PathEscape(itemID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Records, err
}

// RecomputeSLA refreshes the open record for one item.
func (c *Client) RecomputeSLA(ctx context.Context, kind, itemID string) (SLARecord, error) {
	var resp SLARecord
	endpoint := fmt.Sprintf("v1/sla/%s/%s/recompute", url.PathEscape(kind), url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RecomputeAllSLA sweeps every open record and returns the updated count.
func (c *Client) RecomputeAllSLA(ctx context.Context) (int, error) {
	var resp struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "v1/sla/recompute", nil, &resp)
	return resp.Updated, err
}

// Optimize runs one assignment optimizer batch.
func (c *Client) Optimize(ctx context.Context) (OptimizeReport, error) {
	var resp OptimizeReport
	err := c.do(ctx, http.MethodPost, "v1/scheduling/optimize", nil, &resp)
	return resp, err
}

// Bottlenecks lists open assignment bottlenecks.
func (c *Client) Bottlenecks(ctx context.Context) ([]Bottleneck, error) {
	var resp struct {
		Bottlenecks []Bottleneck `json:"bottlenecks"`
	}
	err := c.do(ctx, http.MethodGet, "v1/scheduling/bottlenecks", nil, &resp)
	return resp.Bottlenecks, err
}

// Profiles lists cached user profiles.
func (c *Client) Profiles(ctx context.Context) ([]UserProfile, error) {
	var resp struct {
		Profiles []UserProfile `json:"profiles"`
	}
	err := c.do(ctx, http.MethodGet, "v1/profiles", nil, &resp)
	return resp.Profiles, err
}

// RebuildProfiles rebuilds profiles from history and returns the result.
func (c *Client) RebuildProfiles(ctx context.Context) ([]UserProfile, error) {
	var resp struct {
		Profiles []UserProfile `json:"profiles"`
	}
	err := c.do(ctx, http.MethodPost, "v1/profiles/rebuild", nil, &resp)
	return resp.Profiles, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int, eventType string) ([]Event, error) {
	endpoint := "v1/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
