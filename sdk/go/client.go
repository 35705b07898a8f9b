package tasklinesdk

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

// Client is a minimal Taskline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Issue represents the API issue model.
type Issue struct {
	ID                 string   `json:"id"`
	Kind               string   `json:"kind"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	ProjectID          string   `json:"project_id"`
	Creator            string   `json:"creator"`
	CreatedDate        string   `json:"created_date"`
	UpdatedDate        *string  `json:"updated_date,omitempty"`
	Deadline           *string  `json:"deadline,omitempty"`
	Status             string   `json:"status"`
	Priority           string   `json:"priority"`
	CompletionPercent  int64    `json:"completion_percent"`
	Assignees          []string `json:"assignees,omitempty"`
	AcceptanceCriteria *string  `json:"acceptance_criteria,omitempty"`
	EpicID             *string  `json:"epic_id,omitempty"`
	StoryID            *string  `json:"story_id,omitempty"`
	ParentTaskID       *string  `json:"parent_task_id,omitempty"`
	IsBlocking         bool     `json:"is_blocking,omitempty"`
}

// Member represents a user-service identity.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// EventRecord is one event log entry.
type EventRecord struct {
	ID        int64          `json:"id"`
	IssueID   string         `json:"issue_id"`
	Seq       int64          `json:"seq"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Delivered bool           `json:"delivered"`
	CreatedAt string         `json:"created_at"`
}

// CreateIssueInput carries caller-supplied fields for a new issue.
type CreateIssueInput struct {
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	ProjectID          string  `json:"project_id"`
	Creator            string  `json:"creator"`
	Deadline           *string `json:"deadline,omitempty"`
	Priority           string  `json:"priority,omitempty"`
	AcceptanceCriteria *string `json:"acceptance_criteria,omitempty"`
	EpicID             *string `json:"epic_id,omitempty"`
	StoryID            *string `json:"story_id,omitempty"`
	ParentTaskID       *string `json:"parent_task_id,omitempty"`
	IsBlocking         bool    `json:"is_blocking,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func pluralOf(kind string) string {
	switch strings.ToUpper(kind) {
	case "EPIC":
		return "epics"
	case "STORY":
		return "stories"
	case "BUG":
		return "bugs"
	default:
		return "tasks"
	}
}

// CreateIssue creates an issue of the given kind.
func (c *Client) CreateIssue(ctx context.Context, kind string, in CreateIssueInput) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/"+pluralOf(kind), in, &resp)
	return resp, err
}

// GetIssue fetches an issue by kind and id.
func (c *Client) GetIssue(ctx context.Context, kind, id string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/%s/%s", pluralOf(kind), url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListIssues lists issues of a kind, optionally filtered by project.
func (c *Client) ListIssues(ctx context.Context, kind, projectID string, includeArchived bool) ([]Issue, error) {
	endpoint := "v0/" + pluralOf(kind)
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if includeArchived {
		q.Set("all", "true")
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Issue
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetStatus moves an issue to a new status.
func (c *Client) SetStatus(ctx context.Context, kind, id, status string) (Issue, error) {
	var resp Issue
	endpoint := fmt.Sprintf("v0/%s/%s/status", pluralOf(kind), url.PathEscape(id))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]string{"status": status}, &resp)
	return resp, err
}

// Archive soft-deletes an issue.
func (c *Client) Archive(ctx context.Context, kind, id string) (Issue, error) {
	var resp Issue
	endpoint := fmt.Sprintf("v0/%s/%s", pluralOf(kind), url.PathEscape(id))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// Assign adds a member to an issue's assignee set.
func (c *Client) Assign(ctx context.Context, kind, id, memberID string) (Issue, error) {
	var resp Issue
	endpoint := fmt.Sprintf("v0/%s/%s/assignees", pluralOf(kind), url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"member_id": memberID}, &resp)
	return resp, err
}

// Unassign removes a member from an issue's assignee set.
func (c *Client) Unassign(ctx context.Context, kind, id, memberID string) (Issue, error) {
	var resp Issue
	endpoint := fmt.Sprintf("v0/%s/%s/assignees/%s", pluralOf(kind), url.PathEscape(id), url.PathEscape(memberID))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// AssignedMembers resolves the full member records assigned to an issue.
func (c *Client) AssignedMembers(ctx context.Context, kind, id string) ([]Member, error) {
	var resp []Member
	endpoint := fmt.Sprintf("v0/%s/%s/assignees", pluralOf(kind), url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns event log records after the given cursor.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]EventRecord, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []EventRecord
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
