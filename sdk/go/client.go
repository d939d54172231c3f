package launchdecksdk

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

// Client is a minimal Launchdeck HTTP API client.
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

// Story represents the API story model (partial).
type Story struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	Title         string  `json:"title"`
	Status        string  `json:"status"`
	PriorityLevel string  `json:"priority_level"`
	PriorityScore float64 `json:"priority_score"`
	UserApproved  bool    `json:"user_approved"`
	PRRef         *string `json:"pr_ref,omitempty"`
	ErrorDetail   *string `json:"error_detail,omitempty"`
}

// CategoryScore is one scan category's contribution to the launch score.
type CategoryScore struct {
	Score int `json:"score"`
	Max   int `json:"max"`
}

// WorkSummary counts stories by status.
type WorkSummary struct {
	Pending        int     `json:"pending"`
	InProgress     int     `json:"in_progress"`
	Completed      int     `json:"completed"`
	Rejected       int     `json:"rejected"`
	Failed         int     `json:"failed"`
	Total          int     `json:"total"`
	CompletionRate float64 `json:"completion_rate"`
}

// ProjectState is the aggregated launch readiness view.
type ProjectState struct {
	ProjectID       string                   `json:"project_id"`
	LaunchScore     int                      `json:"launch_score"`
	LaunchStage     string                   `json:"launch_stage"`
	ScanScores      map[string]CategoryScore `json:"scan_scores"`
	LaunchChecklist map[string]bool          `json:"launch_checklist"`
	WorkSummary     WorkSummary              `json:"work_summary"`
	Recommendations []string                 `json:"recommendations"`
	Degraded        bool                     `json:"degraded,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateStory creates a story in the client's project.
func (c *Client) CreateStory(ctx context.Context, title, rationale string) (Story, error) {
	body := map[string]any{
		"title":     title,
		"rationale": rationale,
	}
	var resp Story
	err := c.do(ctx, http.MethodPost, c.projectPath("stories"), body, &resp)
	return resp, err
}

// Stories returns the project's active stories, stack-ranked. Set all to
// include terminal stories.
func (c *Client) Stories(ctx context.Context, all bool) ([]Story, error) {
	endpoint := c.projectPath("stories")
	if all {
		endpoint += "?all=true"
	}
	var resp []Story
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve approves a story. priorityOverride may be empty.
func (c *Client) Approve(ctx context.Context, storyID, priorityOverride string) (Story, error) {
	body := map[string]any{"source": "api"}
	if priorityOverride != "" {
		body["priority_override"] = priorityOverride
	}
	var resp Story
	endpoint := fmt.Sprintf("v0/stories/%s/approve", url.PathEscape(storyID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Reject rejects a story.
func (c *Client) Reject(ctx context.Context, storyID, reason string) (Story, error) {
	body := map[string]any{"source": "api", "reason": reason}
	var resp Story
	endpoint := fmt.Sprintf("v0/stories/%s/reject", url.PathEscape(storyID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RequestChanges sends a story back to pending with feedback.
func (c *Client) RequestChanges(ctx context.Context, storyID, feedback string) (Story, error) {
	body := map[string]any{"source": "api", "feedback": feedback}
	var resp Story
	endpoint := fmt.Sprintf("v0/stories/%s/request-changes", url.PathEscape(storyID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// State returns the project's aggregated launch state.
func (c *Client) State(ctx context.Context) (ProjectState, error) {
	var resp ProjectState
	err := c.do(ctx, http.MethodGet, c.projectPath("state"), nil, &resp)
	return resp, err
}

// QueueScans queues a full scan pass.
func (c *Client) QueueScans(ctx context.Context) (queued, deduplicated int, err error) {
	var resp struct {
		Queued       int `json:"queued"`
		Deduplicated int `json:"deduplicated"`
	}
	err = c.do(ctx, http.MethodPost, c.projectPath("scans"), nil, &resp)
	return resp.Queued, resp.Deduplicated, err
}

// SubmitScanResult ingests one scan result produced outside the worker.
func (c *Client) SubmitScanResult(ctx context.Context, scanType string, payload any) error {
	body := map[string]any{
		"scan_type": scanType,
		"payload":   payload,
	}
	return c.do(ctx, http.MethodPost, c.projectPath("scans/results"), body, nil)
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
