package shiplinesdk

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

// Client is a minimal Shipline HTTP API client.
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

// Session represents the API delivery session model (partial).
type Session struct {
	ID              string            `json:"id"`
	ProjectID       string            `json:"project_id"`
	CurrentStage    string            `json:"current_stage"`
	OverallProgress int               `json:"overall_progress"`
	Status          string            `json:"status"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	CreatedAt       string            `json:"created_at"`
}

// Acceptance represents a customer acceptance window.
type Acceptance struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	ProjectID string  `json:"project_id"`
	Status    string  `json:"status"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// DeliveryReport is the outcome of an orchestrated delivery run.
type DeliveryReport struct {
	Session      *Session `json:"session,omitempty"`
	AcceptanceID string   `json:"acceptance_id,omitempty"`
	Blocked      bool     `json:"blocked"`
	BlockReason  string   `json:"block_reason,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	SessionID string         `json:"session_id,omitempty"`
	ProjectID string         `json:"project_id"`
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Issue represents an open health problem.
type Issue struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	CheckType   string `json:"check_type"`
	Severity    string `json:"severity"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	FixAttempts int    `json:"fix_attempts"`
	AutoFixed   bool   `json:"auto_fixed"`
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

// CreateSession opens a delivery session.
func (c *Client) CreateSession(ctx context.Context, productURL string, skipStages []string) (Session, error) {
	body := map[string]any{
		"product_url": productURL,
	}
	if len(skipStages) > 0 {
		body["skip_stages"] = skipStages
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, c.projectPath("sessions"), body, &resp)
	return resp, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.projectPath("sessions/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CompleteStage completes the running stage of a session.
func (c *Client) CompleteStage(ctx context.Context, id string, outputs map[string]string) (Session, error) {
	body := map[string]any{}
	if len(outputs) > 0 {
		body["outputs"] = outputs
	}
	var resp Session
	endpoint := c.projectPath(fmt.Sprintf("sessions/%s/complete", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// FailStage fails the running stage of a session.
func (c *Client) FailStage(ctx context.Context, id, reason string) (Session, error) {
	var resp Session
	endpoint := c.projectPath(fmt.Sprintf("sessions/%s/fail", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"error": reason}, &resp)
	return resp, err
}

// Deliver runs a full orchestrated delivery.
func (c *Client) Deliver(ctx context.Context, productURL string, checklist map[string]string) (DeliveryReport, error) {
	body := map[string]any{
		"product_url": productURL,
	}
	if len(checklist) > 0 {
		body["checklist"] = checklist
	}
	var resp DeliveryReport
	err := c.do(ctx, http.MethodPost, c.projectPath("deliveries"), body, &resp)
	return resp, err
}

// SignAcceptance signs off a customer acceptance window.
func (c *Client) SignAcceptance(ctx context.Context, id, signedBy string, score int, comment string) (Acceptance, error) {
	body := map[string]any{
		"signed_by":          signedBy,
		"satisfaction_score": score,
		"comment":            comment,
	}
	var resp Acceptance
	endpoint := c.projectPath(fmt.Sprintf("acceptance/%s/sign", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RejectAcceptance rejects an acceptance window with reported issues.
func (c *Client) RejectAcceptance(ctx context.Context, id, rejectedBy string, issues []string) (Acceptance, error) {
	body := map[string]any{
		"rejected_by": rejectedBy,
		"issues":      issues,
	}
	var resp Acceptance
	endpoint := c.projectPath(fmt.Sprintf("acceptance/%s/reject", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListIssues returns health issues, optionally filtered by status.
func (c *Client) ListIssues(ctx context.Context, status string) ([]Issue, error) {
	endpoint := c.projectPath("issues")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Issue
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
