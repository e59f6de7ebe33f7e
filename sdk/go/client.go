// Package aspharesdk is a minimal client for the Asphare simulator API,
// aimed at downstream consumers polling the pull endpoint.
package aspharesdk

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

// Client is a minimal Asphare HTTP API client.
type Client struct {
	BaseURL     string
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

// Event is one simulated platform event.
type Event struct {
	EventID       string          `json:"event_id"`
	UserID        string          `json:"user_id"`
	Platform      string          `json:"platform"`
	EventType     string          `json:"event_type"`
	EventCategory string          `json:"event_category"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Consumed      bool            `json:"consumed"`
	Source        string          `json:"source"`
}

// ReplayStatus mirrors the replay progress endpoint.
type ReplayStatus struct {
	TotalEvents     int     `json:"total_events"`
	ConsumedEvents  int     `json:"consumed_events"`
	EventsProcessed int     `json:"events_processed"`
	ProgressPercent int     `json:"progress_percent"`
	InProgress      bool    `json:"in_progress"`
	StartedAt       *string `json:"started_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

// PullResult is one batch from the pull endpoint.
type PullResult struct {
	Events []Event `json:"events"`
	Count  int     `json:"count"`
}

// User is one simulated organization member.
type User struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Email              string  `json:"email"`
	Role               string  `json:"role"`
	BehaviorPattern    string  `json:"behavior_pattern"`
	ActivityMultiplier float64 `json:"activity_multiplier"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login runs the two-step code flow and stores the bearer token on the
// client.
func (c *Client) Login(ctx context.Context, username string) error {
	var issued struct {
		Code string `json:"code"`
	}
	if err := c.do(ctx, http.MethodPost, "api/auth/code", map[string]any{"username": username}, &issued); err != nil {
		return err
	}
	var verified struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "api/auth/verify",
		map[string]any{"username": username, "code": issued.Code}, &verified)
	if err != nil {
		return err
	}
	c.BearerToken = verified.Token
	return nil
}

// Pull fetches and consumes up to limit events for platform. A limit of
// zero uses the server's configured batch size.
func (c *Client) Pull(ctx context.Context, platform string, limit int) (PullResult, error) {
	body := map[string]any{"platform": platform}
	if limit > 0 {
		body["limit"] = limit
	}
	var resp PullResult
	err := c.do(ctx, http.MethodPost, "api/events/pull", body, &resp)
	return resp, err
}

// StartReplay begins replaying the historical backlog.
func (c *Client) StartReplay(ctx context.Context) (ReplayStatus, error) {
	var resp ReplayStatus
	err := c.do(ctx, http.MethodPost, "api/replay/start", nil, &resp)
	return resp, err
}

// ReplayStatus reports replay progress.
func (c *Client) ReplayStatus(ctx context.Context) (ReplayStatus, error) {
	var resp ReplayStatus
	err := c.do(ctx, http.MethodGet, "api/replay/status", nil, &resp)
	return resp, err
}

// ReportProgress tells the server how many replayed events this consumer
// has finished processing since the last report.
func (c *Client) ReportProgress(ctx context.Context, eventsProcessed int) (ReplayStatus, error) {
	var resp ReplayStatus
	err := c.do(ctx, http.MethodPost, "api/replay/progress",
		map[string]any{"events_processed": eventsProcessed}, &resp)
	return resp, err
}

// Users lists the simulated population.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var resp struct {
		Users []User `json:"users"`
	}
	err := c.do(ctx, http.MethodGet, "api/users", nil, &resp)
	return resp.Users, err
}

// User fetches one user by id.
func (c *Client) User(ctx context.Context, id string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "api/users/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Stats returns the dashboard statistics document.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "api/stats", nil, &resp)
	return resp, err
}

// Simulate emits count manual events. Types are always drawn from the
// platform's weighted distribution.
func (c *Client) Simulate(ctx context.Context, platform, userID string, count int) ([]Event, error) {
	body := map[string]any{"platform": platform}
	if userID != "" {
		body["user_id"] = userID
	}
	if count > 0 {
		body["count"] = count
	}
	var resp struct {
		EventsCreated int     `json:"events_created"`
		Events        []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodPost, "api/events/simulate", body, &resp)
	return resp.Events, err
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
