// Package smolclawsdk is a minimal client for the smolclaw HTTP API.
package smolclawsdk

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

// Client talks to one smolclaw instance.
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

// Status mirrors the /status response.
type Status struct {
	Agent string `json:"agent"`
	Phase string `json:"phase"`
	Usage struct {
		MinuteUsed    int  `json:"minute_used"`
		MinuteCeiling int  `json:"minute_ceiling"`
		HourUsed      int  `json:"hour_used"`
		HourCeiling   int  `json:"hour_ceiling"`
		DayUsed       int  `json:"day_used"`
		DayCeiling    int  `json:"day_ceiling"`
		Paused        bool `json:"paused"`
	} `json:"usage"`
	Hormones struct {
		Dopamine float64 `json:"dopamine"`
		Cortisol float64 `json:"cortisol"`
		Energy   float64 `json:"energy"`
		Label    string  `json:"label"`
	} `json:"hormones"`
	PendingApprovals int `json:"pending_approvals"`
	QueueDepth       int `json:"queue_depth"`
}

// Approval mirrors one approval queue item.
type Approval struct {
	ID         string `json:"id"`
	ActionType string `json:"action_type"`
	Body       string `json:"body"`
	ChannelID  string `json:"channel_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// Decision mirrors one recorded decision.
type Decision struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Message   string `json:"message,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Accepted is the response to queued submissions.
type Accepted struct {
	Queued bool   `json:"queued"`
	Kind   string `json:"kind"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status fetches the agent status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Think queues an operator nudge for the decision loop.
func (c *Client) Think(ctx context.Context, prompt string) (Accepted, error) {
	var resp Accepted
	err := c.do(ctx, http.MethodPost, "v0/think", map[string]any{"prompt": prompt}, &resp)
	return resp, err
}

// Ask submits an untrusted message.
func (c *Client) Ask(ctx context.Context, text, channelID string) (Accepted, error) {
	var resp Accepted
	err := c.do(ctx, http.MethodPost, "v0/ask", map[string]any{
		"text":       text,
		"channel_id": channelID,
	}, &resp)
	return resp, err
}

// PublishEvent pushes an inbound event.
func (c *Client) PublishEvent(ctx context.Context, kind, payload, channelID string) (Accepted, error) {
	var resp Accepted
	err := c.do(ctx, http.MethodPost, "v0/events", map[string]any{
		"kind":       kind,
		"payload":    payload,
		"channel_id": channelID,
	}, &resp)
	return resp, err
}

// Approvals lists approval items, optionally filtered by status.
func (c *Client) Approvals(ctx context.Context, status string) ([]Approval, error) {
	endpoint := "v0/approvals"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve dispatches a queued action.
func (c *Client) Approve(ctx context.Context, id string) (Approval, error) {
	var resp Approval
	endpoint := fmt.Sprintf("v0/approvals/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Reject discards a queued action.
func (c *Client) Reject(ctx context.Context, id string) (Approval, error) {
	var resp Approval
	endpoint := fmt.Sprintf("v0/approvals/%s/reject", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Decisions lists recent decisions.
func (c *Client) Decisions(ctx context.Context, limit int) ([]Decision, error) {
	endpoint := "v0/decisions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Decision
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Pause stops reasoning calls until Resume.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "v0/pause", nil, nil)
}

// Resume re-enables reasoning calls.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "v0/resume", nil, nil)
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
