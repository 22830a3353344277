package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"smolclaw/internal/engine"
)

const reasonerTimeout = 120 * time.Second

// ChatReasoner calls a chat-completions style endpoint. The session id rides
// along so the backend can keep conversation state between calls.
type ChatReasoner struct {
	URL    string
	APIKey string
	Model  string
	Client *http.Client
}

func (c *ChatReasoner) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: reasonerTimeout}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Decide sends the prompt and returns the raw model text.
func (c *ChatReasoner) Decide(ctx context.Context, req engine.Request) (string, error) {
	if strings.TrimSpace(c.URL) == "" {
		return "", fmt.Errorf("reasoner not configured")
	}
	body := chatRequest{Model: c.Model, SessionID: req.Session.SessionID}
	if req.SystemContext != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemContext})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	res, err := c.client().Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("reasoner: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("reasoner: status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	var parsed chatResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("reasoner: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("reasoner: empty response")
	}
	return parsed.Choices[0].Message.Content, nil
}
