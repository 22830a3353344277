// Package platform holds the outbound HTTP collaborators: the chat notifier,
// the news search client, and the social posters.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	// Chat webhooks reject messages above this length.
	maxMessageLen = 2000
	warningColor  = 16730939
)

// Notifier delivers agent messages through a chat webhook.
type Notifier struct {
	URL    string
	Client *http.Client
	Logger *log.Logger
}

func (n *Notifier) client() *http.Client {
	if n.Client != nil {
		return n.Client
	}
	return &http.Client{Timeout: defaultTimeout}
}

type webhookEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type webhookMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []webhookEmbed `json:"embeds,omitempty"`
}

// Notify posts a plain message, split into webhook-sized chunks when long.
func (n *Notifier) Notify(ctx context.Context, message string) error {
	if strings.TrimSpace(n.URL) == "" {
		return nil
	}
	for _, chunk := range SplitMessage(message, maxMessageLen) {
		if err := n.post(ctx, webhookMessage{Content: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// Warn posts a highlighted usage warning.
func (n *Notifier) Warn(ctx context.Context, scope string, used, ceiling int) error {
	if strings.TrimSpace(n.URL) == "" {
		return nil
	}
	return n.post(ctx, webhookMessage{
		Embeds: []webhookEmbed{{
			Title:       "usage warning",
			Description: fmt.Sprintf("approaching the %s ceiling: %d of %d calls used", scope, used, ceiling),
			Color:       warningColor,
		}},
	})
}

func (n *Notifier) post(ctx context.Context, msg webhookMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := n.client().Do(req)
	if err != nil {
		return fmt.Errorf("notify webhook: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("notify webhook: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// SplitMessage cuts text into chunks of at most limit runes, preferring to
// break on a newline so chunks stay readable.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	return chunks
}
