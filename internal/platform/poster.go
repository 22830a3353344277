package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"smolclaw/internal/router"
)

// Poster publishes to one social network through an outbound webhook bridge.
// The bridge receives the network name, the text, and any extra fields and
// answers with the created post id.
type Poster struct {
	URL     string
	Network string
	Client  *http.Client
}

func (p *Poster) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: defaultTimeout}
}

type postRequest struct {
	Network string            `json:"network"`
	Text    string            `json:"text"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type postResponse struct {
	ID   string `json:"id"`
	Text string `json:"text,omitempty"`
}

// Post sends the text to the bridge and reports the created post.
func (p *Poster) Post(ctx context.Context, text string, fields map[string]string) (router.PostResult, error) {
	if strings.TrimSpace(p.URL) == "" {
		return router.PostResult{}, fmt.Errorf("no bridge configured for %s", p.Network)
	}
	data, err := json.Marshal(postRequest{Network: p.Network, Text: text, Fields: fields})
	if err != nil {
		return router.PostResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(data))
	if err != nil {
		return router.PostResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := p.client().Do(req)
	if err != nil {
		return router.PostResult{}, fmt.Errorf("post to %s: %w", p.Network, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return router.PostResult{}, fmt.Errorf("post to %s: status %d: %s", p.Network, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed postResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		// A bridge that answers 2xx without a body still counts as posted.
		return router.PostResult{EchoedText: text}, nil
	}
	return router.PostResult{PostID: parsed.ID, EchoedText: text}, nil
}
