package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxHeadlines = 5

// NewsSearcher queries a headline API with a sanitized query.
type NewsSearcher struct {
	URL    string
	APIKey string
	Client *http.Client
}

func (s *NewsSearcher) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: defaultTimeout}
}

type newsResponse struct {
	Articles []struct {
		Title  string `json:"title"`
		URL    string `json:"url"`
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

// Search runs the query and renders the top headlines as plain lines.
func (s *NewsSearcher) Search(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(s.URL) == "" {
		return "", fmt.Errorf("news search not configured")
	}
	endpoint, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("news search url: %w", err)
	}
	q := endpoint.Query()
	q.Set("q", query)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	res, err := s.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("news search: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("news search: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed newsResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("news search: decode response: %w", err)
	}
	if len(parsed.Articles) == 0 {
		return "no headlines for " + query, nil
	}
	var b strings.Builder
	for i, a := range parsed.Articles {
		if i >= maxHeadlines {
			break
		}
		if a.Source.Name != "" {
			fmt.Fprintf(&b, "- %s (%s)\n", a.Title, a.Source.Name)
		} else {
			fmt.Fprintf(&b, "- %s\n", a.Title)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
