package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"smolclaw/internal/engine"
	"smolclaw/internal/session"
)

func TestNotifySplitsLongMessages(t *testing.T) {
	var bodies []webhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg webhookMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("bad body: %v", err)
		}
		bodies = append(bodies, msg)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &Notifier{URL: srv.URL}
	long := strings.Repeat("status line about the day\n", 120)
	if err := n.Notify(context.Background(), long); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(bodies) < 2 {
		t.Fatalf("expected the message to be split, got %d requests", len(bodies))
	}
	for i, msg := range bodies {
		if got := len([]rune(msg.Content)); got > maxMessageLen {
			t.Fatalf("chunk %d too long: %d runes", i, got)
		}
	}
}

func TestWarnSendsHighlightedEmbed(t *testing.T) {
	var got webhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad body: %v", err)
		}
	}))
	defer srv.Close()

	n := &Notifier{URL: srv.URL}
	if err := n.Warn(context.Background(), "hour", 16, 20); err != nil {
		t.Fatalf("warn: %v", err)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(got.Embeds))
	}
	if got.Embeds[0].Color != warningColor {
		t.Fatalf("unexpected color %d", got.Embeds[0].Color)
	}
	if !strings.Contains(got.Embeds[0].Description, "16 of 20") {
		t.Fatalf("unexpected description %q", got.Embeds[0].Description)
	}
}

func TestNotifySurfacesHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := &Notifier{URL: srv.URL}
	err := n.Notify(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, got %v", err)
	}
}

func TestNotifyWithoutURLIsNoop(t *testing.T) {
	n := &Notifier{}
	if err := n.Notify(context.Background(), "dropped"); err != nil {
		t.Fatalf("unconfigured notifier should be silent: %v", err)
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("x", 60) + "\n" + strings.Repeat("y", 60)
	chunks := SplitMessage(text, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0] != strings.Repeat("x", 60) {
		t.Fatalf("chunk should break at the newline, got %q", chunks[0])
	}
}

func TestSearchFormatsHeadlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "golang release" {
			t.Errorf("unexpected query %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k-123" {
			t.Errorf("unexpected auth %q", got)
		}
		io.WriteString(w, `{"articles":[
			{"title":"Go 1.25 released","url":"https://example.com/1","source":{"name":"The Register"}},
			{"title":"Generics retrospective","url":"https://example.com/2","source":{"name":""}}
		]}`)
	}))
	defer srv.Close()

	s := &NewsSearcher{URL: srv.URL, APIKey: "k-123"}
	out, err := s.Search(context.Background(), "golang release")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "Go 1.25 released (The Register)") {
		t.Fatalf("missing sourced headline: %q", out)
	}
	if !strings.Contains(out, "- Generics retrospective") {
		t.Fatalf("missing unsourced headline: %q", out)
	}
}

func TestSearchEmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"articles":[]}`)
	}))
	defer srv.Close()

	s := &NewsSearcher{URL: srv.URL}
	out, err := s.Search(context.Background(), "obscure topic")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "no headlines") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPosterSendsNetworkAndFields(t *testing.T) {
	var got postRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad body: %v", err)
		}
		io.WriteString(w, `{"id":"post-77"}`)
	}))
	defer srv.Close()

	p := &Poster{URL: srv.URL, Network: "instagram"}
	res, err := p.Post(context.Background(), "sunset", map[string]string{"image_url": "https://example.com/p.jpg"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.PostID != "post-77" {
		t.Fatalf("unexpected id %q", res.PostID)
	}
	if got.Network != "instagram" || got.Fields["image_url"] == "" {
		t.Fatalf("payload incomplete: %+v", got)
	}
}

func TestPosterRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "banned", http.StatusForbidden)
	}))
	defer srv.Close()

	p := &Poster{URL: srv.URL, Network: "x"}
	if _, err := p.Post(context.Background(), "text", nil); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestReasonerSendsSystemContextAndSession(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad body: %v", err)
		}
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"{\"action\":\"none\"}"}}]}`)
	}))
	defer srv.Close()

	c := &ChatReasoner{URL: srv.URL, Model: "claw-1"}
	out, err := c.Decide(context.Background(), engine.Request{
		Session:       session.Handle{SessionID: "sess-9", FirstCall: true},
		SystemContext: "persona block",
		Prompt:        "what now",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !strings.Contains(out, `"action"`) {
		t.Fatalf("unexpected output %q", out)
	}
	if got.Model != "claw-1" || got.SessionID != "sess-9" {
		t.Fatalf("request header fields: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("expected system+user messages, got %+v", got.Messages)
	}
}

func TestReasonerOmitsSystemMessageOnLaterCalls(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad body: %v", err)
		}
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := &ChatReasoner{URL: srv.URL}
	if _, err := c.Decide(context.Background(), engine.Request{
		Session: session.Handle{SessionID: "sess-9", CallCount: 3},
		Prompt:  "again",
	}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Fatalf("expected lone user message, got %+v", got.Messages)
	}
}

func TestReasonerNotConfigured(t *testing.T) {
	c := &ChatReasoner{}
	if _, err := c.Decide(context.Background(), engine.Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error without url")
	}
}
