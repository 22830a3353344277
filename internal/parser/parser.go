// Package parser extracts structured action requests from free-form model
// output. Everything here is pure: no I/O, no clocks, no globals mutated.
package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"smolclaw/internal/domain"
)

// ParseError reports a malformed or unknown block. The block is skipped;
// remaining blocks still parse.
type ParseError struct {
	Tag    string
	Reason string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("action block %q: %s", e.Tag, e.Reason)
}

// ValidationError reports a well-formed block whose fields fail policy.
type ValidationError struct {
	Type   domain.ActionType
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("action %s field %s: %s", e.Type, e.Field, e.Reason)
	}
	return fmt.Sprintf("action %s: %s", e.Type, e.Reason)
}

var blockRe = regexp.MustCompile(`(?s)\[ACTION:(\w+)\]\s*(.*?)\s*\[/ACTION\]`)

var knownTypes = func() map[string]domain.ActionType {
	m := make(map[string]domain.ActionType, len(domain.KnownActionTypes))
	for _, t := range domain.KnownActionTypes {
		m[string(t)] = t
	}
	return m
}()

// Parse extracts up to max validated blocks from trusted reasoning output.
// Blocks beyond the cap and malformed blocks come back as errors so the
// caller can log them; valid blocks are unaffected by invalid siblings.
func Parse(text string, max int) ([]domain.ActionBlock, []error) {
	var blocks []domain.ActionBlock
	var errs []error
	for _, m := range blockRe.FindAllStringSubmatch(text, -1) {
		tag, body := m[1], strings.TrimSpace(m[2])
		actionType, ok := knownTypes[tag]
		if !ok {
			errs = append(errs, ParseError{Tag: tag, Reason: "unknown action type"})
			continue
		}
		if body == "" {
			errs = append(errs, ParseError{Tag: tag, Reason: "empty body"})
			continue
		}
		block, err := buildBlock(actionType, body)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if max > 0 && len(blocks) >= max {
			errs = append(errs, ParseError{Tag: tag, Reason: fmt.Sprintf("exceeds %d actions per message, ignored", max)})
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks, errs
}

func buildBlock(t domain.ActionType, body string) (domain.ActionBlock, error) {
	block := domain.ActionBlock{Type: t, Body: body}
	switch t {
	case domain.ActionPostInstagram:
		caption, fields := splitInstagramBody(body)
		url := fields["image_url"]
		if url == "" {
			return block, ValidationError{Type: t, Field: "image_url", Reason: "required"}
		}
		if !strings.HasPrefix(url, "https://") {
			return block, ValidationError{Type: t, Field: "image_url", Reason: "must use https"}
		}
		if caption == "" {
			return block, ValidationError{Type: t, Reason: "caption required"}
		}
		block.Body = caption
		block.Fields = fields
	case domain.ActionSetAlarm:
		fields := ParseKeyValueBody(body)
		if fields["time"] == "" {
			return block, ValidationError{Type: t, Field: "time", Reason: "required"}
		}
		if _, err := ParseAlarmTime(fields["time"], time.Time{}); err != nil {
			return block, ValidationError{Type: t, Field: "time", Reason: err.Error()}
		}
		if fields["message"] == "" {
			return block, ValidationError{Type: t, Field: "message", Reason: "required"}
		}
		block.Fields = fields
	case domain.ActionSearchNews:
		query := SanitizeQuery(body)
		if query == "" {
			return block, ValidationError{Type: t, Reason: "query empty after sanitization"}
		}
		block.Body = query
	}
	return block, nil
}

// ParseKeyValueBody reads "key: value" lines. Lines without a colon continue
// the previous value, so multi-line messages survive.
func ParseKeyValueBody(body string) map[string]string {
	fields := map[string]string{}
	lastKey := ""
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if idx := strings.Index(trimmed, ":"); idx > 0 {
			key := strings.ToLower(strings.TrimSpace(trimmed[:idx]))
			value := strings.TrimSpace(trimmed[idx+1:])
			fields[key] = value
			lastKey = key
			continue
		}
		if lastKey != "" {
			fields[lastKey] += "\n" + trimmed
		}
	}
	return fields
}

// splitInstagramBody pulls the image_url line out of the body; everything
// else is the caption.
func splitInstagramBody(body string) (caption string, fields map[string]string) {
	fields = map[string]string{}
	var captionLines []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "image_url:") {
			fields["image_url"] = strings.TrimSpace(trimmed[len("image_url:"):])
			continue
		}
		if trimmed != "" {
			captionLines = append(captionLines, trimmed)
		}
	}
	return strings.Join(captionLines, "\n"), fields
}

// ParseAlarmTime accepts an absolute RFC3339 time, "2006-01-02 15:04", or a
// bare "15:04" resolved against ref (next occurrence). A zero ref skips
// resolution and only checks the format.
func ParseAlarmTime(value string, ref time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04", value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", value)
	}
	if ref.IsZero() {
		return t, nil
	}
	fire := time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, ref.Location())
	if !fire.After(ref) {
		fire = fire.Add(24 * time.Hour)
	}
	return fire, nil
}

var (
	zeroWidthRe = regexp.MustCompile("[\u200B\u200C\u200D\uFEFF]")
	// Search operators that would turn a query into control syntax.
	operatorRe = regexp.MustCompile(`(?i)\b(from|to|is|has|lang|filter|url|since|until|list|min_faves|min_retweets):\S*`)
	booleanRe  = regexp.MustCompile(`\b(OR|AND)\b`)
	allowedRe  = regexp.MustCompile(`[^\p{L}\p{N}\s.,!?#@\-]`)
	collapseRe = regexp.MustCompile(`\s+`)
)

// SanitizeQuery reduces a search query to plain terms: zero-width characters
// removed, operator syntax stripped, characters outside the allow-list
// dropped, whitespace collapsed.
func SanitizeQuery(query string) string {
	q := zeroWidthRe.ReplaceAllString(query, "")
	q = operatorRe.ReplaceAllString(q, " ")
	q = booleanRe.ReplaceAllString(q, " ")
	q = allowedRe.ReplaceAllString(q, " ")
	q = collapseRe.ReplaceAllString(q, " ")
	return strings.TrimSpace(q)
}

var stripRe = regexp.MustCompile(`(?s)\[ACTION:\w+\].*?\[/ACTION\]`)
var strayTagRe = regexp.MustCompile(`\[/?ACTION[^\]]*\]`)

// StripActions removes any action-block syntax from untrusted text before it
// reaches a prompt. Untrusted input must never produce an executable block.
func StripActions(text string) string {
	out := stripRe.ReplaceAllString(text, "")
	out = strayTagRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

var mentionRe = regexp.MustCompile(`@(\w+)`)

// EscapeMentions wraps @handles in backticks so relayed text cannot ping
// anyone when echoed back to a chat platform.
func EscapeMentions(text string) string {
	return mentionRe.ReplaceAllString(text, "`@$1`")
}
