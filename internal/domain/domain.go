package domain

import "time"

// EventKind classifies a stimulus delivered to the decision loop.
type EventKind string

const (
	EventTimer      EventKind = "timer"
	EventWebhook    EventKind = "webhook"
	EventFileChange EventKind = "file_change"
	EventMessage    EventKind = "message"
)

// Event is a single stimulus. Immutable once enqueued, consumed exactly once.
type Event struct {
	Kind       EventKind `json:"kind" enum:"timer,webhook,file_change,message"`
	Payload    string    `json:"payload,omitempty"`
	ChannelID  string    `json:"channel_id,omitempty"`
	ReceivedAt time.Time `json:"received_at" format:"date-time"`
}

// ActionType is the closed set of action tags the parser accepts.
type ActionType string

const (
	ActionPostX         ActionType = "POST_X"
	ActionPostThreads   ActionType = "POST_THREADS"
	ActionPostLinkedIn  ActionType = "POST_LINKEDIN"
	ActionPostInstagram ActionType = "POST_INSTAGRAM"
	ActionSearchNews    ActionType = "SEARCH_NEWS"
	ActionSetAlarm      ActionType = "SET_ALARM"
	ActionCancelAlarm   ActionType = "CANCEL_ALARM"
)

// KnownActionTypes lists every accepted tag in dispatch order.
var KnownActionTypes = []ActionType{
	ActionPostX,
	ActionPostThreads,
	ActionPostLinkedIn,
	ActionPostInstagram,
	ActionSearchNews,
	ActionSetAlarm,
	ActionCancelAlarm,
}

// StateChanging reports whether executing the action has an external side effect
// beyond reading. Read-only actions bypass the manual-approval gate.
func (t ActionType) StateChanging() bool {
	switch t {
	case ActionSearchNews:
		return false
	default:
		return true
	}
}

// ActionBlock is one validated delimited region extracted from generated text.
type ActionBlock struct {
	Type   ActionType        `json:"type"`
	Body   string            `json:"body"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Decision is one cycle outcome appended to the bounded history.
type Decision struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Message   string    `json:"message,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// DecisionSummary condenses a discarded slice of old decisions.
type DecisionSummary struct {
	ID           string    `json:"id"`
	Count        int       `json:"count"`
	ByAction     string    `json:"by_action"`
	MostCommon   string    `json:"most_common"`
	OldestAt     time.Time `json:"oldest_at" format:"date-time"`
	NewestAt     time.Time `json:"newest_at" format:"date-time"`
	SummarizedAt time.Time `json:"summarized_at" format:"date-time"`
}

// ApprovalStatus is the approval item lifecycle.
// Pending is the only state a human transition may leave.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalPosted   ApprovalStatus = "posted"
	ApprovalFailed   ApprovalStatus = "failed"
)

// Resolved reports whether the status is terminal for human resolution.
func (s ApprovalStatus) Resolved() bool {
	return s != ApprovalPending
}

// ApprovalItem is a queued, not-yet-executed action awaiting human review.
type ApprovalItem struct {
	ID         string         `json:"id"`
	ActionType ActionType     `json:"action_type"`
	Body       string         `json:"body"`
	FieldsJSON string         `json:"fields_json,omitempty"`
	ChannelID  string         `json:"channel_id,omitempty"`
	Status     ApprovalStatus `json:"status" enum:"pending,approved,rejected,posted,failed"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at" format:"date-time"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty" format:"date-time"`
}

// HormoneSnapshot is the current emotional state. All axes stay in [0,1].
type HormoneSnapshot struct {
	Dopamine  float64 `json:"dopamine"`
	Cortisol  float64 `json:"cortisol"`
	Energy    float64 `json:"energy"`
	TickCount int     `json:"tick_count"`
	Label     string  `json:"label"`
}

// Violation is one blocked or suppressed action recorded for pattern tracking.
type Violation struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Target    string    `json:"target,omitempty"`
	Reason    string    `json:"reason"`
	Blocked   bool      `json:"blocked"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// Alarm is a scheduled reminder created through the SET_ALARM action.
type Alarm struct {
	ID        string    `json:"id"`
	FireAt    time.Time `json:"fire_at" format:"date-time"`
	Message   string    `json:"message"`
	ChannelID string    `json:"channel_id,omitempty"`
	Fired     bool      `json:"fired"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// AuditEntry is one append-only record of an executed or attempted action.
type AuditEntry struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
}

// APIKey authenticates an operator on the HTTP surface. KeyHash is a
// SHA-256 hex digest; the raw key is never stored.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// UsageScope names one admission window.
type UsageScope string

const (
	ScopeMinute UsageScope = "minute"
	ScopeHour   UsageScope = "hour"
	ScopeDay    UsageScope = "day"
)

// UsageStatus is a point-in-time snapshot of the admission chokepoint,
// safe to expose on the status surface.
type UsageStatus struct {
	MinuteUsed    int        `json:"minute_used"`
	MinuteCeiling int        `json:"minute_ceiling"`
	HourUsed      int        `json:"hour_used"`
	HourCeiling   int        `json:"hour_ceiling"`
	DayUsed       int        `json:"day_used"`
	DayCeiling    int        `json:"day_ceiling"`
	Paused        bool       `json:"paused"`
	LastCallAt    *time.Time `json:"last_call_at,omitempty" format:"date-time"`
}
