package server

import (
	"time"

	"smolclaw/internal/domain"
)

const timeLayout = time.RFC3339Nano

type UsageResponse struct {
	MinuteUsed    int     `json:"minute_used"`
	MinuteCeiling int     `json:"minute_ceiling"`
	HourUsed      int     `json:"hour_used"`
	HourCeiling   int     `json:"hour_ceiling"`
	DayUsed       int     `json:"day_used"`
	DayCeiling    int     `json:"day_ceiling"`
	Paused        bool    `json:"paused"`
	LastCallAt    *string `json:"last_call_at,omitempty"`
}

type HormoneResponse struct {
	Dopamine  float64 `json:"dopamine"`
	Cortisol  float64 `json:"cortisol"`
	Energy    float64 `json:"energy"`
	TickCount int     `json:"tick_count"`
	Label     string  `json:"label"`
}

type StatusResponse struct {
	Agent            string          `json:"agent"`
	Phase            string          `json:"phase"`
	Usage            UsageResponse   `json:"usage"`
	Hormones         HormoneResponse `json:"hormones"`
	PendingApprovals int             `json:"pending_approvals"`
	QueueDepth       int             `json:"queue_depth"`
}

type ThinkRequest struct {
	Prompt string `json:"prompt,omitempty"`
}

type AskRequest struct {
	Text      string `json:"text"`
	ChannelID string `json:"channel_id,omitempty"`
}

type InboundEventRequest struct {
	Kind      string `json:"kind"`
	Payload   string `json:"payload"`
	ChannelID string `json:"channel_id,omitempty"`
}

type AcceptedResponse struct {
	Queued bool   `json:"queued"`
	Kind   string `json:"kind"`
}

type ApprovalResponse struct {
	ID         string  `json:"id"`
	ActionType string  `json:"action_type"`
	Body       string  `json:"body"`
	ChannelID  string  `json:"channel_id,omitempty"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
}

type DecisionResponse struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Message   string `json:"message,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	CreatedAt string `json:"created_at"`
}

type AuditEntryResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func usageResponse(s domain.UsageStatus) UsageResponse {
	out := UsageResponse{
		MinuteUsed:    s.MinuteUsed,
		MinuteCeiling: s.MinuteCeiling,
		HourUsed:      s.HourUsed,
		HourCeiling:   s.HourCeiling,
		DayUsed:       s.DayUsed,
		DayCeiling:    s.DayCeiling,
		Paused:        s.Paused,
	}
	if s.LastCallAt != nil {
		ts := s.LastCallAt.UTC().Format(timeLayout)
		out.LastCallAt = &ts
	}
	return out
}

func hormoneResponse(s domain.HormoneSnapshot) HormoneResponse {
	return HormoneResponse{
		Dopamine:  s.Dopamine,
		Cortisol:  s.Cortisol,
		Energy:    s.Energy,
		TickCount: s.TickCount,
		Label:     s.Label,
	}
}

func approvalResponse(item domain.ApprovalItem) ApprovalResponse {
	out := ApprovalResponse{
		ID:         item.ID,
		ActionType: string(item.ActionType),
		Body:       item.Body,
		ChannelID:  item.ChannelID,
		Status:     string(item.Status),
		Error:      item.Error,
		CreatedAt:  item.CreatedAt.UTC().Format(timeLayout),
	}
	if item.ResolvedAt != nil {
		ts := item.ResolvedAt.UTC().Format(timeLayout)
		out.ResolvedAt = &ts
	}
	return out
}

func mapApprovals(items []domain.ApprovalItem) []ApprovalResponse {
	out := make([]ApprovalResponse, 0, len(items))
	for _, item := range items {
		out = append(out, approvalResponse(item))
	}
	return out
}

func decisionResponse(d domain.Decision) DecisionResponse {
	return DecisionResponse{
		ID:        d.ID,
		Action:    d.Action,
		Message:   d.Message,
		Reasoning: d.Reasoning,
		CreatedAt: d.CreatedAt.UTC().Format(timeLayout),
	}
}

func mapDecisions(items []domain.Decision) []DecisionResponse {
	out := make([]DecisionResponse, 0, len(items))
	for _, d := range items {
		out = append(out, decisionResponse(d))
	}
	return out
}

func mapAuditEntries(items []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, AuditEntryResponse{
			ID:         e.ID,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
			CreatedAt:  e.CreatedAt.UTC().Format(timeLayout),
		})
	}
	return out
}
