package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"smolclaw/internal/audit"
	"smolclaw/internal/domain"
	"smolclaw/internal/memory"
	"smolclaw/internal/parser"
	"smolclaw/internal/store"
)

// ErrUnauthorizedContext marks an action attempted outside an allowed channel.
var ErrUnauthorizedContext = errors.New("action not allowed from this context")

// Origin identifies where the text that produced an action came from.
type Origin struct {
	ChannelID string
	ActorID   string
}

// OutcomeKind classifies what Route did with a block.
type OutcomeKind string

const (
	OutcomeExecuted OutcomeKind = "executed"
	OutcomeQueued   OutcomeKind = "queued"
	OutcomeRejected OutcomeKind = "rejected"
)

// Outcome is the result of routing one action block.
type Outcome struct {
	Kind     OutcomeKind
	Result   string
	Approval *domain.ApprovalItem
	Reason   string
}

// PostResult is what a platform collaborator reports back.
type PostResult struct {
	PostID     string
	EchoedText string
}

// Platform posts content to one social network.
type Platform interface {
	Post(ctx context.Context, text string, fields map[string]string) (PostResult, error)
}

// Searcher runs a read-only news query.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Policy is the routing configuration slice the router needs.
type Policy struct {
	RequireManualApproval bool
	TeamChannelID         string
	OwnChannelID          string
	TextLimits            map[string]int
}

// Router maps validated action blocks to execution, the approval queue, or
// rejection. It owns the ApprovalItem lifecycle.
type Router struct {
	Store     store.Store
	Audit     audit.Writer
	Memory    *memory.Memory
	Platforms map[domain.ActionType]Platform
	Searcher  Searcher
	Policy    Policy
	Now       func() time.Time
	Logger    *log.Logger
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Router) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *Router) authorized(origin Origin) bool {
	if origin.ChannelID == "" {
		return false
	}
	return origin.ChannelID == r.Policy.TeamChannelID || origin.ChannelID == r.Policy.OwnChannelID
}

// Route dispatches one validated block. Read-only actions execute immediately
// even under the manual-approval flag; state-changing ones queue when the
// flag is set.
func (r *Router) Route(ctx context.Context, origin Origin, block domain.ActionBlock) (Outcome, error) {
	if !r.authorized(origin) {
		r.recordRejection(ctx, origin, block, "unauthorized channel")
		return Outcome{Kind: OutcomeRejected, Reason: "unauthorized channel"}, ErrUnauthorizedContext
	}

	switch block.Type {
	case domain.ActionSearchNews:
		return r.search(ctx, block)
	case domain.ActionSetAlarm:
		return r.setAlarm(ctx, origin, block)
	case domain.ActionCancelAlarm:
		return r.cancelAlarm(ctx, block)
	}

	if r.Policy.RequireManualApproval {
		item, err := r.enqueue(ctx, origin, block)
		if err != nil {
			return Outcome{}, fmt.Errorf("enqueue approval: %w", err)
		}
		return Outcome{Kind: OutcomeQueued, Approval: &item}, nil
	}
	result, err := r.execute(ctx, origin.ActorID, block)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeExecuted, Result: result}, nil
}

func (r *Router) recordRejection(ctx context.Context, origin Origin, block domain.ActionBlock, reason string) {
	if r.Memory != nil {
		if err := r.Memory.RecordViolation(ctx, domain.Violation{
			Kind:    "unauthorized_channel",
			Target:  origin.ChannelID,
			Reason:  reason,
			Blocked: true,
		}); err != nil {
			r.logger().Printf("router: record violation failed: %v", err)
		}
	}
	if _, err := r.Audit.AppendNoTx(ctx, "action.rejected", "action", string(block.Type), origin.ActorID, audit.Payload{
		"channel_id": origin.ChannelID,
		"reason":     reason,
	}); err != nil {
		r.logger().Printf("router: audit rejected action failed: %v", err)
	}
}

func (r *Router) search(ctx context.Context, block domain.ActionBlock) (Outcome, error) {
	if r.Searcher == nil {
		return Outcome{}, errors.New("no search collaborator configured")
	}
	result, err := r.Searcher.Search(ctx, block.Body)
	if err != nil {
		return Outcome{}, fmt.Errorf("news search: %w", err)
	}
	return Outcome{Kind: OutcomeExecuted, Result: result}, nil
}

func (r *Router) setAlarm(ctx context.Context, origin Origin, block domain.ActionBlock) (Outcome, error) {
	fireAt, err := parser.ParseAlarmTime(block.Fields["time"], r.now())
	if err != nil {
		return Outcome{}, fmt.Errorf("alarm time: %w", err)
	}
	alarm := domain.Alarm{
		ID:        uuid.NewString(),
		FireAt:    fireAt,
		Message:   block.Fields["message"],
		ChannelID: origin.ChannelID,
		CreatedAt: r.now(),
	}
	if err := r.Store.InsertAlarm(ctx, alarm); err != nil {
		return Outcome{}, fmt.Errorf("store alarm: %w", err)
	}
	return Outcome{Kind: OutcomeExecuted, Result: "alarm " + alarm.ID + " set for " + fireAt.Format(time.RFC3339)}, nil
}

func (r *Router) cancelAlarm(ctx context.Context, block domain.ActionBlock) (Outcome, error) {
	id := block.Body
	if err := r.Store.CancelAlarm(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Outcome{Kind: OutcomeRejected, Reason: "no such alarm"}, nil
		}
		return Outcome{}, fmt.Errorf("cancel alarm: %w", err)
	}
	return Outcome{Kind: OutcomeExecuted, Result: "alarm " + id + " canceled"}, nil
}

func (r *Router) enqueue(ctx context.Context, origin Origin, block domain.ActionBlock) (domain.ApprovalItem, error) {
	var fieldsJSON string
	if len(block.Fields) > 0 {
		data, err := json.Marshal(block.Fields)
		if err != nil {
			return domain.ApprovalItem{}, fmt.Errorf("marshal fields: %w", err)
		}
		fieldsJSON = string(data)
	}
	item := domain.ApprovalItem{
		ID:         uuid.NewString(),
		ActionType: block.Type,
		Body:       block.Body,
		FieldsJSON: fieldsJSON,
		ChannelID:  origin.ChannelID,
		Status:     domain.ApprovalPending,
		CreatedAt:  r.now(),
	}
	if err := r.Store.InsertApproval(ctx, item); err != nil {
		return domain.ApprovalItem{}, err
	}
	return item, nil
}

// platformKey maps an action type to its text-limit config key.
func platformKey(t domain.ActionType) string {
	switch t {
	case domain.ActionPostX:
		return "x"
	case domain.ActionPostThreads:
		return "threads"
	case domain.ActionPostLinkedIn:
		return "linkedin"
	case domain.ActionPostInstagram:
		return "instagram"
	}
	return ""
}

// Truncate cuts text to limit runes, ending with an ellipsis when cut.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit == 1 {
		return "…"
	}
	return string(runes[:limit-1]) + "…"
}

// execute dispatches a state-changing action to its platform collaborator,
// with an audit entry before the call and an outcome annotation after.
func (r *Router) execute(ctx context.Context, actorID string, block domain.ActionBlock) (string, error) {
	platform, ok := r.Platforms[block.Type]
	if !ok || platform == nil {
		return "", fmt.Errorf("no collaborator configured for %s", block.Type)
	}
	text := block.Body
	if limit, ok := r.Policy.TextLimits[platformKey(block.Type)]; ok {
		text = Truncate(text, limit)
	}
	auditID, err := r.Audit.AppendNoTx(ctx, "action.dispatch", "action", string(block.Type), actorID, audit.Payload{
		"text": text,
	})
	if err != nil {
		r.logger().Printf("router: audit dispatch failed: %v", err)
	}
	res, err := platform.Post(ctx, text, block.Fields)
	if err != nil {
		if aerr := r.Audit.Annotate(ctx, auditID, "failed", audit.Payload{"error": err.Error()}); aerr != nil {
			r.logger().Printf("router: audit outcome failed: %v", aerr)
		}
		return "", fmt.Errorf("platform %s: %w", block.Type, err)
	}
	if aerr := r.Audit.Annotate(ctx, auditID, "success", audit.Payload{"post_id": res.PostID}); aerr != nil {
		r.logger().Printf("router: audit outcome failed: %v", aerr)
	}
	return res.PostID, nil
}

// ListPending returns items awaiting resolution, newest first.
func (r *Router) ListPending(ctx context.Context) ([]domain.ApprovalItem, error) {
	return r.Store.ListApprovals(ctx, domain.ApprovalPending)
}

// Approve resolves a pending item and executes its action. Calling it on an
// already-resolved item is a no-op that returns the existing state.
func (r *Router) Approve(ctx context.Context, id string) (domain.ApprovalItem, error) {
	item, err := r.Store.GetApproval(ctx, id)
	if err != nil {
		return domain.ApprovalItem{}, err
	}
	if item.Status.Resolved() {
		return item, nil
	}
	won, err := r.Store.ResolveApproval(ctx, id, domain.ApprovalApproved, "", r.now())
	if err != nil {
		return domain.ApprovalItem{}, err
	}
	if !won {
		// Another resolver got there first.
		return r.Store.GetApproval(ctx, id)
	}

	block := domain.ActionBlock{Type: item.ActionType, Body: item.Body}
	if item.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(item.FieldsJSON), &block.Fields); err != nil {
			r.logger().Printf("router: approval %s has bad fields json: %v", id, err)
		}
	}
	if _, err := r.execute(ctx, "approver", block); err != nil {
		if uerr := r.Store.MarkApprovalOutcome(ctx, id, domain.ApprovalFailed, err.Error()); uerr != nil {
			r.logger().Printf("router: mark approval failed: %v", uerr)
		}
		item, _ = r.Store.GetApproval(ctx, id)
		return item, err
	}
	if err := r.Store.MarkApprovalOutcome(ctx, id, domain.ApprovalPosted, ""); err != nil {
		r.logger().Printf("router: mark approval posted: %v", err)
	}
	return r.Store.GetApproval(ctx, id)
}

// Reject resolves a pending item without executing it. Idempotent like Approve.
func (r *Router) Reject(ctx context.Context, id string) (domain.ApprovalItem, error) {
	item, err := r.Store.GetApproval(ctx, id)
	if err != nil {
		return domain.ApprovalItem{}, err
	}
	if item.Status.Resolved() {
		return item, nil
	}
	if _, err := r.Store.ResolveApproval(ctx, id, domain.ApprovalRejected, "", r.now()); err != nil {
		return domain.ApprovalItem{}, err
	}
	return r.Store.GetApproval(ctx, id)
}
