package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"smolclaw/internal/domain"
	"smolclaw/internal/memory"
	"smolclaw/internal/parser"
	"smolclaw/internal/queue"
	"smolclaw/internal/router"
	"smolclaw/internal/session"
	"smolclaw/internal/usage"
)

// Phase is the decision loop state. Exactly one cycle runs at a time.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAdmitting Phase = "admitting"
	PhaseDeciding  Phase = "deciding"
	PhaseRouting   Phase = "routing"
	PhaseRecording Phase = "recording"
)

// Request is one reasoning invocation. SystemContext is only populated on the
// first call of a session; later calls ride the established conversation.
type Request struct {
	Session       session.Handle
	SystemContext string
	Prompt        string
}

// Reasoner is the external model collaborator. Failures surface as a failed
// cycle, never a crash.
type Reasoner interface {
	Decide(ctx context.Context, req Request) (string, error)
}

// Notifier delivers user-facing messages and side-channel warnings.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Options carries loop tuning read from config at startup.
type Options struct {
	CheckInterval    time.Duration
	FallbackInterval time.Duration
	MaxActions       int
	OwnChannelID     string
	Persona          string
}

// Engine drives the Idle/Admitting/Deciding/Routing/Recording cycle over the
// event queue. Single consumer; producers feed the queue concurrently.
type Engine struct {
	Queue    *queue.Queue
	Usage    *usage.Tracker
	Sessions *session.Manager
	Memory   *memory.Memory
	Router   *router.Router
	Reasoner Reasoner
	Notifier Notifier
	Opts     Options
	Now      func() time.Time
	Logger   *log.Logger

	mu       sync.Mutex
	phase    Phase
	activity chan struct{}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// State reports the current loop phase for the status surface.
func (e *Engine) State() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == "" {
		return PhaseIdle
	}
	return e.phase
}

// Run consumes the queue until ctx is canceled or the queue closes. It also
// starts the tick and idle-fallback producers.
func (e *Engine) Run(ctx context.Context) error {
	e.activity = make(chan struct{}, 1)
	if e.Opts.CheckInterval > 0 {
		go e.runTicker(ctx)
	}
	if e.Opts.FallbackInterval > 0 {
		go e.runFallback(ctx)
	}
	for {
		e.setPhase(PhaseIdle)
		evt, err := e.Queue.Next(ctx)
		if err != nil {
			if err == queue.ErrClosed || ctx.Err() != nil {
				return nil
			}
			return err
		}
		e.touchActivity()
		e.Cycle(ctx, evt)
	}
}

func (e *Engine) touchActivity() {
	select {
	case e.activity <- struct{}{}:
	default:
	}
}

func (e *Engine) runTicker(ctx context.Context) {
	ticker := time.NewTicker(e.Opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.FireDueAlarms(ctx)
			_ = e.Queue.Publish(domain.Event{Kind: domain.EventTimer, Payload: "periodic check", ReceivedAt: e.now()})
		}
	}
}

// runFallback injects a synthetic timer event after a long idle stretch so
// the loop never starves without external stimuli.
func (e *Engine) runFallback(ctx context.Context) {
	timer := time.NewTimer(e.Opts.FallbackInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.Opts.FallbackInterval)
		case <-timer.C:
			_ = e.Queue.Publish(domain.Event{Kind: domain.EventTimer, Payload: "idle fallback", ReceivedAt: e.now()})
			timer.Reset(e.Opts.FallbackInterval)
		}
	}
}

// FireDueAlarms converts due alarms into message events. Alarm text is
// untrusted at this point; it gets stripped before reaching a prompt.
func (e *Engine) FireDueAlarms(ctx context.Context) {
	if e.Router == nil {
		return
	}
	due, err := e.Router.Store.DueAlarms(ctx, e.now())
	if err != nil {
		e.logger().Printf("engine: load due alarms failed: %v", err)
		return
	}
	for _, alarm := range due {
		if err := e.Router.Store.MarkAlarmFired(ctx, alarm.ID); err != nil {
			e.logger().Printf("engine: mark alarm fired failed: %v", err)
			continue
		}
		_ = e.Queue.Publish(domain.Event{
			Kind:       domain.EventMessage,
			Payload:    "alarm: " + parser.StripActions(alarm.Message),
			ChannelID:  alarm.ChannelID,
			ReceivedAt: e.now(),
		})
	}
}

// decisionPayload is the JSON contract with the reasoning collaborator.
type decisionPayload struct {
	Action    string `json:"action"`
	Message   string `json:"message"`
	Reasoning string `json:"reasoning"`
}

// extractDecision pulls the decision JSON out of free-form model output:
// a ```json fence wins, otherwise the outermost brace span. Unparseable
// output degrades to action "none".
func extractDecision(text string) decisionPayload {
	candidate := ""
	if start := strings.Index(text, "```json"); start >= 0 {
		rest := text[start+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate = rest[:end]
		}
	}
	if candidate == "" {
		if start := strings.Index(text, "{"); start >= 0 {
			if end := strings.LastIndex(text, "}"); end > start {
				candidate = text[start : end+1]
			}
		}
	}
	var payload decisionPayload
	if candidate == "" || json.Unmarshal([]byte(strings.TrimSpace(candidate)), &payload) != nil {
		return decisionPayload{Action: "none", Reasoning: "unparseable model output"}
	}
	if payload.Action == "" {
		payload.Action = "none"
	}
	return payload
}

func (e *Engine) sessionKey(evt domain.Event) string {
	if evt.ChannelID != "" {
		return evt.ChannelID
	}
	return "agent"
}

func (e *Engine) originFor(evt domain.Event) router.Origin {
	channel := evt.ChannelID
	if channel == "" {
		channel = e.Opts.OwnChannelID
	}
	return router.Origin{ChannelID: channel, ActorID: "agent"}
}

func (e *Engine) record(ctx context.Context, action, message, reasoning string) {
	if err := e.Memory.Record(ctx, domain.Decision{
		Action:    action,
		Message:   message,
		Reasoning: reasoning,
		CreatedAt: e.now(),
	}); err != nil {
		e.logger().Printf("engine: record decision failed: %v", err)
	}
}

// Cycle runs one full decision pass for a single event.
func (e *Engine) Cycle(ctx context.Context, evt domain.Event) {
	e.setPhase(PhaseAdmitting)
	verdict := e.Usage.Admit(ctx)
	if !verdict.Allowed {
		e.setPhase(PhaseRecording)
		e.record(ctx, "skipped", "", fmt.Sprintf("admission denied: %s", verdict.Reason))
		e.Memory.TriggerCortisol(ctx, 0.05)
		e.setPhase(PhaseIdle)
		return
	}

	e.setPhase(PhaseDeciding)
	e.Memory.Decay(ctx)
	handle := e.Sessions.Acquire(e.sessionKey(evt))
	req := Request{
		Session: handle,
		Prompt:  e.buildPrompt(ctx, evt),
	}
	if handle.FirstCall {
		req.SystemContext = e.buildSystemContext(ctx)
	}
	text, err := e.Reasoner.Decide(ctx, req)
	if err != nil {
		e.setPhase(PhaseRecording)
		e.record(ctx, "failed", "", fmt.Sprintf("reasoning call failed: %v", err))
		e.Memory.TriggerCortisol(ctx, 0.15)
		e.setPhase(PhaseIdle)
		return
	}

	decision := extractDecision(text)
	if decision.Message != "" && e.Memory.IsDuplicate(ctx, decision.Message) {
		e.setPhase(PhaseRecording)
		e.record(ctx, "skipped", decision.Message, "duplicate notification (sent within 24h)")
		e.Memory.TriggerCortisol(ctx, 0.05)
		if err := e.Memory.RecordViolation(ctx, domain.Violation{
			Kind: "duplicate_suppressed", Reason: "near-duplicate of recent notification", Blocked: true,
		}); err != nil {
			e.logger().Printf("engine: record duplicate violation failed: %v", err)
		}
		e.setPhase(PhaseIdle)
		return
	}

	e.setPhase(PhaseRouting)
	acted := false
	failed := false
	blocks, parseErrs := parser.Parse(text, e.Opts.MaxActions)
	for _, perr := range parseErrs {
		e.logger().Printf("engine: %v", perr)
	}
	origin := e.originFor(evt)
	for _, block := range blocks {
		outcome, err := e.Router.Route(ctx, origin, block)
		if err != nil {
			e.logger().Printf("engine: route %s failed: %v", block.Type, err)
			failed = true
			continue
		}
		switch outcome.Kind {
		case router.OutcomeExecuted:
			acted = true
		case router.OutcomeQueued:
			e.logger().Printf("engine: %s queued for approval as %s", block.Type, outcome.Approval.ID)
		}
	}

	if decision.Action == "notify" && decision.Message != "" && e.Notifier != nil {
		if err := e.Notifier.Notify(ctx, decision.Message); err != nil {
			e.logger().Printf("engine: notify failed: %v", err)
			failed = true
		}
	}

	e.setPhase(PhaseRecording)
	e.record(ctx, decision.Action, decision.Message, decision.Reasoning)
	dDelta, cDelta := memory.Sentiment(text)
	if dDelta > 0 {
		e.Memory.TriggerDopamine(ctx, dDelta)
	} else if acted {
		e.Memory.TriggerDopamine(ctx, 0.05)
	}
	if failed {
		e.Memory.TriggerCortisol(ctx, 0.15)
	} else if cDelta > 0 {
		e.Memory.TriggerCortisol(ctx, cDelta)
	}
	e.setPhase(PhaseIdle)
}

// buildSystemContext assembles the fixed context sent once per session.
func (e *Engine) buildSystemContext(ctx context.Context) string {
	var b strings.Builder
	if e.Opts.Persona != "" {
		b.WriteString(e.Opts.Persona)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond with a JSON object {\"action\",\"message\",\"reasoning\"} where action is one of none, notify, suggest, remind. ")
	b.WriteString("To request an operation, emit an [ACTION:TYPE]...[/ACTION] block.\n")
	if summaries, err := e.Memory.Store.ListSummaries(ctx); err == nil && len(summaries) > 0 {
		b.WriteString(fmt.Sprintf("\nOlder history: %d summarized batches, most recent pattern %q.\n",
			len(summaries), summaries[0].MostCommon))
	}
	if pattern := e.Memory.PatternSummary(ctx); pattern != "" {
		b.WriteString("\nGuardrail patterns: " + pattern + "\n")
	}
	return b.String()
}

// buildPrompt renders the per-cycle context. Event payloads are untrusted
// and pass through the action-block stripper before prompt insertion.
func (e *Engine) buildPrompt(ctx context.Context, evt domain.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s at %s\n", evt.Kind, evt.ReceivedAt.Format(time.RFC3339))
	if evt.Payload != "" {
		fmt.Fprintf(&b, "Detail: %s\n", parser.EscapeMentions(parser.StripActions(evt.Payload)))
	}
	snap := e.Memory.Snapshot(ctx, e.Usage.DayUsageFraction(ctx))
	fmt.Fprintf(&b, "Mood: %s (dopamine %.2f, cortisol %.2f, energy %.2f)\n",
		snap.Label, snap.Dopamine, snap.Cortisol, snap.Energy)
	recent := e.Memory.Recent(ctx, 5)
	if len(recent) > 0 {
		b.WriteString("Recent decisions:\n")
		for _, d := range recent {
			fmt.Fprintf(&b, "- %s: %s\n", d.Action, firstLine(d.Message))
		}
	}
	b.WriteString("Decide whether to act now.")
	return b.String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
