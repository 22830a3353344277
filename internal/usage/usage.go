package usage

import (
	"context"
	"log"
	"sync"
	"time"

	"smolclaw/internal/domain"
	"smolclaw/internal/store"
)

// DenyReason is the typed explanation for a refused admission.
type DenyReason string

const (
	DenyCooldown    DenyReason = "cooldown"
	DenyMinuteLimit DenyReason = "minute_limit"
	DenyHourLimit   DenyReason = "hour_limit"
	DenyDayLimit    DenyReason = "day_limit"
	DenyPaused      DenyReason = "paused"
)

// Verdict is the result of one admission check.
type Verdict struct {
	Allowed bool
	Reason  DenyReason
}

// Limits carries the configured ceilings and spacing.
type Limits struct {
	PerMinute           int
	PerHour             int
	PerDay              int
	Cooldown            time.Duration
	WarningThresholdPct int
}

// Tracker is the single chokepoint every expensive model call passes through.
// Admission and recording happen under one lock, so two overlapping checks can
// never both take the last slot.
type Tracker struct {
	Store  store.Store
	Limits Limits
	Now    func() time.Time
	Logger *log.Logger
	// Warn is invoked once per threshold crossing per scope.
	Warn func(scope domain.UsageScope, used, ceiling int)

	mu       sync.Mutex
	calls    []time.Time
	paused   bool
	lastCall *time.Time
	warned   map[domain.UsageScope]bool
	loaded   bool
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) logger() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return log.Default()
}

// load restores persisted counters. A failed read degrades to an empty
// in-memory state rather than blocking admission forever.
func (t *Tracker) load(ctx context.Context) {
	if t.loaded {
		return
	}
	t.loaded = true
	t.warned = map[domain.UsageScope]bool{}
	now := t.now()
	calls, err := t.Store.CallTimes(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.logger().Printf("usage: load call history failed, starting empty: %v", err)
	} else {
		t.calls = calls
	}
	paused, lastCall, err := t.Store.LoadUsageState(ctx)
	if err != nil && err != store.ErrNotFound {
		t.logger().Printf("usage: load state failed, starting default: %v", err)
		return
	}
	t.paused = paused
	t.lastCall = lastCall
}

func (t *Tracker) countSince(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, c := range t.calls {
		if !c.Before(cutoff) {
			n++
		}
	}
	return n
}

// Admit checks every window plus the cooldown and, when allowed, records the
// call atomically. Denials carry a typed reason; the caller skips the cycle
// and never retries immediately.
func (t *Tracker) Admit(ctx context.Context) Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.load(ctx)
	now := t.now()

	if t.paused {
		return Verdict{Reason: DenyPaused}
	}
	if t.lastCall != nil && now.Sub(*t.lastCall) < t.Limits.Cooldown {
		return Verdict{Reason: DenyCooldown}
	}
	if t.countSince(now, time.Minute) >= t.Limits.PerMinute {
		return Verdict{Reason: DenyMinuteLimit}
	}
	if t.countSince(now, time.Hour) >= t.Limits.PerHour {
		return Verdict{Reason: DenyHourLimit}
	}
	if t.countSince(now, 24*time.Hour) >= t.Limits.PerDay {
		return Verdict{Reason: DenyDayLimit}
	}

	t.calls = append(t.calls, now)
	t.lastCall = &now
	if err := t.Store.RecordCall(ctx, now); err != nil {
		t.logger().Printf("usage: persist call failed, quota held in memory only: %v", err)
	}
	t.pruneLocked(ctx, now)
	t.checkWarnings(now)
	return Verdict{Allowed: true}
}

func (t *Tracker) pruneLocked(ctx context.Context, now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := t.calls[:0]
	for _, c := range t.calls {
		if !c.Before(cutoff) {
			kept = append(kept, c)
		}
	}
	t.calls = kept
	if err := t.Store.PruneCalls(ctx, cutoff); err != nil {
		t.logger().Printf("usage: prune failed: %v", err)
	}
}

// checkWarnings fires the side-channel warning once per crossing, rearming
// when usage falls back under the threshold.
func (t *Tracker) checkWarnings(now time.Time) {
	if t.Limits.WarningThresholdPct <= 0 || t.Warn == nil {
		return
	}
	scopes := []struct {
		scope   domain.UsageScope
		used    int
		ceiling int
	}{
		{domain.ScopeMinute, t.countSince(now, time.Minute), t.Limits.PerMinute},
		{domain.ScopeHour, t.countSince(now, time.Hour), t.Limits.PerHour},
		{domain.ScopeDay, t.countSince(now, 24*time.Hour), t.Limits.PerDay},
	}
	for _, s := range scopes {
		over := s.used*100 >= s.ceiling*t.Limits.WarningThresholdPct
		if over && !t.warned[s.scope] {
			t.warned[s.scope] = true
			t.Warn(s.scope, s.used, s.ceiling)
		} else if !over && t.warned[s.scope] {
			t.warned[s.scope] = false
		}
	}
}

// Status returns a snapshot for the reporting surfaces. Read-only; never
// mutates counters.
func (t *Tracker) Status(ctx context.Context) domain.UsageStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.load(ctx)
	now := t.now()
	return domain.UsageStatus{
		MinuteUsed:    t.countSince(now, time.Minute),
		MinuteCeiling: t.Limits.PerMinute,
		HourUsed:      t.countSince(now, time.Hour),
		HourCeiling:   t.Limits.PerHour,
		DayUsed:       t.countSince(now, 24*time.Hour),
		DayCeiling:    t.Limits.PerDay,
		Paused:        t.paused,
		LastCallAt:    t.lastCall,
	}
}

// Pause flips the operator switch. Persisted so restarts keep it.
func (t *Tracker) Pause(ctx context.Context, paused bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.load(ctx)
	t.paused = paused
	return t.Store.SetPaused(ctx, paused)
}

// DayUsageFraction reports day-window consumption in [0,1] for the energy axis.
func (t *Tracker) DayUsageFraction(ctx context.Context) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.load(ctx)
	if t.Limits.PerDay <= 0 {
		return 0
	}
	f := float64(t.countSince(t.now(), 24*time.Hour)) / float64(t.Limits.PerDay)
	if f > 1 {
		f = 1
	}
	return f
}
