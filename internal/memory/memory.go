package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"smolclaw/internal/domain"
	"smolclaw/internal/store"
)

// Options tunes retention and mood behavior.
type Options struct {
	MaxDecisions       int
	MaxViolations      int
	DuplicateWindow    time.Duration
	DuplicateThreshold float64
	Baseline           float64
	DecayRate          float64
}

// summarizeBatch is how many of the oldest decisions get condensed into one
// summary row when the history overflows.
const summarizeBatch = 50

// Memory owns the hormone axes, the bounded decision history with duplicate
// suppression, and the violation log. All hormone mutation goes through the
// lock; persistence failures degrade to in-memory state for the cycle.
type Memory struct {
	Store  store.Store
	Opts   Options
	Now    func() time.Time
	Logger *log.Logger

	mu        sync.Mutex
	dopamine  float64
	cortisol  float64
	tickCount int
	loaded    bool
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) logger() *log.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.Default()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (m *Memory) loadLocked(ctx context.Context) {
	if m.loaded {
		return
	}
	m.loaded = true
	d, c, ticks, err := m.Store.LoadHormones(ctx)
	if err != nil {
		if err != store.ErrNotFound {
			m.logger().Printf("memory: load hormones failed, using baseline: %v", err)
		}
		m.dopamine = m.Opts.Baseline
		m.cortisol = m.Opts.Baseline
		return
	}
	m.dopamine = clamp01(d)
	m.cortisol = clamp01(c)
	m.tickCount = ticks
}

func (m *Memory) saveLocked(ctx context.Context) {
	if err := m.Store.SaveHormones(ctx, m.dopamine, m.cortisol, m.tickCount, m.now()); err != nil {
		m.logger().Printf("memory: save hormones failed, state held in memory: %v", err)
	}
}

// Decay moves both axes a fraction of the distance toward the baseline.
// Called once per decision cycle before event deltas apply.
func (m *Memory) Decay(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	base := m.Opts.Baseline
	m.dopamine = clamp01(m.dopamine + (base-m.dopamine)*m.Opts.DecayRate)
	m.cortisol = clamp01(m.cortisol + (base-m.cortisol)*m.Opts.DecayRate)
	m.tickCount++
	m.saveLocked(ctx)
}

// TriggerDopamine applies a positive-outcome delta, clamped to [0,1].
func (m *Memory) TriggerDopamine(ctx context.Context, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	m.dopamine = clamp01(m.dopamine + delta)
	m.saveLocked(ctx)
}

// TriggerCortisol applies a stress delta, clamped to [0,1].
func (m *Memory) TriggerCortisol(ctx context.Context, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	m.cortisol = clamp01(m.cortisol + delta)
	m.saveLocked(ctx)
}

// maxNudge bounds a single operator adjustment.
const maxNudge = 0.3

// Nudge applies an explicit operator adjustment to one axis, bounded to
// plus or minus maxNudge per call.
func (m *Memory) Nudge(ctx context.Context, axis string, delta float64) error {
	if delta > maxNudge {
		delta = maxNudge
	}
	if delta < -maxNudge {
		delta = -maxNudge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	switch axis {
	case "dopamine":
		m.dopamine = clamp01(m.dopamine + delta)
	case "cortisol":
		m.cortisol = clamp01(m.cortisol + delta)
	default:
		return fmt.Errorf("unknown hormone axis %q", axis)
	}
	m.saveLocked(ctx)
	return nil
}

// Snapshot returns the current mood. Energy derives from remaining day quota,
// supplied by the caller as a fraction consumed.
func (m *Memory) Snapshot(ctx context.Context, dayUsageFraction float64) domain.HormoneSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	energy := clamp01(1 - dayUsageFraction)
	return domain.HormoneSnapshot{
		Dopamine:  m.dopamine,
		Cortisol:  m.cortisol,
		Energy:    energy,
		TickCount: m.tickCount,
		Label:     moodLabel(m.dopamine, m.cortisol, energy),
	}
}

func moodLabel(dopamine, cortisol, energy float64) string {
	switch {
	case energy < 0.2:
		return "exhausted"
	case cortisol > 0.7:
		return "stressed"
	case dopamine > 0.7:
		return "energized"
	case cortisol > dopamine+0.15:
		return "cautious"
	case dopamine > cortisol+0.15:
		return "upbeat"
	default:
		return "steady"
	}
}

var positiveKeywords = []string{"success", "engagement", "liked", "popular", "growth", "completed"}
var negativeKeywords = []string{"error", "fail", "blocked", "rejected", "timeout", "crash"}

// Sentiment scans outcome text and returns the hormone deltas it implies:
// positive keywords reward dopamine, negative ones raise cortisol.
func Sentiment(text string) (dopamineDelta, cortisolDelta float64) {
	lower := strings.ToLower(text)
	for _, kw := range positiveKeywords {
		if strings.Contains(lower, kw) {
			dopamineDelta = 0.1
			break
		}
	}
	for _, kw := range negativeKeywords {
		if strings.Contains(lower, kw) {
			cortisolDelta = 0.15
			break
		}
	}
	return dopamineDelta, cortisolDelta
}

// Record appends a decision and enforces the retention bound: when the
// history exceeds the cap, the oldest summarizeBatch rows collapse into one
// summary row.
func (m *Memory) Record(ctx context.Context, d domain.Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now()
	}
	if err := m.Store.InsertDecision(ctx, d); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	count, err := m.Store.CountDecisions(ctx)
	if err != nil {
		m.logger().Printf("memory: count decisions failed: %v", err)
		return nil
	}
	if count <= m.Opts.MaxDecisions {
		return nil
	}
	return m.summarizeOldest(ctx)
}

func (m *Memory) summarizeOldest(ctx context.Context) error {
	oldest, err := m.Store.OldestDecisions(ctx, summarizeBatch)
	if err != nil {
		return fmt.Errorf("load oldest decisions: %w", err)
	}
	if len(oldest) == 0 {
		return nil
	}
	byAction := map[string]int{}
	ids := make([]string, 0, len(oldest))
	for _, d := range oldest {
		byAction[d.Action]++
		ids = append(ids, d.ID)
	}
	actions := make([]string, 0, len(byAction))
	for a := range byAction {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	parts := make([]string, 0, len(actions))
	mostCommon := ""
	best := 0
	for _, a := range actions {
		parts = append(parts, fmt.Sprintf("%s:%d", a, byAction[a]))
		if byAction[a] > best {
			best = byAction[a]
			mostCommon = a
		}
	}
	summary := domain.DecisionSummary{
		ID:           uuid.NewString(),
		Count:        len(oldest),
		ByAction:     strings.Join(parts, ", "),
		MostCommon:   mostCommon,
		OldestAt:     oldest[0].CreatedAt,
		NewestAt:     oldest[len(oldest)-1].CreatedAt,
		SummarizedAt: m.now(),
	}
	if err := m.Store.ReplaceWithSummary(ctx, ids, summary); err != nil {
		return fmt.Errorf("summarize decisions: %w", err)
	}
	return nil
}

// Recent returns the newest retained decisions for prompt context.
func (m *Memory) Recent(ctx context.Context, limit int) []domain.Decision {
	decisions, err := m.Store.RecentDecisions(ctx, limit)
	if err != nil {
		m.logger().Printf("memory: load recent decisions failed, using empty context: %v", err)
		return nil
	}
	return decisions
}

// IsDuplicate reports whether the candidate message is a near-duplicate of
// anything recorded inside the lookback window. Word-set overlap above the
// configured threshold counts as duplicate.
func (m *Memory) IsDuplicate(ctx context.Context, candidate string) bool {
	if strings.TrimSpace(candidate) == "" {
		return false
	}
	cutoff := m.now().Add(-m.Opts.DuplicateWindow)
	recent, err := m.Store.DecisionsSince(ctx, cutoff)
	if err != nil {
		m.logger().Printf("memory: duplicate check degraded, store read failed: %v", err)
		return false
	}
	candidateWords := wordSet(candidate)
	if len(candidateWords) == 0 {
		return false
	}
	for _, d := range recent {
		if d.Message == "" {
			continue
		}
		if similarity(candidateWords, wordSet(d.Message)) > m.Opts.DuplicateThreshold {
			return true
		}
	}
	return false
}

func wordSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// similarity is Jaccard overlap between two word sets.
func similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// RecordViolation appends to the violation log and trims it to its bound.
func (m *Memory) RecordViolation(ctx context.Context, v domain.Violation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.now()
	}
	if err := m.Store.InsertViolation(ctx, v); err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	if m.Opts.MaxViolations > 0 {
		if err := m.Store.TrimViolations(ctx, m.Opts.MaxViolations); err != nil {
			m.logger().Printf("memory: trim violations failed: %v", err)
		}
	}
	return nil
}

// PatternSummary condenses the last violations into a short line for prompts:
// targets or kinds that repeat are worth the model knowing about.
func (m *Memory) PatternSummary(ctx context.Context) string {
	violations, err := m.Store.RecentViolations(ctx, 20)
	if err != nil || len(violations) == 0 {
		return ""
	}
	kinds := map[string]int{}
	targets := map[string]int{}
	for _, v := range violations {
		kinds[v.Kind]++
		if v.Target != "" {
			targets[v.Target]++
		}
	}
	var parts []string
	if kind, n := maxEntry(kinds); n >= 3 {
		parts = append(parts, fmt.Sprintf("frequent violation kind %q (%d of last %d)", kind, n, len(violations)))
	}
	if target, n := maxEntry(targets); n >= 3 {
		parts = append(parts, fmt.Sprintf("repeatedly blocked target %q (%d times)", target, n))
	}
	return strings.Join(parts, "; ")
}

func maxEntry(counts map[string]int) (string, int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, bestN := "", 0
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best, bestN
}
