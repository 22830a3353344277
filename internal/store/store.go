package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"smolclaw/internal/domain"
)

// Store wraps the SQLite database. Each entity group lives in its own file;
// a failure reading one table must not prevent the others from being used,
// so callers treat per-call errors as degradable, not fatal.
type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows may carry second precision.
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// InsertDecision appends one decision row.
func (s Store) InsertDecision(ctx context.Context, d domain.Decision) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO decisions(id,action,message,reasoning,created_at) VALUES (?,?,?,?,?)`,
		d.ID, d.Action, d.Message, d.Reasoning, formatTime(d.CreatedAt))
	return err
}

// DecisionsSince returns decisions recorded at or after the cutoff, oldest first.
func (s Store) DecisionsSince(ctx context.Context, cutoff time.Time) ([]domain.Decision, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,action,message,reasoning,created_at FROM decisions WHERE created_at>=? ORDER BY created_at ASC`,
		formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// RecentDecisions returns the newest decisions, newest first.
func (s Store) RecentDecisions(ctx context.Context, limit int) ([]domain.Decision, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,action,message,reasoning,created_at FROM decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// OldestDecisions returns the oldest decisions, oldest first.
func (s Store) OldestDecisions(ctx context.Context, limit int) ([]domain.Decision, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,action,message,reasoning,created_at FROM decisions ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDecisions(rows)
}

func scanDecisions(rows *sql.Rows) ([]domain.Decision, error) {
	var out []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var ts string
		if err := rows.Scan(&d.ID, &d.Action, &d.Message, &d.Reasoning, &ts); err != nil {
			return nil, err
		}
		d.CreatedAt = parseTime(ts)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDecisions returns the number of retained decision rows.
func (s Store) CountDecisions(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&n)
	return n, err
}

// ReplaceWithSummary deletes the given decision rows and writes the summary in
// one transaction, so a crash never loses history without the summary landing.
func (s Store) ReplaceWithSummary(ctx context.Context, ids []string, summary domain.DecisionSummary) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM decisions WHERE id=?`, id); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO decision_summaries(id,count,by_action,most_common,oldest_at,newest_at,summarized_at) VALUES (?,?,?,?,?,?,?)`,
		summary.ID, summary.Count, summary.ByAction, summary.MostCommon,
		formatTime(summary.OldestAt), formatTime(summary.NewestAt), formatTime(summary.SummarizedAt))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ListSummaries returns decision summaries, newest first.
func (s Store) ListSummaries(ctx context.Context) ([]domain.DecisionSummary, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,count,by_action,most_common,oldest_at,newest_at,summarized_at FROM decision_summaries ORDER BY summarized_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DecisionSummary
	for rows.Next() {
		var sm domain.DecisionSummary
		var oldest, newest, at string
		if err := rows.Scan(&sm.ID, &sm.Count, &sm.ByAction, &sm.MostCommon, &oldest, &newest, &at); err != nil {
			return nil, err
		}
		sm.OldestAt = parseTime(oldest)
		sm.NewestAt = parseTime(newest)
		sm.SummarizedAt = parseTime(at)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// InsertViolation appends one violation row.
func (s Store) InsertViolation(ctx context.Context, v domain.Violation) error {
	blocked := 0
	if v.Blocked {
		blocked = 1
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO violations(id,kind,target,reason,blocked,created_at) VALUES (?,?,?,?,?,?)`,
		v.ID, v.Kind, v.Target, v.Reason, blocked, formatTime(v.CreatedAt))
	return err
}

// RecentViolations returns the newest violations, newest first.
func (s Store) RecentViolations(ctx context.Context, limit int) ([]domain.Violation, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,kind,target,reason,blocked,created_at FROM violations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Violation
	for rows.Next() {
		var v domain.Violation
		var blocked int
		var ts string
		if err := rows.Scan(&v.ID, &v.Kind, &v.Target, &v.Reason, &blocked, &ts); err != nil {
			return nil, err
		}
		v.Blocked = blocked != 0
		v.CreatedAt = parseTime(ts)
		out = append(out, v)
	}
	return out, rows.Err()
}

// TrimViolations deletes the oldest rows beyond max.
func (s Store) TrimViolations(ctx context.Context, max int) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM violations WHERE id IN (
		SELECT id FROM violations ORDER BY created_at DESC LIMIT -1 OFFSET ?)`, max)
	return err
}

// LoadHormones reads the singleton hormone row. ErrNotFound means never saved.
func (s Store) LoadHormones(ctx context.Context) (dopamine, cortisol float64, ticks int, err error) {
	row := s.DB.QueryRowContext(ctx, `SELECT dopamine,cortisol,tick_count FROM hormones WHERE id=1`)
	err = row.Scan(&dopamine, &cortisol, &ticks)
	if err == sql.ErrNoRows {
		return 0, 0, 0, ErrNotFound
	}
	return dopamine, cortisol, ticks, err
}

// SaveHormones upserts the singleton hormone row.
func (s Store) SaveHormones(ctx context.Context, dopamine, cortisol float64, ticks int, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO hormones(id,dopamine,cortisol,tick_count,updated_at) VALUES (1,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET dopamine=excluded.dopamine,cortisol=excluded.cortisol,tick_count=excluded.tick_count,updated_at=excluded.updated_at`,
		dopamine, cortisol, ticks, formatTime(now))
	return err
}
