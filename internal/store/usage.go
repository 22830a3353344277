package store

import (
	"context"
	"database/sql"
	"time"
)

// RecordCall appends one admitted-call timestamp and updates the cooldown
// marker in the same transaction.
func (s Store) RecordCall(ctx context.Context, at time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ts := formatTime(at)
	if _, err := tx.ExecContext(ctx, `INSERT INTO usage_calls(called_at) VALUES (?)`, ts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO usage_state(id,paused,last_call_at) VALUES (1,0,?)
		ON CONFLICT(id) DO UPDATE SET last_call_at=excluded.last_call_at`, ts); err != nil {
		return err
	}
	return tx.Commit()
}

// CallTimes returns admitted-call timestamps at or after the cutoff, oldest first.
func (s Store) CallTimes(ctx context.Context, cutoff time.Time) ([]time.Time, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT called_at FROM usage_calls WHERE called_at>=? ORDER BY called_at ASC`, formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, parseTime(ts))
	}
	return out, rows.Err()
}

// PruneCalls drops timestamps older than the cutoff.
func (s Store) PruneCalls(ctx context.Context, cutoff time.Time) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM usage_calls WHERE called_at<?`, formatTime(cutoff))
	return err
}

// LoadUsageState reads the paused flag and last-call marker.
// ErrNotFound means the tracker has never recorded a call or pause.
func (s Store) LoadUsageState(ctx context.Context) (paused bool, lastCall *time.Time, err error) {
	var p int
	var last sql.NullString
	row := s.DB.QueryRowContext(ctx, `SELECT paused,last_call_at FROM usage_state WHERE id=1`)
	err = row.Scan(&p, &last)
	if err == sql.ErrNoRows {
		return false, nil, ErrNotFound
	}
	if err != nil {
		return false, nil, err
	}
	if last.Valid {
		t := parseTime(last.String)
		lastCall = &t
	}
	return p != 0, lastCall, nil
}

// SetPaused flips the operator pause switch.
func (s Store) SetPaused(ctx context.Context, paused bool) error {
	p := 0
	if paused {
		p = 1
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO usage_state(id,paused,last_call_at) VALUES (1,?,NULL)
		ON CONFLICT(id) DO UPDATE SET paused=excluded.paused`, p)
	return err
}
