package store

import (
	"context"
	"errors"
	"time"

	"smolclaw/internal/domain"
)

// InsertAlarm stores a scheduled alarm.
func (s Store) InsertAlarm(ctx context.Context, a domain.Alarm) error {
	if a.ID == "" {
		return errors.New("id required")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO alarms(id,fire_at,message,channel_id,fired,created_at) VALUES (?,?,?,?,0,?)`,
		a.ID, formatTime(a.FireAt), a.Message, a.ChannelID, formatTime(a.CreatedAt))
	return err
}

// DueAlarms returns unfired alarms whose fire time has passed, oldest first.
func (s Store) DueAlarms(ctx context.Context, now time.Time) ([]domain.Alarm, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,fire_at,message,channel_id,fired,created_at FROM alarms WHERE fired=0 AND fire_at<=? ORDER BY fire_at ASC`,
		formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Alarm
	for rows.Next() {
		var a domain.Alarm
		var fireAt, created string
		var fired int
		if err := rows.Scan(&a.ID, &fireAt, &a.Message, &a.ChannelID, &fired, &created); err != nil {
			return nil, err
		}
		a.FireAt = parseTime(fireAt)
		a.CreatedAt = parseTime(created)
		a.Fired = fired != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAlarmFired flags an alarm so it fires only once.
func (s Store) MarkAlarmFired(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE alarms SET fired=1 WHERE id=?`, id)
	return err
}

// CancelAlarm removes an unfired alarm by id. Returns ErrNotFound when no
// matching unfired alarm exists.
func (s Store) CancelAlarm(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM alarms WHERE id=? AND fired=0`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAlarms returns all alarms, soonest first.
func (s Store) ListAlarms(ctx context.Context) ([]domain.Alarm, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,fire_at,message,channel_id,fired,created_at FROM alarms ORDER BY fire_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Alarm
	for rows.Next() {
		var a domain.Alarm
		var fireAt, created string
		var fired int
		if err := rows.Scan(&a.ID, &fireAt, &a.Message, &a.ChannelID, &fired, &created); err != nil {
			return nil, err
		}
		a.FireAt = parseTime(fireAt)
		a.CreatedAt = parseTime(created)
		a.Fired = fired != 0
		out = append(out, a)
	}
	return out, rows.Err()
}
