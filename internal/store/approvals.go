package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"smolclaw/internal/domain"
)

// InsertApproval stores a new pending item.
func (s Store) InsertApproval(ctx context.Context, item domain.ApprovalItem) error {
	if item.ID == "" {
		return errors.New("id required")
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO approvals(id,action_type,body,fields_json,channel_id,status,error,created_at,resolved_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		item.ID, string(item.ActionType), item.Body, nullable(item.FieldsJSON), item.ChannelID,
		string(item.Status), item.Error, formatTime(item.CreatedAt), nil)
	return err
}

func scanApproval(scan func(dest ...any) error) (domain.ApprovalItem, error) {
	var item domain.ApprovalItem
	var actionType, status, created string
	var fields, resolved sql.NullString
	err := scan(&item.ID, &actionType, &item.Body, &fields, &item.ChannelID, &status, &item.Error, &created, &resolved)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	item.ActionType = domain.ActionType(actionType)
	item.Status = domain.ApprovalStatus(status)
	if fields.Valid {
		item.FieldsJSON = fields.String
	}
	item.CreatedAt = parseTime(created)
	if resolved.Valid {
		t := parseTime(resolved.String)
		item.ResolvedAt = &t
	}
	return item, nil
}

const approvalColumns = `id,action_type,body,fields_json,channel_id,status,error,created_at,resolved_at`

// GetApproval returns one item by id.
func (s Store) GetApproval(ctx context.Context, id string) (domain.ApprovalItem, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id)
	return scanApproval(row.Scan)
}

// ListApprovals returns items, optionally filtered by status, newest first.
func (s Store) ListApprovals(ctx context.Context, status domain.ApprovalStatus) ([]domain.ApprovalItem, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ApprovalItem
	for rows.Next() {
		item, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ResolveApproval transitions a pending item to the given terminal status.
// It only touches rows still pending, so concurrent resolvers cannot double
// resolve; affected==0 with an existing row means already resolved.
func (s Store) ResolveApproval(ctx context.Context, id string, status domain.ApprovalStatus, errMsg string, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE approvals SET status=?, error=?, resolved_at=? WHERE id=? AND status=?`,
		string(status), errMsg, formatTime(now), id, string(domain.ApprovalPending))
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// MarkApprovalOutcome updates an approved item after execution completes.
func (s Store) MarkApprovalOutcome(ctx context.Context, id string, status domain.ApprovalStatus, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE approvals SET status=?, error=? WHERE id=?`, string(status), errMsg, id)
	return err
}

// CountPendingApprovals returns the number of items awaiting resolution.
func (s Store) CountPendingApprovals(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals WHERE status=?`, string(domain.ApprovalPending)).Scan(&n)
	return n, err
}
