package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"smolclaw/internal/domain"
)

// Writer appends to the audit_log table. Entries are append-only; nothing
// in the process updates or deletes them.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Clock exposes the writer's time source so callers stamping related records
// stay on the same clock.
func (w Writer) Clock() time.Time { return w.now() }

// Append writes one entry inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entryType, entityKind, entityID, actorID string, payload Payload) (string, error) {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal audit payload: %w", err)
	}
	id := uuid.NewString()
	ts := w.now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_log(id,type,entity_kind,entity_id,actor_id,payload,created_at) VALUES (?,?,?,?,?,?,?)`,
		id, entryType, nullable(entityKind), nullable(entityID), nullable(actorID), string(data), ts)
	if err != nil {
		return "", err
	}
	return id, nil
}

// AppendNoTx writes one entry in its own implicit transaction. Used by paths
// that have no surrounding mutation, e.g. rejected-route audit trails.
func (w Writer) AppendNoTx(ctx context.Context, entryType, entityKind, entityID, actorID string, payload Payload) (string, error) {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	id, err := w.Append(ctx, tx, entryType, entityKind, entityID, actorID, payload)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Annotate appends an outcome entry referencing an earlier one. The original
// entry is never modified.
func (w Writer) Annotate(ctx context.Context, refID, outcome string, payload Payload) error {
	if payload == nil {
		payload = Payload{}
	}
	payload["ref"] = refID
	payload["outcome"] = outcome
	_, err := w.AppendNoTx(ctx, "action.outcome", "", "", "", payload)
	return err
}

// Latest returns the newest entries, optionally filtered by type.
func (w Writer) Latest(ctx context.Context, limit int, entryType string) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,type,COALESCE(entity_kind,''),COALESCE(entity_id,''),COALESCE(actor_id,''),COALESCE(payload,''),created_at FROM audit_log`
	var args []any
	if entryType != "" {
		query += ` WHERE type=?`
		args = append(args, entryType)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
