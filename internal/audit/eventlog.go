// Package audit is the append-only trail for admin operations: force
// completion, recalculation, and deletion. Adapted from the teacher's
// cross-site event log — same append/list-after shape, repurposed here for
// a single-site audit trail instead of multi-site sync.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
)

type EventType string

const (
	EventForceCompleted EventType = "attempt.force_completed"
	EventRecalculated   EventType = "attempt.recalculated"
	EventDeleted        EventType = "attempt.deleted"
)

type Event struct {
	Offset    int64     `json:"offset"`
	Type      EventType `json:"type"`
	Key       string    `json:"key"` // attemptId
	Data      []byte    `json:"data"`
	CreatedAt int64     `json:"createdAt"`
}

type Repo interface {
	Append(ctx context.Context, ev Event) error
	ListAfter(ctx context.Context, after int64, limit int) ([]Event, error)
}

type SQLRepo struct {
	db *sqlx.DB
}

func NewSQLRepo(db *sqlx.DB) *SQLRepo { return &SQLRepo{db: db} }

// AppendAdminAction records an admin operation against attemptID, with an
// arbitrary JSON-serializable payload (principal id, prior status, reason).
func (r *SQLRepo) AppendAdminAction(ctx context.Context, typ EventType, attemptID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.Append(ctx, Event{Type: typ, Key: attemptID, Data: data, CreatedAt: time.Now().Unix()})
}

func (r *SQLRepo) Append(ctx context.Context, ev Event) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO event_log (site_id, typ, key, data, created_at) VALUES (?, ?, ?, ?, ?)`),
		"local", string(ev.Type), ev.Key, string(ev.Data), ev.CreatedAt)
	return err
}

func (r *SQLRepo) ListAfter(ctx context.Context, after int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT offset, typ, key, data, created_at FROM event_log
		WHERE offset > ? ORDER BY offset ASC LIMIT ?`), after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var data string
		if err := rows.Scan(&ev.Offset, &ev.Type, &ev.Key, &data, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Data = []byte(data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

var _ Repo = (*SQLRepo)(nil)
