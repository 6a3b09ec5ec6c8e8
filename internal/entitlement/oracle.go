// Package entitlement implements the boolean capability oracle gating
// premium exams. A cache-read error must never be treated as access
// granted: on any uncertainty the oracle re-queries the durable store.
package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/examattempts/engine/internal/fastkv"
)

type Oracle struct {
	db  *sqlx.DB
	kv  *fastkv.Client
	ttl time.Duration
}

func NewOracle(db *sqlx.DB, kv *fastkv.Client, ttl time.Duration) *Oracle {
	return &Oracle{db: db, kv: kv, ttl: ttl}
}

// HasAccess implements the (userId, examId) -> {hasAccess} contract.
func (o *Oracle) HasAccess(ctx context.Context, userID, examID string) (bool, error) {
	key := fastkv.EntitlementKey(userID, examID)
	if cached, err := o.kv.Get(ctx, key); err == nil && cached != "" {
		return cached == "1", nil
	}

	var n int
	err := o.db.QueryRowContext(ctx, o.db.Rebind(`
		SELECT 1 FROM exam_owners WHERE user_id = ? AND exam_id = ?`), userID, examID).Scan(&n)
	access := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		access = false
	case err != nil:
		// A durable-store error here must not be treated as access granted;
		// propagate it so the caller fails the start request rather than
		// silently admitting an unentitled candidate.
		return false, err
	}

	val := "0"
	if access {
		val = "1"
	}
	_ = o.kv.Set(ctx, key, val, o.ttl)
	return access, nil
}
