// Package identity maps an external principal id (as decoded from a bearer
// token) to the engine's internal userId. A short cache sits in front of
// the durable store; a cache-miss falls through rather than failing.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"

	"github.com/examattempts/engine/internal/fastkv"
)

var ErrUnknownPrincipal = errors.New("identity: unknown principal")

type Oracle struct {
	db    *sqlx.DB
	kv    *fastkv.Client
	ttl   time.Duration
	group singleflight.Group
}

func NewOracle(db *sqlx.DB, kv *fastkv.Client, ttl time.Duration) *Oracle {
	return &Oracle{db: db, kv: kv, ttl: ttl}
}

// Resolve returns the internal userId for an external principal id. Since
// this engine treats principals as pre-validated (authentication is out of
// scope), the "external id" and "internal userId" are the same value here;
// the cache still exists to avoid a row lookup on every request and to
// give concurrent lookups for the same principal a single flight.
func (o *Oracle) Resolve(ctx context.Context, externalID string) (string, error) {
	if cached, err := o.kv.Get(ctx, fastkv.IdentityKey(externalID)); err == nil && cached != "" {
		return cached, nil
	}

	v, err, _ := o.group.Do(externalID, func() (any, error) {
		var userID string
		err := o.db.QueryRowContext(ctx, o.db.Rebind(`SELECT id FROM users WHERE id = ?`), externalID).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			// Engine treats any previously-unseen principal as a new user
			// rather than rejecting it outright — identity provisioning is
			// the external auth layer's concern, not this engine's.
			if _, insertErr := o.db.ExecContext(ctx, o.db.Rebind(`INSERT INTO users (id, role) VALUES (?, 'student')`), externalID); insertErr != nil {
				return "", insertErr
			}
			userID = externalID
		} else if err != nil {
			return "", err
		}
		_ = o.kv.Set(ctx, fastkv.IdentityKey(externalID), userID, o.ttl)
		return userID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
