// Package lock implements the named advisory locks that guard exactly-once
// submission grading and serialized admin operations. A lock is a fast-store
// NX key with a TTL: whoever sets it first owns it until it expires or is
// explicitly released.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/examattempts/engine/internal/fastkv"
)

var ErrNotAcquired = errors.New("lock: could not acquire")

type Manager struct {
	kv *fastkv.Client
}

func NewManager(kv *fastkv.Client) *Manager {
	return &Manager{kv: kv}
}

// Handle identifies a held lock so Release can verify ownership before
// deleting it.
type Handle struct {
	key   string
	token string
}

// Acquire attempts to set key with a TTL, making up to 3 attempts with
// 100ms*2^n backoff between them before giving up. Bounded retries keep
// a contended lock from holding up a request indefinitely.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	token := uuid.NewString()
	const maxAttempts = 3
	backoff := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ok, err := m.kv.SetNX(ctx, key, token, ttl)
		if err != nil {
			lastErr = err
		} else if ok {
			return &Handle{key: key, token: token}, nil
		}

		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if lastErr != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, lastErr)
	}
	return nil, ErrNotAcquired
}

// Release deletes the lock key only if it still holds this handle's token,
// so an expired-then-reacquired lock is never torn down by its former owner.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	_, err := m.kv.CompareAndDelete(ctx, h.key, h.token)
	return err
}

// WithLock runs fn while holding key, releasing it afterward regardless of
// fn's outcome.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	h, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer m.Release(context.WithoutCancel(ctx), h)
	return fn(ctx)
}
