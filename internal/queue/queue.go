// Package queue implements the fast store's lightweight queue primitive:
// LPUSH producers, BRPOP consumers. Used for submission jobs, timed-out
// attempts, and analytics deltas, each as its own named list.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/examattempts/engine/internal/fastkv"
)

type Queue struct {
	kv   *fastkv.Client
	name string
}

func New(kv *fastkv.Client, name string) *Queue {
	return &Queue{kv: kv, name: name}
}

func (q *Queue) Push(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return q.kv.LPush(ctx, q.name, string(b))
}

// Pop blocks up to timeout waiting for an item, returning ok=false on a
// timeout so callers can loop and check for shutdown between polls.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration, out any) (bool, error) {
	raw, ok, err := q.kv.BRPop(ctx, timeout, q.name)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}
