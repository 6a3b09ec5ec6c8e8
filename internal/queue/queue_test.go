package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/fastkv"
	"github.com/examattempts/engine/internal/queue"
)

type job struct {
	AttemptID string `json:"attemptId"`
}

func newQueueHarness(t *testing.T) *fastkv.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return fastkv.New(fastkv.Config{Addr: mr.Addr()}, zap.NewNop())
}

func TestQueue_PushPop_RoundTripsJSON(t *testing.T) {
	ctx := context.Background()
	q := queue.New(newQueueHarness(t), "jobs")

	require.NoError(t, q.Push(ctx, job{AttemptID: "att-1"}))

	var got job
	ok, err := q.Pop(ctx, time.Second, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "att-1", got.AttemptID)
}

func TestQueue_Pop_TimesOutOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	q := queue.New(newQueueHarness(t), "jobs")

	var got job
	ok, err := q.Pop(ctx, 50*time.Millisecond, &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_DistinctNamesAreIndependentLists(t *testing.T) {
	ctx := context.Background()
	kv := newQueueHarness(t)
	a := queue.New(kv, "queue-a")
	b := queue.New(kv, "queue-b")

	require.NoError(t, a.Push(ctx, job{AttemptID: "only-in-a"}))

	var got job
	ok, err := b.Pop(ctx, 50*time.Millisecond, &got)
	require.NoError(t, err)
	assert.False(t, ok, "pushing to queue-a must not be visible on queue-b")
}
