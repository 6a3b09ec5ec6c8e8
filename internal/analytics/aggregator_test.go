package analytics

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/db"
	"github.com/examattempts/engine/internal/fastkv"
	"github.com/examattempts/engine/internal/queue"
)

var dsnCounter int

func newAggregatorHarness(t *testing.T) (*Aggregator, *sqlx.DB) {
	t.Helper()
	dsnCounter++
	dsn := fmt.Sprintf("file:analytics_test_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", dsnCounter)
	conn, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Exec(`INSERT INTO exams (id, title, duration_minutes, total_questions, total_marks, pass_mark_percentage, is_active)
		VALUES ('exam-1','Exam',10,1,1,50,1)`)
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	kv := fastkv.New(fastkv.Config{Addr: mr.Addr()}, zap.NewNop())

	q := queue.New(kv, fastkv.QueueAnalyticsUpdate)
	return NewAggregator(q, conn, kv, zap.NewNop()), conn
}

func TestAggregator_DrainOnce_FoldsQueuedDeltasIntoInMemoryCounters(t *testing.T) {
	ctx := context.Background()
	agg, _ := newAggregatorHarness(t)

	agg.Enqueue(ctx, Delta{ExamID: "exam-1", Attempted: 1})
	agg.Enqueue(ctx, Delta{ExamID: "exam-1", Completed: 1, Passed: 1, ScoreSum: 80})

	agg.drainOnce(ctx)

	attempted, completed, passed, failed, scoreSum, ok := agg.Snapshot("exam-1")
	require.True(t, ok)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, passed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 80.0, scoreSum)
}

func TestAggregator_Apply_DeletedOffsetsCompleted(t *testing.T) {
	ctx := context.Background()
	agg, _ := newAggregatorHarness(t)

	agg.Enqueue(ctx, Delta{ExamID: "exam-1", Completed: 2})
	agg.Enqueue(ctx, Delta{ExamID: "exam-1", Deleted: 1})
	agg.drainOnce(ctx)

	_, completed, _, _, _, ok := agg.Snapshot("exam-1")
	require.True(t, ok)
	assert.Equal(t, 1, completed, "a deleted attempt must offset the completed counter it originally contributed")
}

func TestAggregator_FlushOnce_PersistsAndClearsDirtyCounters(t *testing.T) {
	ctx := context.Background()
	agg, conn := newAggregatorHarness(t)

	agg.Enqueue(ctx, Delta{ExamID: "exam-1", Attempted: 3, Completed: 2, Passed: 1, Failed: 1, ScoreSum: 150})
	agg.drainOnce(ctx)
	agg.flushOnce(ctx)

	var totalAttempted, totalCompleted int
	var scoreSum float64
	require.NoError(t, conn.QueryRow(
		`SELECT total_attempted, total_completed, score_sum FROM exam_analytics WHERE exam_id = 'exam-1'`,
	).Scan(&totalAttempted, &totalCompleted, &scoreSum))
	assert.Equal(t, 3, totalAttempted)
	assert.Equal(t, 2, totalCompleted)
	assert.Equal(t, 150.0, scoreSum)

	// A second flush with nothing new dirty must be a no-op, not double-apply.
	agg.flushOnce(ctx)
	require.NoError(t, conn.QueryRow(
		`SELECT total_attempted FROM exam_analytics WHERE exam_id = 'exam-1'`,
	).Scan(&totalAttempted))
	assert.Equal(t, 3, totalAttempted)
}

func TestAggregator_Snapshot_MissingExamReturnsOkFalse(t *testing.T) {
	agg, _ := newAggregatorHarness(t)
	_, _, _, _, _, ok := agg.Snapshot("no-such-exam")
	assert.False(t, ok)
}
