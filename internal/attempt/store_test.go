package attempt_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examattempts/engine/internal/attempt"
)

func seedAttempt(t *testing.T, attempts *attempt.Store, id string, questionIDs ...string) *attempt.Attempt {
	t.Helper()
	a := &attempt.Attempt{
		ID:            id,
		UserID:        "user-1",
		ExamID:        "exam-1",
		Status:        attempt.StatusInProgress,
		StartTime:     1000,
		TimeRemaining: ptr(int64(600)),
		Unattempted:   len(questionIDs),
	}
	for _, qid := range questionIDs {
		a.Answers = append(a.Answers, attempt.Answer{QuestionID: qid, SelectedOption: attempt.Unanswered()})
	}
	require.NoError(t, attempts.Create(context.Background(), a))
	return a
}

func ptr[T any](v T) *T { return &v }

func TestStore_UpdateAnswer_TracksUnattemptedDelta(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	attempts := attempt.NewStore(conn)
	seedAttempt(t, attempts, "att-1", "q1", "q2")

	delta, err := attempts.UpdateAnswer(ctx, "att-1", "q1", attempt.Scalar("a"), 5)
	require.NoError(t, err)
	assert.Equal(t, -1, delta)

	a, err := attempts.Get(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Unattempted)
	assert.Equal(t, a.Unattempted, a.RecountUnattempted(), "stored unattempted count must match the ground-truth recount")

	// Re-answering an already-answered question doesn't change the count.
	delta, err = attempts.UpdateAnswer(ctx, "att-1", "q1", attempt.Scalar("b"), 6)
	require.NoError(t, err)
	assert.Equal(t, 0, delta)

	// Clearing an answer back to unanswered increments it again.
	delta, err = attempts.UpdateAnswer(ctx, "att-1", "q1", attempt.Unanswered(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, delta)

	a, err = attempts.Get(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, 2, a.Unattempted)
}

func TestStore_UpdateAnswer_RejectsOnceNotInProgress(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	attempts := attempt.NewStore(conn)
	seedAttempt(t, attempts, "att-1", "q1")

	ok, err := attempts.TransitionToProcessing(ctx, "att-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = attempts.UpdateAnswer(ctx, "att-1", "q1", attempt.Scalar("a"), 0)
	assert.ErrorIs(t, err, attempt.ErrWrongStatus)
}

func TestStore_BatchUpdate_SkipsUnknownQuestionsWithoutAborting(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	attempts := attempt.NewStore(conn)
	seedAttempt(t, attempts, "att-1", "q1", "q2")

	applied, err := attempts.BatchUpdate(ctx, "att-1", []attempt.BatchEntry{
		{QuestionID: "q1", Selection: attempt.Scalar("a")},
		{QuestionID: "ghost", Selection: attempt.Scalar("b")},
		{QuestionID: "q2", Selection: attempt.Scalar("c")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	a, err := attempts.Get(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Unattempted)
}

func TestStore_TransitionToProcessing_OnlyOneCallerWins(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	attempts := attempt.NewStore(conn)
	seedAttempt(t, attempts, "att-1", "q1")

	const n = 20
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := attempts.TransitionToProcessing(ctx, "att-1")
			require.NoError(t, err)
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	winCount := 0
	for _, w := range wins {
		if w {
			winCount++
		}
	}
	assert.Equal(t, 1, winCount, "exactly one of many concurrent TransitionToProcessing callers must win the race")
}

func TestStore_GetInProgress_ReturnsNotFoundWhenNoneExists(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	attempts := attempt.NewStore(conn)

	_, err := attempts.GetInProgress(ctx, "user-1", "exam-1")
	assert.ErrorIs(t, err, attempt.ErrNotFound)
}

func TestStore_ListCompletedByExam_OrdersByScoreDescending(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	attempts := attempt.NewStore(conn)

	for i, score := range []float64{5, 9, 2} {
		id := "att-" + string(rune('a'+i))
		a := seedAttempt(t, attempts, id, "q1")
		a.TotalMarks = score
		a.FinalScore = score
		require.NoError(t, attempts.SaveGraded(ctx, a, 2000))
	}

	list, err := attempts.ListCompletedByExam(ctx, "exam-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, 9.0, list[0].FinalScore)
	assert.Equal(t, 5.0, list[1].FinalScore)
	assert.Equal(t, 2.0, list[2].FinalScore)
}
