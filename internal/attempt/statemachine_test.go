package attempt_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/db"
	"github.com/examattempts/engine/internal/examdata"
)

var dsnCounter int

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsnCounter++
	dsn := fmt.Sprintf("file:attempt_test_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", dsnCounter)
	conn, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func seedExam(t *testing.T, conn *sqlx.DB, e examdata.Exam) {
	t.Helper()
	_, err := conn.Exec(`INSERT INTO exams
		(id, title, duration_minutes, total_questions, total_marks, pass_mark_percentage,
		 has_negative_marking, negative_marking_value, allow_navigation, allow_multiple_attempts,
		 max_attempt, is_active, is_premium, category, difficulty_level)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Title, e.DurationMinutes, e.TotalQuestions, e.TotalMarks, e.PassMarkPercentage,
		e.HasNegativeMarking, e.NegativeMarkingValue, e.AllowNavigation, e.AllowMultipleAttempts,
		e.MaxAttempt, e.IsActive, e.IsPremium, e.Category, e.DifficultyLevel)
	require.NoError(t, err)
}

func seedQuestion(t *testing.T, conn *sqlx.DB, q examdata.Question) {
	t.Helper()
	_, err := conn.Exec(`INSERT INTO questions
		(id, exam_id, type, question_text, statements_json, statement_instruction, options_json,
		 correct_answer, marks, has_negative_marking, negative_marks)
		VALUES (?,?,?,?,'[]','','[{"id":"a","optionText":"right","isCorrect":true},{"id":"b","optionText":"wrong","isCorrect":false}]',?,?,?,?)`,
		q.ID, q.ExamID, q.Type, q.QuestionText, q.CorrectAnswer, q.Marks, q.HasNegativeMarking, q.NegativeMarks)
	require.NoError(t, err)
}

type fakeEntitlement struct {
	granted map[string]bool
}

func (f *fakeEntitlement) HasAccess(ctx context.Context, userID, examID string) (bool, error) {
	return f.granted[userID+":"+examID], nil
}

func newMachine(conn *sqlx.DB, granted map[string]bool, now int64) (*attempt.Machine, *examdata.Store, *attempt.Store) {
	exams := examdata.NewStore(conn)
	attempts := attempt.NewStore(conn)
	ent := &fakeEntitlement{granted: granted}
	m := attempt.NewMachine(exams, attempts, ent, func() int64 { return now })
	return m, exams, attempts
}

func TestMachine_StartCreatesAttemptWithFullQuestionSet(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	seedExam(t, conn, examdata.Exam{ID: "exam-1", Title: "Exam", DurationMinutes: 30, TotalQuestions: 2, TotalMarks: 2, PassMarkPercentage: 50, AllowNavigation: true, IsActive: true, MaxAttempt: 1})
	seedQuestion(t, conn, examdata.Question{ID: "q1", ExamID: "exam-1", Type: examdata.TypeMCQ, Marks: 1})
	seedQuestion(t, conn, examdata.Question{ID: "q2", ExamID: "exam-1", Type: examdata.TypeMCQ, Marks: 1})

	m, _, attempts := newMachine(conn, nil, 1000)

	res, err := m.Start(ctx, "user-1", "exam-1")
	require.NoError(t, err)
	assert.False(t, res.Resuming)
	assert.Equal(t, int64(30*60), res.TimeRemaining)

	a, err := attempts.Get(ctx, res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusInProgress, a.Status)
	assert.Len(t, a.Answers, 2, "attempt must start with one answer slot per exam question")
	assert.Equal(t, 2, a.Unattempted, "a fresh attempt's unattempted count must equal its question count")
	for _, ans := range a.Answers {
		assert.True(t, ans.SelectedOption.IsUnanswered())
	}
}

func TestMachine_StartResumesExistingInProgressAttempt(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	seedExam(t, conn, examdata.Exam{ID: "exam-1", DurationMinutes: 10, TotalQuestions: 1, TotalMarks: 1, PassMarkPercentage: 50, IsActive: true})
	seedQuestion(t, conn, examdata.Question{ID: "q1", ExamID: "exam-1", Type: examdata.TypeMCQ, Marks: 1})

	m, _, _ := newMachine(conn, nil, 1000)

	first, err := m.Start(ctx, "user-1", "exam-1")
	require.NoError(t, err)

	second, err := m.Start(ctx, "user-1", "exam-1")
	require.NoError(t, err)
	assert.True(t, second.Resuming)
	assert.Equal(t, first.AttemptID, second.AttemptID, "a second start call must resume, never duplicate, an in-progress attempt")
}

func TestMachine_StartRejectsInactiveExam(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	seedExam(t, conn, examdata.Exam{ID: "exam-1", DurationMinutes: 10, TotalQuestions: 1, TotalMarks: 1, IsActive: false})
	seedQuestion(t, conn, examdata.Question{ID: "q1", ExamID: "exam-1", Type: examdata.TypeMCQ, Marks: 1})

	m, _, _ := newMachine(conn, nil, 1000)
	_, err := m.Start(ctx, "user-1", "exam-1")
	assert.ErrorIs(t, err, attempt.ErrExamInactive)
}

func TestMachine_StartRejectsPremiumWithoutEntitlement(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	seedExam(t, conn, examdata.Exam{ID: "exam-1", DurationMinutes: 10, TotalQuestions: 1, TotalMarks: 1, IsActive: true, IsPremium: true})
	seedQuestion(t, conn, examdata.Question{ID: "q1", ExamID: "exam-1", Type: examdata.TypeMCQ, Marks: 1})

	m, _, _ := newMachine(conn, nil, 1000)
	_, err := m.Start(ctx, "user-1", "exam-1")
	assert.ErrorIs(t, err, attempt.ErrEntitlementDenied)

	m2, _, _ := newMachine(conn, map[string]bool{"user-1:exam-1": true}, 1000)
	_, err = m2.Start(ctx, "user-1", "exam-1")
	assert.NoError(t, err)
}

func TestMachine_StartEnforcesMaxAttempts(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	seedExam(t, conn, examdata.Exam{ID: "exam-1", DurationMinutes: 10, TotalQuestions: 1, TotalMarks: 1, IsActive: true, AllowMultipleAttempts: true, MaxAttempt: 1})
	seedQuestion(t, conn, examdata.Question{ID: "q1", ExamID: "exam-1", Type: examdata.TypeMCQ, Marks: 1})

	m, _, attempts := newMachine(conn, nil, 1000)
	res, err := m.Start(ctx, "user-1", "exam-1")
	require.NoError(t, err)

	// Force the attempt to a terminal status so the next Start isn't a resume.
	require.NoError(t, attempts.SaveGraded(ctx, &attempt.Attempt{ID: res.AttemptID, Answers: nil}, 2000))

	_, err = m.Start(ctx, "user-1", "exam-1")
	assert.ErrorIs(t, err, attempt.ErrMaxAttemptsReached)
}

func TestMachine_StartRejectsExamWithFewerQuestionsThanRequired(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	seedExam(t, conn, examdata.Exam{ID: "exam-1", DurationMinutes: 10, TotalQuestions: 5, TotalMarks: 5, IsActive: true})
	seedQuestion(t, conn, examdata.Question{ID: "q1", ExamID: "exam-1", Type: examdata.TypeMCQ, Marks: 1})

	m, _, _ := newMachine(conn, nil, 1000)
	_, err := m.Start(ctx, "user-1", "exam-1")
	assert.ErrorIs(t, err, attempt.ErrInsufficientQuestions)
}

func TestMachine_GetQuestionsRejectsNonOwner(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	seedExam(t, conn, examdata.Exam{ID: "exam-1", DurationMinutes: 10, TotalQuestions: 1, TotalMarks: 1, IsActive: true})
	seedQuestion(t, conn, examdata.Question{ID: "q1", ExamID: "exam-1", Type: examdata.TypeMCQ, Marks: 1})

	m, _, _ := newMachine(conn, nil, 1000)
	res, err := m.Start(ctx, "user-1", "exam-1")
	require.NoError(t, err)

	_, _, err = m.GetQuestions(ctx, res.AttemptID, "someone-else")
	assert.ErrorIs(t, err, attempt.ErrNotOwner)
}

func TestMachine_GetQuestionsNeverLeaksCorrectAnswer(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	seedExam(t, conn, examdata.Exam{ID: "exam-1", DurationMinutes: 10, TotalQuestions: 1, TotalMarks: 1, IsActive: true})
	seedQuestion(t, conn, examdata.Question{ID: "q1", ExamID: "exam-1", Type: examdata.TypeMCQ, Marks: 1, CorrectAnswer: "right"})

	m, _, _ := newMachine(conn, nil, 1000)
	res, err := m.Start(ctx, "user-1", "exam-1")
	require.NoError(t, err)

	_, rendered, err := m.GetQuestions(ctx, res.AttemptID, "user-1")
	require.NoError(t, err)
	require.Len(t, rendered, 1)
	for _, opt := range rendered[0].Options {
		assert.False(t, opt.IsCorrect, "rendered options must never disclose isCorrect to a candidate")
	}
}
