package examdata_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examattempts/engine/internal/db"
	"github.com/examattempts/engine/internal/examdata"
)

var dsnCounter int

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsnCounter++
	dsn := fmt.Sprintf("file:examdata_test_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", dsnCounter)
	conn, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStore_GetExam_NotFound(t *testing.T) {
	conn := openTestDB(t)
	store := examdata.NewStore(conn)

	_, err := store.GetExam(context.Background(), "missing")
	assert.ErrorIs(t, err, examdata.ErrNotFound)
}

func TestStore_GetExam_RoundTrips(t *testing.T) {
	conn := openTestDB(t)
	_, err := conn.Exec(`INSERT INTO exams
		(id, title, duration_minutes, total_questions, total_marks, pass_mark_percentage,
		 has_negative_marking, negative_marking_value, allow_navigation, allow_multiple_attempts,
		 max_attempt, is_active, is_premium, category, difficulty_level)
		VALUES ('exam-1','Algebra',60,10,10,40,1,0.25,1,0,1,1,0,'math','easy')`)
	require.NoError(t, err)

	store := examdata.NewStore(conn)
	e, err := store.GetExam(context.Background(), "exam-1")
	require.NoError(t, err)
	assert.Equal(t, "Algebra", e.Title)
	assert.Equal(t, 60, e.DurationMinutes)
	assert.True(t, e.HasNegativeMarking)
	assert.Equal(t, 0.25, e.NegativeMarkingValue)
}

func TestStore_GetQuestions_OmitsIsCorrectOnPublicOptionButKeepsItInternally(t *testing.T) {
	conn := openTestDB(t)
	_, err := conn.Exec(`INSERT INTO questions
		(id, exam_id, type, question_text, statements_json, statement_instruction, options_json, correct_answer, marks, has_negative_marking, negative_marks)
		VALUES ('q1','exam-1','MCQ','2+2?','[]','',
		 '[{"id":"a","optionText":"4","isCorrect":true},{"id":"b","optionText":"5","isCorrect":false}]',
		 '4',1,0,0)`)
	require.NoError(t, err)

	store := examdata.NewStore(conn)
	qs, err := store.GetQuestions(context.Background(), []string{"q1", "missing"})
	require.NoError(t, err)
	require.Contains(t, qs, "q1")
	assert.NotContains(t, qs, "missing", "an id with no matching row must be absent, not a nil entry")

	q := qs["q1"]
	require.Len(t, q.Options, 2)
	assert.True(t, q.Options[0].IsCorrect, "isCorrect is read from storage for grading even though it never serializes to the candidate response")
}

func TestStore_ListQuestionIDs(t *testing.T) {
	conn := openTestDB(t)
	_, err := conn.Exec(`INSERT INTO questions (id, exam_id, type, question_text, options_json, correct_answer) VALUES
		('q1','exam-1','MCQ','a','[]',''), ('q2','exam-1','MCQ','b','[]',''), ('q3','exam-2','MCQ','c','[]','')`)
	require.NoError(t, err)

	store := examdata.NewStore(conn)
	ids, err := store.ListQuestionIDs(context.Background(), "exam-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"q1", "q2"}, ids)
}
