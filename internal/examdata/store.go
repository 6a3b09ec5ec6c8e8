package examdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("examdata: not found")

// Store is the transactional read layer over exams and questions, modeled
// on the teacher's SQLStore: a *sqlx.DB, explicit SQL, no ORM.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) GetExam(ctx context.Context, examID string) (*Exam, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, title, duration_minutes, total_questions, total_marks,
		       pass_mark_percentage, has_negative_marking, negative_marking_value,
		       allow_navigation, allow_multiple_attempts, max_attempt, is_active,
		       is_premium, category, difficulty_level
		FROM exams WHERE id = ?`), examID)

	var e Exam
	err := row.Scan(&e.ID, &e.Title, &e.DurationMinutes, &e.TotalQuestions, &e.TotalMarks,
		&e.PassMarkPercentage, &e.HasNegativeMarking, &e.NegativeMarkingValue,
		&e.AllowNavigation, &e.AllowMultipleAttempts, &e.MaxAttempt, &e.IsActive,
		&e.IsPremium, &e.Category, &e.DifficultyLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListQuestionIDs returns every question id belonging to an exam, used by
// the state machine's sampling step.
func (s *Store) ListQuestionIDs(ctx context.Context, examID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT id FROM questions WHERE exam_id = ?`), examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetQuestions bulk-loads questions by id, returning a map keyed by
// question id; ids with no matching row are simply absent from the map, per
// the grader's "missing question counts as unattempted" rule.
func (s *Store) GetQuestions(ctx context.Context, ids []string) (map[string]*Question, error) {
	out := make(map[string]*Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`
		SELECT id, exam_id, type, question_text, statements_json, statement_instruction,
		       options_json, correct_answer, marks, has_negative_marking, negative_marks
		FROM questions WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var q Question
		var statementsJSON, optionsJSON string
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Type, &q.QuestionText, &statementsJSON,
			&q.StatementInstruction, &optionsJSON, &q.CorrectAnswer, &q.Marks,
			&q.HasNegativeMarking, &q.NegativeMarks); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(statementsJSON), &q.Statements); err != nil {
			return nil, err
		}
		var stored []storedOption
		if err := json.Unmarshal([]byte(optionsJSON), &stored); err != nil {
			return nil, err
		}
		q.Options = make([]Option, len(stored))
		for i, so := range stored {
			q.Options[i] = Option{ID: so.ID, OptionText: so.OptionText, IsCorrect: so.IsCorrect}
		}
		out[q.ID] = &q
	}
	return out, rows.Err()
}
