package attempt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound    = errors.New("attempt: not found")
	ErrWrongStatus = errors.New("attempt: unexpected status for this operation")
	ErrNotOwner    = errors.New("attempt: caller does not own this attempt")
)

// Store is the transactional durable-store access layer for attempts,
// modeled on the teacher's SQLStore: a thin layer over *sqlx.DB with
// explicit transactions for anything that must be read-then-written
// atomically, rather than an ORM. Every query is written once with "?"
// placeholders and rebound per-driver via sqlx.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Create(ctx context.Context, a *Attempt) error {
	answersJSON, err := json.Marshal(a.Answers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO attempts (id, user_id, exam_id, status, start_time, time_remaining, answers_json, unattempted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.UserID, a.ExamID, a.Status, a.StartTime, a.TimeRemaining, string(answersJSON), a.Unattempted)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Attempt, error) {
	return s.getRow(ctx, s.db.Rebind(getAttemptQuery), id)
}

const getAttemptQuery = `
	SELECT id, user_id, exam_id, status, start_time, end_time, time_remaining, last_db_sync,
	       answers_json, total_marks, negative_marks, final_score, correct_answers,
	       wrong_answers, unattempted, has_passed, rank, percentile,
	       status_changed_by, status_changed_at, manually_completed,
	       last_recalculated_by, last_recalculated_at, processing_error
	FROM attempts WHERE id = ?`

func (s *Store) getRow(ctx context.Context, query string, args ...any) (*Attempt, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, query, args...))
}

func (s *Store) scanOne(row *sql.Row) (*Attempt, error) {
	a := &Attempt{}
	var answersJSON string
	err := row.Scan(&a.ID, &a.UserID, &a.ExamID, &a.Status, &a.StartTime, &a.EndTime, &a.TimeRemaining,
		&a.LastDBSync, &answersJSON, &a.TotalMarks, &a.NegativeMarks, &a.FinalScore, &a.CorrectAnswers,
		&a.WrongAnswers, &a.Unattempted, &a.HasPassed, &a.Rank, &a.Percentile,
		&a.StatusChangedBy, &a.StatusChangedAt, &a.ManuallyCompleted,
		&a.LastRecalculatedBy, &a.LastRecalculatedAt, &a.ProcessingError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(answersJSON), &a.Answers); err != nil {
		return nil, err
	}
	return a, nil
}

// GetInProgress returns the single in-progress attempt for (userID, examID),
// or ErrNotFound. Invariant 7 relies on callers using this under a lock (or
// tolerating the rare double-create race, which Create's unique semantics
// on (user_id, exam_id, status) would reject in a stricter schema).
func (s *Store) GetInProgress(ctx context.Context, userID, examID string) (*Attempt, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id FROM attempts WHERE user_id = ? AND exam_id = ? AND status = ?`),
		userID, examID, StatusInProgress).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Store) CountAttempts(ctx context.Context, userID, examID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COUNT(*) FROM attempts WHERE user_id = ? AND exam_id = ?`), userID, examID).Scan(&n)
	return n, err
}

// positionalUpdate is one {array index, new selection, new response time}
// write against an attempt's answers_json array.
type positionalUpdate struct {
	idx          int
	selection    Selection
	responseTime int
}

// UpdateAnswer applies a single positional update against answers_json as
// one atomic UPDATE statement: the target array element is rewritten with
// json_set/jsonb_set and the unattempted counter is incremented by a CASE
// expression that reads the element's pre-update value from the same row
// image the SET clause rewrites, so there is no read-modify-write window
// for a second writer to land in. Two concurrent UpdateAnswer calls against
// distinct questions of the same attempt each run as their own single
// statement and never clobber the other's array element or delta — the
// positional update + conditional increment spec.md §4.4 requires.
func (s *Store) UpdateAnswer(ctx context.Context, attemptID, questionID string, sel Selection, responseTime int) (delta int, err error) {
	a, err := s.Get(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	if a.Status != StatusInProgress {
		return 0, ErrWrongStatus
	}
	idx := a.IndexOf(questionID)
	if idx < 0 {
		return 0, fmt.Errorf("attempt: question %s not in attempt %s", questionID, attemptID)
	}

	n, err := s.applyPositionalUpdates(ctx, attemptID, []positionalUpdate{{idx: idx, selection: sel, responseTime: responseTime}})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrWrongStatus
	}

	wasUnanswered := a.Answers[idx].SelectedOption.IsUnanswered()
	switch {
	case wasUnanswered && !sel.IsUnanswered():
		delta = -1
	case !wasUnanswered && sel.IsUnanswered():
		delta = 1
	}
	return delta, nil
}

// BatchUpdate applies {questionID, selection, responseTime} triples as an
// unordered bulk: unknown question ids are skipped rather than aborting the
// whole batch, and every known entry's element is rewritten together with
// the shared unattempted counter in one atomic UPDATE statement, the same
// way a single UpdateAnswer does.
type BatchEntry struct {
	QuestionID   string
	Selection    Selection
	ResponseTime int
}

func (s *Store) BatchUpdate(ctx context.Context, attemptID string, entries []BatchEntry) (applied int, err error) {
	a, err := s.Get(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	if a.Status != StatusInProgress {
		return 0, ErrWrongStatus
	}

	updates := make([]positionalUpdate, 0, len(entries))
	for _, e := range entries {
		idx := a.IndexOf(e.QuestionID)
		if idx < 0 {
			continue
		}
		updates = append(updates, positionalUpdate{idx: idx, selection: e.Selection, responseTime: e.ResponseTime})
	}
	if len(updates) == 0 {
		return 0, errors.New("attempt: no valid entries in batch")
	}

	n, err := s.applyPositionalUpdates(ctx, attemptID, updates)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrWrongStatus
	}
	return len(updates), nil
}

// applyPositionalUpdates rewrites every target array element and the shared
// unattempted counter in a single UPDATE. answers_json is stored as TEXT
// under both drivers, so the JSON-patch functions differ: SQLite's JSON1
// extension (json_set/json_extract) operates on the TEXT column directly,
// while Postgres's jsonb functions require an explicit ::jsonb cast and a
// cast back to text for storage. Array indices are computed server-side
// from an immutable array shape (an attempt's question set never reorders
// or resizes after Create), so splicing them into the query text as
// literal integers carries no injection risk; every value that originates
// outside this function is still passed as a bound parameter.
func (s *Store) applyPositionalUpdates(ctx context.Context, attemptID string, updates []positionalUpdate) (int64, error) {
	postgres := s.db.DriverName() == "pgx"

	setSQL, setArgs, err := buildAnswersSetClause(postgres, updates)
	if err != nil {
		return 0, err
	}
	deltaSQL, deltaArgs := buildUnattemptedDeltaClause(postgres, updates)

	query := fmt.Sprintf(`UPDATE attempts SET answers_json = %s, unattempted = unattempted + %s WHERE id = ? AND status = ?`,
		setSQL, deltaSQL)
	args := append(append(setArgs, deltaArgs...), attemptID, StatusInProgress)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// buildAnswersSetClause returns the SQL expression that rewrites every
// targeted array element's selectedOption and responseTime fields, plus the
// bound arguments it consumes in order.
func buildAnswersSetClause(postgres bool, updates []positionalUpdate) (string, []any, error) {
	if postgres {
		expr := "answers_json::jsonb"
		args := make([]any, 0, len(updates)*2)
		for _, u := range updates {
			selJSON, err := json.Marshal(u.selection)
			if err != nil {
				return "", nil, err
			}
			expr = fmt.Sprintf(
				"jsonb_set(jsonb_set(%s, '{%d,selectedOption}'::text[], ?::jsonb, true), '{%d,responseTime}'::text[], ?::jsonb, true)",
				expr, u.idx, u.idx)
			args = append(args, string(selJSON), strconv.Itoa(u.responseTime))
		}
		return "(" + expr + ")::text", args, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(updates)*2)
	sb.WriteString("json_set(answers_json")
	for _, u := range updates {
		selJSON, err := json.Marshal(u.selection)
		if err != nil {
			return "", nil, err
		}
		fmt.Fprintf(&sb, ", '$[%d].selectedOption', json(?), '$[%d].responseTime', ?", u.idx, u.idx)
		args = append(args, string(selJSON), u.responseTime)
	}
	sb.WriteString(")")
	return sb.String(), args, nil
}

// buildUnattemptedDeltaClause returns the SQL expression summing, across
// all targeted elements, +1/-1/0 depending on whether the element's value
// as it stands in the row being updated (read by the same statement, not a
// prior read) transitions into or out of "unanswered".
func buildUnattemptedDeltaClause(postgres bool, updates []positionalUpdate) (string, []any) {
	parts := make([]string, 0, len(updates))
	args := make([]any, 0, len(updates)*2)
	for _, u := range updates {
		nowUnanswered := 0
		if u.selection.IsUnanswered() {
			nowUnanswered = 1
		}
		if postgres {
			parts = append(parts, fmt.Sprintf(
				"(CASE WHEN (answers_json::jsonb #> '{%d,selectedOption}'::text[]) = 'null'::jsonb AND ? = 0 THEN -1 "+
					"WHEN (answers_json::jsonb #> '{%d,selectedOption}'::text[]) IS DISTINCT FROM 'null'::jsonb AND ? = 1 THEN 1 ELSE 0 END)",
				u.idx, u.idx))
		} else {
			parts = append(parts, fmt.Sprintf(
				"(CASE WHEN json_extract(answers_json, '$[%d].selectedOption') IS NULL AND ? = 0 THEN -1 "+
					"WHEN json_extract(answers_json, '$[%d].selectedOption') IS NOT NULL AND ? = 1 THEN 1 ELSE 0 END)",
				u.idx, u.idx))
		}
		args = append(args, nowUnanswered, nowUnanswered)
	}
	return strings.Join(parts, " + "), args
}

// TransitionToProcessing moves an in-progress or timed-out attempt into
// processing, guarding against a second concurrent caller doing the same by
// making the status predicate part of the WHERE clause: the UPDATE affects
// zero rows if another caller already won the race.
func (s *Store) TransitionToProcessing(ctx context.Context, attemptID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE attempts SET status = ? WHERE id = ? AND status IN (?, ?)`),
		StatusProcessing, attemptID, StatusInProgress, StatusTimedOut)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SaveGraded writes the full graded result in one statement: aggregates,
// evaluated answers, terminal status, and end time.
func (s *Store) SaveGraded(ctx context.Context, a *Attempt, endTime int64) error {
	b, err := json.Marshal(a.Answers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE attempts SET
			status = ?, end_time = ?, answers_json = ?,
			total_marks = ?, negative_marks = ?, final_score = ?,
			correct_answers = ?, wrong_answers = ?, unattempted = ?, has_passed = ?
		WHERE id = ?`),
		StatusCompleted, endTime, string(b),
		a.TotalMarks, a.NegativeMarks, a.FinalScore,
		a.CorrectAnswers, a.WrongAnswers, a.Unattempted, a.HasPassed, a.ID)
	return err
}

func (s *Store) SetError(ctx context.Context, attemptID, message string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE attempts SET status = ?, processing_error = ? WHERE id = ?`),
		StatusError, message, attemptID)
	return err
}

// ListOpts filters a paginated attempt listing for a candidate.
type ListOpts struct {
	UserID string
	ExamID string // optional
	Status Status // optional
	Page   int
	Limit  int
}

func (s *Store) List(ctx context.Context, opts ListOpts) ([]*Attempt, int, error) {
	where := "WHERE user_id = ?"
	args := []any{opts.UserID}
	if opts.ExamID != "" {
		where += " AND exam_id = ?"
		args = append(args, opts.ExamID)
	}
	if opts.Status != "" {
		where += " AND status = ?"
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind("SELECT COUNT(*) FROM attempts "+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id FROM attempts `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	out := make([]*Attempt, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, nil
}

// ListCompletedByExam returns all completed attempts for ranking, ordered by
// score descending then endTime ascending as the advisory tie-break.
func (s *Store) ListCompletedByExam(ctx context.Context, examID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id FROM attempts WHERE exam_id = ? AND status = ?
		ORDER BY final_score DESC, end_time ASC`), examID, StatusCompleted)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Attempt, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) UpdateRankPercentile(ctx context.Context, attemptID string, rank int, percentile float64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE attempts SET rank = ?, percentile = ? WHERE id = ?`),
		rank, percentile, attemptID)
	return err
}

// ForceComplete is the admin variant of grading completion: it stamps audit
// fields in addition to the usual aggregates.
func (s *Store) ForceComplete(ctx context.Context, a *Attempt, endTime int64, adminID string, now int64) error {
	b, err := json.Marshal(a.Answers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE attempts SET
			status = ?, end_time = ?, answers_json = ?,
			total_marks = ?, negative_marks = ?, final_score = ?,
			correct_answers = ?, wrong_answers = ?, unattempted = ?, has_passed = ?,
			status_changed_by = ?, status_changed_at = ?, manually_completed = 1
		WHERE id = ?`),
		StatusCompleted, endTime, string(b),
		a.TotalMarks, a.NegativeMarks, a.FinalScore,
		a.CorrectAnswers, a.WrongAnswers, a.Unattempted, a.HasPassed,
		adminID, now, a.ID)
	return err
}

func (s *Store) StampRecalculated(ctx context.Context, attemptID, adminID string, now int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE attempts SET last_recalculated_by = ?, last_recalculated_at = ? WHERE id = ?`),
		adminID, now, attemptID)
	return err
}

func (s *Store) Delete(ctx context.Context, attemptID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM attempts WHERE id = ?`), attemptID)
	return err
}
