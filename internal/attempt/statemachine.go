package attempt

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/examattempts/engine/internal/examdata"
)

var (
	ErrExamInactive            = errors.New("attempt: exam is not active")
	ErrEntitlementDenied       = errors.New("attempt: entitlement denied")
	ErrMaxAttemptsReached      = errors.New("attempt: maximum attempts reached")
	ErrInsufficientQuestions   = errors.New("attempt: exam has fewer questions than totalQuestions")
)

// EntitlementChecker is the pure-function boundary the design notes call
// for: a plain interface, not a re-dispatch of some other HTTP handler.
type EntitlementChecker interface {
	HasAccess(ctx context.Context, userID, examID string) (bool, error)
}

// Clock abstracts "now" so tests can supply deterministic times.
type Clock func() int64

type Machine struct {
	exams       *examdata.Store
	attempts    *Store
	entitlement EntitlementChecker
	now         Clock
}

func NewMachine(exams *examdata.Store, attempts *Store, entitlement EntitlementChecker, now Clock) *Machine {
	return &Machine{exams: exams, attempts: attempts, entitlement: entitlement, now: now}
}

type StartResult struct {
	AttemptID     string
	TimeRemaining int64
	Resuming      bool
}

// Start implements the full precondition chain from the start contract:
// exam must exist/be active, entitlement must hold for premium exams, the
// allowMultipleAttempts/maxAttempt policy must be satisfied, and an
// existing in-progress attempt for (userID, examID) is resumed rather than
// duplicated.
func (m *Machine) Start(ctx context.Context, userID, examID string) (*StartResult, error) {
	exam, err := m.exams.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !exam.IsActive {
		return nil, ErrExamInactive
	}

	if existing, err := m.attempts.GetInProgress(ctx, userID, examID); err == nil {
		tr := int64(0)
		if existing.TimeRemaining != nil {
			tr = *existing.TimeRemaining
		}
		return &StartResult{AttemptID: existing.ID, TimeRemaining: tr, Resuming: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if exam.IsPremium {
		ok, err := m.entitlement.HasAccess(ctx, userID, examID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrEntitlementDenied
		}
	}

	if !exam.AllowMultipleAttempts {
		n, err := m.attempts.CountAttempts(ctx, userID, examID)
		if err != nil {
			return nil, err
		}
		if n >= 1 {
			return nil, ErrMaxAttemptsReached
		}
	} else if exam.MaxAttempt > 0 {
		n, err := m.attempts.CountAttempts(ctx, userID, examID)
		if err != nil {
			return nil, err
		}
		if n >= exam.MaxAttempt {
			return nil, ErrMaxAttemptsReached
		}
	}

	allIDs, err := m.exams.ListQuestionIDs(ctx, examID)
	if err != nil {
		return nil, err
	}
	if len(allIDs) < exam.TotalQuestions {
		return nil, ErrInsufficientQuestions
	}
	sampled, err := sampleDistinct(allIDs, exam.TotalQuestions)
	if err != nil {
		return nil, err
	}
	if err := shuffle(sampled); err != nil {
		return nil, err
	}

	now := m.now()
	timeRemaining := int64(exam.DurationMinutes) * 60

	a := &Attempt{
		ID:            uuid.NewString(),
		UserID:        userID,
		ExamID:        examID,
		StartTime:     now,
		TimeRemaining: &timeRemaining,
		Status:        StatusInProgress,
		Unattempted:   len(sampled),
	}
	a.Answers = make([]Answer, len(sampled))
	for i, qid := range sampled {
		a.Answers[i] = Answer{QuestionID: qid, SelectedOption: Unanswered()}
	}

	if err := m.attempts.Create(ctx, a); err != nil {
		return nil, err
	}
	return &StartResult{AttemptID: a.ID, TimeRemaining: timeRemaining, Resuming: false}, nil
}

// RenderedQuestion is the get-questions projection: only rendering fields,
// never correctAnswer or isCorrect.
type RenderedQuestion struct {
	ID                   string
	QuestionText         string
	Type                 examdata.QuestionType
	Marks                float64
	Options              []examdata.Option
	Statements           []string
	StatementInstruction string
	SelectedOption       Selection
	ResponseTime         int
}

func (m *Machine) GetQuestions(ctx context.Context, attemptID, callerUserID string) (*Attempt, []RenderedQuestion, error) {
	a, err := m.attempts.Get(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	if a.UserID != callerUserID {
		return nil, nil, ErrNotOwner
	}
	if a.Status != StatusInProgress {
		return nil, nil, ErrWrongStatus
	}

	ids := make([]string, len(a.Answers))
	for i, ans := range a.Answers {
		ids[i] = ans.QuestionID
	}
	qs, err := m.exams.GetQuestions(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	out := make([]RenderedQuestion, len(a.Answers))
	for i, ans := range a.Answers {
		q := qs[ans.QuestionID]
		rq := RenderedQuestion{
			ID:             ans.QuestionID,
			SelectedOption: ans.SelectedOption,
			ResponseTime:   ans.ResponseTime,
		}
		if q != nil {
			rq.QuestionText = q.QuestionText
			rq.Type = q.Type
			rq.Marks = q.Marks
			rq.Options = renderOptions(q.Options)
			rq.Statements = q.Statements
			rq.StatementInstruction = q.StatementInstruction
		}
		out[i] = rq
	}
	return a, out, nil
}

func renderOptions(opts []examdata.Option) []examdata.Option {
	out := make([]examdata.Option, len(opts))
	for i, o := range opts {
		out[i] = examdata.Option{ID: o.ID, OptionText: o.OptionText}
	}
	return out
}

func sampleDistinct(ids []string, n int) ([]string, error) {
	if n > len(ids) {
		return nil, ErrInsufficientQuestions
	}
	pool := append([]string(nil), ids...)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx, err := randIndex(len(pool))
		if err != nil {
			return nil, err
		}
		out = append(out, pool[idx])
		pool[idx] = pool[len(pool)-1]
		pool = pool[:len(pool)-1]
	}
	return out, nil
}

func shuffle(ids []string) error {
	for i := len(ids) - 1; i > 0; i-- {
		j, err := randIndex(i + 1)
		if err != nil {
			return err
		}
		ids[i], ids[j] = ids[j], ids[i]
	}
	return nil
}

func randIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("attempt: cannot sample from empty pool")
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
