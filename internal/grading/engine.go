// Package grading turns a submitted attempt's raw answers into scored
// aggregates. Grounded on the teacher's strategy-table grader: one
// Strategy per question type, dispatched by a small registry, rather than
// a single branching function.
package grading

import (
	"strings"

	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/examdata"
)

// Strategy evaluates one answer against its question, returning whether it
// was correct. Unattempted/missing-question handling happens one level up
// in Grade, since those cases never reach a strategy.
type Strategy interface {
	Evaluate(q *examdata.Question, sel attempt.Selection) bool
}

type mcqStrategy struct{ caseInsensitive bool }

func (s mcqStrategy) Evaluate(q *examdata.Question, sel attempt.Selection) bool {
	id, ok := sel.ScalarID()
	if !ok {
		return false
	}
	for _, opt := range q.Options {
		if opt.ID != id {
			continue
		}
		if s.caseInsensitive {
			return strings.EqualFold(opt.OptionText, q.CorrectAnswer)
		}
		return opt.OptionText == q.CorrectAnswer
	}
	return false
}

type multiSelectStrategy struct{}

func (multiSelectStrategy) Evaluate(q *examdata.Question, sel attempt.Selection) bool {
	ids, ok := sel.MultiIDs()
	if !ok {
		return false
	}
	correct := make(map[string]struct{})
	for _, opt := range q.Options {
		if opt.IsCorrect {
			correct[opt.ID] = struct{}{}
		}
	}
	if len(ids) != len(correct) {
		return false
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
		if _, ok := correct[id]; !ok {
			return false
		}
	}
	return true
}

func strategyFor(t examdata.QuestionType) Strategy {
	switch t {
	case examdata.TypeMCQ, examdata.TypeStatementBased:
		return mcqStrategy{caseInsensitive: false}
	case examdata.TypeTrueFalse:
		return mcqStrategy{caseInsensitive: true}
	case examdata.TypeMultipleSelect:
		return multiSelectStrategy{}
	default:
		return nil
	}
}

// Result is the grader's output: the fully evaluated answer list plus the
// aggregate fields that land directly on the Attempt.
type Result struct {
	Answers        []attempt.Answer
	TotalMarks     float64
	NegativeMarks  float64
	FinalScore     float64
	CorrectAnswers int
	WrongAnswers   int
	Unattempted    int
	HasPassed      bool
}

// Grade evaluates every answer in a against questions (keyed by question
// id; a missing entry counts as unattempted) and the owning exam's scoring
// policy. It never mutates a or questions — callers persist the returned
// Result's Answers back onto the attempt.
func Grade(exam *examdata.Exam, questions map[string]*examdata.Question, a *attempt.Attempt) Result {
	r := Result{Answers: make([]attempt.Answer, len(a.Answers))}

	for i, ans := range a.Answers {
		out := ans
		q, ok := questions[ans.QuestionID]

		switch {
		case !ok || ans.SelectedOption.IsUnanswered():
			out.IsCorrect = attempt.IsCorrectUnknown
			r.Unattempted++

		default:
			strat := strategyFor(q.Type)
			correct := strat != nil && strat.Evaluate(q, ans.SelectedOption)
			if correct {
				out.IsCorrect = attempt.IsCorrectTrue
				marks := q.Marks
				if marks == 0 {
					marks = 1
				}
				out.MarksEarned = marks
				r.TotalMarks += marks
				r.CorrectAnswers++
			} else {
				out.IsCorrect = attempt.IsCorrectFalse
				r.WrongAnswers++
				if exam.HasNegativeMarking && q.HasNegativeMarking {
					neg := q.NegativeMarks
					if neg == 0 {
						neg = exam.NegativeMarkingValue
					}
					out.NegativeMarks = neg
					r.NegativeMarks += neg
				}
			}
		}
		r.Answers[i] = out
	}

	r.FinalScore = r.TotalMarks - r.NegativeMarks
	if r.FinalScore < 0 {
		r.FinalScore = 0
	}
	r.HasPassed = r.FinalScore >= exam.PassScore()
	return r
}
