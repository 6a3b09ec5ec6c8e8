// Package examdata is the read-only access layer over the exam/question
// catalog. The engine never writes here: exams and questions are authored
// externally and only referenced by id.
package examdata

type QuestionType string

const (
	TypeMCQ             QuestionType = "MCQ"
	TypeStatementBased  QuestionType = "STATEMENT_BASED"
	TypeMultipleSelect  QuestionType = "MULTIPLE_SELECT"
	TypeTrueFalse       QuestionType = "TRUE_FALSE"
)

type Option struct {
	ID         string `json:"id"`
	OptionText string `json:"optionText"`
	IsCorrect  bool   `json:"-"` // never serialized to a candidate's rendering path
}

// storedOption is the on-disk shape: isCorrect is persisted (the catalog
// needs it for grading) but never round-trips through the public Option
// type's JSON tag, which is what keeps it off the candidate response path.
type storedOption struct {
	ID         string `json:"id"`
	OptionText string `json:"optionText"`
	IsCorrect  bool   `json:"isCorrect"`
}

type Exam struct {
	ID                     string  `json:"id"`
	Title                  string  `json:"title"`
	DurationMinutes        int     `json:"durationMinutes"`
	TotalQuestions         int     `json:"totalQuestions"`
	TotalMarks             float64 `json:"totalMarks"`
	PassMarkPercentage     float64 `json:"passMarkPercentage"`
	HasNegativeMarking     bool    `json:"hasNegativeMarking"`
	NegativeMarkingValue   float64 `json:"negativeMarkingValue"`
	AllowNavigation        bool    `json:"allowNavigation"`
	AllowMultipleAttempts  bool    `json:"allowMultipleAttempts"`
	MaxAttempt             int     `json:"maxAttempt"`
	IsActive               bool    `json:"isActive"`
	IsPremium              bool    `json:"isPremium"`
	Category               string  `json:"category"`
	DifficultyLevel        string  `json:"difficultyLevel"`
}

type Question struct {
	ID                   string       `json:"id"`
	ExamID               string       `json:"examId"`
	Type                 QuestionType `json:"type"`
	QuestionText         string       `json:"questionText"`
	Statements           []string     `json:"statements,omitempty"`
	StatementInstruction string       `json:"statementInstruction,omitempty"`
	Options              []Option     `json:"options"`
	CorrectAnswer        string       `json:"-"` // never serialized to a candidate's rendering path
	Marks                float64      `json:"marks"`
	HasNegativeMarking   bool         `json:"hasNegativeMarking"`
	NegativeMarks        float64      `json:"negativeMarks"`
}

// PassScore is the absolute score a completed attempt must reach.
func (e Exam) PassScore() float64 {
	return e.PassMarkPercentage / 100 * e.TotalMarks
}
