package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/examattempts/engine/internal/answers"
	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/examdata"
	"github.com/examattempts/engine/internal/ranking"
	"github.com/examattempts/engine/internal/rbac"
)

// rulesHandler renders the exam summary, computed rules strings, and
// whether the caller currently has access — the one read candidates use to
// decide whether "start" is worth calling at all.
func (s *Server) rulesHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	examID := chi.URLParam(r, "examId")

	exam, err := s.exams.GetExam(r.Context(), examID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	hasAccess := true
	if exam.IsPremium {
		hasAccess, err = s.entitlement.HasAccess(r.Context(), p.UserID, examID)
		if err != nil {
			fail(w, s.log, classify(err))
			return
		}
	}

	ok(w, map[string]any{
		"exam":      exam,
		"rules":     buildRulesText(exam),
		"hasAccess": hasAccess,
	})
}

func buildRulesText(e *examdata.Exam) []string {
	rules := []string{
		formatDuration(e.DurationMinutes),
		formatQuestionCount(e.TotalQuestions, e.TotalMarks),
	}
	if e.HasNegativeMarking {
		rules = append(rules, "Negative marking applies to wrong answers.")
	}
	if !e.AllowNavigation {
		rules = append(rules, "Backward navigation between questions is disabled.")
	}
	if e.AllowMultipleAttempts {
		rules = append(rules, "Multiple attempts are allowed for this exam.")
	} else {
		rules = append(rules, "Only one attempt is allowed for this exam.")
	}
	return rules
}

func formatDuration(minutes int) string {
	return strconv.Itoa(minutes) + " minutes"
}

func formatQuestionCount(total int, marks float64) string {
	return strconv.Itoa(total) + " questions, " + strconv.FormatFloat(marks, 'f', -1, 64) + " marks total"
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	examID := chi.URLParam(r, "examId")

	res, err := s.machine.Start(r.Context(), p.UserID, examID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	body := map[string]any{
		"attemptId":     res.AttemptID,
		"timeRemaining": res.TimeRemaining,
		"resuming":      res.Resuming,
	}
	if res.Resuming {
		ok(w, body)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Status: "success", Data: body})
}

func (s *Server) questionsHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	attemptID := chi.URLParam(r, "attemptId")

	a, rendered, err := s.machine.GetQuestions(r.Context(), attemptID, p.UserID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	exam, err := s.exams.GetExam(r.Context(), a.ExamID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}

	ok(w, map[string]any{
		"attempt": map[string]any{
			"id":            a.ID,
			"timeRemaining": a.TimeRemaining,
			"status":        a.Status,
			"serverTime":    s.now().UnixMilli(),
		},
		"exam":      exam,
		"questions": rendered,
	})
}

func (s *Server) answerHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	attemptID := chi.URLParam(r, "attemptId")
	questionID := chi.URLParam(r, "questionId")

	var req answerRequest
	if err := decodeAndValidate(r, &req); err != nil {
		fail(w, s.log, err)
		return
	}

	if err := s.answers.Save(r.Context(), attemptID, p.UserID, questionID, req.SelectedOption, req.ResponseTime); err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, map[string]any{"saved": true})
}

func (s *Server) batchAnswersHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	attemptID := chi.URLParam(r, "attemptId")

	var req batchAnswersRequest
	if err := decodeAndValidate(r, &req); err != nil {
		fail(w, s.log, err)
		return
	}

	entries := make([]answers.BatchInput, len(req.Answers))
	for i, e := range req.Answers {
		entries[i] = answers.BatchInput{QuestionID: e.QuestionID, SelectedOption: e.SelectedOption, ResponseTime: e.ResponseTime}
	}
	applied, err := s.answers.SaveBatch(r.Context(), attemptID, p.UserID, entries)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, map[string]any{"updated": applied})
}

func (s *Server) timeSyncHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	attemptID := chi.URLParam(r, "attemptId")

	var req timeSyncRequest
	if err := decodeAndValidate(r, &req); err != nil {
		fail(w, s.log, err)
		return
	}

	res, err := s.timer.Sync(r.Context(), attemptID, p.UserID, req.TimeRemaining)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, map[string]any{
		"timeRemaining": res.TimeRemaining,
		"status":        res.Status,
		"serverTime":    res.ServerTime,
		"warning":       res.Warning,
	})
}

func (s *Server) timeCheckHandler(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptId")
	res, err := s.timer.Check(r.Context(), attemptID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, map[string]any{
		"timeRemaining": res.TimeRemaining,
		"status":        res.Status,
		"serverTime":    res.ServerTime,
	})
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	attemptID := chi.URLParam(r, "attemptId")

	out, err := s.pipeline.Submit(r.Context(), attemptID, p.UserID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	if out.Accepted {
		writeJSON(w, http.StatusAccepted, envelope{Status: "success", Data: map[string]any{
			"status":                  out.Status,
			"checkStatusUrl":          "/exam-attempts/status/" + attemptID,
			"estimatedProcessingTime": 5,
		}})
		return
	}
	if out.Status == "processing" {
		writeJSON(w, http.StatusTooManyRequests, envelope{Status: "error", Message: "submission already in progress"})
		return
	}
	ok(w, map[string]any{"status": out.Status, "result": out.Result})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptId")
	a, err := s.attempts.Get(r.Context(), attemptID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, map[string]any{"attemptId": a.ID, "status": a.Status})
}

func (s *Server) resultHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	attemptID := chi.URLParam(r, "attemptId")

	a, err := s.attempts.Get(r.Context(), attemptID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	if a.UserID != p.UserID && !p.IsAdmin() {
		fail(w, s.log, classify(attempt.ErrNotOwner))
		return
	}

	disclose := a.Status == attempt.StatusCompleted || a.Status == attempt.StatusTimedOut
	ok(w, map[string]any{
		"attemptId":      a.ID,
		"status":         a.Status,
		"totalMarks":     a.TotalMarks,
		"negativeMarks":  a.NegativeMarks,
		"finalScore":     a.FinalScore,
		"correctAnswers": a.CorrectAnswers,
		"wrongAnswers":   a.WrongAnswers,
		"unattempted":    a.Unattempted,
		"hasPassed":      a.HasPassed,
		"rank":           a.Rank,
		"percentile":     a.Percentile,
		"answers":        disclosedAnswers(a.Answers, disclose),
	})
}

func disclosedAnswers(answers []attempt.Answer, disclose bool) []attempt.Answer {
	if disclose {
		return answers
	}
	out := make([]attempt.Answer, len(answers))
	for i, a := range answers {
		out[i] = attempt.Answer{QuestionID: a.QuestionID, SelectedOption: a.SelectedOption, ResponseTime: a.ResponseTime}
	}
	return out
}

func (s *Server) userAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	q := r.URL.Query()

	opts := attempt.ListOpts{
		UserID: p.UserID,
		ExamID: q.Get("examId"),
		Status: attempt.Status(q.Get("status")),
		Page:   atoiDefault(q.Get("page"), 1),
		Limit:  atoiDefault(q.Get("limit"), 20),
	}
	items, total, err := s.attempts.List(r.Context(), opts)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, map[string]any{"items": items, "total": total, "page": opts.Page, "limit": opts.Limit})
}

func (s *Server) rankingsHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	examID := chi.URLParam(r, "examId")
	limit := atoiDefault(r.URL.Query().Get("limit"), 50)

	rows, fromCache, err := s.ranking.CachedList(r.Context(), examID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	if !fromCache {
		rows, err = s.ranking.Recalculate(r.Context(), examID)
		if err != nil {
			fail(w, s.log, classify(err))
			return
		}
		_ = s.ranking.Fill(r.Context(), examID, rows, s.cfg.RankingCacheTTL)
	}

	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	var own *ranking.Row
	for _, row := range rows {
		if row.UserID == p.UserID {
			r := row
			own = &r
			break
		}
	}
	okCached(w, map[string]any{"rankings": rows, "own": own}, fromCache)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
