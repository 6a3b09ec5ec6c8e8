// Package admin implements the admin-only operations: force-complete,
// recalculate, and delete. Each acquires its own operation-specific lock,
// stamps audit fields, invalidates cache families, and emits the matching
// analytics signal — the same fan-out normal grading completion does, plus
// an audit trail entry.
package admin

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/analytics"
	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/audit"
	"github.com/examattempts/engine/internal/examdata"
	"github.com/examattempts/engine/internal/fastkv"
	"github.com/examattempts/engine/internal/grading"
	"github.com/examattempts/engine/internal/lock"
)

var ErrAlreadyCompleted = errors.New("admin: attempt already completed")

type Ops struct {
	attempts     *attempt.Store
	exams        *examdata.Store
	locks        *lock.Manager
	kv           *fastkv.Client
	analytics    *analytics.Aggregator
	audit        audit.Repo
	log          *zap.Logger
	lockTTL      time.Duration
	shardBuckets int
}

func NewOps(attempts *attempt.Store, exams *examdata.Store, locks *lock.Manager, kv *fastkv.Client, agg *analytics.Aggregator, auditRepo audit.Repo, log *zap.Logger, lockTTL time.Duration, shardBuckets int) *Ops {
	return &Ops{attempts: attempts, exams: exams, locks: locks, kv: kv, analytics: agg, audit: auditRepo, log: log, lockTTL: lockTTL, shardBuckets: shardBuckets}
}

// ForceComplete grades the attempt as-is (whatever answers are currently
// saved) and transitions it to completed, stamping the admin principal and
// a manuallyCompleted flag. It never recovers silently from a precondition
// mismatch: an already-completed attempt is a hard failure, not a no-op.
func (o *Ops) ForceComplete(ctx context.Context, attemptID, adminID string) error {
	key := "lock:status:" + attemptID
	return o.locks.WithLock(ctx, key, o.lockTTL, func(ctx context.Context) error {
		a, err := o.attempts.Get(ctx, attemptID)
		if err != nil {
			return err
		}
		if a.Status == attempt.StatusCompleted {
			return ErrAlreadyCompleted
		}

		exam, err := o.exams.GetExam(ctx, a.ExamID)
		if err != nil {
			return err
		}
		ids := make([]string, len(a.Answers))
		for i, ans := range a.Answers {
			ids[i] = ans.QuestionID
		}
		questions, err := o.exams.GetQuestions(ctx, ids)
		if err != nil {
			return err
		}

		result := grading.Grade(exam, questions, a)
		a.Answers = result.Answers
		a.TotalMarks = result.TotalMarks
		a.NegativeMarks = result.NegativeMarks
		a.FinalScore = result.FinalScore
		a.CorrectAnswers = result.CorrectAnswers
		a.WrongAnswers = result.WrongAnswers
		a.Unattempted = result.Unattempted
		a.HasPassed = result.HasPassed

		now := time.Now().Unix()
		if err := o.attempts.ForceComplete(ctx, a, now, adminID, now); err != nil {
			return err
		}

		o.invalidateFamily(ctx, a)
		o.analytics.Enqueue(ctx, analytics.Delta{ExamID: a.ExamID, Completed: 1, Passed: boolToInt(a.HasPassed), Failed: boolToInt(!a.HasPassed), ScoreSum: a.FinalScore})
		return o.audit.Append(ctx, audit.Event{Type: audit.EventForceCompleted, Key: attemptID, Data: []byte(`{"adminId":"` + adminID + `"}`), CreatedAt: now})
	})
}

// Recalculate re-runs the grader against the attempt's current answers and
// the catalog's current questions, picking up any change to a question's
// correctAnswer since the attempt was originally graded.
func (o *Ops) Recalculate(ctx context.Context, attemptID, adminID string) error {
	key := "lock:recalc:" + attemptID
	return o.locks.WithLock(ctx, key, o.lockTTL, func(ctx context.Context) error {
		a, err := o.attempts.Get(ctx, attemptID)
		if err != nil {
			return err
		}

		exam, err := o.exams.GetExam(ctx, a.ExamID)
		if err != nil {
			return err
		}
		ids := make([]string, len(a.Answers))
		for i, ans := range a.Answers {
			ids[i] = ans.QuestionID
		}
		questions, err := o.exams.GetQuestions(ctx, ids)
		if err != nil {
			return err
		}

		result := grading.Grade(exam, questions, a)
		a.Answers = result.Answers
		a.TotalMarks = result.TotalMarks
		a.NegativeMarks = result.NegativeMarks
		a.FinalScore = result.FinalScore
		a.CorrectAnswers = result.CorrectAnswers
		a.WrongAnswers = result.WrongAnswers
		a.Unattempted = result.Unattempted
		a.HasPassed = result.HasPassed

		endTime := time.Now().Unix()
		if a.EndTime != nil {
			endTime = *a.EndTime
		}
		if err := o.attempts.SaveGraded(ctx, a, endTime); err != nil {
			return err
		}
		now := time.Now().Unix()
		if err := o.attempts.StampRecalculated(ctx, attemptID, adminID, now); err != nil {
			return err
		}

		o.invalidateFamily(ctx, a)
		o.analytics.Enqueue(ctx, analytics.Delta{ExamID: a.ExamID, Recalculated: 1})
		return o.audit.Append(ctx, audit.Event{Type: audit.EventRecalculated, Key: attemptID, Data: []byte(`{"adminId":"` + adminID + `"}`), CreatedAt: now})
	})
}

// Delete removes the attempt outright, fans out cache invalidation, clears
// any live timer entry, and emits a decrement analytics delta matching the
// attempt's status at the time of deletion.
func (o *Ops) Delete(ctx context.Context, attemptID, adminID string) error {
	key := "lock:delete:" + attemptID
	return o.locks.WithLock(ctx, key, o.lockTTL, func(ctx context.Context) error {
		a, err := o.attempts.Get(ctx, attemptID)
		if err != nil {
			return err
		}

		delta := analytics.Delta{ExamID: a.ExamID}
		switch a.Status {
		case attempt.StatusCompleted:
			delta.Completed = -1
			if a.HasPassed {
				delta.Passed = -1
			} else {
				delta.Failed = -1
			}
		case attempt.StatusInProgress:
			delta.Attempted = -1
		}

		if err := o.attempts.Delete(ctx, attemptID); err != nil {
			return err
		}

		o.invalidateFamily(ctx, a)
		o.analytics.Enqueue(ctx, delta)

		now := time.Now().Unix()
		return o.audit.Append(ctx, audit.Event{Type: audit.EventDeleted, Key: attemptID, Data: []byte(`{"adminId":"` + adminID + `"}`), CreatedAt: now})
	})
}

// invalidateFamily fans out over the same cache family normal grading
// completion invalidates (spec.md §4.10: admin ops "invalidate the same
// cache families as normal completion"), plus submit:status/result: unlike
// the grader, admin never writes a fresher value into those keys itself, so
// clearing them here just forces the next Submit call to fall back to the
// durable store instead of serving a now-stale cached status.
func (o *Ops) invalidateFamily(ctx context.Context, a *attempt.Attempt) {
	ids := make([]string, len(a.Answers))
	for i, ans := range a.Answers {
		ids[i] = ans.QuestionID
	}
	keys := fastkv.AttemptCacheFamily(a.ID, a.ExamID, a.UserID, ids, o.shardBuckets)
	keys = append(keys, fastkv.SubmitStatusKey(a.ID), fastkv.SubmitResultKey(a.ID))
	if err := o.kv.Del(ctx, keys...); err != nil {
		o.log.Warn("admin cache invalidation failed", zap.String("attemptId", a.ID), zap.Error(err))
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
