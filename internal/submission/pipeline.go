// Package submission implements the asynchronous, idempotent submit path:
// lock acquisition, status-cache short-circuiting, the enqueue step, and
// the grader worker pool that drains the exam_submissions queue.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/analytics"
	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/examdata"
	"github.com/examattempts/engine/internal/fastkv"
	"github.com/examattempts/engine/internal/grading"
	"github.com/examattempts/engine/internal/lock"
	"github.com/examattempts/engine/internal/queue"
)

var (
	ErrLocked   = errors.New("submission: attempt is already being submitted")
	ErrNotOwner = attempt.ErrNotOwner
)

type job struct {
	AttemptID string `json:"attemptId"`
	UserID    string `json:"userId"`
}

// SubmitStatus mirrors submit:status:<attemptId> values.
type SubmitStatus string

const (
	StatusProcessing SubmitStatus = "processing"
	StatusCompleted  SubmitStatus = "completed"
)

type SubmitOutcome struct {
	Accepted bool // true => 202; false => already processing (no Result) or already completed (Result from the cache when present)
	Status   SubmitStatus
	Result   *grading.Result
}

type Pipeline struct {
	kv        *fastkv.Client
	locks     *lock.Manager
	attempts  *attempt.Store
	queue     *queue.Queue
	log       *zap.Logger
	lockTTL   time.Duration
	statusTTL time.Duration
	resultTTL time.Duration
}

func NewPipeline(kv *fastkv.Client, locks *lock.Manager, attempts *attempt.Store, q *queue.Queue, log *zap.Logger, lockTTL, statusTTL, resultTTL time.Duration) *Pipeline {
	return &Pipeline{kv: kv, locks: locks, attempts: attempts, queue: q, log: log, lockTTL: lockTTL, statusTTL: statusTTL, resultTTL: resultTTL}
}

// Submit implements the §4.6 contract in full, including the resubmission
// idempotency guarantee: a second call on a completed attempt returns the
// cached result rather than re-grading.
func (p *Pipeline) Submit(ctx context.Context, attemptID, callerUserID string) (*SubmitOutcome, error) {
	statusKey := fastkv.SubmitStatusKey(attemptID)
	resultKey := fastkv.SubmitResultKey(attemptID)

	cachedStatus, err := p.kv.Get(ctx, statusKey)
	if err == nil {
		switch SubmitStatus(cachedStatus) {
		case StatusCompleted:
			raw, err := p.kv.Get(ctx, resultKey)
			if err == nil && raw != "" {
				var res grading.Result
				if jerr := json.Unmarshal([]byte(raw), &res); jerr == nil {
					return &SubmitOutcome{Accepted: false, Status: StatusCompleted, Result: &res}, nil
				}
			}
		case StatusProcessing:
			return &SubmitOutcome{Accepted: false, Status: StatusProcessing}, nil
		}
	}

	h, err := p.locks.Acquire(ctx, fastkv.AttemptLockKey(attemptID), p.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, ErrLocked
		}
		return nil, err
	}
	defer p.locks.Release(context.WithoutCancel(ctx), h)

	// Re-check status under the lock: a concurrent caller may have finished
	// the transition between our pre-check and acquiring the lock.
	cachedStatus, _ = p.kv.Get(ctx, statusKey)
	switch SubmitStatus(cachedStatus) {
	case StatusCompleted:
		raw, _ := p.kv.Get(ctx, resultKey)
		var res grading.Result
		if raw != "" {
			if jerr := json.Unmarshal([]byte(raw), &res); jerr == nil {
				return &SubmitOutcome{Accepted: false, Status: StatusCompleted, Result: &res}, nil
			}
		}
		return &SubmitOutcome{Accepted: false, Status: StatusCompleted}, nil
	case StatusProcessing:
		return &SubmitOutcome{Accepted: false, Status: StatusProcessing}, nil
	}

	a, err := p.attempts.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.UserID != callerUserID {
		return nil, ErrNotOwner
	}
	if a.Status != attempt.StatusInProgress && a.Status != attempt.StatusTimedOut {
		return nil, attempt.ErrWrongStatus
	}

	ok, err := p.attempts.TransitionToProcessing(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race to another submitter despite the lock (e.g. an admin
		// force-complete); treat it the same as already-processing.
		return &SubmitOutcome{Accepted: false, Status: StatusProcessing}, nil
	}

	if err := p.kv.Set(ctx, statusKey, string(StatusProcessing), p.statusTTL); err != nil {
		p.log.Warn("submit status cache write failed", zap.String("attemptId", attemptID), zap.Error(err))
	}

	if err := p.queue.Push(ctx, job{AttemptID: attemptID, UserID: a.UserID}); err != nil {
		return nil, err
	}

	return &SubmitOutcome{Accepted: true, Status: StatusProcessing}, nil
}

// Grader drains the exam_submissions queue and grades each job.
type Grader struct {
	queue        *queue.Queue
	attempts     *attempt.Store
	exams        *examdata.Store
	kv           *fastkv.Client
	analytics    *analytics.Aggregator
	log          *zap.Logger
	jobBudget    time.Duration
	resultTTL    time.Duration
	statusTTL    time.Duration
	maxRetries   int
	shardBuckets int
}

func NewGrader(q *queue.Queue, attempts *attempt.Store, exams *examdata.Store, kv *fastkv.Client, agg *analytics.Aggregator, log *zap.Logger, jobBudget, resultTTL, statusTTL time.Duration, shardBuckets int) *Grader {
	return &Grader{queue: q, attempts: attempts, exams: exams, kv: kv, analytics: agg, log: log, jobBudget: jobBudget, resultTTL: resultTTL, statusTTL: statusTTL, maxRetries: 2, shardBuckets: shardBuckets}
}

// Run blocks, popping jobs until ctx is cancelled. It is the body a grader
// worker goroutine (or a standalone grader process) runs.
func (g *Grader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var j job
		ok, err := g.queue.Pop(ctx, 2*time.Second, &j)
		if err != nil {
			g.log.Warn("grader dequeue failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		g.processWithBudget(ctx, j)
	}
}

func (g *Grader) processWithBudget(parent context.Context, j job) {
	ctx, cancel := context.WithTimeout(parent, g.jobBudget)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		lastErr = g.processOnce(ctx, j)
		if lastErr == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break
		case <-time.After(2 * time.Second):
		}
	}

	if lastErr != nil {
		g.log.Error("grader job failed permanently", zap.String("attemptId", j.AttemptID), zap.Error(lastErr))
		if err := g.attempts.SetError(parent, j.AttemptID, lastErr.Error()); err != nil {
			g.log.Error("failed to stamp attempt error status", zap.String("attemptId", j.AttemptID), zap.Error(err))
		}
	}
}

func (g *Grader) processOnce(ctx context.Context, j job) error {
	a, err := g.attempts.Get(ctx, j.AttemptID)
	if err != nil {
		return err
	}
	if a.Status != attempt.StatusProcessing {
		// Already handled by a previous attempt at this job (e.g. a retry
		// racing a prior successful commit); nothing to do.
		return nil
	}

	exam, err := g.exams.GetExam(ctx, a.ExamID)
	if err != nil {
		return err
	}

	ids := make([]string, len(a.Answers))
	for i, ans := range a.Answers {
		ids[i] = ans.QuestionID
	}
	questions, err := g.exams.GetQuestions(ctx, ids)
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
	if err := g.attempts.SaveGraded(ctx, a, now); err != nil {
		return err
	}

	raw, err := json.Marshal(result)
	if err == nil {
		if err := g.kv.Set(ctx, fastkv.SubmitResultKey(j.AttemptID), string(raw), g.resultTTL); err != nil {
			g.log.Warn("submit result cache write failed", zap.String("attemptId", j.AttemptID), zap.Error(err))
		}
	}
	if err := g.kv.Set(ctx, fastkv.SubmitStatusKey(j.AttemptID), string(StatusCompleted), g.statusTTL); err != nil {
		g.log.Warn("submit status cache write failed", zap.String("attemptId", j.AttemptID), zap.Error(err))
	}
	g.invalidateFamily(ctx, a)

	g.analytics.Enqueue(ctx, analytics.Delta{
		ExamID:    a.ExamID,
		Attempted: 1,
		Completed: 1,
		Passed:    boolToInt(a.HasPassed),
		Failed:    boolToInt(!a.HasPassed),
		ScoreSum:  a.FinalScore,
	})

	return nil
}

// invalidateFamily fans out over the same cache family admin.Ops does
// (spec.md §4.6.e: clear the answer-cache key and invalidate per-user,
// per-exam derived caches) so the dominant, non-admin completion path
// doesn't leave stale rankings, answer mirrors, or categorized-view
// entries behind it.
func (g *Grader) invalidateFamily(ctx context.Context, a *attempt.Attempt) {
	ids := make([]string, len(a.Answers))
	for i, ans := range a.Answers {
		ids[i] = ans.QuestionID
	}
	keys := fastkv.AttemptCacheFamily(a.ID, a.ExamID, a.UserID, ids, g.shardBuckets)
	if err := g.kv.Del(ctx, keys...); err != nil {
		g.log.Warn("grader cache invalidation failed", zap.String("attemptId", a.ID), zap.Error(err))
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
