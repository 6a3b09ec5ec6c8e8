// Package answers implements the single and batch answer-save paths: atomic
// positional updates against the durable store, plus a best-effort mirror
// into the fast store for the grader's fast path.
package answers

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/fastkv"
)

type Writer struct {
	attempts *attempt.Store
	kv       *fastkv.Client
	log      *zap.Logger
	cacheTTL time.Duration
}

func NewWriter(attempts *attempt.Store, kv *fastkv.Client, log *zap.Logger, cacheTTL time.Duration) *Writer {
	return &Writer{attempts: attempts, kv: kv, log: log, cacheTTL: cacheTTL}
}

// Save applies one positional update, verifying ownership and in-progress
// status before touching the row.
func (w *Writer) Save(ctx context.Context, attemptID, callerUserID, questionID string, sel attempt.Selection, responseTime int) error {
	a, err := w.attempts.Get(ctx, attemptID)
	if err != nil {
		return err
	}
	if a.UserID != callerUserID {
		return attempt.ErrNotOwner
	}

	if _, err := w.attempts.UpdateAnswer(ctx, attemptID, questionID, sel, responseTime); err != nil {
		return err
	}

	w.mirrorBestEffort(ctx, attemptID, questionID, sel, responseTime)
	return nil
}

type BatchInput struct {
	QuestionID   string
	SelectedOption attempt.Selection
	ResponseTime int
}

// SaveBatch applies every entry as an unordered bulk; invalid question ids
// are silently skipped by the store, and an empty valid set is an error.
func (w *Writer) SaveBatch(ctx context.Context, attemptID, callerUserID string, entries []BatchInput) (applied int, err error) {
	a, err := w.attempts.Get(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	if a.UserID != callerUserID {
		return 0, attempt.ErrNotOwner
	}

	storeEntries := make([]attempt.BatchEntry, len(entries))
	for i, e := range entries {
		storeEntries[i] = attempt.BatchEntry{
			QuestionID:   e.QuestionID,
			Selection:    e.SelectedOption,
			ResponseTime: e.ResponseTime,
		}
	}

	applied, err = w.attempts.BatchUpdate(ctx, attemptID, storeEntries)
	if err != nil {
		return 0, err
	}

	for _, e := range entries {
		w.mirrorBestEffort(ctx, attemptID, e.QuestionID, e.SelectedOption, e.ResponseTime)
	}
	return applied, nil
}

// mirrorBestEffort writes the updated answer into the fast store for the
// grader fast path. Failures are logged and swallowed: the durable store
// already holds the authoritative write, so the fast store is purely an
// optimization here.
func (w *Writer) mirrorBestEffort(ctx context.Context, attemptID, questionID string, sel attempt.Selection, responseTime int) {
	payload, err := json.Marshal(struct {
		QuestionID     string            `json:"questionId"`
		SelectedOption attempt.Selection `json:"selectedOption"`
		ResponseTime   int               `json:"responseTime"`
	}{questionID, sel, responseTime})
	if err != nil {
		w.log.Warn("answer mirror marshal failed", zap.Error(err))
		return
	}
	key := fastkv.AttemptKey(attemptID) + ":answer:" + questionID
	if err := w.kv.Set(ctx, key, string(payload), w.cacheTTL); err != nil {
		w.log.Warn("answer mirror write failed", zap.String("attemptId", attemptID), zap.Error(err))
	}
}
