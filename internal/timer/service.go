// Package timer implements the authoritative countdown: an absolute end
// time anchored in the fast store, with timeout detection feeding the
// submission pipeline's timed-out queue. Sync records in the snapshot's
// lastDbSync when a durable sync is due, but it writes only the fast-store
// snapshot; nothing is written back to the durable store.
package timer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/fastkv"
	"github.com/examattempts/engine/internal/queue"
)

var ErrNotFound = errors.New("timer: no timer entry for attempt")

type snapshot struct {
	TimeRemaining   int64 `json:"timeRemaining"`
	AbsoluteEndTime int64 `json:"absoluteEndTime"`
	LastSyncTime    int64 `json:"lastSyncTime"`
	UserID          string `json:"userId"`
	LastDBSync      int64 `json:"lastDbSync"`
	ProcessingStarted int64 `json:"processingStarted,omitempty"`
}

type Clock func() time.Time

type Service struct {
	kv          *fastkv.Client
	attempts    *attempt.Store
	timedOutQ   *queue.Queue
	log         *zap.Logger
	now         Clock
	trailingTTL time.Duration
}

func NewService(kv *fastkv.Client, attempts *attempt.Store, timedOutQ *queue.Queue, log *zap.Logger, now Clock, trailingTTL time.Duration) *Service {
	return &Service{kv: kv, attempts: attempts, timedOutQ: timedOutQ, log: log, now: now, trailingTTL: trailingTTL}
}

type SyncResult struct {
	TimeRemaining int64
	Status        attempt.Status
	ServerTime    int64
	Warning       string
}

// Sync handles a client time-sync. Once the attempt has left in-progress
// the call is an idempotent no-op that still returns 2xx with a warning,
// per the cancellation rule: the client must never be destabilized by a
// timer call racing a submit.
func (s *Service) Sync(ctx context.Context, attemptID, userID string, clientTimeRemaining int64) (*SyncResult, error) {
	a, err := s.attempts.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.Status != attempt.StatusInProgress {
		return &SyncResult{Status: a.Status, ServerTime: s.now().UnixMilli(), Warning: "attempt is no longer in progress"}, nil
	}

	now := s.now()
	snap := snapshot{
		TimeRemaining:   clientTimeRemaining,
		AbsoluteEndTime: now.UnixMilli() + clientTimeRemaining*1000,
		LastSyncTime:    now.UnixMilli(),
		UserID:          userID,
	}

	needsDurableSync := clientTimeRemaining <= 300
	if a.LastDBSync == nil {
		needsDurableSync = true
	} else if now.Unix()-*a.LastDBSync > 5*60 {
		needsDurableSync = true
	}
	if needsDurableSync {
		snap.LastDBSync = now.Unix()
	} else if a.LastDBSync != nil {
		snap.LastDBSync = *a.LastDBSync
	}

	b, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(clientTimeRemaining)*time.Second + s.trailingTTL
	if ttl < s.trailingTTL {
		ttl = s.trailingTTL
	}
	if err := s.kv.Set(ctx, fastkv.AttemptKey(attemptID)+":timer", string(b), ttl); err != nil {
		s.log.Warn("timer snapshot write failed", zap.String("attemptId", attemptID), zap.Error(err))
	}

	if clientTimeRemaining <= 0 {
		if err := s.timedOutQ.Push(ctx, struct {
			AttemptID string `json:"attemptId"`
			UserID    string `json:"userId"`
		}{attemptID, userID}); err != nil {
			s.log.Warn("timed-out enqueue failed", zap.String("attemptId", attemptID), zap.Error(err))
		}
		return &SyncResult{TimeRemaining: 0, Status: attempt.StatusTimedOut, ServerTime: now.UnixMilli()}, nil
	}

	return &SyncResult{TimeRemaining: clientTimeRemaining, Status: attempt.StatusInProgress, ServerTime: now.UnixMilli()}, nil
}

// Check implements the time-query endpoint: reads absoluteEndTime from the
// fast store and projects the remaining duration from it, rather than
// trusting any stored countdown value directly.
func (s *Service) Check(ctx context.Context, attemptID string) (*SyncResult, error) {
	raw, err := s.kv.Get(ctx, fastkv.AttemptKey(attemptID)+":timer")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, ErrNotFound
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, err
	}

	now := s.now()
	remainingMs := snap.AbsoluteEndTime - now.UnixMilli()
	if remainingMs < 0 {
		remainingMs = 0
	}
	return &SyncResult{
		TimeRemaining: remainingMs / 1000,
		Status:        attempt.StatusInProgress,
		ServerTime:    now.UnixMilli(),
	}, nil
}
