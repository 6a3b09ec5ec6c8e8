// Package ranking computes dense ranks and percentiles over an exam's
// completed attempts, writing both back onto each attempt and maintaining
// a cached top-N list for the rankings endpoint.
package ranking

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/fastkv"
)

type Service struct {
	attempts *attempt.Store
	kv       *fastkv.Client
}

func NewService(attempts *attempt.Store, kv *fastkv.Client) *Service {
	return &Service{attempts: attempts, kv: kv}
}

type Row struct {
	AttemptID  string  `json:"attemptId"`
	UserID     string  `json:"userId"`
	FinalScore float64 `json:"finalScore"`
	Rank       int     `json:"rank"`
	Percentile float64 `json:"percentile"`
}

func cacheKey(examID string) string { return fmt.Sprintf("rankings:%s", examID) }

// Recalculate loads every completed attempt for examID, assigns dense
// ranks with identical scores sharing a rank, writes rank/percentile back
// onto each attempt, and invalidates the cached rankings list so the next
// read recomputes it.
func (s *Service) Recalculate(ctx context.Context, examID string) ([]Row, error) {
	attempts, err := s.attempts.ListCompletedByExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	n := len(attempts)
	rows := make([]Row, n)

	rank := 0
	var prevScore float64
	haveScore := false
	for i, a := range attempts {
		if !haveScore || a.FinalScore != prevScore {
			rank++
			prevScore = a.FinalScore
			haveScore = true
		}
		percentile := math.Round((float64(n-rank)/float64(n)*100)*100) / 100
		rows[i] = Row{AttemptID: a.ID, UserID: a.UserID, FinalScore: a.FinalScore, Rank: rank, Percentile: percentile}
		if err := s.attempts.UpdateRankPercentile(ctx, a.ID, rank, percentile); err != nil {
			return nil, err
		}
	}

	if err := s.kv.Del(ctx, cacheKey(examID)); err != nil {
		return nil, err
	}
	return rows, nil
}

// CachedList returns the cached rankings list, or ok=false on a cache miss
// (the caller should recompute from the durable store and repopulate via
// Fill — the fast store is purely a derived projection here).
func (s *Service) CachedList(ctx context.Context, examID string) (rows []Row, ok bool, err error) {
	raw, err := s.kv.Get(ctx, cacheKey(examID))
	if err != nil || raw == "" {
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

func (s *Service) Fill(ctx context.Context, examID string, rows []Row, ttl time.Duration) error {
	b, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, cacheKey(examID), string(b), ttl)
}
