// Package analytics implements the per-exam counter aggregator: additive
// deltas arrive on a queue, a background consumer folds them into in-memory
// counters, and a slower periodic task flushes
// those counters to the durable store. This trades immediate durable
// consistency for avoiding per-request write contention on hot exams.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/fastkv"
	"github.com/examattempts/engine/internal/queue"
)

type Delta struct {
	ExamID      string  `json:"examId"`
	Attempted   int     `json:"attempted"`
	Completed   int     `json:"completed"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	Recalculated int    `json:"recalculated"`
	Deleted     int     `json:"deleted"`
	ScoreSum    float64 `json:"scoreSum"`
}

type counters struct {
	attempted, completed, passed, failed int
	scoreSum                             float64
	dirty                                bool
}

var (
	flushedExams = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "examattempts_analytics_flush_total",
		Help: "Number of exams flushed to the durable store by the analytics aggregator.",
	})
	queueDrainLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "examattempts_analytics_drain_seconds",
		Help:    "Time spent draining the analytics queue per cycle.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(flushedExams, queueDrainLatency)
}

type Aggregator struct {
	q   *queue.Queue
	db  *sqlx.DB
	log *zap.Logger
	kv  *fastkv.Client

	mu     sync.Mutex
	byExam map[string]*counters
}

func NewAggregator(q *queue.Queue, db *sqlx.DB, kv *fastkv.Client, log *zap.Logger) *Aggregator {
	return &Aggregator{q: q, db: db, kv: kv, log: log, byExam: make(map[string]*counters)}
}

// Enqueue is the producer side: pushes a delta onto the queue rather than
// touching the in-memory map directly, so it's safe to call from any
// request-handling goroutine.
func (a *Aggregator) Enqueue(ctx context.Context, d Delta) {
	if err := a.q.Push(ctx, d); err != nil {
		a.log.Warn("analytics enqueue failed", zap.String("examId", d.ExamID), zap.Error(err))
	}
}

// RunConsumer drains the queue every tick, folding deltas into in-memory
// counters, until ctx is cancelled.
func (a *Aggregator) RunConsumer(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drainOnce(ctx)
		}
	}
}

func (a *Aggregator) drainOnce(ctx context.Context) {
	start := time.Now()
	defer func() { queueDrainLatency.Observe(time.Since(start).Seconds()) }()

	for {
		var d Delta
		ok, err := a.q.Pop(ctx, 100*time.Millisecond, &d)
		if err != nil || !ok {
			return
		}
		a.apply(d)
	}
}

func (a *Aggregator) apply(d Delta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byExam[d.ExamID]
	if !ok {
		c = &counters{}
		a.byExam[d.ExamID] = c
	}
	c.attempted += d.Attempted
	c.completed += d.Completed - d.Deleted
	c.passed += d.Passed
	c.failed += d.Failed
	c.scoreSum += d.ScoreSum
	c.dirty = true
}

// RunFlusher periodically persists dirty counters to the durable store as
// atomic increments, separate from RunConsumer so the queue-draining cadence
// and the durable-write cadence can be tuned independently.
func (a *Aggregator) RunFlusher(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flushOnce(ctx)
		}
	}
}

func (a *Aggregator) flushOnce(ctx context.Context) {
	a.mu.Lock()
	dirty := make(map[string]counters, len(a.byExam))
	for examID, c := range a.byExam {
		if !c.dirty {
			continue
		}
		dirty[examID] = *c
		c.attempted, c.completed, c.passed, c.failed, c.scoreSum, c.dirty = 0, 0, 0, 0, 0, false
	}
	a.mu.Unlock()

	for examID, c := range dirty {
		if err := a.flushExam(ctx, examID, c); err != nil {
			a.log.Error("analytics flush failed", zap.String("examId", examID), zap.Error(err))
			// Re-fold the failed delta back in so it isn't lost.
			a.mu.Lock()
			back := a.byExam[examID]
			back.attempted += c.attempted
			back.completed += c.completed
			back.passed += c.passed
			back.failed += c.failed
			back.scoreSum += c.scoreSum
			back.dirty = true
			a.mu.Unlock()
			continue
		}
		flushedExams.Inc()
	}
}

func (a *Aggregator) flushExam(ctx context.Context, examID string, c counters) error {
	_, err := a.db.ExecContext(ctx, a.db.Rebind(`
		INSERT INTO exam_analytics (exam_id, total_attempted, total_completed, total_passed, total_failed, score_sum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exam_id) DO UPDATE SET
			total_attempted = exam_analytics.total_attempted + excluded.total_attempted,
			total_completed = exam_analytics.total_completed + excluded.total_completed,
			total_passed    = exam_analytics.total_passed + excluded.total_passed,
			total_failed    = exam_analytics.total_failed + excluded.total_failed,
			score_sum       = exam_analytics.score_sum + excluded.score_sum,
			updated_at      = excluded.updated_at`),
		examID, c.attempted, c.completed, c.passed, c.failed, c.scoreSum, time.Now().Unix())
	return err
}

// Snapshot returns a copy of the in-memory counters for examID, for tests
// and admin introspection.
func (a *Aggregator) Snapshot(examID string) (attempted, completed, passed, failed int, scoreSum float64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byExam[examID]
	if !ok {
		return 0, 0, 0, 0, 0, false
	}
	return c.attempted, c.completed, c.passed, c.failed, c.scoreSum, true
}
