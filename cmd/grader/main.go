// Command grader is a standalone grading worker: it shares nothing with
// attemptd except the durable store, fast store, and queue, so grading
// throughput can be scaled out independently of the HTTP surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/analytics"
	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/config"
	"github.com/examattempts/engine/internal/db"
	"github.com/examattempts/engine/internal/examdata"
	"github.com/examattempts/engine/internal/fastkv"
	"github.com/examattempts/engine/internal/logging"
	"github.com/examattempts/engine/internal/queue"
	"github.com/examattempts/engine/internal/submission"
)

func main() {
	cfg := config.FromEnv()

	logger := logging.New(os.Getenv("ENV") != "production")
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}

	kv := fastkv.New(fastkv.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, logger)
	exams := examdata.NewStore(dbh)
	attempts := attempt.NewStore(dbh)

	submissionQ := queue.New(kv, fastkv.QueueExamSubmissions)
	analyticsQ := queue.New(kv, fastkv.QueueAnalyticsUpdate)
	agg := analytics.NewAggregator(analyticsQ, dbh, kv, logger)
	grader := submission.NewGrader(submissionQ, attempts, exams, kv, agg, logger, cfg.GraderJobBudget, cfg.SubmitResultTTL, cfg.SubmitStatusTTL, cfg.ShardBuckets)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers := cfg.GraderWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger.Info("grader worker starting", zap.Int("workers", workers))

	done := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go func() {
			grader.Run(runCtx)
			done <- struct{}{}
		}()
	}

	for i := 0; i < workers; i++ {
		<-done
	}
	logger.Info("grader worker stopped")
}
