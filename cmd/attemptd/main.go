// Command attemptd is the engine's primary process: HTTP surface plus the
// in-process background workers (grader pool, timed-out/analytics
// consumers, periodic flusher) that a single-binary deployment needs.
// Horizontal scale-out of grading alone uses cmd/grader instead.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/admin"
	"github.com/examattempts/engine/internal/analytics"
	"github.com/examattempts/engine/internal/answers"
	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/audit"
	"github.com/examattempts/engine/internal/config"
	"github.com/examattempts/engine/internal/db"
	"github.com/examattempts/engine/internal/entitlement"
	"github.com/examattempts/engine/internal/examdata"
	"github.com/examattempts/engine/internal/fastkv"
	"github.com/examattempts/engine/internal/httpapi"
	"github.com/examattempts/engine/internal/identity"
	"github.com/examattempts/engine/internal/lock"
	"github.com/examattempts/engine/internal/logging"
	"github.com/examattempts/engine/internal/queue"
	"github.com/examattempts/engine/internal/ranking"
	"github.com/examattempts/engine/internal/storage"
	"github.com/examattempts/engine/internal/submission"
	"github.com/examattempts/engine/internal/timer"
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
	locks := lock.NewManager(kv)

	exams := examdata.NewStore(dbh)
	attempts := attempt.NewStore(dbh)
	identityOracle := identity.NewOracle(dbh, kv, cfg.IdentityCacheTTL)
	entitlementOracle := entitlement.NewOracle(dbh, kv, cfg.EntitlementCacheTTL)
	machine := attempt.NewMachine(exams, attempts, entitlementOracle, func() int64 { return time.Now().Unix() })
	answerWriter := answers.NewWriter(attempts, kv, logger, cfg.AnswerCacheTTL)

	submissionQ := queue.New(kv, fastkv.QueueExamSubmissions)
	timedOutQ := queue.New(kv, fastkv.QueueTimedOut)
	analyticsQ := queue.New(kv, fastkv.QueueAnalyticsUpdate)

	timerSvc := timer.NewService(kv, attempts, timedOutQ, logger, time.Now, cfg.TimerTrailingTTL)
	pipeline := submission.NewPipeline(kv, locks, attempts, submissionQ, logger, cfg.SubmissionLockTTL, cfg.SubmitStatusTTL, cfg.SubmitResultTTL)

	agg := analytics.NewAggregator(analyticsQ, dbh, kv, logger)
	rankingSvc := ranking.NewService(attempts, kv)
	auditRepo := audit.NewSQLRepo(dbh)
	adminOps := admin.NewOps(attempts, exams, locks, kv, agg, auditRepo, logger, cfg.AdminLockTTL, cfg.ShardBuckets)

	if _, err := storage.NewFSStore(cfg.BlobBasePath); err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	workers := cfg.GraderWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	grader := submission.NewGrader(submissionQ, attempts, exams, kv, agg, logger, cfg.GraderJobBudget, cfg.SubmitResultTTL, cfg.SubmitStatusTTL, cfg.ShardBuckets)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for i := 0; i < workers; i++ {
		go grader.Run(runCtx)
	}
	go timedOutGraderBridge(runCtx, timedOutQ, pipeline, logger)
	go agg.RunConsumer(runCtx, 500*time.Millisecond)
	go agg.RunFlusher(runCtx, cfg.AnalyticsFlushPeriod)

	srv := httpapi.NewServer(
		httpapi.Config{JWTSecret: cfg.JWTSecret, CORSOrigins: cfg.CORSOrigins, RankingCacheTTL: cfg.DurableSyncInterval},
		logger, time.Now,
		exams, attempts, machine, answerWriter, timerSvc, pipeline, rankingSvc,
		entitlementOracle, identityOracle, adminOps, auditRepo,
	)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-runCtx.Done()
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// timedOutGraderBridge drains the timed-out queue and drives each attempt
// through the normal submit pipeline, so a client that never calls submit
// after its timer expires still gets graded exactly like an explicit
// submission would.
func timedOutGraderBridge(ctx context.Context, in *queue.Queue, pipeline *submission.Pipeline, logger *zap.Logger) {
	type timedOutJob struct {
		AttemptID string `json:"attemptId"`
		UserID    string `json:"userId"`
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var j timedOutJob
		found, err := in.Pop(ctx, 2*time.Second, &j)
		if err != nil {
			logger.Warn("timed-out dequeue failed", zap.Error(err))
			continue
		}
		if !found {
			continue
		}
		if _, err := pipeline.Submit(ctx, j.AttemptID, j.UserID); err != nil {
			logger.Warn("timed-out auto-submit failed", zap.String("attemptId", j.AttemptID), zap.Error(err))
		}
	}
}
