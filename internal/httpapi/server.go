// Package httpapi is the HTTP surface: one Server struct holding every
// collaborator a handler might need, chi routing, and a centralized
// error-to-status mapping (internal/httpapi/apierr) instead of the
// teacher's per-handler switch statement.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/admin"
	"github.com/examattempts/engine/internal/answers"
	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/audit"
	"github.com/examattempts/engine/internal/entitlement"
	"github.com/examattempts/engine/internal/examdata"
	"github.com/examattempts/engine/internal/identity"
	"github.com/examattempts/engine/internal/ranking"
	"github.com/examattempts/engine/internal/rbac"
	"github.com/examattempts/engine/internal/submission"
	"github.com/examattempts/engine/internal/timer"
)

type Config struct {
	JWTSecret       string
	CORSOrigins     []string
	RankingCacheTTL time.Duration
}

type Server struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	exams       *examdata.Store
	attempts    *attempt.Store
	machine     *attempt.Machine
	answers     *answers.Writer
	timer       *timer.Service
	pipeline    *submission.Pipeline
	ranking     *ranking.Service
	entitlement *entitlement.Oracle
	admin       *admin.Ops
	audit       audit.Repo

	rbacMW *rbac.Middleware
}

func NewServer(
	cfg Config,
	log *zap.Logger,
	now func() time.Time,
	exams *examdata.Store,
	attempts *attempt.Store,
	machine *attempt.Machine,
	answerWriter *answers.Writer,
	timerSvc *timer.Service,
	pipeline *submission.Pipeline,
	rankingSvc *ranking.Service,
	entitlementOracle *entitlement.Oracle,
	identityOracle *identity.Oracle,
	adminOps *admin.Ops,
	auditRepo audit.Repo,
) *Server {
	return &Server{
		cfg: cfg, log: log, now: now,
		exams: exams, attempts: attempts, machine: machine, answers: answerWriter,
		timer: timerSvc, pipeline: pipeline, ranking: rankingSvc,
		entitlement: entitlementOracle, admin: adminOps, audit: auditRepo,
		rbacMW: rbac.NewMiddleware(cfg.JWTSecret, identityOracle),
	}
}

// Router builds the full chi mux: ambient middleware matching the teacher's
// gateway chain, CORS, then the candidate and admin route groups each
// mounted behind their own auth requirement.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/exam-attempts", func(api chi.Router) {
		api.Use(s.rbacMW.RequireAuth)

		api.Get("/rules/{examId}", s.rulesHandler)
		api.Post("/start/{examId}", s.startHandler)
		api.Get("/questions/{attemptId}", s.questionsHandler)
		api.Post("/answer/{attemptId}/{questionId}", s.answerHandler)
		api.Post("/batch-answers/{attemptId}", s.batchAnswersHandler)
		api.Put("/time/{attemptId}", s.timeSyncHandler)
		api.Get("/time-check/{attemptId}", s.timeCheckHandler)
		api.Post("/submit/{attemptId}", s.submitHandler)
		api.Get("/status/{attemptId}", s.statusHandler)
		api.Get("/result/{attemptId}", s.resultHandler)
		api.Get("/user-attempts", s.userAttemptsHandler)
		api.Get("/rankings/{examId}", s.rankingsHandler)

		api.Group(func(adminR chi.Router) {
			adminR.Use(rbac.RequireAdmin)
			adminR.Post("/calculate-rankings/{examId}", s.calculateRankingsHandler)
			adminR.Get("/export-rankings/{examId}", s.exportRankingsHandler)
			adminR.Get("/admin-rankings/{examId}", s.adminRankingsHandler)
			adminR.Get("/student-result/{attemptId}", s.studentResultHandler)
			adminR.Get("/exam/{examId}/results", s.examResultsHandler)
			adminR.Post("/recalculate/{attemptId}", s.recalculateHandler)
			adminR.Post("/force-status/{attemptId}", s.forceStatusHandler)
			adminR.Delete("/{attemptId}", s.deleteAttemptHandler)
		})
	})

	return r
}
