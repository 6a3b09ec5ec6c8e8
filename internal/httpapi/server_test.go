package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/admin"
	"github.com/examattempts/engine/internal/analytics"
	"github.com/examattempts/engine/internal/answers"
	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/audit"
	"github.com/examattempts/engine/internal/db"
	"github.com/examattempts/engine/internal/entitlement"
	"github.com/examattempts/engine/internal/examdata"
	"github.com/examattempts/engine/internal/fastkv"
	"github.com/examattempts/engine/internal/httpapi"
	"github.com/examattempts/engine/internal/identity"
	"github.com/examattempts/engine/internal/lock"
	"github.com/examattempts/engine/internal/queue"
	"github.com/examattempts/engine/internal/ranking"
	"github.com/examattempts/engine/internal/rbac"
	"github.com/examattempts/engine/internal/submission"
	"github.com/examattempts/engine/internal/timer"
)

const jwtSecret = "server-test-secret"

var dsnCounter int

type testServer struct {
	router http.Handler
	conn   *sqlx.DB
	kv     *fastkv.Client
	grader *submission.Grader
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dsnCounter++
	dsn := fmt.Sprintf("file:httpapi_test_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", dsnCounter)
	conn, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	kv := fastkv.New(fastkv.Config{Addr: mr.Addr()}, zap.NewNop())

	log := zap.NewNop()
	exams := examdata.NewStore(conn)
	attempts := attempt.NewStore(conn)
	entOracle := entitlement.NewOracle(conn, kv, time.Minute)
	idOracle := identity.NewOracle(conn, kv, time.Minute)
	machine := attempt.NewMachine(exams, attempts, entOracle, func() int64 { return time.Now().Unix() })
	answerWriter := answers.NewWriter(attempts, kv, log, time.Minute)
	locks := lock.NewManager(kv)
	submitQ := queue.New(kv, fastkv.QueueExamSubmissions)
	agg := analytics.NewAggregator(queue.New(kv, fastkv.QueueAnalyticsUpdate), conn, kv, log)
	pipeline := submission.NewPipeline(kv, locks, attempts, submitQ, log, 5*time.Second, time.Minute, time.Minute)
	grader := submission.NewGrader(submitQ, attempts, exams, kv, agg, log, 5*time.Second, time.Minute, time.Minute, 16)
	timedOutQ := queue.New(kv, fastkv.QueueTimedOut)
	timerSvc := timer.NewService(kv, attempts, timedOutQ, log, time.Now, 5*time.Minute)
	rankingSvc := ranking.NewService(attempts, kv)
	auditRepo := audit.NewSQLRepo(conn)
	adminOps := admin.NewOps(attempts, exams, locks, kv, agg, auditRepo, log, 5*time.Second, 16)

	srv := httpapi.NewServer(
		httpapi.Config{JWTSecret: jwtSecret, CORSOrigins: []string{"*"}, RankingCacheTTL: time.Minute},
		log, time.Now,
		exams, attempts, machine, answerWriter, timerSvc, pipeline, rankingSvc,
		entOracle, idOracle, adminOps, auditRepo,
	)

	return &testServer{router: srv.Router(), conn: conn, kv: kv, grader: grader}
}

func (ts *testServer) seedExamAndQuestion(t *testing.T) {
	t.Helper()
	_, err := ts.conn.Exec(`INSERT INTO exams
		(id, title, duration_minutes, total_questions, total_marks, pass_mark_percentage, allow_navigation, allow_multiple_attempts, max_attempt, is_active)
		VALUES ('exam-1','Algebra',30,1,1,50,1,0,1,1)`)
	require.NoError(t, err)
	_, err = ts.conn.Exec(`INSERT INTO questions
		(id, exam_id, type, question_text, statements_json, statement_instruction, options_json, correct_answer, marks)
		VALUES ('q1','exam-1','MCQ','2+2?','[]','',
		'[{"id":"a","optionText":"4","isCorrect":true},{"id":"b","optionText":"5","isCorrect":false}]','4',1)`)
	require.NoError(t, err)
}

func bearerToken(t *testing.T, subject, role string) string {
	t.Helper()
	claims := rbac.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: subject}, Role: role}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return s
}

func (ts *testServer) do(t *testing.T, method, path, subject, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, subject, role))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_FullCandidateLifecycle_StartAnswerSubmitResult(t *testing.T) {
	ts := newTestServer(t)
	ts.seedExamAndQuestion(t)

	startRec := ts.do(t, http.MethodPost, "/exam-attempts/start/exam-1", "user-1", "", nil)
	require.Equal(t, http.StatusCreated, startRec.Code)
	startBody := decodeBody(t, startRec)
	data := startBody["data"].(map[string]any)
	attemptID := data["attemptId"].(string)
	require.NotEmpty(t, attemptID)

	answerRec := ts.do(t, http.MethodPost, "/exam-attempts/answer/"+attemptID+"/q1", "user-1", "",
		map[string]any{"selectedOption": "a", "responseTime": 3})
	assert.Equal(t, http.StatusOK, answerRec.Code)

	submitRec := ts.do(t, http.MethodPost, "/exam-attempts/submit/"+attemptID, "user-1", "", nil)
	assert.Equal(t, http.StatusAccepted, submitRec.Code)

	runCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go ts.grader.Run(runCtx)

	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/exam-attempts/status/"+attemptID, "user-1", "", nil)
		body := decodeBody(t, rec)
		data, ok := body["data"].(map[string]any)
		return ok && data["status"] == "completed"
	}, 2*time.Second, 20*time.Millisecond)

	resultRec := ts.do(t, http.MethodGet, "/exam-attempts/result/"+attemptID, "user-1", "", nil)
	require.Equal(t, http.StatusOK, resultRec.Code)
	resultBody := decodeBody(t, resultRec)
	resultData := resultBody["data"].(map[string]any)
	assert.Equal(t, true, resultData["hasPassed"])
	assert.Equal(t, 1.0, resultData["finalScore"])
}

func TestServer_RulesHandler_ReportsExamSummary(t *testing.T) {
	ts := newTestServer(t)
	ts.seedExamAndQuestion(t)

	rec := ts.do(t, http.MethodGet, "/exam-attempts/rules/exam-1", "user-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["hasAccess"])
	assert.NotEmpty(t, data["rules"])
}

func TestServer_RequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)
	ts.seedExamAndQuestion(t)

	req := httptest.NewRequest(http.MethodGet, "/exam-attempts/rules/exam-1", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_AnswerHandler_RejectsNonOwner(t *testing.T) {
	ts := newTestServer(t)
	ts.seedExamAndQuestion(t)

	startRec := ts.do(t, http.MethodPost, "/exam-attempts/start/exam-1", "user-1", "", nil)
	attemptID := decodeBody(t, startRec)["data"].(map[string]any)["attemptId"].(string)

	rec := ts.do(t, http.MethodPost, "/exam-attempts/answer/"+attemptID+"/q1", "someone-else", "",
		map[string]any{"selectedOption": "a", "responseTime": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_AdminRoutes_RejectNonAdminPrincipal(t *testing.T) {
	ts := newTestServer(t)
	ts.seedExamAndQuestion(t)

	startRec := ts.do(t, http.MethodPost, "/exam-attempts/start/exam-1", "user-1", "", nil)
	attemptID := decodeBody(t, startRec)["data"].(map[string]any)["attemptId"].(string)

	rec := ts.do(t, http.MethodPost, "/exam-attempts/force-status/"+attemptID, "user-1", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_AdminForceStatus_CompletesAttemptAsAdmin(t *testing.T) {
	ts := newTestServer(t)
	ts.seedExamAndQuestion(t)

	startRec := ts.do(t, http.MethodPost, "/exam-attempts/start/exam-1", "user-1", "", nil)
	attemptID := decodeBody(t, startRec)["data"].(map[string]any)["attemptId"].(string)

	rec := ts.do(t, http.MethodPost, "/exam-attempts/force-status/"+attemptID, "admin-1", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	statusRec := ts.do(t, http.MethodGet, "/exam-attempts/status/"+attemptID, "user-1", "", nil)
	body := decodeBody(t, statusRec)
	data := body["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
}

func TestServer_HealthzIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
