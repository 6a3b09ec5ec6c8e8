// Package config loads the engine's runtime configuration from the
// environment, following the envOr/envBool/csvOr idiom used throughout this
// codebase's ancestry rather than pulling in a config-file library.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string // "postgres" or "sqlite"
	DBDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ShardBuckets  int

	JWTSecret string

	GraderWorkers     int
	GraderJobBudget   time.Duration
	SubmissionLockTTL time.Duration
	AdminLockTTL      time.Duration

	AnswerCacheTTL       time.Duration
	TimerTrailingTTL     time.Duration
	SubmitStatusTTL      time.Duration
	SubmitResultTTL      time.Duration
	DurableSyncInterval  time.Duration
	AnalyticsFlushPeriod time.Duration

	IdentityCacheTTL    time.Duration
	EntitlementCacheTTL time.Duration

	CORSOrigins []string

	BlobBasePath string
}

func FromEnv() Config {
	return Config{
		HTTPAddr:  envOr("HTTP_ADDR", ":8080"),
		PublicURL: envOr("PUBLIC_URL", ""),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		RedisAddr:     envOr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),
		ShardBuckets:  envInt("SHARD_BUCKETS", 16),

		JWTSecret: envOr("JWT_SECRET", "dev-secret-change-me"),

		GraderWorkers:     envInt("GRADER_WORKERS", 0), // 0 => runtime.GOMAXPROCS(0)
		GraderJobBudget:   envDuration("GRADER_JOB_BUDGET", 20*time.Second),
		SubmissionLockTTL: envDuration("SUBMISSION_LOCK_TTL", 10*time.Second),
		AdminLockTTL:      envDuration("ADMIN_LOCK_TTL", 30*time.Second),

		AnswerCacheTTL:       envDuration("ANSWER_CACHE_TTL", 10*time.Minute),
		TimerTrailingTTL:     envDuration("TIMER_TRAILING_TTL", 5*time.Minute),
		SubmitStatusTTL:      envDuration("SUBMIT_STATUS_TTL", 10*time.Minute),
		SubmitResultTTL:      envDuration("SUBMIT_RESULT_TTL", 30*time.Minute),
		DurableSyncInterval:  envDuration("DURABLE_SYNC_INTERVAL", 5*time.Minute),
		AnalyticsFlushPeriod: envDuration("ANALYTICS_FLUSH_PERIOD", 10*time.Second),

		IdentityCacheTTL:    envDuration("IDENTITY_CACHE_TTL", 1*time.Minute),
		EntitlementCacheTTL: envDuration("ENTITLEMENT_CACHE_TTL", 5*time.Minute),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),

		BlobBasePath: envOr("BLOB_BASE_PATH", "./data"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
