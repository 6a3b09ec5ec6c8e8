// Package db owns the durable store's connection and schema bootstrap.
// The durable store is the authoritative, transactional tier referenced
// throughout the engine: attempts, exams, questions, and analytics counters
// all live here, with write concern "majority"/read preference "primary"
// semantics expressed simply as a single *sqlx.DB talking to Postgres in
// production or SQLite in dev/test. sqlx's Rebind is what lets every
// query elsewhere in this codebase be written once, with "?" placeholders,
// and still run unmodified against either driver.
package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures the schema exists. No migration framework:
// a fresh schema is assumed, matching the teacher's ensureSchema idiom.
func Open(ctx context.Context, driver Driver, dsn string) (*sqlx.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "file:examattempts.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/examattempts?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	conn, err := sqlx.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := ensureSchema(ctx, conn, driver); err != nil {
		return nil, err
	}
	return conn, nil
}

func ensureSchema(ctx context.Context, conn *sqlx.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := conn.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

-- =================================================================
-- Exam / Question catalog. Owned externally; the engine only reads.
-- =================================================================

CREATE TABLE IF NOT EXISTS exams (
  id                     TEXT PRIMARY KEY,
  title                  TEXT NOT NULL,
  duration_minutes       INTEGER NOT NULL,
  total_questions        INTEGER NOT NULL,
  total_marks            REAL NOT NULL,
  pass_mark_percentage   REAL NOT NULL,
  has_negative_marking   INTEGER NOT NULL DEFAULT 0,
  negative_marking_value REAL NOT NULL DEFAULT 0,
  allow_navigation       INTEGER NOT NULL DEFAULT 1,
  allow_multiple_attempts INTEGER NOT NULL DEFAULT 0,
  max_attempt            INTEGER NOT NULL DEFAULT 1,
  is_active              INTEGER NOT NULL DEFAULT 1,
  is_premium             INTEGER NOT NULL DEFAULT 0,
  category               TEXT NOT NULL DEFAULT '',
  difficulty_level       TEXT NOT NULL DEFAULT '',
  created_at             INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS questions (
  id                  TEXT PRIMARY KEY,
  exam_id             TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  type                TEXT NOT NULL,
  question_text       TEXT NOT NULL,
  statements_json     TEXT NOT NULL DEFAULT '[]',
  statement_instruction TEXT NOT NULL DEFAULT '',
  options_json        TEXT NOT NULL DEFAULT '[]',
  correct_answer      TEXT NOT NULL DEFAULT '',
  marks               REAL NOT NULL DEFAULT 1,
  has_negative_marking INTEGER NOT NULL DEFAULT 0,
  negative_marks      REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_id);

CREATE TABLE IF NOT EXISTS users (
  id       TEXT PRIMARY KEY,
  role     TEXT NOT NULL DEFAULT 'student'
);

-- exam_owners records a grant of premium-exam access to a user; the
-- entitlement oracle treats presence of a row as hasAccess=true.
CREATE TABLE IF NOT EXISTS exam_owners (
  user_id TEXT NOT NULL,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  PRIMARY KEY (user_id, exam_id)
);

-- =================================================================
-- Attempts
-- =================================================================

CREATE TABLE IF NOT EXISTS attempts (
  id                      TEXT PRIMARY KEY,
  user_id                 TEXT NOT NULL,
  exam_id                 TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  status                  TEXT NOT NULL,
  start_time              INTEGER NOT NULL,
  end_time                INTEGER,
  time_remaining          INTEGER,
  last_db_sync            INTEGER,
  answers_json            TEXT NOT NULL,

  total_marks             REAL NOT NULL DEFAULT 0,
  negative_marks          REAL NOT NULL DEFAULT 0,
  final_score             REAL NOT NULL DEFAULT 0,
  correct_answers         INTEGER NOT NULL DEFAULT 0,
  wrong_answers           INTEGER NOT NULL DEFAULT 0,
  unattempted             INTEGER NOT NULL DEFAULT 0,
  has_passed              INTEGER NOT NULL DEFAULT 0,
  rank                    INTEGER,
  percentile              REAL,

  status_changed_by       TEXT NOT NULL DEFAULT '',
  status_changed_at       INTEGER,
  manually_completed      INTEGER NOT NULL DEFAULT 0,
  last_recalculated_by    TEXT NOT NULL DEFAULT '',
  last_recalculated_at    INTEGER,
  processing_error        TEXT NOT NULL DEFAULT '',

  created_at              INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_attempts_user_exam ON attempts(user_id, exam_id);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_status ON attempts(exam_id, status);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_score ON attempts(exam_id, final_score DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_created ON attempts(exam_id, created_at DESC);

-- =================================================================
-- Analytics counters, flushed periodically by the analytics aggregator.
-- =================================================================

CREATE TABLE IF NOT EXISTS exam_analytics (
  exam_id            TEXT PRIMARY KEY REFERENCES exams(id) ON DELETE CASCADE,
  total_attempted    INTEGER NOT NULL DEFAULT 0,
  total_completed    INTEGER NOT NULL DEFAULT 0,
  total_passed       INTEGER NOT NULL DEFAULT 0,
  total_failed       INTEGER NOT NULL DEFAULT 0,
  score_sum          REAL NOT NULL DEFAULT 0,
  updated_at         INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

-- =================================================================
-- Audit log for admin actions.
-- =================================================================

CREATE TABLE IF NOT EXISTS event_log (
  offset     INTEGER PRIMARY KEY AUTOINCREMENT,
  site_id    TEXT NOT NULL DEFAULT 'local',
  typ        TEXT NOT NULL,
  key        TEXT NOT NULL,
  data       TEXT NOT NULL,
  created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS exams (
  id                     TEXT PRIMARY KEY,
  title                  TEXT NOT NULL,
  duration_minutes       INTEGER NOT NULL,
  total_questions        INTEGER NOT NULL,
  total_marks            DOUBLE PRECISION NOT NULL,
  pass_mark_percentage   DOUBLE PRECISION NOT NULL,
  has_negative_marking   BOOLEAN NOT NULL DEFAULT FALSE,
  negative_marking_value DOUBLE PRECISION NOT NULL DEFAULT 0,
  allow_navigation       BOOLEAN NOT NULL DEFAULT TRUE,
  allow_multiple_attempts BOOLEAN NOT NULL DEFAULT FALSE,
  max_attempt            INTEGER NOT NULL DEFAULT 1,
  is_active              BOOLEAN NOT NULL DEFAULT TRUE,
  is_premium             BOOLEAN NOT NULL DEFAULT FALSE,
  category               TEXT NOT NULL DEFAULT '',
  difficulty_level       TEXT NOT NULL DEFAULT '',
  created_at             BIGINT NOT NULL DEFAULT (EXTRACT(EPOCH FROM NOW())::BIGINT)
);

CREATE TABLE IF NOT EXISTS questions (
  id                  TEXT PRIMARY KEY,
  exam_id             TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  type                TEXT NOT NULL,
  question_text       TEXT NOT NULL,
  statements_json     TEXT NOT NULL DEFAULT '[]',
  statement_instruction TEXT NOT NULL DEFAULT '',
  options_json        TEXT NOT NULL DEFAULT '[]',
  correct_answer      TEXT NOT NULL DEFAULT '',
  marks               DOUBLE PRECISION NOT NULL DEFAULT 1,
  has_negative_marking BOOLEAN NOT NULL DEFAULT FALSE,
  negative_marks      DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_id);

CREATE TABLE IF NOT EXISTS users (
  id       TEXT PRIMARY KEY,
  role     TEXT NOT NULL DEFAULT 'student'
);

CREATE TABLE IF NOT EXISTS exam_owners (
  user_id TEXT NOT NULL,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  PRIMARY KEY (user_id, exam_id)
);

CREATE TABLE IF NOT EXISTS attempts (
  id                      TEXT PRIMARY KEY,
  user_id                 TEXT NOT NULL,
  exam_id                 TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  status                  TEXT NOT NULL,
  start_time              BIGINT NOT NULL,
  end_time                BIGINT,
  time_remaining          BIGINT,
  last_db_sync            BIGINT,
  answers_json            TEXT NOT NULL,

  total_marks             DOUBLE PRECISION NOT NULL DEFAULT 0,
  negative_marks          DOUBLE PRECISION NOT NULL DEFAULT 0,
  final_score             DOUBLE PRECISION NOT NULL DEFAULT 0,
  correct_answers         INTEGER NOT NULL DEFAULT 0,
  wrong_answers           INTEGER NOT NULL DEFAULT 0,
  unattempted             INTEGER NOT NULL DEFAULT 0,
  has_passed              BOOLEAN NOT NULL DEFAULT FALSE,
  rank                    INTEGER,
  percentile              DOUBLE PRECISION,

  status_changed_by       TEXT NOT NULL DEFAULT '',
  status_changed_at       BIGINT,
  manually_completed      BOOLEAN NOT NULL DEFAULT FALSE,
  last_recalculated_by    TEXT NOT NULL DEFAULT '',
  last_recalculated_at    BIGINT,
  processing_error        TEXT NOT NULL DEFAULT '',

  created_at              BIGINT NOT NULL DEFAULT (EXTRACT(EPOCH FROM NOW())::BIGINT)
);
CREATE INDEX IF NOT EXISTS idx_attempts_user_exam ON attempts(user_id, exam_id);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_status ON attempts(exam_id, status);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_score ON attempts(exam_id, final_score DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_created ON attempts(exam_id, created_at DESC);

CREATE TABLE IF NOT EXISTS exam_analytics (
  exam_id            TEXT PRIMARY KEY REFERENCES exams(id) ON DELETE CASCADE,
  total_attempted    BIGINT NOT NULL DEFAULT 0,
  total_completed    BIGINT NOT NULL DEFAULT 0,
  total_passed       BIGINT NOT NULL DEFAULT 0,
  total_failed       BIGINT NOT NULL DEFAULT 0,
  score_sum          DOUBLE PRECISION NOT NULL DEFAULT 0,
  updated_at         BIGINT NOT NULL DEFAULT (EXTRACT(EPOCH FROM NOW())::BIGINT)
);

CREATE TABLE IF NOT EXISTS event_log (
  offset     BIGSERIAL PRIMARY KEY,
  site_id    TEXT NOT NULL DEFAULT 'local',
  typ        TEXT NOT NULL,
  key        TEXT NOT NULL,
  data       TEXT NOT NULL,
  created_at BIGINT NOT NULL DEFAULT (EXTRACT(EPOCH FROM NOW())::BIGINT)
);
`
