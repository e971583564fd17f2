package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const schemaVersion = 1

// Live jobs are unique per (recipient, kind); DONE/FAILED rows never block a
// fresh insert.
const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS recipients (
  id                  INTEGER PRIMARY KEY,
  stage               TEXT NOT NULL DEFAULT 'NEW',
  subscribed          INTEGER NOT NULL DEFAULT 0,
  practice_sent_at    INTEGER,
  checkup_sent_at     INTEGER,
  choose_time_clicked INTEGER NOT NULL DEFAULT 0,
  start_param         TEXT,
  created_at          INTEGER NOT NULL,
  updated_at          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  recipient_id INTEGER NOT NULL REFERENCES recipients(id) ON DELETE CASCADE,
  kind         TEXT NOT NULL,
  run_at       INTEGER NOT NULL,
  payload      TEXT,
  status       TEXT NOT NULL DEFAULT 'PENDING' CHECK(status IN ('PENDING','RUNNING','DONE','FAILED')),
  attempts     INTEGER NOT NULL DEFAULT 0,
  last_error   TEXT,
  claimed_by   TEXT,
  created_at   INTEGER NOT NULL,
  updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_run_at ON jobs(status, run_at);
CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_live_kind
  ON jobs(recipient_id, kind) WHERE status IN ('PENDING','RUNNING');
CREATE TABLE IF NOT EXISTS file_cache (
  key        TEXT PRIMARY KEY,
  file_id    TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS recipients (
  id                  BIGINT PRIMARY KEY,
  stage               TEXT NOT NULL DEFAULT 'NEW',
  subscribed          INTEGER NOT NULL DEFAULT 0,
  practice_sent_at    BIGINT,
  checkup_sent_at     BIGINT,
  choose_time_clicked INTEGER NOT NULL DEFAULT 0,
  start_param         TEXT,
  created_at          BIGINT NOT NULL,
  updated_at          BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
  id           BIGSERIAL PRIMARY KEY,
  recipient_id BIGINT NOT NULL REFERENCES recipients(id) ON DELETE CASCADE,
  kind         TEXT NOT NULL,
  run_at       BIGINT NOT NULL,
  payload      TEXT,
  status       TEXT NOT NULL DEFAULT 'PENDING' CHECK(status IN ('PENDING','RUNNING','DONE','FAILED')),
  attempts     INTEGER NOT NULL DEFAULT 0,
  last_error   TEXT,
  claimed_by   TEXT,
  created_at   BIGINT NOT NULL,
  updated_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_run_at ON jobs(status, run_at);
CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_live_kind
  ON jobs(recipient_id, kind) WHERE status IN ('PENDING','RUNNING');
CREATE TABLE IF NOT EXISTS file_cache (
  key        TEXT PRIMARY KEY,
  file_id    TEXT NOT NULL,
  updated_at BIGINT NOT NULL
);
`

// EnsureSchema creates tables if they don't exist and records the schema version.
func EnsureSchema(ctx context.Context, db *sql.DB, d Driver) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("store: init migrations table: %w", err)
	}

	current := 0
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1`).Scan(&current)
	hasVersion := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("store: schema_version=%d, want <=%d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		switch v {
		case 1:
			ddl := sqliteSchemaV1
			if d == DriverPostgres {
				ddl = postgresSchemaV1
			}
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("store: migrate v1: %w", err)
			}
		default:
			return fmt.Errorf("store: unknown migration %d", v)
		}
	}

	if current != schemaVersion {
		stmt := `UPDATE schema_migrations SET version = ` + fmt.Sprint(schemaVersion)
		if !hasVersion {
			stmt = `INSERT INTO schema_migrations (version) VALUES (` + fmt.Sprint(schemaVersion) + `)`
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: write schema version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
