package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Driver selects the SQL dialect.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

type Option func(*SQLRepo)

// WithNowFunc overrides the clock used for created_at/updated_at stamps.
func WithNowFunc(now func() time.Time) Option {
	return func(r *SQLRepo) {
		if now != nil {
			r.nowFn = now
		}
	}
}

// SQLRepo implements Repository over database/sql.
type SQLRepo struct {
	db     *sql.DB
	driver Driver
	nowFn  func() time.Time
}

func NewSQLiteRepo(db *sql.DB, opts ...Option) *SQLRepo {
	return newRepo(db, DriverSQLite, opts)
}

func NewPostgresRepo(db *sql.DB, opts ...Option) *SQLRepo {
	return newRepo(db, DriverPostgres, opts)
}

func newRepo(db *sql.DB, d Driver, opts []Option) *SQLRepo {
	r := &SQLRepo{db: db, driver: d, nowFn: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open connects to the database, applies migrations and returns a ready repo.
// For sqlite dsn is a file path; for postgres a connection URL.
func Open(ctx context.Context, d Driver, dsn string, opts ...Option) (*SQLRepo, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store: empty dsn")
	}

	var (
		db  *sql.DB
		err error
	)
	switch d {
	case DriverSQLite:
		dir := filepath.Dir(dsn)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = sql.Open("sqlite", fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", dsn))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", d)
	}

	if err := EnsureSchema(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newRepo(db, d, opts), nil
}

// DB returns the underlying connection pool.
func (r *SQLRepo) DB() *sql.DB { return r.db }

func (r *SQLRepo) Close() error { return r.db.Close() }

func (r *SQLRepo) now() time.Time { return r.nowFn() }

// q rewrites ? placeholders to $n for postgres.
func (r *SQLRepo) q(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (r *SQLRepo) isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if r.driver == DriverPostgres {
		return isPostgresUniqueViolation(err)
	}
	return isSQLiteConstraintError(err)
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
