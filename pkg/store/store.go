// Package store persists users, analyses and company profiles to
// Postgres or, in lite mode, to a local SQLite file. Both dialects share
// one schema and query set; placeholders are rebound for Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DefaultOpTimeout bounds one persistence operation including retries.
const DefaultOpTimeout = 5 * time.Second

// timestampLayout is UTC ISO-8601 with millisecond precision. The fixed
// width keeps lexical order equal to chronological order, which the
// created_at range scans rely on.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t for storage.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp reads a stored timestamp. Unparseable values read as the
// zero time.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// Config holds connection settings.
type Config struct {
	// URI is a Postgres connection string. Empty selects SQLite lite mode.
	URI string
	// DataDir holds the SQLite file in lite mode. Default "data".
	DataDir string
	PoolMin int
	PoolMax int
	// OpTimeout bounds each operation. Default DefaultOpTimeout.
	OpTimeout time.Duration
	Logger    *slog.Logger
}

// Store is the persistence layer shared by all request paths.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	opTimeout time.Duration
	log       *slog.Logger
}

// New wraps an existing handle. Open is the usual entry point; New serves
// callers that manage the connection themselves.
func New(db *sql.DB, dialect Dialect, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, dialect: dialect, opTimeout: DefaultOpTimeout, log: log}
}

// Open connects, applies the schema and returns a ready store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	if cfg.URI == "" {
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
			filepath.Join(dir, "esglens.db"))
		db, err = sql.Open("sqlite", dsn)
		dialect = SQLite
	} else {
		db, err = sql.Open("postgres", cfg.URI)
		dialect = Postgres
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == Postgres {
		if cfg.PoolMax > 0 {
			db.SetMaxOpenConns(cfg.PoolMax)
		}
		if cfg.PoolMin > 0 {
			db.SetMaxIdleConns(cfg.PoolMin)
		}
		db.SetConnMaxLifetime(30 * time.Minute)
	} else {
		// modernc/sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY churn under concurrent analyses.
		db.SetMaxOpenConns(1)
	}

	s := New(db, dialect, cfg.Logger)
	if cfg.OpTimeout > 0 {
		s.opTimeout = cfg.OpTimeout
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s.log.Info("store ready", "dialect", dialect)
	return s, nil
}

// schema is shared by both dialects: TEXT timestamps, TEXT JSON columns
// and string primary keys keep the DDL identical.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		tier TEXT NOT NULL DEFAULT 'free',
		credits BIGINT NOT NULL DEFAULT 0 CHECK (credits >= 0),
		payment_customer_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_seen_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		company_name TEXT NOT NULL DEFAULT '',
		industry_sector TEXT NOT NULL DEFAULT '',
		reporting_period TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL DEFAULT '',
		quick_mode INTEGER NOT NULL DEFAULT 0,
		environmental_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		social_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		governance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		overall_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		frameworks TEXT NOT NULL DEFAULT '[]',
		coverage TEXT NOT NULL DEFAULT '{}',
		result TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS companies (
		name TEXT PRIMARY KEY,
		industry_sector TEXT NOT NULL DEFAULT '',
		environmental_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		social_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		governance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		overall_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		analyses_count BIGINT NOT NULL DEFAULT 0,
		first_analyzed_at TEXT NOT NULL,
		last_analyzed_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activity (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		event TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analyses_user_created ON analyses (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_analyses_company_created ON analyses (company_name, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_analyses_sector_overall ON analyses (industry_sector, overall_score DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_user_event_ts ON activity (user_id, event, timestamp)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for collaborators that share the
// connection, such as the activity recorder.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports the active backend.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping probes the backend for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $N for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// retryDelays back off transient failures. The total fits inside one
// operation timeout.
var retryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1500 * time.Millisecond}

// withRetry runs fn under the operation timeout, retrying transient
// errors up to three times. Typed signals pass through unwrapped for
// errors.Is.
func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || attempt >= len(retryDelays) || !isTransient(err) {
			break
		}
		s.log.Warn("retrying store operation", "op", op, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(retryDelays[attempt]):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
