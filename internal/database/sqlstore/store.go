// Package sqlstore provides the relational store for wallets, jobs, solutions,
// merge records and batch sessions. It runs on PostgreSQL (lib/pq) or SQLite
// (modernc) with one set of queries; every mutation is a single-row write
// keyed by the record's natural identity.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
	// SQLite driver for database/sql
	_ "modernc.org/sqlite"

	"github.com/bardlex/scavenger/pkg/errors"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Sealer encrypts secrets before they reach a row. wallet.Vault implements it.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// Config holds store connection configuration
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// Store wraps the database handle
type Store struct {
	db     *sql.DB
	driver string
	sealer Sealer
}

// Open connects, pings and migrates the schema.
func Open(ctx context.Context, cfg *Config, sealer Sealer) (*Store, error) {
	if sealer == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "store_open", "a sealer is required")
	}

	var dsn string
	switch cfg.Driver {
	case DriverSQLite:
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "store_open", "failed to create database directory")
			}
		}
		dsn = cfg.DSN
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
		}
	case DriverPostgres:
		dsn = cfg.DSN
	default:
		return nil, errors.Input("store_open", "unknown store driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "store_open", "failed to open database")
	}

	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1) // single writer
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.MaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.MaxLifetime)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "store_open", "failed to ping database")
	}

	s := &Store{db: db, driver: cfg.Driver, sealer: sealer}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks database connectivity
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the dialect in use.
func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) migrate(ctx context.Context) error {
	idType := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		idType = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS challenges (
			challenge_id       TEXT PRIMARY KEY,
			day                INTEGER NOT NULL,
			challenge_number   INTEGER NOT NULL,
			difficulty         TEXT NOT NULL,
			no_pre_mine        TEXT NOT NULL,
			no_pre_mine_hour   TEXT NOT NULL,
			latest_submission  TEXT NOT NULL,
			issued_at          BIGINT NOT NULL DEFAULT 0,
			mining_period_ends BIGINT NOT NULL DEFAULT 0,
			fetched_at         BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			id                     ` + idType + `,
			address                TEXT NOT NULL UNIQUE,
			derivation_path        TEXT NOT NULL DEFAULT '',
			private_key            TEXT NOT NULL,
			public_key             TEXT NOT NULL,
			key_hash               TEXT NOT NULL,
			network                TEXT NOT NULL,
			registration_signature TEXT NOT NULL DEFAULT '',
			registration_pubkey    TEXT NOT NULL DEFAULT '',
			registered_at          BIGINT,
			mnemonic               TEXT NOT NULL DEFAULT '',
			created_at             BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wallets_network ON wallets(network)`,
		`CREATE TABLE IF NOT EXISTS mining_jobs (
			id              ` + idType + `,
			derivation_path TEXT NOT NULL DEFAULT '',
			max_attempts    BIGINT NOT NULL,
			attempts_done   BIGINT NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			control         TEXT NOT NULL DEFAULT '',
			wallet_id       BIGINT NOT NULL DEFAULT 0,
			current_nonce   TEXT NOT NULL DEFAULT '',
			solution_id     BIGINT NOT NULL DEFAULT 0,
			error_message   TEXT NOT NULL DEFAULT '',
			started_at      BIGINT,
			completed_at    BIGINT,
			created_at      BIGINT NOT NULL,
			updated_at      BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mining_jobs_status ON mining_jobs(status)`,
		`CREATE TABLE IF NOT EXISTS solutions (
			id                ` + idType + `,
			wallet_id         BIGINT NOT NULL,
			challenge_id      TEXT NOT NULL,
			nonce             TEXT NOT NULL,
			preimage          TEXT NOT NULL,
			hash_result       TEXT NOT NULL,
			difficulty        TEXT NOT NULL,
			submission_status TEXT NOT NULL,
			receipt           TEXT NOT NULL DEFAULT '',
			error_message     TEXT NOT NULL DEFAULT '',
			found_at          BIGINT NOT NULL,
			submitted_at      BIGINT,
			confirmed_at      BIGINT,
			UNIQUE (wallet_id, challenge_id, nonce)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_solutions_status ON solutions(submission_status)`,
		`CREATE TABLE IF NOT EXISTS merges (
			id                     ` + idType + `,
			original_address       TEXT NOT NULL UNIQUE,
			payout_address         TEXT NOT NULL,
			original_wallet_id     BIGINT NOT NULL DEFAULT 0,
			signature              TEXT NOT NULL DEFAULT '',
			receipt                TEXT NOT NULL DEFAULT '',
			solutions_consolidated INTEGER NOT NULL DEFAULT 0,
			status                 TEXT NOT NULL,
			already_assigned       BOOLEAN NOT NULL DEFAULT FALSE,
			retryable              BOOLEAN NOT NULL DEFAULT FALSE,
			attempts               INTEGER NOT NULL DEFAULT 0,
			error_message          TEXT NOT NULL DEFAULT '',
			merged_at              BIGINT,
			updated_at             BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS batch_sessions (
			session_key         TEXT PRIMARY KEY,
			payout_address      TEXT NOT NULL,
			total               INTEGER NOT NULL,
			processed           INTEGER NOT NULL DEFAULT 0,
			successful          INTEGER NOT NULL DEFAULT 0,
			failed              INTEGER NOT NULL DEFAULT 0,
			item_list           TEXT NOT NULL,
			processed_addresses TEXT NOT NULL,
			status              TEXT NOT NULL,
			checkpoints         INTEGER NOT NULL DEFAULT 0,
			current_delay_ms    BIGINT NOT NULL DEFAULT 0,
			error_message       TEXT NOT NULL DEFAULT '',
			created_at          BIGINT NOT NULL,
			updated_at          BIGINT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "store_migrate", "failed to apply schema")
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
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

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) seal(plain []byte) (string, error) {
	if len(plain) == 0 {
		return "", nil
	}
	return s.sealer.Seal(plain)
}

func (s *Store) open(sealed string) ([]byte, error) {
	if sealed == "" {
		return nil, nil
	}
	return s.sealer.Open(sealed)
}

// Timestamps are stored as unix milliseconds.

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func notFound(operation, what string, key any) error {
	return errors.New(errors.ErrorTypeNotFound, operation, fmt.Sprintf("%s %v not found", what, key))
}

func dbErr(err error, operation, message string) error {
	return errors.Wrap(err, errors.ErrorTypeDatabase, operation, message)
}

// closeRows closes rows, ignoring the close error which carries no new information
// after a completed iteration.
func closeRows(rows *sql.Rows) {
	_ = rows.Close()
}
