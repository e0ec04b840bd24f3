/*
Package sqlstore provides a database/sql implementation of ledger.TxStore.

PURPOSE:
  Persists wallets, payments, the wallet audit trail, pharmacy stock, the
  clinical billing views and HMO settlement records. One code path serves
  two dialects:

    sqlite:   github.com/mattn/go-sqlite3 (single connection, transactions
              serialized, BEGIN IMMEDIATE)
    postgres: github.com/jackc/pgx/v5/stdlib (row locks via FOR UPDATE)

STORAGE FORMAT:
  Money:      BIGINT minor units (2 dp), so SUM() is exact in both dialects
  Timestamps: BIGINT unix nanoseconds, UTC
  History:    JSON array of ledger.HistoryEntry
  Meta:       JSON object

APPEND-ONLY ENFORCEMENT:
  wallet_transactions has INSERT and SELECT statements only. There is no
  UPDATE or DELETE against it anywhere in this package.

USAGE:
  store, err := sqlstore.Open("sqlite", ":memory:")
  if err != nil {
      return err
  }
  defer store.Close()

  engine := settlement.NewEngine(store, prices, logger)

MIGRATION:
  Schema is created on Open() with CREATE TABLE IF NOT EXISTS. Versioned
  migrations are owned by the surrounding application.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/memory: In-memory implementation for unit tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/hospital-ledger/ledger"
)

// =============================================================================
// DIALECTS
// =============================================================================

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	name      string
	driver    string
	serial    string
	forUpdate string
	numbered  bool
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name:   DriverSQLite,
		driver: "sqlite3",
		serial: "INTEGER PRIMARY KEY AUTOINCREMENT",
	},
	DriverPostgres: {
		name:      DriverPostgres,
		driver:    "pgx",
		serial:    "BIGSERIAL PRIMARY KEY",
		forUpdate: " FOR UPDATE",
		numbered:  true,
	},
}

// rebind turns ? placeholders into $1, $2... for PostgreSQL.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// STORE
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.TxStore. Inside WithTx the same type is handed to
// the callback with q bound to the *sql.Tx.
type Store struct {
	db   *sql.DB
	q    querier
	d    dialect
	inTx bool
}

var _ ledger.TxStore = (*Store)(nil)

// Open connects with the named driver ("sqlite" or "postgres") and creates
// the schema. Use ":memory:" as the sqlite dsn for a throwaway database.
func Open(driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if d.name == DriverSQLite {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.name == DriverSQLite {
		// One connection: serializes writers and keeps :memory: alive.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	store := &Store{db: db, q: db, d: d}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports the dialect in use.
func (s *Store) Driver() string { return s.d.name }

// WithTx executes fn within a database transaction. Nested calls join the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Store{db: s.db, q: sqlTx, d: s.d, inTx: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.q.ExecContext(ctx, s.d.rebind(query), args...)
	return err
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

// lockSuffix is appended to SELECTs made by the ForUpdate methods.
func (s *Store) lockSuffix() string {
	if !s.inTx {
		return ""
	}
	return s.d.forUpdate
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// COLUMN ENCODING
// =============================================================================

func toMinor(d decimal.Decimal) int64 {
	return d.Shift(ledger.MoneyPlaces).Round(0).IntPart()
}

func fromMinor(n int64) decimal.Decimal {
	return decimal.New(n, -ledger.MoneyPlaces)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// notFound maps sql.ErrNoRows to a ledger.NotFoundError.
func notFound[T ~string](err error, kind string, id T) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.NotFound(kind, id)
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}

// uniqueViolation reports whether err is a unique constraint failure whose
// constraint (postgres) or column list (sqlite) mentions key.
func uniqueViolation(err error, key string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(sqliteErr.Error(), key)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, key)
	}
	return false
}
