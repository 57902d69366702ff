package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// jsonb wraps a placeholder with the cast the backend needs for a JSON
// column. Postgres requires an explicit cast for text-typed parameters;
// SQLite stores JSON as plain text.
func (d dialect) jsonb(ph string) string {
	if d == dialectPostgres {
		return ph + "::jsonb"
	}
	return ph
}

// querier is satisfied by both *sql.DB and *sql.Tx so one gateway
// implementation serves plain calls and transaction-scoped calls.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Options configures a SQL store.
type Options struct {
	Driver       string // "postgres" or "sqlite"
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxAge   time.Duration
	TxTimeout    time.Duration
}

// SQLStore implements Store over database/sql with the pgx or sqlite driver.
type SQLStore struct {
	gateway
	db        *sql.DB
	txTimeout time.Duration
}

// New opens a store for opts.Driver and verifies connectivity.
func New(ctx context.Context, opts Options) (*SQLStore, error) {
	var (
		driverName string
		d          dialect
	)
	switch opts.Driver {
	case "postgres":
		driverName, d = "pgx", dialectPostgres
	case "sqlite":
		driverName, d = "sqlite", dialectSQLite
	default:
		return nil, fmt.Errorf("store driver %q not supported", opts.Driver)
	}

	db, err := sql.Open(driverName, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Driver, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxAge > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxAge)
	}

	s := &SQLStore{
		gateway:   gateway{q: db, d: d},
		db:        db,
		txTimeout: opts.TxTimeout,
	}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", opts.Driver, err)
	}
	return s, nil
}

// EnsureSchema creates the four tables and their indexes when absent.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	schema := postgresSchema
	if s.d == dialectSQLite {
		schema = sqliteSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", mapError(err))
		}
	}
	return nil
}

// Ping tests connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return mapError(s.db.PingContext(ctx))
}

// Close releases the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// WithinTx runs fn against a transaction-scoped gateway. The transaction is
// bounded by the configured timeout; fn returning an error rolls back.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(g Gateway) error) error {
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapError(err))
	}
	g := gateway{q: txQuerier{tx: tx, ctx: ctx}, d: s.d}
	if err := fn(g); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapError(err))
	}
	return nil
}

// txQuerier binds a transaction to the context it was opened with so the
// timeout applies to every statement inside it.
type txQuerier struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t txQuerier) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t txQuerier) QueryContext(_ context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t txQuerier) QueryRowContext(_ context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}
