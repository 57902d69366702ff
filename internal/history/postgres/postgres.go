// Package postgres appends lifecycle events to a relational audit table,
// one insert per event. The DDL sticks to portable column types so the
// write path can also run against the sqlite backend in tests.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/uetsymphonique/checking-engine-pplab/internal/history"
)

// Table names are interpolated into DDL and the insert text, so they are
// restricted to plain identifiers.
var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Sink implements history.Sink over a SQL database.
type Sink struct {
	db     *sql.DB
	table  string
	insert string
	ownsDB bool
}

// New opens a PostgreSQL pool for dsn and prepares the event table.
func New(ctx context.Context, dsn, table string) (*Sink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("history sink: empty DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("history sink: %w", err)
	}
	s, err := NewWithDB(ctx, db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewWithDB builds a sink over an existing database handle. The caller keeps
// ownership of db; Close leaves it open.
func NewWithDB(ctx context.Context, db *sql.DB, table string) (*Sink, error) {
	if table == "" {
		table = "detection_history"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("history sink: table name %q", table)
	}

	s := &Sink{
		db:    db,
		table: table,
		insert: fmt.Sprintf(`INSERT INTO %s
			(occurred_at, stage, operation_id, execution_id, detection_execution_id, status, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, table),
	}

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			occurred_at TIMESTAMP NOT NULL,
			stage TEXT NOT NULL,
			operation_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			detection_execution_id TEXT,
			status TEXT,
			detail TEXT
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_occurred ON %s (occurred_at)`, table, table),
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("history table %s: %w", table, err)
		}
	}
	return s, nil
}

// Send writes one event row.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	detectionID := sql.NullString{}
	if e.DetectionExecutionID != uuid.Nil {
		detectionID = sql.NullString{String: e.DetectionExecutionID.String(), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, s.insert,
		e.OccurredAt.UTC(),
		string(e.Stage),
		e.OperationExternalID.String(),
		e.ExecutionID.String(),
		detectionID,
		e.Status,
		e.Detail,
	); err != nil {
		return fmt.Errorf("history insert %s: %w", string(e.Stage), err)
	}
	return nil
}

// Close releases the pool when this sink opened it.
func (s *Sink) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
