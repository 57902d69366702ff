package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

// mapError folds backend-specific failures onto the domain error kinds so
// callers never branch on driver errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity_constraint_violation
			return fmt.Errorf("%w: %s", domain.ErrConstraint, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	// modernc.org/sqlite reports violations as plain errors mentioning the
	// constraint kind.
	if s := err.Error(); strings.Contains(s, "constraint") || strings.Contains(s, "UNIQUE") {
		return fmt.Errorf("%w: %v", domain.ErrConstraint, err)
	}
	return err
}
