// Package repository provides PostgreSQL persistence for executions,
// candidates, streams and reports.
//
// Every store holds a DBTX so it can run against the pool or inside a
// transaction:
//
//	err := db.WithTransaction(ctx, func(tx pgx.Tx) error {
//	    return repository.NewPgExecutionRepository(tx).SetReportID(ctx, execID, reportID)
//	})
//
// Methods return domain errors (domain.ErrNotFound, domain.ErrInvalidTransition,
// domain.ErrConflict) and wrap driver errors with fmt.Errorf and %w.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/literature-monitor-service/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
type DBTX = database.DBTX

// PostgreSQL error codes used for constraint violation detection.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Filter pagination defaults and limits.
const (
	defaultFilterLimit = 50
	maxFilterLimit     = 500
)

// applyPaginationDefaults clamps limit to [1, maxFilterLimit] and offset to >= 0.
func applyPaginationDefaults(limit, offset *int) {
	if *limit <= 0 {
		*limit = defaultFilterLimit
	}
	if *limit > maxFilterLimit {
		*limit = maxFilterLimit
	}
	if *offset < 0 {
		*offset = 0
	}
}

func isPgUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgUniqueViolation
}

func isPgForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == pgForeignKeyViolation
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
