// Package postgres implements the nereid backend contracts over pgx and
// pgxpool. This file translates PostgreSQL failures into the core error
// taxonomy using SQLSTATE classes.
package postgres

import (
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/leandroluk/nereid/core"
	"github.com/pkg/errors"
)

// translateError maps a pgx failure to the core taxonomy. Class 23
// (integrity constraint violation) becomes ConstraintViolationError; other
// failures become DatabaseError carrying the failed SQL.
func translateError(err error, sql string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return &core.DatabaseError{SQL: sql, Cause: err}
	}
	if strings.HasPrefix(pgErr.Code, "23") {
		return &core.ConstraintViolationError{
			DatabaseError: core.DatabaseError{SQL: sql, Cause: err},
			Kind:          constraintKind(pgErr.Code),
			Constraint:    pgErr.ConstraintName,
		}
	}
	return &core.DatabaseError{SQL: sql, Cause: err}
}

func constraintKind(code string) core.ConstraintKind {
	switch code {
	case "23505":
		return core.ConstraintUnique
	case "23503":
		return core.ConstraintForeignKey
	case "23502":
		return core.ConstraintNotNull
	case "23514":
		return core.ConstraintCheck
	}
	return core.ConstraintOther
}

// fatalError reports whether the failure broke the connection itself.
// SQLSTATE class 08 is connection exceptions; class 57 covers operator
// intervention such as server shutdown.
func fatalError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57")
	}
	// pgconn returns plain errors for protocol and transport failures.
	return pgconn.Timeout(err) || strings.Contains(err.Error(), "conn closed")
}
