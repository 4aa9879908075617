// Package core provides the reactive persistence engine of nereid.
// This file defines the statement interceptor chain, which allows
// cross-cutting concerns (logging, metrics, auditing) to observe every SQL
// statement a session executes.
package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/leandroluk/nereid/stage"
)

// StatementKind distinguishes the statements flowing through interceptors.
type StatementKind string

const (
	// StatementSelect corresponds to a row-returning statement.
	StatementSelect StatementKind = "select"
	// StatementUpdate corresponds to an insert, update, or delete.
	StatementUpdate StatementKind = "update"
	// StatementInsertReturning corresponds to an insert reading back a
	// database-generated identifier.
	StatementInsertReturning StatementKind = "insert-returning"
)

// StatementHandler is the function signature executed by the statement
// pipeline. The stage carries a Rows for StatementSelect, an int64 affected
// count for StatementUpdate, and the generated identifier for
// StatementInsertReturning.
type StatementHandler func(ctx context.Context, kind StatementKind, stmt Statement) *stage.Stage[any]

// StatementInterceptor wraps a StatementHandler with additional logic.
//
// Interceptors are registered per factory and executed for every statement.
// They follow the decorator pattern: the most recently registered
// interceptor is executed first.
type StatementInterceptor func(next StatementHandler) StatementHandler

// chainInterceptors applies the interceptor list to the final handler.
func chainInterceptors(interceptorList []StatementInterceptor, final StatementHandler) StatementHandler {
	handler := final
	for i := len(interceptorList) - 1; i >= 0; i-- {
		handler = interceptorList[i](handler)
	}
	return handler
}

// LoggingInterceptor logs every statement with its duration and outcome.
//
// Example:
//
//	core.NewFactory(dialect, pool,
//	    core.WithInterceptor(core.LoggingInterceptor(logger)))
func LoggingInterceptor(logger *slog.Logger) StatementInterceptor {
	return func(next StatementHandler) StatementHandler {
		return func(ctx context.Context, kind StatementKind, stmt Statement) *stage.Stage[any] {
			start := time.Now()
			logger.DebugContext(ctx, "executing statement", "kind", string(kind), "sql", stmt.SQL)
			return stage.WhenComplete(next(ctx, kind, stmt), func(_ any, err error) {
				elapsed := time.Since(start)
				if err != nil {
					logger.ErrorContext(ctx, "statement failed",
						"kind", string(kind), "sql", stmt.SQL, "elapsed", elapsed, "error", err)
					return
				}
				logger.DebugContext(ctx, "statement completed",
					"kind", string(kind), "sql", stmt.SQL, "elapsed", elapsed)
			})
		}
	}
}

// MetricsInterceptor records statement counts and latencies on the given
// metrics set.
func MetricsInterceptor(metrics *Metrics) StatementInterceptor {
	return func(next StatementHandler) StatementHandler {
		return func(ctx context.Context, kind StatementKind, stmt Statement) *stage.Stage[any] {
			start := time.Now()
			return stage.WhenComplete(next(ctx, kind, stmt), func(_ any, err error) {
				metrics.observeStatement(string(kind), time.Since(start), err)
			})
		}
	}
}
