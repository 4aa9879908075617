// Package core provides the reactive persistence engine of nereid.
// This file defines context propagation for sessions, so layered
// application code can reach the ambient unit of work without threading a
// *Session through every call.
package core

import (
	"context"

	"github.com/leandroluk/nereid/stage"
)

// sessionKey is an unexported type used as the key for storing a *Session
// in a context.Context. Using a private type prevents collisions with
// other context values.
type sessionKey struct{}

// ContextWithSession injects a session into the given context.
//
// Example:
//
//	sessionCtx := core.ContextWithSession(ctx, session)
//	service.PlaceOrder(sessionCtx, order)
func ContextWithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFrom extracts the ambient session from the given context, or nil
// when the context carries none.
func SessionFrom(ctx context.Context) *Session {
	if session, ok := ctx.Value(sessionKey{}).(*Session); ok {
		return session
	}
	return nil
}

// RunWithSession opens a session bound to the context and runs work with
// the session injected, closing it when the work's stage settles.
//
// Example:
//
//	result := core.RunWithSession(ctx, factory, func(ctx context.Context) *stage.Stage[any] {
//	    return core.SessionFrom(ctx).Find(ctx, "User", id)
//	})
func RunWithSession(ctx context.Context, factory *Factory, work func(ctx context.Context) *stage.Stage[any]) *stage.Stage[any] {
	return factory.WithSession(ctx, func(ctx context.Context, session *Session) *stage.Stage[any] {
		return work(ContextWithSession(ctx, session))
	})
}

// RunInTransaction opens a session, begins a transaction, and runs work
// with the session injected into the context. The transaction commits
// after a flush when work succeeds and rolls back otherwise.
func RunInTransaction(ctx context.Context, factory *Factory, work func(ctx context.Context) *stage.Stage[any]) *stage.Stage[any] {
	return factory.WithTransaction(ctx, func(ctx context.Context, session *Session) *stage.Stage[any] {
		return work(ContextWithSession(ctx, session))
	})
}
