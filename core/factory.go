// Package core provides the reactive persistence engine of nereid.
// This file defines the Factory: the long-lived, thread-safe root object
// holding the schema registry, the connection pool, and everything shared
// across sessions (dialect, interceptors, metrics, query cache, identifier
// block caches, compiled assembly plans). Sessions are cheap; factories
// are built once at startup.
package core

import (
	"context"
	"log/slog"

	"github.com/leandroluk/nereid/stage"
	"github.com/pkg/errors"
)

// SchemaRegistration is satisfied by every *SchemaMeta[T]; it lets the
// factory accept schemas of different entity types through one option.
type SchemaRegistration interface {
	entityMeta() *Meta
}

// Factory is the immutable engine root. All exported methods are safe for
// concurrent use.
type Factory struct {
	dialect          Dialect
	pool             Pool
	logger           *slog.Logger
	metrics          *Metrics
	queryCache       QueryCache
	events           *EventDispatcher
	interceptorList  []StatementInterceptor
	concurrencyGuard bool

	metaMap      map[string]*Meta
	persisterMap map[string]*Persister
	loaderMap    map[string]*Loader
	planMap      map[string]*assemblyPlan
	idCacheMap   map[string]*blockCache
}

// FactoryOption customizes a Factory under construction.
type FactoryOption func(*Factory)

// WithSchema registers an entity schema. Every entity reachable through
// associations must be registered on the same factory.
func WithSchema(schema SchemaRegistration) FactoryOption {
	return func(f *Factory) {
		meta := schema.entityMeta()
		f.metaMap[meta.EntityName] = meta
	}
}

// WithLogger sets the structured logger used by the factory and the
// logging interceptor installed with it.
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = logger }
}

// WithMetrics installs Prometheus instrumentation, including the
// statement-level metrics interceptor.
func WithMetrics(metrics *Metrics) FactoryOption {
	return func(f *Factory) { f.metrics = metrics }
}

// WithQueryCache installs a query cache; only queries marked cacheable
// over entities marked cacheable use it.
func WithQueryCache(cache QueryCache) FactoryOption {
	return func(f *Factory) { f.queryCache = cache }
}

// WithInterceptor appends a statement interceptor. Interceptors run in
// registration order around every statement of every session.
func WithInterceptor(interceptor StatementInterceptor) FactoryOption {
	return func(f *Factory) { f.interceptorList = append(f.interceptorList, interceptor) }
}

// WithConcurrencyGuard makes sessions fail fast with SessionError when
// invoked concurrently from multiple goroutines, instead of silently
// queueing. Intended for development and tests.
func WithConcurrencyGuard() FactoryOption {
	return func(f *Factory) { f.concurrencyGuard = true }
}

// NewFactory builds the engine root over a dialect and pool, validating
// the schema registry and compiling per-entity persisters, loaders, and
// assembly plans.
func NewFactory(dialect Dialect, pool Pool, options ...FactoryOption) (*Factory, error) {
	f := &Factory{
		dialect:      dialect,
		pool:         pool,
		events:       NewEventDispatcher(),
		metaMap:      make(map[string]*Meta),
		persisterMap: make(map[string]*Persister),
		loaderMap:    make(map[string]*Loader),
		idCacheMap:   make(map[string]*blockCache),
	}
	for _, option := range options {
		option(f)
	}
	if f.logger != nil {
		f.interceptorList = append(f.interceptorList, LoggingInterceptor(f.logger))
	}
	if f.metrics != nil {
		f.interceptorList = append(f.interceptorList, MetricsInterceptor(f.metrics))
	}

	for name, meta := range f.metaMap {
		for _, assoc := range meta.ToOneList {
			if _, ok := f.metaMap[assoc.Target]; !ok {
				return nil, errors.Errorf("core: %s.%s references unregistered entity %s", name, assoc.FieldName, assoc.Target)
			}
		}
		for _, assoc := range meta.ToManyList {
			if _, ok := f.metaMap[assoc.Target]; !ok {
				return nil, errors.Errorf("core: %s.%s references unregistered entity %s", name, assoc.FieldName, assoc.Target)
			}
		}
		generator, err := newIdentifierGenerator(meta, f.idCacheMap)
		if err != nil {
			return nil, err
		}
		f.persisterMap[name] = newPersister(meta, dialect, generator, f)
		f.loaderMap[name] = newLoader(meta, dialect, f)
	}
	f.planMap = compilePlans(f.metaMap)
	return f, nil
}

// Events returns the factory's lifecycle event dispatcher.
func (f *Factory) Events() *EventDispatcher { return f.events }

// Dialect returns the SQL dialect the factory renders statements for.
func (f *Factory) Dialect() Dialect { return f.dialect }

func (f *Factory) metaOf(entityName string) (*Meta, error) {
	meta, ok := f.metaMap[entityName]
	if !ok {
		return nil, errors.Errorf("core: entity %s is not registered", entityName)
	}
	return meta, nil
}

func (f *Factory) persisterOf(entityName string) (*Persister, error) {
	persister, ok := f.persisterMap[entityName]
	if !ok {
		return nil, errors.Errorf("core: entity %s is not registered", entityName)
	}
	return persister, nil
}

func (f *Factory) loaderOf(entityName string) (*Loader, error) {
	loader, ok := f.loaderMap[entityName]
	if !ok {
		return nil, errors.Errorf("core: entity %s is not registered", entityName)
	}
	return loader, nil
}

func (f *Factory) planOf(entityName string) *assemblyPlan {
	return f.planMap[entityName]
}

// OpenSession acquires a connection from the pool and binds a fresh
// session to it. The caller owns the session and must Close it.
func (f *Factory) OpenSession(ctx context.Context) *stage.Stage[*Session] {
	return stage.Then(f.pool.Acquire(ctx), func(conn Connection) (*Session, error) {
		return newSession(f, conn), nil
	})
}

// WithSession opens a session, runs work with it, and closes it when the
// work's stage settles, releasing the connection on both paths.
func (f *Factory) WithSession(ctx context.Context, work func(ctx context.Context, session *Session) *stage.Stage[any]) *stage.Stage[any] {
	return stage.Compose(f.OpenSession(ctx), func(session *Session) *stage.Stage[any] {
		return stage.Handle(work(ctx, session), func(value any, err error) *stage.Stage[any] {
			closeErr := session.Close(ctx)
			if err != nil {
				return stage.Failed[any](err)
			}
			if closeErr != nil {
				return stage.Failed[any](closeErr)
			}
			return stage.Of(value)
		})
	})
}

// WithTransaction opens a session and runs work inside a transaction on
// it, closing the session afterwards. This is the usual entry point for a
// request-scoped unit of work.
func (f *Factory) WithTransaction(ctx context.Context, work func(ctx context.Context, session *Session) *stage.Stage[any]) *stage.Stage[any] {
	return f.WithSession(ctx, func(ctx context.Context, session *Session) *stage.Stage[any] {
		return session.WithTransaction(ctx, func(ctx context.Context) *stage.Stage[any] {
			return work(ctx, session)
		})
	})
}

// Close shuts the underlying pool down.
func (f *Factory) Close() {
	f.pool.Close()
}
