// Package stage provides the composable asynchronous result type used by the
// nereid persistence engine. A Stage is either pending, completed with a
// value, or failed with an error, and supports sequential composition without
// ever blocking a thread: continuations registered on a pending Stage run
// synchronously on the goroutine that eventually completes it, preserving the
// issue order of the operations composed through it.
package stage

import (
	"context"
	"sync"
)

// Unit is the value type of stages that carry no result, such as a DELETE
// statement or a transaction commit.
type Unit struct{}

// Stage is a single-assignment asynchronous result container.
//
// A Stage transitions exactly once from pending to either completed or
// failed. Later completions are ignored, so a race between two producers
// resolves deterministically to whichever arrived first.
//
// Example:
//
//	s := stage.New[int]()
//	go func() { s.Complete(42) }()
//	doubled := stage.Then(s, func(v int) (int, error) { return v * 2, nil })
//	v, err := doubled.Await(ctx)
type Stage[T any] struct {
	mutex        sync.Mutex
	settled      bool
	value        T
	err          error
	done         chan struct{}
	callbackList []func(T, error)
}

// New creates a pending Stage.
func New[T any]() *Stage[T] {
	return &Stage[T]{done: make(chan struct{})}
}

// Of creates a Stage already completed with the given value.
func Of[T any](value T) *Stage[T] {
	s := New[T]()
	s.Complete(value)
	return s
}

// Failed creates a Stage already failed with the given error.
func Failed[T any](err error) *Stage[T] {
	s := New[T]()
	s.Fail(err)
	return s
}

// Complete resolves the Stage with a value. It is a no-op if the Stage has
// already settled.
func (s *Stage[T]) Complete(value T) {
	s.settle(value, nil)
}

// Fail resolves the Stage with an error. It is a no-op if the Stage has
// already settled.
func (s *Stage[T]) Fail(err error) {
	var zero T
	s.settle(zero, err)
}

func (s *Stage[T]) settle(value T, err error) {
	s.mutex.Lock()
	if s.settled {
		s.mutex.Unlock()
		return
	}
	s.settled = true
	s.value = value
	s.err = err
	callbackList := s.callbackList
	s.callbackList = nil
	close(s.done)
	s.mutex.Unlock()

	for _, callback := range callbackList {
		callback(value, err)
	}
}

// subscribe registers a continuation, invoking it immediately when the Stage
// has already settled.
func (s *Stage[T]) subscribe(callback func(T, error)) {
	s.mutex.Lock()
	if s.settled {
		value, err := s.value, s.err
		s.mutex.Unlock()
		callback(value, err)
		return
	}
	s.callbackList = append(s.callbackList, callback)
	s.mutex.Unlock()
}

// Done returns a channel closed when the Stage settles.
func (s *Stage[T]) Done() <-chan struct{} {
	return s.done
}

// Settled reports whether the Stage has completed or failed.
func (s *Stage[T]) Settled() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.settled
}

// Await blocks until the Stage settles or the context is cancelled, and
// returns the resolved value or error. It is intended for the outermost
// caller (tests, main); engine internals compose with Then/Compose instead.
func (s *Stage[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.value, s.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then returns a Stage resolved with fn applied to the source value once it
// completes. A source failure bypasses fn and propagates; an error returned
// by fn fails the derived Stage.
func Then[A any, B any](source *Stage[A], fn func(A) (B, error)) *Stage[B] {
	derived := New[B]()
	source.subscribe(func(value A, err error) {
		if err != nil {
			derived.Fail(err)
			return
		}
		mapped, mapErr := fn(value)
		if mapErr != nil {
			derived.Fail(mapErr)
			return
		}
		derived.Complete(mapped)
	})
	return derived
}

// Compose returns a Stage resolved with the Stage produced by fn from the
// source value: the asynchronous flat-map used to chain database round
// trips. A failure at either step propagates to the result.
func Compose[A any, B any](source *Stage[A], fn func(A) *Stage[B]) *Stage[B] {
	derived := New[B]()
	source.subscribe(func(value A, err error) {
		if err != nil {
			derived.Fail(err)
			return
		}
		next := fn(value)
		if next == nil {
			var zero B
			derived.Complete(zero)
			return
		}
		next.subscribe(func(nextValue B, nextErr error) {
			if nextErr != nil {
				derived.Fail(nextErr)
				return
			}
			derived.Complete(nextValue)
		})
	})
	return derived
}

// Handle composes on either outcome: once the source settles, fn receives
// its value and error and produces the continuation Stage. Unlike Compose,
// a source failure still reaches fn, which is what cleanup chains such as
// transaction completion need.
func Handle[A any, B any](source *Stage[A], fn func(A, error) *Stage[B]) *Stage[B] {
	derived := New[B]()
	source.subscribe(func(value A, err error) {
		next := fn(value, err)
		if next == nil {
			var zero B
			derived.Complete(zero)
			return
		}
		next.subscribe(func(nextValue B, nextErr error) {
			if nextErr != nil {
				derived.Fail(nextErr)
				return
			}
			derived.Complete(nextValue)
		})
	})
	return derived
}

// Recover intercepts a failure of the source Stage, producing a replacement
// value or a replacement error. A completed source passes through untouched.
func Recover[T any](source *Stage[T], fn func(error) (T, error)) *Stage[T] {
	derived := New[T]()
	source.subscribe(func(value T, err error) {
		if err == nil {
			derived.Complete(value)
			return
		}
		recovered, recoverErr := fn(err)
		if recoverErr != nil {
			derived.Fail(recoverErr)
			return
		}
		derived.Complete(recovered)
	})
	return derived
}

// WhenComplete observes the outcome of the source Stage without altering it.
// The returned Stage settles with the same value or error after fn ran.
func WhenComplete[T any](source *Stage[T], fn func(T, error)) *Stage[T] {
	derived := New[T]()
	source.subscribe(func(value T, err error) {
		fn(value, err)
		if err != nil {
			derived.Fail(err)
			return
		}
		derived.Complete(value)
	})
	return derived
}

// Void discards the value of the source Stage, preserving its failure.
func Void[T any](source *Stage[T]) *Stage[Unit] {
	return Then(source, func(T) (Unit, error) { return Unit{}, nil })
}

// All returns a Stage completed with every source value once all sources
// complete, in source order. The first failure fails the result; remaining
// sources are still awaited but their values are discarded.
func All[T any](sourceList ...*Stage[T]) *Stage[[]T] {
	if len(sourceList) == 0 {
		return Of([]T{})
	}
	derived := New[[]T]()
	valueList := make([]T, len(sourceList))
	var mutex sync.Mutex
	remaining := len(sourceList)
	for index, source := range sourceList {
		index := index
		source.subscribe(func(value T, err error) {
			if err != nil {
				derived.Fail(err)
				return
			}
			mutex.Lock()
			valueList[index] = value
			remaining--
			settled := remaining == 0
			mutex.Unlock()
			if settled {
				derived.Complete(valueList)
			}
		})
	}
	return derived
}

// Sequence runs each producer in order, starting the next only after the
// previous Stage completed, and resolves once the last one did. This is the
// strictly sequential chain the flush loop executes actions with: at most
// one produced Stage is in flight at any moment.
func Sequence[T any](producerList []func() *Stage[T]) *Stage[Unit] {
	result := Of(Unit{})
	for _, producer := range producerList {
		producer := producer
		result = Compose(result, func(Unit) *Stage[Unit] {
			return Void(producer())
		})
	}
	return result
}
