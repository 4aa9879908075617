package stage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteResolvesAwait(t *testing.T) {
	s := New[int]()
	go s.Complete(7)

	value, err := s.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, value)
}

func TestFirstSettlementWins(t *testing.T) {
	s := New[string]()
	s.Complete("first")
	s.Complete("second")
	s.Fail(errors.New("late failure"))

	value, err := s.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", value)
}

func TestThenMapsValue(t *testing.T) {
	doubled := Then(Of(21), func(v int) (int, error) { return v * 2, nil })

	value, err := doubled.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestThenSkippedOnFailure(t *testing.T) {
	boom := errors.New("boom")
	called := false
	derived := Then(Failed[int](boom), func(v int) (int, error) {
		called = true
		return v, nil
	})

	_, err := derived.Await(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, called, "continuation must not run after a failure")
}

func TestComposeChainsStages(t *testing.T) {
	inner := New[string]()
	composed := Compose(Of(10), func(v int) *Stage[string] {
		assert.Equal(t, 10, v)
		return inner
	})

	assert.False(t, composed.Settled())
	inner.Complete("done")

	value, err := composed.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestComposePropagatesInnerFailure(t *testing.T) {
	boom := errors.New("inner failure")
	composed := Compose(Of(1), func(int) *Stage[Unit] {
		return Failed[Unit](boom)
	})

	_, err := composed.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRecoverInterceptsFailure(t *testing.T) {
	recovered := Recover(Failed[int](errors.New("boom")), func(err error) (int, error) {
		return -1, nil
	})

	value, err := recovered.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, value)
}

func TestRecoverPassesValueThrough(t *testing.T) {
	recovered := Recover(Of(5), func(error) (int, error) {
		t.Fatal("recover must not run for a completed stage")
		return 0, nil
	})

	value, err := recovered.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, value)
}

func TestWhenCompleteObservesWithoutAltering(t *testing.T) {
	boom := errors.New("observed")
	var seen error
	derived := WhenComplete(Failed[int](boom), func(_ int, err error) {
		seen = err
	})

	_, err := derived.Await(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, seen, boom)
}

func TestAllPreservesOrder(t *testing.T) {
	first := New[int]()
	second := New[int]()
	all := All(first, second)

	second.Complete(2)
	first.Complete(1)

	valueList, err := all.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, valueList)
}

func TestAllFailsOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	all := All(Of(1), Failed[int](boom))

	_, err := all.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSequenceRunsProducersInOrder(t *testing.T) {
	var orderList []int
	producerList := []func() *Stage[Unit]{}
	for i := 1; i <= 3; i++ {
		i := i
		producerList = append(producerList, func() *Stage[Unit] {
			orderList = append(orderList, i)
			return Of(Unit{})
		})
	}

	_, err := Sequence(producerList).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, orderList)
}

func TestSequenceStopsAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	ran := false
	producerList := []func() *Stage[Unit]{
		func() *Stage[Unit] { return Failed[Unit](boom) },
		func() *Stage[Unit] { ran = true; return Of(Unit{}) },
	}

	_, err := Sequence(producerList).Await(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran, "later producers must not start after a failure")
}

func TestHandleTransformsSuccess(t *testing.T) {
	handled := Handle(Of(3), func(v int, err error) *Stage[string] {
		require.NoError(t, err)
		return Of("got 3")
	})

	value, err := handled.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "got 3", value)
}

func TestHandleRunsForFailureToo(t *testing.T) {
	boom := errors.New("boom")
	handled := Handle(Failed[int](boom), func(_ int, err error) *Stage[string] {
		assert.ErrorIs(t, err, boom)
		return Of("recovered")
	})

	value, err := handled.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recovered", value)
}

func TestHandleCanReplaceTheError(t *testing.T) {
	replacement := errors.New("replacement")
	handled := Handle(Failed[int](errors.New("original")), func(int, error) *Stage[string] {
		return Failed[string](replacement)
	})

	_, err := handled.Await(context.Background())
	assert.ErrorIs(t, err, replacement)
}

func TestVoidDropsTheValue(t *testing.T) {
	_, err := Void(Of(42)).Await(context.Background())
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = Void(Failed[int](boom)).Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestAwaitHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New[int]().Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentSubscribersAllNotified(t *testing.T) {
	s := New[int]()
	var wg sync.WaitGroup
	results := make([]int, 16)
	for i := range results {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			v, err := Then(s, func(v int) (int, error) { return v, nil }).Await(context.Background())
			require.NoError(t, err)
			results[i] = v
		}()
	}
	s.Complete(9)
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, 9, v)
	}
}
