package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync.go/pkg/constants"
)

func TestQueueRunsTasksInOrder(t *testing.T) {
	q := NewQueue(nil)
	defer q.Shutdown(nil)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, q.Enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	q.Drain()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestRunReturnsFuture(t *testing.T) {
	q := NewQueue(nil)
	defer q.Shutdown(nil)

	f := Run(q, func() (int, error) {
		q.VerifyOperationInProgress()
		return 42, nil
	})
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	f = Run(q, func() (int, error) { return 0, boom })
	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestVerifyOperationInProgressPanicsOffQueue(t *testing.T) {
	q := NewQueue(nil)
	defer q.Shutdown(nil)
	assert.Panics(t, q.VerifyOperationInProgress)
}

func TestShutdownRejectsNewTasks(t *testing.T) {
	q := NewQueue(nil)
	ran := false
	q.Shutdown(func() { ran = true })
	<-q.Done()
	assert.True(t, ran)
	assert.ErrorIs(t, q.Enqueue(func() {}), constants.ErrQueueShutdown)

	f := Run(q, func() (int, error) { return 1, nil })
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, constants.ErrQueueShutdown)
}

func TestDelayedOperations(t *testing.T) {
	t.Run("run early in target time order", func(t *testing.T) {
		q := NewQueue(nil)
		defer q.Shutdown(nil)

		var got []TimerID
		require.NoError(t, q.Enqueue(func() {
			q.EnqueueAfterDelay(TimerWriteStreamIdle, time.Hour, func() { got = append(got, TimerWriteStreamIdle) })
			q.EnqueueAfterDelay(TimerListenStreamIdle, time.Minute, func() { got = append(got, TimerListenStreamIdle) })
			q.EnqueueAfterDelay(TimerGarbageCollection, 2*time.Hour, func() { got = append(got, TimerGarbageCollection) })
		}))
		q.Drain()

		assert.True(t, q.ContainsDelayedOperation(TimerWriteStreamIdle))
		q.RunAllDelayedOperationsUntil(TimerWriteStreamIdle)
		assert.Equal(t, []TimerID{TimerListenStreamIdle, TimerWriteStreamIdle}, got)
		assert.False(t, q.ContainsDelayedOperation(TimerWriteStreamIdle))
		assert.True(t, q.ContainsDelayedOperation(TimerGarbageCollection))
	})

	t.Run("cancelled operations never run", func(t *testing.T) {
		q := NewQueue(nil)
		defer q.Shutdown(nil)

		ran := false
		op := q.EnqueueAfterDelay(TimerIndexBackfill, 10*time.Millisecond, func() { ran = true })
		op.Cancel()
		time.Sleep(30 * time.Millisecond)
		q.Drain()
		assert.False(t, ran)
		assert.False(t, q.ContainsDelayedOperation(TimerIndexBackfill))
	})

	t.Run("fires on its own", func(t *testing.T) {
		q := NewQueue(nil)
		defer q.Shutdown(nil)

		fired := make(chan struct{})
		q.EnqueueAfterDelay(TimerOnlineStateTimeout, 5*time.Millisecond, func() { close(fired) })
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("delayed operation did not fire")
		}
	})
}

func TestBackoff(t *testing.T) {
	q := NewQueue(nil)
	defer q.Shutdown(nil)

	b := NewBackoff(q, TimerListenStreamConnectionBackoff)
	b.JitterFactor = 0

	var attempts int
	q.Drain()
	require.NoError(t, q.Enqueue(func() {
		assert.Equal(t, time.Duration(0), b.CurrentBase())
		b.BackoffAndRun(func() { attempts++ })
		assert.Equal(t, time.Second, b.CurrentBase())
		b.BackoffAndRun(func() { attempts++ })
		assert.Equal(t, 1500*time.Millisecond, b.CurrentBase())
		b.ResetToMax()
		assert.Equal(t, 60*time.Second, b.CurrentBase())
		b.BackoffAndRun(func() { attempts++ })
		assert.Equal(t, 60*time.Second, b.CurrentBase())
	}))
	q.RunAllDelayedOperationsUntil(TimerAll)
	// Each BackoffAndRun cancels the previous attempt.
	assert.Equal(t, 1, attempts)

	require.NoError(t, q.Enqueue(func() {
		b.Reset()
		assert.Equal(t, time.Duration(0), b.CurrentBase())
	}))
	q.Drain()
}

var errContention = errors.New("contention")

func TestEnqueueRetryable(t *testing.T) {
	isRetryable := func(err error) bool { return errors.Is(err, errContention) }

	t.Run("retries until success", func(t *testing.T) {
		q := NewQueue(nil)
		defer q.Shutdown(nil)
		q.SetRetryer(&ExponentialBackoffRetryer{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, MaxRetries: 5})

		calls := 0
		f := q.EnqueueRetryable(func() error {
			calls++
			if calls < 3 {
				return errContention
			}
			return nil
		}, isRetryable)
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		q := NewQueue(nil)
		defer q.Shutdown(nil)
		q.SetRetryer(&ExponentialBackoffRetryer{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, MaxRetries: 2})

		calls := 0
		f := q.EnqueueRetryable(func() error {
			calls++
			return errContention
		}, isRetryable)
		_, err := f.Wait(context.Background())
		assert.ErrorIs(t, err, errContention)
		assert.Equal(t, 3, calls)
	})

	t.Run("non retryable errors fail fast and later ops still run in order", func(t *testing.T) {
		q := NewQueue(nil)
		defer q.Shutdown(nil)

		var order []int
		boom := errors.New("boom")
		f1 := q.EnqueueRetryable(func() error { order = append(order, 1); return boom }, isRetryable)
		f2 := q.EnqueueRetryable(func() error { order = append(order, 2); return nil }, isRetryable)

		_, err := f1.Wait(context.Background())
		assert.ErrorIs(t, err, boom)
		_, err = f2.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, order)
	})
}

func TestExponentialBackoffRetryer(t *testing.T) {
	retryer := &ExponentialBackoffRetryer{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   6,
	}
	expected := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, want := range expected {
		delay, ok := retryer.NextDelay(i, nil)
		assert.True(t, ok)
		assert.Equal(t, want*time.Millisecond, delay)
	}
	_, ok := retryer.NextDelay(6, nil)
	assert.False(t, ok)
}
