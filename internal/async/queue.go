// Package async provides the single serialized task queue every mutating operation of the
// client runs on, plus the timers, backoff and futures built on top of it.
//
// Tasks run one at a time, in FIFO order, on a dedicated goroutine. Code running on the
// queue never blocks on network I/O; results of I/O started elsewhere are re-enqueued.
package async

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/logger"
)

// TimerID identifies a kind of delayed operation so tests can run it early.
type TimerID string

const (
	TimerAll                           TimerID = "all"
	TimerListenStreamIdle              TimerID = "listen_stream_idle"
	TimerListenStreamConnectionBackoff TimerID = "listen_stream_connection_backoff"
	TimerWriteStreamIdle               TimerID = "write_stream_idle"
	TimerWriteStreamConnectionBackoff  TimerID = "write_stream_connection_backoff"
	TimerHealthCheckTimeout            TimerID = "health_check_timeout"
	TimerOnlineStateTimeout            TimerID = "online_state_timeout"
	TimerGarbageCollection             TimerID = "garbage_collection"
	TimerRetryTransaction              TimerID = "retry_transaction"
	TimerIndexBackfill                 TimerID = "index_backfill"
)

// Queue serializes tasks onto one goroutine.
type Queue struct {
	logger logger.Logger

	mu       sync.Mutex
	pending  []func()
	signal   chan struct{}
	shutdown bool
	done     chan struct{}

	delayed []*DelayedOperation

	running atomic.Bool

	retryMu    sync.Mutex
	retryTail  *Future[struct{}]
	retryer    Retryer
	retryTimer TimerID
}

func NewQueue(log logger.Logger) *Queue {
	if log == nil {
		log = logger.Discard
	}
	q := &Queue{
		logger:     log,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		retryer:    NewExponentialBackoffRetryer(),
		retryTimer: TimerRetryTransaction,
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 {
			if q.shutdown {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.signal
			q.mu.Lock()
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.run(task)
	}
}

func (q *Queue) run(task func()) {
	q.running.Store(true)
	defer q.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("async queue task panicked", "panic", fmt.Sprint(r))
			panic(r)
		}
	}()
	task()
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue schedules fn. It returns ErrQueueShutdown once Shutdown was called.
func (q *Queue) Enqueue(fn func()) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return constants.ErrQueueShutdown
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
	q.wake()
	return nil
}

// EnqueueAndForget schedules fn and drops the shutdown error.
func (q *Queue) EnqueueAndForget(fn func()) {
	if err := q.Enqueue(fn); err != nil {
		q.logger.Debug("dropping task enqueued after shutdown")
	}
}

// Run schedules fn and returns a Future completed with its result.
func Run[T any](q *Queue, fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	if err := q.Enqueue(func() {
		v, err := fn()
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(v)
	}); err != nil {
		f.Reject(err)
	}
	return f
}

// Shutdown runs fn as the last task and stops accepting new work.
// Tasks already queued still run; delayed operations are cancelled.
func (q *Queue) Shutdown(fn func()) {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, func() {
		q.cancelAllDelayed()
		if fn != nil {
			fn()
		}
	})
	q.shutdown = true
	q.mu.Unlock()
	q.wake()
}

// Done is closed once the queue goroutine has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// IsShuttingDown reports whether Shutdown has been called.
func (q *Queue) IsShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

// VerifyOperationInProgress panics when called outside a queue task.
func (q *Queue) VerifyOperationInProgress() {
	if !q.running.Load() {
		panic("BUG: expected to be called from the async queue")
	}
}

// EnqueueAfterDelay schedules fn to run on the queue after delay.
func (q *Queue) EnqueueAfterDelay(id TimerID, delay time.Duration, fn func()) *DelayedOperation {
	if delay < 0 {
		delay = 0
	}
	op := &DelayedOperation{
		queue:      q,
		TimerID:    id,
		targetTime: time.Now().Add(delay),
		fn:         fn,
	}
	q.mu.Lock()
	q.delayed = append(q.delayed, op)
	q.mu.Unlock()

	op.timer = time.AfterFunc(delay, func() {
		q.EnqueueAndForget(op.fire)
	})
	return op
}

// ContainsDelayedOperation reports whether an operation with id is scheduled.
func (q *Queue) ContainsDelayedOperation(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.delayed {
		if op.TimerID == id {
			return true
		}
	}
	return false
}

// RunAllDelayedOperationsUntil runs scheduled operations in target-time order up to and
// including the first one with lastID (or all of them for TimerAll), then waits for them.
// It must not be called from a queue task.
func (q *Queue) RunAllDelayedOperationsUntil(lastID TimerID) {
	finished := make(chan struct{})
	if err := q.Enqueue(func() {
		defer close(finished)
		q.mu.Lock()
		ops := append([]*DelayedOperation(nil), q.delayed...)
		q.mu.Unlock()
		sort.SliceStable(ops, func(i, j int) bool {
			return ops[i].targetTime.Before(ops[j].targetTime)
		})
		for _, op := range ops {
			op.fire()
			if lastID != TimerAll && op.TimerID == lastID {
				break
			}
		}
	}); err != nil {
		return
	}
	<-finished
	// Tasks enqueued by the operations themselves run before this returns.
	q.Drain()
}

// Drain blocks until every task enqueued before the call has run.
func (q *Queue) Drain() {
	finished := make(chan struct{})
	if err := q.Enqueue(func() { close(finished) }); err != nil {
		return
	}
	<-finished
}

func (q *Queue) removeDelayed(op *DelayedOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, d := range q.delayed {
		if d == op {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return
		}
	}
}

func (q *Queue) cancelAllDelayed() {
	q.mu.Lock()
	ops := q.delayed
	q.delayed = nil
	q.mu.Unlock()
	for _, op := range ops {
		op.skip()
	}
}

// DelayedOperation is a cancellable timer whose callback runs on the queue.
type DelayedOperation struct {
	queue      *Queue
	TimerID    TimerID
	targetTime time.Time
	fn         func()
	timer      *time.Timer
	fired      atomic.Bool
}

// Cancel prevents the operation from running if it has not already.
func (op *DelayedOperation) Cancel() {
	if op.skip() {
		op.queue.removeDelayed(op)
	}
}

func (op *DelayedOperation) skip() bool {
	if !op.fired.CompareAndSwap(false, true) {
		return false
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	return true
}

func (op *DelayedOperation) fire() {
	if !op.skip() {
		return
	}
	op.queue.removeDelayed(op)
	op.fn()
}
