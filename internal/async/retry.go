package async

import (
	"math"
	"math/rand"
	"time"
)

// Retryer decides how long EnqueueRetryable waits before running a failed operation
// again. attempt counts the failures so far, starting at 0.
type Retryer interface {
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
	// Reset is called after an operation succeeds.
	Reset()
}

// ExponentialBackoffRetryer grows the delay by Multiplier per attempt up to MaxDelay and
// gives up after MaxRetries attempts. Zero MaxRetries retries forever.
type ExponentialBackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int

	Jitter bool
	// JitterFactor bounds the jitter as a fraction of the delay, in both directions.
	JitterFactor float64
}

// NewExponentialBackoffRetryer returns the retryer used for retryable queue operations.
// Transaction contention clears quickly, so it starts small and stays well under the
// stream backoff.
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		Jitter:       true,
		JitterFactor: 0.3,
	}
}

func (r *ExponentialBackoffRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	delay := math.Min(float64(r.InitialDelay)*math.Pow(r.Multiplier, float64(attempt)), float64(r.MaxDelay))
	if !r.Jitter || r.JitterFactor <= 0 {
		return time.Duration(delay), true
	}
	//nolint:gosec // jitter only spreads retries out
	delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(r.InitialDelay)
	}
	return time.Duration(delay), true
}

func (r *ExponentialBackoffRetryer) Reset() {}

// SetRetryer replaces the strategy used by EnqueueRetryable.
func (q *Queue) SetRetryer(r Retryer) {
	q.retryMu.Lock()
	defer q.retryMu.Unlock()
	q.retryer = r
}

// EnqueueRetryable runs fn on the queue after every previously enqueued retryable
// operation has finished. When fn fails with an error isRetryable accepts, it is
// re-enqueued after the retryer's delay; once retries are exhausted, or on any other
// error, the returned future is rejected with that error.
func (q *Queue) EnqueueRetryable(fn func() error, isRetryable func(error) bool) *Future[struct{}] {
	result := NewFuture[struct{}]()

	q.retryMu.Lock()
	prev := q.retryTail
	q.retryTail = result
	retryer := q.retryer
	q.retryMu.Unlock()

	var attempt func(n int)
	attempt = func(n int) {
		err := fn()
		if err == nil {
			retryer.Reset()
			result.Resolve(struct{}{})
			return
		}
		if isRetryable == nil || !isRetryable(err) {
			result.Reject(err)
			return
		}
		delay, ok := retryer.NextDelay(n, err)
		if !ok {
			q.logger.Error("retryable operation exhausted its retries", "attempts", n+1, "error", err)
			result.Reject(err)
			return
		}
		q.logger.Debug("retrying operation", "attempt", n+1, "delay", delay, "error", err)
		q.EnqueueAfterDelay(q.retryTimer, delay, func() { attempt(n + 1) })
	}

	start := func() {
		if err := q.Enqueue(func() { attempt(0) }); err != nil {
			result.Reject(err)
		}
	}
	if prev == nil {
		start()
	} else {
		go func() {
			select {
			case <-prev.Done():
			case <-q.done:
			}
			start()
		}()
	}
	return result
}
