package async

import (
	"math/rand"
	"time"

	"github.com/docsync/docsync.go/pkg/constants"
)

// Backoff schedules retries of one operation on the queue with exponentially growing,
// jittered delays. It is not safe for concurrent use and must be driven from the queue.
type Backoff struct {
	queue   *Queue
	timerID TimerID

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0)
	JitterFactor float64

	currentBase     time.Duration
	lastAttemptTime time.Time
	timerOp         *DelayedOperation
}

func NewBackoff(q *Queue, id TimerID) *Backoff {
	return &Backoff{
		queue:           q,
		timerID:         id,
		InitialDelay:    constants.DefaultBackoffInitialDelay,
		MaxDelay:        constants.DefaultBackoffMaxDelay,
		Multiplier:      constants.DefaultBackoffFactor,
		JitterFactor:    constants.DefaultBackoffJitterFactor,
		lastAttemptTime: time.Now(),
	}
}

// Reset makes the next attempt run immediately.
func (b *Backoff) Reset() {
	b.currentBase = 0
}

// ResetToMax makes the next attempt wait the maximum delay.
func (b *Backoff) ResetToMax() {
	b.currentBase = b.MaxDelay
}

// CurrentBase is the un-jittered delay of the next attempt.
func (b *Backoff) CurrentBase() time.Duration {
	return b.currentBase
}

// BackoffAndRun cancels any pending attempt and schedules fn after the current delay.
// The delay counts from the previous attempt, so slow attempts are not penalised twice.
func (b *Backoff) BackoffAndRun(fn func()) {
	b.Cancel()

	delay := b.currentBase + b.jitter()
	remaining := delay - time.Since(b.lastAttemptTime)
	if remaining < 0 {
		remaining = 0
	}
	if b.currentBase > 0 {
		b.queue.logger.Debug("backing off",
			"timer", string(b.timerID),
			"delay", remaining,
			"base", b.currentBase,
			"since_last_attempt", time.Since(b.lastAttemptTime))
	}

	b.timerOp = b.queue.EnqueueAfterDelay(b.timerID, remaining, func() {
		b.lastAttemptTime = time.Now()
		fn()
	})

	next := time.Duration(float64(b.currentBase) * b.Multiplier)
	if next < b.InitialDelay {
		next = b.InitialDelay
	}
	if next > b.MaxDelay {
		next = b.MaxDelay
	}
	b.currentBase = next
}

// SkipBackoff runs the pending attempt now, if there is one.
func (b *Backoff) SkipBackoff() {
	if b.timerOp != nil {
		op := b.timerOp
		b.timerOp = nil
		op.fire()
	}
}

// Cancel drops the pending attempt, if any.
func (b *Backoff) Cancel() {
	if b.timerOp != nil {
		b.timerOp.Cancel()
		b.timerOp = nil
	}
}

func (b *Backoff) jitter() time.Duration {
	//nolint:gosec // math/rand is fine for jitter, not security-critical
	return time.Duration((rand.Float64() - 0.5) * 2 * b.JitterFactor * float64(b.currentBase))
}
