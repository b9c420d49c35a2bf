package remote

import (
	"time"

	"github.com/docsync/docsync.go/internal/async"
	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/logger"
)

// OnlineState is the client's belief about its connectivity to the backend.
type OnlineState int

const (
	// OnlineStateUnknown is the state while a connection attempt is in flight. Listeners
	// wait for it to resolve before raising cached results.
	OnlineStateUnknown OnlineState = iota
	OnlineStateOnline
	// OnlineStateOffline lets listeners raise cached results flagged fromCache.
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateUnknown:
		return "unknown"
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	}
	return "invalid"
}

// maxWatchStreamFailures is the number of failed watch stream attempts after which the
// client is considered offline.
const maxWatchStreamFailures = 1

// OnlineStateTracker derives the OnlineState from the watch stream's behavior: online
// once the stream delivers a message, offline after a failed attempt or when the first
// attempt does not succeed within the online-state timeout.
type OnlineStateTracker struct {
	queue   *async.Queue
	handler func(OnlineState)
	logger  logger.Logger
	timeout time.Duration

	state               OnlineState
	watchStreamFailures int
	timer               *async.DelayedOperation
	warnOffline         bool
}

func NewOnlineStateTracker(q *async.Queue, handler func(OnlineState), log logger.Logger) *OnlineStateTracker {
	if log == nil {
		log = logger.Discard
	}
	return &OnlineStateTracker{
		queue:       q,
		handler:     handler,
		logger:      log,
		timeout:     constants.DefaultOnlineStateTimeout,
		state:       OnlineStateUnknown,
		warnOffline: true,
	}
}

func (t *OnlineStateTracker) State() OnlineState {
	return t.state
}

// HandleWatchStreamStart starts the online-state timer for a first connection attempt.
func (t *OnlineStateTracker) HandleWatchStreamStart() {
	if t.watchStreamFailures != 0 {
		return
	}
	t.setAndBroadcast(OnlineStateUnknown)
	t.clearTimer()
	t.timer = t.queue.EnqueueAfterDelay(async.TimerOnlineStateTimeout, t.timeout, func() {
		t.timer = nil
		t.logOffline("backend did not respond within the online state timeout", "timeout", t.timeout)
		t.setAndBroadcast(OnlineStateOffline)
	})
}

// HandleWatchStreamFailure records a failed watch stream. A stream that was online
// falls back to unknown while it reconnects.
func (t *OnlineStateTracker) HandleWatchStreamFailure(err error) {
	if t.state == OnlineStateOnline {
		t.setAndBroadcast(OnlineStateUnknown)
		return
	}
	t.watchStreamFailures++
	if t.watchStreamFailures >= maxWatchStreamFailures {
		t.clearTimer()
		t.logOffline("could not reach the backend", "failures", t.watchStreamFailures, "error", err)
		t.setAndBroadcast(OnlineStateOffline)
	}
}

// Set forces a state, resetting the failure count and the timer.
func (t *OnlineStateTracker) Set(state OnlineState) {
	t.clearTimer()
	t.watchStreamFailures = 0
	if state == OnlineStateOnline {
		// Later disconnects are expected and not worth a warning.
		t.warnOffline = false
	}
	t.setAndBroadcast(state)
}

func (t *OnlineStateTracker) setAndBroadcast(state OnlineState) {
	if state == t.state {
		return
	}
	t.logger.Debug("online state changed", "from", t.state.String(), "to", state.String())
	t.state = state
	if t.handler != nil {
		t.handler(state)
	}
}

func (t *OnlineStateTracker) logOffline(msg string, args ...any) {
	if t.warnOffline {
		t.logger.Warn("client is offline: "+msg, args...)
		t.warnOffline = false
		return
	}
	t.logger.Debug(msg, args...)
}

func (t *OnlineStateTracker) clearTimer() {
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
}
