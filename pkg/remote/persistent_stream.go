package remote

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/docsync/docsync.go/internal/async"
	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/logger"
)

// StreamState is the lifecycle state of a persistent stream.
type StreamState int

const (
	// StateInitial is a stream that was never started, or was closed normally (idle,
	// network change) and may be started again without backoff.
	StateInitial StreamState = iota
	// StateStarting is fetching tokens and dialing.
	StateStarting
	StateOpen
	// StateHealthy is a stream that stayed open for the health-check delay. Auth errors
	// from a healthy stream do not invalidate tokens.
	StateHealthy
	// StateError is a stream that failed. The next Start backs off first.
	StateError
	StateBackoff
	StateStopped
)

func (s StreamState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateOpen:
		return "open"
	case StateHealthy:
		return "healthy"
	case StateError:
		return "error"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// TransitionTo validates a state change.
func (s StreamState) TransitionTo(newState StreamState) (StreamState, error) {
	switch s {
	case StateInitial, StateStopped:
		switch newState {
		case StateStarting, StateInitial, StateStopped:
			return newState, nil
		}
	case StateStarting:
		switch newState {
		case StateOpen, StateError, StateInitial, StateStopped:
			return newState, nil
		}
	case StateOpen:
		switch newState {
		case StateHealthy, StateError, StateInitial, StateStopped:
			return newState, nil
		}
	case StateHealthy:
		switch newState {
		case StateError, StateInitial, StateStopped:
			return newState, nil
		}
	case StateError:
		switch newState {
		case StateBackoff, StateInitial, StateStopped:
			return newState, nil
		}
	case StateBackoff:
		switch newState {
		case StateStarting, StateInitial, StateStopped:
			return newState, nil
		}
	}
	return s, fmt.Errorf("invalid stream state transition from %v to %v", s, newState)
}

// streamListener is notified of stream lifecycle events on the queue.
type streamListener interface {
	OnOpen()
	// OnClose is called after the stream closed. err is nil for a normal close.
	OnClose(err error)
}

// StreamOptions configures the timers of a persistent stream.
type StreamOptions struct {
	IdleTimeout      time.Duration
	HealthCheckDelay time.Duration
	// TokenTimeout bounds the token fetch and the dial.
	TokenTimeout time.Duration
}

// DefaultStreamOptions returns the production timers.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		IdleTimeout:      constants.DefaultIdleTimeout,
		HealthCheckDelay: constants.DefaultHealthCheckDelay,
		TokenTimeout:     constants.DefaultWSTimeout,
	}
}

// persistentStream is the state machine shared by the Listen and Write streams. It
// fetches tokens, dials, restarts with backoff after errors and closes itself when idle.
//
// Every method runs on the queue. Transport callbacks are re-dispatched onto the queue
// and dropped when the stream was closed since they were issued: closeCount is the
// generation they are tagged with.
type persistentStream struct {
	kind     StreamKind
	queue    *async.Queue
	conn     Connection
	auth     credentials.Provider
	appCheck credentials.Provider
	logger   logger.Logger
	opts     StreamOptions

	idleTimerID async.TimerID
	backoff     *async.Backoff

	state      StreamState
	closeCount int
	stream     StreamConn

	idleTimer   *async.DelayedOperation
	healthTimer *async.DelayedOperation

	listener   streamListener
	onMessage  func(msg any) error
	onTearDown func()
}

func newPersistentStream(
	kind StreamKind,
	q *async.Queue,
	conn Connection,
	auth, appCheck credentials.Provider,
	opts StreamOptions,
	log logger.Logger,
) *persistentStream {
	if log == nil {
		log = logger.Discard
	}
	if auth == nil {
		auth = credentials.EmptyProvider{}
	}
	if appCheck == nil {
		appCheck = credentials.EmptyProvider{}
	}
	idleTimer, backoffTimer := async.TimerListenStreamIdle, async.TimerListenStreamConnectionBackoff
	if kind == StreamWrite {
		idleTimer, backoffTimer = async.TimerWriteStreamIdle, async.TimerWriteStreamConnectionBackoff
	}
	return &persistentStream{
		kind:        kind,
		queue:       q,
		conn:        conn,
		auth:        auth,
		appCheck:    appCheck,
		logger:      log,
		opts:        opts,
		idleTimerID: idleTimer,
		backoff:     async.NewBackoff(q, backoffTimer),
		state:       StateInitial,
	}
}

func (s *persistentStream) transitionTo(newState StreamState) error {
	next, err := s.state.TransitionTo(newState)
	if err != nil {
		return err
	}
	if next != s.state {
		s.logger.Debug("stream state transitioned", "stream", s.kind.String(), "from", s.state.String(), "to", next.String())
	}
	s.state = next
	return nil
}

func (s *persistentStream) mustTransitionTo(newState StreamState) {
	if err := s.transitionTo(newState); err != nil {
		panic(fmt.Sprintf("BUG: %v", err))
	}
}

func (s *persistentStream) State() StreamState {
	return s.state
}

// IsStarted reports whether the stream is starting, backing off or open.
func (s *persistentStream) IsStarted() bool {
	return s.state == StateStarting || s.state == StateBackoff || s.IsOpen()
}

// IsOpen reports whether messages can be sent.
func (s *persistentStream) IsOpen() bool {
	return s.state == StateOpen || s.state == StateHealthy
}

// Start opens the stream. After an error it first waits out the backoff.
func (s *persistentStream) Start() {
	s.queue.VerifyOperationInProgress()
	if s.state == StateError {
		s.performBackoff()
		return
	}
	s.mustTransitionTo(StateStarting)
	s.dial()
}

// Stop closes the stream for good, until the next Start.
func (s *persistentStream) Stop() {
	if s.IsStarted() {
		s.close(StateStopped, nil)
		return
	}
	if s.state == StateError {
		// A failed stream keeps its backoff state; stopping only forgets the error.
		s.backoff.Cancel()
		s.mustTransitionTo(StateStopped)
	}
}

// InhibitBackoff makes the next Start after an error reconnect immediately.
func (s *persistentStream) InhibitBackoff() {
	if s.IsStarted() {
		panic("BUG: InhibitBackoff called on a started stream")
	}
	s.mustTransitionTo(StateInitial)
	s.backoff.Reset()
}

// MarkIdle schedules a normal close unless the stream is used before the idle timeout.
func (s *persistentStream) MarkIdle() {
	if s.IsOpen() && s.idleTimer == nil {
		s.idleTimer = s.queue.EnqueueAfterDelay(s.idleTimerID, s.opts.IdleTimeout, func() {
			s.idleTimer = nil
			if s.IsOpen() {
				s.logger.Debug("closing idle stream", "stream", s.kind.String())
				s.close(StateInitial, nil)
			}
		})
	}
}

func (s *persistentStream) send(msg any) error {
	s.queue.VerifyOperationInProgress()
	if !s.IsOpen() {
		return constants.ErrStreamNotOpen
	}
	s.cancelIdleCheck()
	if err := s.stream.Send(msg); err != nil {
		s.logger.Debug("stream send failed", "stream", s.kind.String(), "error", err)
		return err
	}
	return nil
}

func (s *persistentStream) cancelIdleCheck() {
	if s.idleTimer != nil {
		s.idleTimer.Cancel()
		s.idleTimer = nil
	}
}

func (s *persistentStream) cancelHealthCheck() {
	if s.healthTimer != nil {
		s.healthTimer.Cancel()
		s.healthTimer = nil
	}
}

// dial fetches the auth and app-check tokens in parallel, then opens the transport
// stream off the queue.
func (s *persistentStream) dial() {
	generation := s.closeCount
	handler := &streamDispatcher{stream: s, generation: generation}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.TokenTimeout)
		defer cancel()

		var authToken, appCheckToken *credentials.Token
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			t, err := s.auth.GetToken(gctx)
			authToken = t
			return err
		})
		g.Go(func() error {
			t, err := s.appCheck.GetToken(gctx)
			appCheckToken = t
			return err
		})
		err := g.Wait()

		var conn StreamConn
		if err == nil {
			conn, err = s.conn.OpenStream(ctx, s.kind, tokenMetadata(authToken, appCheckToken), handler)
		}

		s.queue.EnqueueAndForget(func() {
			if s.closeCount != generation {
				// The stream was closed while dialing.
				if conn != nil {
					_ = conn.CloseSend()
				}
				return
			}
			if err != nil {
				s.logger.Debug("stream failed to open", "stream", s.kind.String(), "error", err)
				s.close(StateError, toStatusError(err))
				return
			}
			s.stream = conn
			s.onOpen()
		})
	}()
}

func tokenMetadata(authToken, appCheckToken *credentials.Token) Metadata {
	md := Metadata{}
	if authToken != nil && authToken.Value != "" {
		md[MetadataAuthorization] = "Bearer " + authToken.Value
	}
	if appCheckToken != nil && appCheckToken.Value != "" {
		md[MetadataAppCheck] = appCheckToken.Value
	}
	return md
}

func (s *persistentStream) onOpen() {
	s.mustTransitionTo(StateOpen)
	s.healthTimer = s.queue.EnqueueAfterDelay(async.TimerHealthCheckTimeout, s.opts.HealthCheckDelay, func() {
		s.healthTimer = nil
		if s.IsOpen() {
			s.mustTransitionTo(StateHealthy)
		}
	})
	s.listener.OnOpen()
}

func (s *persistentStream) performBackoff() {
	s.mustTransitionTo(StateBackoff)
	s.backoff.BackoffAndRun(func() {
		s.mustTransitionTo(StateStarting)
		s.dial()
	})
}

func (s *persistentStream) handleMessage(msg any) {
	// Any message proves the connection works.
	s.backoff.Reset()
	if err := s.onMessage(msg); err != nil {
		s.logger.Error("closing stream after bad message", "stream", s.kind.String(), "error", err)
		s.close(StateError, toStatusError(err))
	}
}

func (s *persistentStream) handleStreamClose(err error) {
	if !s.IsStarted() {
		panic("BUG: stream closed while not started")
	}
	if err == nil {
		err = status.Error(codes.Unavailable, "stream closed by server")
	}
	s.logger.Debug("stream closed by transport", "stream", s.kind.String(), "error", err)
	s.close(StateError, err)
}

// close tears the stream down and moves to finalState. Pending transport callbacks of
// the old stream are invalidated by bumping closeCount.
func (s *persistentStream) close(finalState StreamState, err error) {
	s.cancelIdleCheck()
	s.cancelHealthCheck()
	s.backoff.Cancel()
	s.closeCount++

	switch {
	case finalState != StateError:
		s.backoff.Reset()
	case Code(err) == codes.ResourceExhausted:
		s.logger.Warn("stream hit resource exhaustion, backing off to the maximum delay",
			"stream", s.kind.String(), "error", err)
		s.backoff.ResetToMax()
	case Code(err) == codes.Unauthenticated && s.state != StateHealthy:
		// Tokens are probably expired; fetch fresh ones on the next attempt.
		s.auth.InvalidateToken()
		s.appCheck.InvalidateToken()
	}

	if s.stream != nil {
		if s.onTearDown != nil {
			s.onTearDown()
		}
		if cerr := s.stream.CloseSend(); cerr != nil {
			s.logger.Debug("closing stream transport failed", "stream", s.kind.String(), "error", cerr)
		}
		s.stream = nil
	}

	s.mustTransitionTo(finalState)
	s.listener.OnClose(err)
}

// streamDispatcher moves transport callbacks onto the queue.
type streamDispatcher struct {
	stream     *persistentStream
	generation int
}

func (d *streamDispatcher) OnMessage(msg any) {
	d.stream.queue.EnqueueAndForget(func() {
		if d.stream.closeCount != d.generation {
			d.stream.logger.Debug("dropping message from a closed stream", "stream", d.stream.kind.String())
			return
		}
		d.stream.handleMessage(msg)
	})
}

func (d *streamDispatcher) OnClose(err error) {
	d.stream.queue.EnqueueAndForget(func() {
		if d.stream.closeCount != d.generation {
			return
		}
		d.stream.handleStreamClose(toStatusError(err))
	})
}
