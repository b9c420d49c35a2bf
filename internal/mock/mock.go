// Package mock provides an in-process remote.Connection whose streams are driven by the
// test: it records what the client sends and injects server messages and failures.
package mock

import (
	"context"
	"sync"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/remote"
)

// Connection is a scripted remote.Connection.
type Connection struct {
	mu        sync.Mutex
	streams   []*Stream
	openErrs  map[remote.StreamKind][]error
	openedChs map[remote.StreamKind]chan *Stream
}

var _ remote.Connection = (*Connection)(nil)

func NewConnection() *Connection {
	return &Connection{
		openErrs: map[remote.StreamKind][]error{},
		openedChs: map[remote.StreamKind]chan *Stream{
			remote.StreamListen: make(chan *Stream, 64),
			remote.StreamWrite:  make(chan *Stream, 64),
		},
	}
}

// FailNextOpen makes the next OpenStream of kind return err.
func (c *Connection) FailNextOpen(kind remote.StreamKind, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErrs[kind] = append(c.openErrs[kind], err)
}

func (c *Connection) OpenStream(ctx context.Context, kind remote.StreamKind, md remote.Metadata, h remote.StreamHandler) (remote.StreamConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if errs := c.openErrs[kind]; len(errs) > 0 {
		err := errs[0]
		c.openErrs[kind] = errs[1:]
		c.mu.Unlock()
		return nil, err
	}
	s := &Stream{
		Kind:     kind,
		Metadata: md,
		handler:  h,
		sentCh:   make(chan any, 256),
	}
	c.streams = append(c.streams, s)
	ch := c.openedChs[kind]
	c.mu.Unlock()

	ch <- s
	return s, nil
}

// NextStream waits for the next stream of kind to be opened.
func (c *Connection) NextStream(ctx context.Context, kind remote.StreamKind) (*Stream, error) {
	c.mu.Lock()
	ch := c.openedChs[kind]
	c.mu.Unlock()
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenCount is the number of streams opened so far.
func (c *Connection) OpenCount(kind remote.StreamKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.streams {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// Stream is one opened stream.
type Stream struct {
	Kind     remote.StreamKind
	Metadata remote.Metadata

	handler remote.StreamHandler

	mu     sync.Mutex
	sent   []any
	sentCh chan any
	closed bool
}

var _ remote.StreamConn = (*Stream)(nil)

func (s *Stream) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return constants.ErrStreamNotOpen
	}
	s.sent = append(s.sent, msg)
	select {
	case s.sentCh <- msg:
	default:
	}
	return nil
}

func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether the client closed the stream.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sent returns every message the client sent, in order.
func (s *Stream) Sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.sent...)
}

// NextSent waits for the next message the client sends.
func (s *Stream) NextSent(ctx context.Context) (any, error) {
	select {
	case msg := <-s.sentCh:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond delivers a server message to the client.
func (s *Stream) Respond(msg any) {
	s.handler.OnMessage(msg)
}

// Fail ends the stream from the server side. A nil err is a clean close.
func (s *Stream) Fail(err error) {
	s.handler.OnClose(err)
}
