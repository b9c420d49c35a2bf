package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/docsync/docsync.go/internal/codec"
	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/remote"
)

// DefaultDialer is the gorilla dialer with compression enabled and the CBOR subprotocol
// requested.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{Subprotocol},
}

// closeWriteTimeout bounds the close message written when a stream is released.
const closeWriteTimeout = time.Second

type Option func(c *Connection)

// WithLogger sets the logger; the default discards.
func WithLogger(l logger.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

// WithDialer replaces DefaultDialer.
func WithDialer(d *gorilla.Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

// WithWriteTimeout bounds every frame write. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Connection) { c.writeTimeout = d }
}

// WithCodec replaces the CBOR codec.
func WithCodec(m codec.Marshaler, u codec.Unmarshaler) Option {
	return func(c *Connection) {
		c.marshaler = m
		c.unmarshaler = u
	}
}

// Connection implements remote.Connection over websockets.
type Connection struct {
	baseURL      string
	dialer       *gorilla.Dialer
	writeTimeout time.Duration
	marshaler    codec.Marshaler
	unmarshaler  codec.Unmarshaler
	logger       logger.Logger
}

var _ remote.Connection = (*Connection)(nil)

// New returns a Connection to baseURL, a ws:// or wss:// URL without a trailing slash.
func New(baseURL string, opts ...Option) *Connection {
	cbor := codec.NewCBOR()
	c := &Connection{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		dialer:       DefaultDialer,
		writeTimeout: constants.DefaultWSTimeout,
		marshaler:    cbor,
		unmarshaler:  cbor,
		logger:       logger.Discard,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OpenStream dials the endpoint of kind with md as request headers and starts reading.
func (c *Connection) OpenStream(ctx context.Context, kind remote.StreamKind, md remote.Metadata, h remote.StreamHandler) (remote.StreamConn, error) {
	if c.baseURL == "" {
		return nil, constants.ErrNoBaseURL
	}
	header := http.Header{}
	for k, v := range md {
		header.Set(k, v)
	}

	conn, res, err := c.dialer.DialContext(ctx, c.baseURL+PathFor(kind), header)
	if res != nil && res.Body != nil {
		defer res.Body.Close()
	}
	if err != nil {
		return nil, dialError(ctx, res, err)
	}

	s := &stream{
		kind:         kind,
		conn:         conn,
		handler:      h,
		marshaler:    c.marshaler,
		unmarshaler:  c.unmarshaler,
		logger:       c.logger,
		writeTimeout: c.writeTimeout,
	}
	go s.readLoop()
	return s, nil
}

func dialError(ctx context.Context, res *http.Response, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, gorilla.ErrBadHandshake) && res != nil {
		return status.Errorf(httpStatusCode(res.StatusCode), "websocket handshake rejected: %s", res.Status)
	}
	return status.Errorf(codes.Unavailable, "dial: %v", err)
}

// stream is one websocket. Writes are serialized by writeLock; reads happen only in
// readLoop.
type stream struct {
	kind         remote.StreamKind
	conn         *gorilla.Conn
	handler      remote.StreamHandler
	marshaler    codec.Marshaler
	unmarshaler  codec.Unmarshaler
	logger       logger.Logger
	writeTimeout time.Duration

	writeLock sync.Mutex
	// closed is set by CloseSend. Once set the handler is never called again.
	closed atomic.Bool
	// serverStatus is the Status frame received before the close, if any. Only readLoop
	// touches it.
	serverStatus error
}

func (s *stream) Send(msg any) error {
	data, err := s.marshaler.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if s.closed.Load() {
		return constants.ErrStreamNotOpen
	}
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(gorilla.BinaryMessage, data)
}

// CloseSend sends a close message, best effort, and closes the socket.
func (s *stream) CloseSend() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	err := s.conn.WriteControl(gorilla.CloseMessage,
		gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""),
		time.Now().Add(closeWriteTimeout))
	if err != nil && !errors.Is(err, gorilla.ErrCloseSent) {
		// The socket is closed regardless; the server notices the drop.
		s.logger.Debug("failed to write close message", "stream", s.kind.String(), "error", err)
	}
	return s.conn.Close()
}

func (s *stream) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(s.closeError(err))
			return
		}
		if s.closed.Load() {
			return
		}

		var f Frame
		if err := s.unmarshaler.Unmarshal(data, &f); err != nil {
			s.finish(status.Errorf(codes.Internal, "decoding %s frame: %v", s.kind.String(), err))
			return
		}
		switch {
		case f.Status != nil:
			s.serverStatus = StatusError(f.Status)
		case f.Listen != nil && s.kind == remote.StreamListen:
			s.handler.OnMessage(f.Listen)
		case f.Write != nil && s.kind == remote.StreamWrite:
			s.handler.OnMessage(f.Write)
		default:
			s.finish(status.Errorf(codes.Internal, "unexpected frame on the %s stream", s.kind.String()))
			return
		}
	}
}

// finish reports the end of the stream unless the client closed it first.
func (s *stream) finish(err error) {
	if s.closed.Swap(true) {
		return
	}
	if cerr := s.conn.Close(); cerr != nil {
		s.logger.Debug("closing websocket failed", "stream", s.kind.String(), "error", cerr)
	}
	s.handler.OnClose(err)
}

func (s *stream) closeError(err error) error {
	if s.serverStatus != nil {
		return s.serverStatus
	}
	if gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
		return nil
	}
	var ce *gorilla.CloseError
	if errors.As(err, &ce) && ce.Code == gorilla.CloseTryAgainLater {
		return status.Error(codes.ResourceExhausted, ce.Text)
	}
	return status.Error(codes.Unavailable, fmt.Sprintf("%s stream: %v", s.kind.String(), err))
}
