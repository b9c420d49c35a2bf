// Package fakeserver provides a fake document service that speaks the wsconn protocol:
// a Listen endpoint streaming query results and changes, and a Write endpoint that
// commits mutations against an in-memory document store.
//
// The WebSocket server is implemented using the `gws` library.
//
// Tests drive it directly: documents can be written behind the clients' backs, streams
// can be failed with a status, and existence filters can be pushed to listeners.
package fakeserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/lxzan/gws"
	"google.golang.org/grpc/codes"

	"github.com/docsync/docsync.go/internal/codec"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/remote"
	"github.com/docsync/docsync.go/pkg/remote/wsconn"
	"github.com/docsync/docsync.go/pkg/wire"
)

// Session keys filled in by the upgrade hook.
const (
	sessionPath     = "path"
	sessionAuth     = "authorization"
	sessionAppCheck = "appcheck"
)

// Server is a fake document service.
type Server struct {
	addr       string
	listener   net.Listener
	server     *gws.Server
	serializer *wire.Serializer
	marshaler  codec.Marshaler
	unmarshal  codec.Unmarshaler

	mu sync.Mutex
	// sendMu keeps frames of concurrent commits in commit order.
	sendMu sync.Mutex
	// clock is the last commit time in microseconds.
	clock    int64
	docs     map[model.DocumentKey]*model.MutableDocument
	listens  map[*gws.Conn]*listenSession
	writes   map[*gws.Conn]*writeSession
	tokens   map[string]bool
	failures map[remote.StreamKind][]FailureConfig
	commits  int
	opened   map[remote.StreamKind]int
}

type handler struct {
	server *Server
}

// NewServer creates a fake service for db. Use "127.0.0.1:0" to bind to a random port.
func NewServer(addr string, db wire.DatabaseID) *Server {
	c := codec.NewCBOR()
	s := &Server{
		addr:       addr,
		serializer: wire.NewSerializer(db),
		marshaler:  c,
		unmarshal:  c,
		clock:      1_000_000,
		docs:       map[model.DocumentKey]*model.MutableDocument{},
		listens:    map[*gws.Conn]*listenSession{},
		writes:     map[*gws.Conn]*writeSession{},
		failures:   map[remote.StreamKind][]FailureConfig{},
		opened:     map[remote.StreamKind]int{},
	}
	s.server = gws.NewServer(&handler{server: s}, &gws.ServerOption{
		Authorize: func(r *http.Request, session gws.SessionStorage) bool {
			if _, ok := wsconn.KindFor(r.URL.Path); !ok {
				return false
			}
			session.Store(sessionPath, r.URL.Path)
			session.Store(sessionAuth, r.Header.Get("Authorization"))
			session.Store(sessionAppCheck, r.Header.Get(remote.MetadataAppCheck))
			return true
		},
	})
	s.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) && !isUseOfClosedNetworkError(err) {
			log.Printf("fakeserver: %v", err)
		}
	}
	return s
}

// Start starts accepting connections.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.RunListener(listener); err != nil {
			if !errors.Is(err, net.ErrClosed) && !isUseOfClosedNetworkError(err) {
				log.Printf("fakeserver: %v", err)
			}
		}
	}()
	return nil
}

// Stop closes the listener and every open stream.
func (s *Server) Stop() error {
	s.mu.Lock()
	var conns []*gws.Conn
	for c := range s.listens {
		conns = append(conns, c)
	}
	for c := range s.writes {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.NetConn().Close()
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Address is the address the server listens on.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL is the base URL for wsconn.New.
func (s *Server) URL() string {
	return "ws://" + s.Address()
}

// RequireTokens makes the server accept only the given bearer tokens. Streams opened with
// any other token end with UNAUTHENTICATED. No arguments accepts everything.
func (s *Server) RequireTokens(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(tokens) == 0 {
		s.tokens = nil
		return
	}
	s.tokens = map[string]bool{}
	for _, t := range tokens {
		s.tokens[t] = true
	}
}

// OpenedStreams counts the accepted streams of kind.
func (s *Server) OpenedStreams(kind remote.StreamKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened[kind]
}

// Commits counts the write requests that were committed.
func (s *Server) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Version is the time of the last commit.
func (s *Server) Version() model.SnapshotVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Version(s.clock)
}

// Document returns the stored document at path.
func (s *Server) Document(path string) (*model.MutableDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[model.DocumentKeyFromString(path)]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// SetDocument writes a document as another client would and notifies listeners.
func (s *Server) SetDocument(path string, data map[string]any) model.SnapshotVersion {
	key := model.DocumentKeyFromString(path)
	m := model.NewSetMutation(key, model.MustObjectValueOf(data))
	v, _, err := s.commit([]model.Mutation{m})
	if err != nil {
		panic(fmt.Sprintf("fakeserver: set %s: %v", path, err))
	}
	return v
}

// DeleteDocument deletes a document and notifies listeners.
func (s *Server) DeleteDocument(path string) model.SnapshotVersion {
	key := model.DocumentKeyFromString(path)
	v, _, err := s.commit([]model.Mutation{model.NewDeleteMutation(key, model.PreconditionNone())})
	if err != nil {
		panic(fmt.Sprintf("fakeserver: delete %s: %v", path, err))
	}
	return v
}

// DeleteDocumentSilently deletes a document without telling listeners, as if the delete
// notification was lost. Listeners still count the document as part of their targets.
func (s *Server) DeleteDocumentSilently(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	delete(s.docs, model.DocumentKeyFromString(path))
}

// isUseOfClosedNetworkError checks for the error net returns on a closed listener.
func isUseOfClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func (h *handler) OnOpen(socket *gws.Conn) {
	s := h.server
	path, _ := socket.Session().Load(sessionPath)
	kind, _ := wsconn.KindFor(path.(string))
	auth, _ := socket.Session().Load(sessionAuth)

	s.mu.Lock()
	if s.tokens != nil && !s.tokens[strings.TrimPrefix(auth.(string), "Bearer ")] {
		s.mu.Unlock()
		s.closeWithStatus(socket, codes.Unauthenticated, "invalid auth token")
		return
	}
	s.opened[kind]++
	if kind == remote.StreamListen {
		s.listens[socket] = &listenSession{targets: map[int32]*serverTarget{}}
	} else {
		s.writes[socket] = &writeSession{}
	}
	s.mu.Unlock()
}

func (h *handler) OnClose(socket *gws.Conn, _ error) {
	h.server.mu.Lock()
	delete(h.server.listens, socket)
	delete(h.server.writes, socket)
	h.server.mu.Unlock()
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		log.Printf("fakeserver: writing pong: %v", err)
	}
}

func (h *handler) OnPong(*gws.Conn, []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	s := h.server

	s.mu.Lock()
	ls, isListen := s.listens[socket]
	ws, isWrite := s.writes[socket]
	kind := remote.StreamListen
	if isWrite {
		kind = remote.StreamWrite
	}
	failures := s.failures[kind]
	s.mu.Unlock()
	if !isListen && !isWrite {
		return
	}

	for _, f := range failures {
		if shouldTriggerFailure(f.Probability) {
			if err := s.applyFailure(socket, f); err != nil {
				return
			}
		}
	}

	if isListen {
		var req wire.ListenRequest
		if err := s.unmarshal.Unmarshal(message.Bytes(), &req); err != nil {
			s.closeWithStatus(socket, codes.InvalidArgument, "malformed listen request")
			return
		}
		s.handleListen(socket, ls, &req)
		return
	}

	var req wire.WriteRequest
	if err := s.unmarshal.Unmarshal(message.Bytes(), &req); err != nil {
		s.closeWithStatus(socket, codes.InvalidArgument, "malformed write request")
		return
	}
	s.handleWrite(socket, ws, &req)
}

func (s *Server) send(socket *gws.Conn, f *wsconn.Frame) {
	data, err := s.marshaler.Marshal(f)
	if err != nil {
		log.Printf("fakeserver: encoding frame: %v", err)
		return
	}
	if err := socket.WriteMessage(gws.OpcodeBinary, data); err != nil {
		log.Printf("fakeserver: writing frame: %v", err)
	}
}

// closeWithStatus ends a stream the way a failed RPC does: a Status frame, then a close.
func (s *Server) closeWithStatus(socket *gws.Conn, code codes.Code, msg string) {
	s.send(socket, &wsconn.Frame{Status: &wire.Status{Code: int32(code), Message: msg}})
	socket.WriteClose(1000, nil)
}

// FailStreams ends every open stream of kind with code.
func (s *Server) FailStreams(kind remote.StreamKind, code codes.Code, msg string) {
	s.mu.Lock()
	var conns []*gws.Conn
	if kind == remote.StreamListen {
		for c := range s.listens {
			conns = append(conns, c)
		}
	} else {
		for c := range s.writes {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.closeWithStatus(c, code, msg)
	}
}

func newStreamID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("stream-%d", time.Now().UnixNano())
	}
	return id.String()
}
