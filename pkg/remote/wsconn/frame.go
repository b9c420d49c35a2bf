// Package wsconn carries the Listen and Write streams over websockets, one websocket per
// stream. Client messages are CBOR-encoded wire requests; server messages are Frames.
//
// The connection is built on github.com/gorilla/websocket. A stream ends either with a
// Status frame followed by a close, which reports that status, or with a bare close,
// which the persistent stream treats as an unavailable server.
package wsconn

import (
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/docsync/docsync.go/pkg/remote"
	"github.com/docsync/docsync.go/pkg/wire"
)

// Endpoint paths, relative to the base URL.
const (
	ListenPath = "/v1/listen"
	WritePath  = "/v1/write"
)

// Subprotocol is negotiated on every stream.
const Subprotocol = "docsync.cbor"

// Frame is one server-to-client message. Exactly one field is set.
type Frame struct {
	Listen *wire.ListenResponse `cbor:"listen,omitempty"`
	Write  *wire.WriteResponse  `cbor:"write,omitempty"`
	// Status ends the stream. The server closes the websocket right after it.
	Status *wire.Status `cbor:"status,omitempty"`
}

// PathFor returns the endpoint of a stream kind.
func PathFor(kind remote.StreamKind) string {
	if kind == remote.StreamWrite {
		return WritePath
	}
	return ListenPath
}

// KindFor is the inverse of PathFor. ok is false for unknown paths.
func KindFor(path string) (kind remote.StreamKind, ok bool) {
	switch path {
	case ListenPath:
		return remote.StreamListen, true
	case WritePath:
		return remote.StreamWrite, true
	}
	return 0, false
}

// httpStatusCode maps a rejected upgrade to the code the persistent stream reacts to.
func httpStatusCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusBadRequest:
		return codes.InvalidArgument
	}
	return codes.Unavailable
}

// StatusError converts a Status frame to a grpc status error.
func StatusError(s *wire.Status) error {
	return status.Error(codes.Code(s.Code), s.Message)
}
