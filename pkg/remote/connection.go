// Package remote talks to the document service: the persistent Listen and Write streams,
// the aggregation of watch changes into consistent remote events, and the Remote Store
// that drives both streams on behalf of the Sync Engine.
package remote

import "context"

// StreamKind selects the RPC a stream is opened for.
type StreamKind int

const (
	StreamListen StreamKind = iota
	StreamWrite
)

func (k StreamKind) String() string {
	switch k {
	case StreamListen:
		return "listen"
	case StreamWrite:
		return "write"
	}
	return "unknown"
}

// Metadata keys attached to every stream.
const (
	MetadataAuthorization = "authorization"
	MetadataAppCheck      = "x-appcheck-token"
	MetadataResourcePath  = "google-cloud-resource-prefix"
)

// Metadata is sent with the stream-opening request.
type Metadata map[string]string

// StreamHandler receives what arrives on an open stream. A Connection calls it from its
// own goroutines; OnClose is called exactly once and nothing follows it.
type StreamHandler interface {
	// OnMessage receives a *wire.ListenResponse or a *wire.WriteResponse, depending on
	// the kind of the stream.
	OnMessage(msg any)
	// OnClose reports the end of the stream. err is nil when the server ended it
	// cleanly; otherwise it is a grpc status error.
	OnClose(err error)
}

// StreamConn is an open bidirectional stream.
type StreamConn interface {
	// Send writes a *wire.ListenRequest or *wire.WriteRequest.
	Send(msg any) error
	// CloseSend half-closes and releases the stream. The handler is not called again.
	CloseSend() error
}

// Connection opens streams to the document service. OpenStream blocks until the stream
// is open or ctx ends.
type Connection interface {
	OpenStream(ctx context.Context, kind StreamKind, md Metadata, h StreamHandler) (StreamConn, error)
}
