package remote

import (
	"fmt"

	"github.com/docsync/docsync.go/internal/async"
	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/wire"
)

// WriteStreamListener receives the events of a WriteStream on the queue.
type WriteStreamListener interface {
	OnOpen()
	OnClose(err error)
	// OnHandshakeComplete is called once the server answered the handshake. Mutations
	// can be written from then on.
	OnHandshakeComplete()
	// OnMutationResult is called for each acknowledged batch, in send order. An error
	// means the acknowledgement does not fit the batch; the stream is then closed with
	// that error and the token of the response is not kept.
	OnMutationResult(commitVersion model.SnapshotVersion, results []model.MutationResult) error
}

// WriteStream is the Write stream. After it opens, the client sends an empty handshake;
// the server answers with a stream token, and every later request carries the latest
// token. The server acknowledges batches in the order they were written.
type WriteStream struct {
	*persistentStream
	serializer *wire.Serializer
	listener   WriteStreamListener

	handshakeComplete bool
	streamID          string
	// LastStreamToken is the token of the last response. It survives restarts so the
	// server can tell which writes it already applied.
	LastStreamToken []byte
}

func NewWriteStream(
	q *async.Queue,
	conn Connection,
	auth, appCheck credentials.Provider,
	serializer *wire.Serializer,
	opts StreamOptions,
	listener WriteStreamListener,
	log logger.Logger,
) *WriteStream {
	w := &WriteStream{
		persistentStream: newPersistentStream(StreamWrite, q, conn, auth, appCheck, opts, log),
		serializer:       serializer,
		listener:         listener,
	}
	w.persistentStream.listener = listener
	w.persistentStream.onMessage = w.onMessage
	w.persistentStream.onTearDown = w.tearDown
	return w
}

// Start opens the stream; the handshake must be sent again.
func (w *WriteStream) Start() {
	w.handshakeComplete = false
	w.streamID = ""
	w.persistentStream.Start()
}

func (w *WriteStream) HandshakeComplete() bool {
	return w.handshakeComplete
}

// WriteHandshake sends the first request of the stream.
func (w *WriteStream) WriteHandshake() error {
	if w.handshakeComplete {
		panic("BUG: write handshake sent twice")
	}
	return w.send(&wire.WriteRequest{
		Database:    w.serializer.DatabaseID().Name(),
		StreamToken: w.LastStreamToken,
	})
}

// WriteMutations sends one batch.
func (w *WriteStream) WriteMutations(mutations []model.Mutation) error {
	if !w.handshakeComplete {
		return constants.ErrHandshakeIncomplete
	}
	writes := make([]wire.Write, len(mutations))
	for i, m := range mutations {
		writes[i] = w.serializer.EncodeMutation(m)
	}
	return w.send(&wire.WriteRequest{
		StreamID:    w.streamID,
		StreamToken: w.LastStreamToken,
		Writes:      writes,
	})
}

func (w *WriteStream) onMessage(msg any) error {
	resp, ok := msg.(*wire.WriteResponse)
	if !ok {
		return fmt.Errorf("unexpected %T on the write stream", msg)
	}
	if len(resp.StreamToken) == 0 {
		return fmt.Errorf("write response without a stream token")
	}
	previousToken := w.LastStreamToken
	w.LastStreamToken = resp.StreamToken

	if !w.handshakeComplete {
		if len(resp.WriteResults) != 0 {
			return fmt.Errorf("write handshake response carried %d results", len(resp.WriteResults))
		}
		w.handshakeComplete = true
		w.streamID = resp.StreamID
		w.listener.OnHandshakeComplete()
		return nil
	}

	commitVersion := wire.DecodeVersion(resp.CommitTime)
	results, err := w.serializer.DecodeWriteResults(resp.WriteResults, commitVersion)
	if err != nil {
		return err
	}
	if err := w.listener.OnMutationResult(commitVersion, results); err != nil {
		w.LastStreamToken = previousToken
		return err
	}
	return nil
}

// tearDown tells the server the client is done with a handshaken stream.
func (w *WriteStream) tearDown() {
	if w.handshakeComplete {
		if err := w.stream.Send(&wire.WriteRequest{StreamID: w.streamID, StreamToken: w.LastStreamToken}); err != nil {
			w.logger.Debug("sending final write request failed", "error", err)
		}
	}
}
