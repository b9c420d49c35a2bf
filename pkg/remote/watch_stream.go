package remote

import (
	"fmt"

	"github.com/docsync/docsync.go/internal/async"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/wire"
)

// WatchStreamListener receives the events of a WatchStream on the queue.
type WatchStreamListener interface {
	OnOpen()
	OnClose(err error)
	// OnWatchChange receives every decoded change with the global snapshot version the
	// message carried, or MinVersion.
	OnWatchChange(change WatchChange, snapshotVersion model.SnapshotVersion)
}

// WatchStream is the Listen stream: the client adds and removes targets and the server
// streams document and target changes for them.
type WatchStream struct {
	*persistentStream
	serializer *wire.Serializer
	listener   WatchStreamListener
}

func NewWatchStream(
	q *async.Queue,
	conn Connection,
	auth, appCheck credentials.Provider,
	serializer *wire.Serializer,
	opts StreamOptions,
	listener WatchStreamListener,
	log logger.Logger,
) *WatchStream {
	w := &WatchStream{
		persistentStream: newPersistentStream(StreamListen, q, conn, auth, appCheck, opts, log),
		serializer:       serializer,
		listener:         listener,
	}
	w.persistentStream.listener = listener
	w.persistentStream.onMessage = w.onMessage
	return w
}

func (w *WatchStream) onMessage(msg any) error {
	resp, ok := msg.(*wire.ListenResponse)
	if !ok {
		return fmt.Errorf("unexpected %T on the listen stream", msg)
	}
	change, err := DecodeWatchChange(w.serializer, resp)
	if err != nil {
		return err
	}
	w.listener.OnWatchChange(change, SnapshotVersionFromListenResponse(resp))
	return nil
}

// Watch starts listening to the target. A target seen before resumes from its token or
// snapshot version.
func (w *WatchStream) Watch(td *model.TargetData) error {
	return w.send(&wire.ListenRequest{
		Database:  w.serializer.DatabaseID().Name(),
		AddTarget: w.serializer.EncodeTarget(td),
		Labels:    wire.EncodeListenLabels(td.Purpose),
	})
}

// Unwatch stops listening to the target.
func (w *WatchStream) Unwatch(id model.TargetID) error {
	return w.send(&wire.ListenRequest{
		Database:     w.serializer.DatabaseID().Name(),
		RemoveTarget: int32(id),
	})
}
