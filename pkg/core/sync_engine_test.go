package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/docsync/docsync.go/internal/async"
	"github.com/docsync/docsync.go/internal/mock"
	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/core"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/local"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/persistence"
	"github.com/docsync/docsync.go/pkg/remote"
	"github.com/docsync/docsync.go/pkg/wire"
)

const waitTimeout = 5 * time.Second

type event struct {
	snap *core.ViewSnapshot
	err  error
}

type harness struct {
	q          *async.Queue
	conn       *mock.Connection
	serializer *wire.Serializer
	ls         *local.LocalStore
	rs         *remote.RemoteStore
	se         *core.SyncEngine
	em         *core.EventManager
}

func newHarness(t *testing.T, maxLimbo int) *harness {
	t.Helper()
	q := async.NewQueue(nil)
	serializer := wire.NewSerializer(wire.DatabaseID{ProjectID: "p", Database: "d"})
	p := persistence.NewMemoryEagerPersistence(serializer, nil)
	require.NoError(t, p.Start())
	user := credentials.User{UID: "alice"}
	ls := local.NewLocalStore(p, local.NewQueryEngine(nil), user, nil)
	require.NoError(t, ls.Start())

	h := &harness{q: q, conn: mock.NewConnection(), serializer: serializer, ls: ls}
	auth := credentials.NewStaticProvider("tok", user)
	h.rs = remote.NewRemoteStore(q, ls, h.conn, auth, nil, serializer, func(s remote.OnlineState) {
		h.se.ApplyOnlineStateChange(s)
	}, remote.DefaultOptions(), nil)
	h.se = core.NewSyncEngine(q, ls, h.rs, user, maxLimbo, nil)
	h.rs.SetRemoteSyncer(h.se)
	h.em = core.NewEventManager(h.se)
	t.Cleanup(func() {
		q.Shutdown(h.rs.Shutdown)
		<-q.Done()
	})
	h.do(t, h.rs.Start)
	return h
}

func (h *harness) do(t *testing.T, fn func()) {
	t.Helper()
	onQueue(t, h, func() struct{} { fn(); return struct{}{} })
}

func onQueue[T any](t *testing.T, h *harness, fn func() T) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	v, err := async.Run(h.q, func() (T, error) { return fn(), nil }).Wait(ctx)
	require.NoError(t, err)
	return v
}

// listen registers a listener for q and returns the channel its events arrive on.
func (h *harness) listen(t *testing.T, q model.Query, opts core.ListenOptions) <-chan event {
	t.Helper()
	ch := make(chan event, 64)
	l := core.NewQueryListener(q, opts, func(snap *core.ViewSnapshot, err error) {
		ch <- event{snap: snap, err: err}
	})
	h.do(t, func() { require.NoError(t, h.em.Listen(l)) })
	return ch
}

func (h *harness) stream(t *testing.T, kind remote.StreamKind) *mock.Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	s, err := h.conn.NextStream(ctx, kind)
	require.NoError(t, err)
	return s
}

// nextAddTarget skips requests until one adds a target and returns its id.
func nextAddTarget(t *testing.T, s *mock.Stream) int32 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for {
		msg, err := s.NextSent(ctx)
		require.NoError(t, err)
		if req, ok := msg.(*wire.ListenRequest); ok && req.AddTarget != nil {
			return req.AddTarget.TargetID
		}
	}
}

func next(t *testing.T, ch <-chan event) event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(waitTimeout):
		require.FailNow(t, "no event")
	}
	return event{}
}

func docKeys(snap *core.ViewSnapshot) []string {
	var out []string
	for _, d := range snap.Docs.Documents() {
		out = append(out, d.Key().String())
	}
	return out
}

func roomsQuery() model.Query {
	return model.NewQuery(model.ResourcePathFromString("rooms"))
}

func found(path string, micros int64) *model.MutableDocument {
	return model.NewFoundDocument(model.DocumentKeyFromString(path), model.Version(micros), model.MustObjectValueOf(map[string]any{"name": path}))
}

// serve answers a listen of target id with docs and marks it current at micros.
func (h *harness) serve(s *mock.Stream, id int32, micros int64, docs ...*model.MutableDocument) {
	s.Respond(&wire.ListenResponse{TargetChange: &wire.TargetChange{TargetChangeType: wire.TargetChangeAdd, TargetIDs: []int32{id}}})
	for _, d := range docs {
		s.Respond(&wire.ListenResponse{DocumentChange: &wire.DocumentChange{Document: h.serializer.EncodeDocument(d), TargetIDs: []int32{id}}})
	}
	s.Respond(&wire.ListenResponse{TargetChange: &wire.TargetChange{TargetChangeType: wire.TargetChangeCurrent, TargetIDs: []int32{id}, ResumeToken: []byte("rt")}})
	s.Respond(&wire.ListenResponse{TargetChange: &wire.TargetChange{TargetChangeType: wire.TargetChangeNoChange, ReadTime: wire.EncodeVersion(model.Version(micros))}})
}

func TestSyncEngineListen(t *testing.T) {
	h := newHarness(t, 0)
	events := h.listen(t, roomsQuery(), core.ListenOptions{})

	stream := h.stream(t, remote.StreamListen)
	id := nextAddTarget(t, stream)
	assert.EqualValues(t, 2, id)

	h.serve(stream, id, 1000, found("rooms/a", 900), found("rooms/b", 900))
	e := next(t, events)
	require.NoError(t, e.err)
	assert.False(t, e.snap.FromCache)
	assert.Equal(t, []string{"rooms/a", "rooms/b"}, docKeys(e.snap))

	t.Run("remote changes update the view", func(t *testing.T) {
		stream.Respond(&wire.ListenResponse{DocumentDelete: &wire.DocumentDelete{
			Document:         h.serializer.EncodeKey(model.DocumentKeyFromString("rooms/a")),
			RemovedTargetIDs: []int32{id},
		}})
		stream.Respond(&wire.ListenResponse{TargetChange: &wire.TargetChange{TargetChangeType: wire.TargetChangeNoChange, ReadTime: wire.EncodeVersion(model.Version(2000))}})
		e := next(t, events)
		require.NoError(t, e.err)
		assert.Equal(t, []string{"rooms/b"}, docKeys(e.snap))
		require.Len(t, e.snap.Changes, 1)
		assert.Equal(t, core.ChangeRemoved, e.snap.Changes[0].Type)
	})

	t.Run("a second listener shares the target", func(t *testing.T) {
		second := h.listen(t, roomsQuery(), core.ListenOptions{})
		e := next(t, second)
		require.NoError(t, e.err)
		assert.Equal(t, []string{"rooms/b"}, docKeys(e.snap))
		assert.Len(t, onQueue(t, h, h.se.QueryViews), 1)
	})
}

func TestSyncEngineRejectedListen(t *testing.T) {
	h := newHarness(t, 0)
	events := h.listen(t, roomsQuery(), core.ListenOptions{})
	stream := h.stream(t, remote.StreamListen)
	id := nextAddTarget(t, stream)

	stream.Respond(&wire.ListenResponse{TargetChange: &wire.TargetChange{
		TargetChangeType: wire.TargetChangeRemove,
		TargetIDs:        []int32{id},
		Cause:            &wire.Status{Code: int32(codes.PermissionDenied), Message: "denied"},
	}})
	e := next(t, events)
	require.Error(t, e.err)
	assert.Equal(t, codes.PermissionDenied, remote.Code(e.err))
	assert.Empty(t, onQueue(t, h, h.se.QueryViews))
}

func TestSyncEngineWrites(t *testing.T) {
	h := newHarness(t, 0)
	events := h.listen(t, roomsQuery(), core.ListenOptions{})

	mutation := model.NewSetMutation(model.DocumentKeyFromString("rooms/a"), model.MustObjectValueOf(map[string]any{"n": int64(1)}))
	written := onQueue(t, h, func() *async.Future[model.SnapshotVersion] {
		return h.se.Write([]model.Mutation{mutation})
	})
	pending := onQueue(t, h, h.se.WaitForPendingWrites)

	// The write shows up in the cached view straight away.
	e := next(t, events)
	require.NoError(t, e.err)
	assert.True(t, e.snap.FromCache)
	assert.True(t, e.snap.HasPendingWrites())
	assert.Equal(t, []string{"rooms/a"}, docKeys(e.snap))

	stream := h.stream(t, remote.StreamWrite)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := stream.NextSent(ctx)
	require.NoError(t, err)
	stream.Respond(&wire.WriteResponse{StreamID: "s1", StreamToken: []byte("t1")})
	msg, err := stream.NextSent(ctx)
	require.NoError(t, err)
	req, ok := msg.(*wire.WriteRequest)
	require.True(t, ok)
	require.Len(t, req.Writes, 1)

	stream.Respond(&wire.WriteResponse{
		StreamID:     "s1",
		StreamToken:  []byte("t2"),
		CommitTime:   wire.EncodeVersion(model.Version(3000)),
		WriteResults: []wire.WriteResult{{}},
	})
	version, err := written.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Version(3000), version)
	_, err = pending.Wait(ctx)
	require.NoError(t, err)

	t.Run("nothing pending resolves at once", func(t *testing.T) {
		f := onQueue(t, h, h.se.WaitForPendingWrites)
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	})
}

func TestSyncEngineRejectedWrite(t *testing.T) {
	h := newHarness(t, 0)
	events := h.listen(t, roomsQuery(), core.ListenOptions{})
	mutation := model.NewPatchMutation(model.DocumentKeyFromString("rooms/a"), model.MustObjectValueOf(map[string]any{"n": int64(1)}), nil, model.PreconditionExists(true))
	written := onQueue(t, h, func() *async.Future[model.SnapshotVersion] {
		return h.se.Write([]model.Mutation{mutation})
	})

	stream := h.stream(t, remote.StreamWrite)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := stream.NextSent(ctx)
	require.NoError(t, err)
	stream.Respond(&wire.WriteResponse{StreamID: "s1", StreamToken: []byte("t1")})
	_, err = stream.NextSent(ctx)
	require.NoError(t, err)
	stream.Fail(status.Error(codes.FailedPrecondition, "no document to update"))

	_, err = written.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, remote.Code(err))
	select {
	case e := <-events:
		require.NoError(t, e.err)
		assert.True(t, e.snap.Docs.IsEmpty())
	default:
	}
}

func TestSyncEngineUserChange(t *testing.T) {
	h := newHarness(t, 0)
	mutation := model.NewSetMutation(model.DocumentKeyFromString("rooms/a"), model.MustObjectValueOf(map[string]any{}))
	h.do(t, func() { h.se.Write([]model.Mutation{mutation}) })
	pending := onQueue(t, h, h.se.WaitForPendingWrites)

	h.do(t, func() { require.NoError(t, h.se.HandleCredentialChange(credentials.User{UID: "bob"})) })
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := pending.Wait(ctx)
	assert.ErrorIs(t, err, constants.ErrUserChanged)

	doc := onQueue(t, h, func() *model.MutableDocument {
		d, err := h.ls.ReadDocument(model.DocumentKeyFromString("rooms/a"))
		require.NoError(t, err)
		return d
	})
	assert.False(t, doc.IsFoundDocument(), "bob does not see alice's pending write")
}

func TestSyncEngineLimboResolution(t *testing.T) {
	h := newHarness(t, 1)
	var stream *mock.Stream

	// Two single-document listens bring rooms/x and rooms/y into the cache.
	for i, path := range []string{"rooms/x", "rooms/y"} {
		h.listen(t, model.NewQuery(model.ResourcePathFromString(path)), core.ListenOptions{})
		if stream == nil {
			stream = h.stream(t, remote.StreamListen)
		}
		id := nextAddTarget(t, stream)
		h.serve(stream, id, int64(1000+100*i), found(path, 900))
	}

	// The collection target does not report them, so both enter limbo.
	events := h.listen(t, roomsQuery(), core.ListenOptions{IncludeMetadataChanges: true})
	first := next(t, events)
	require.NoError(t, first.err)
	assert.Equal(t, []string{"rooms/x", "rooms/y"}, docKeys(first.snap))

	id := nextAddTarget(t, stream)
	assert.EqualValues(t, 6, id)
	h.serve(stream, id, 2000)

	limboID := nextAddTarget(t, stream)
	assert.EqualValues(t, 1, limboID)
	active := onQueue(t, h, h.se.ActiveLimboDocumentResolutions)
	assert.Equal(t, map[model.DocumentKey]model.TargetID{model.DocumentKeyFromString("rooms/x"): 1}, active)
	assert.Equal(t, []model.DocumentKey{model.DocumentKeyFromString("rooms/y")}, onQueue(t, h, h.se.EnqueuedLimboDocumentResolutions))

	// The limbo target comes back current without the document: it was deleted.
	h.serve(stream, limboID, 3000)
	assert.EqualValues(t, 3, nextAddTarget(t, stream), "the queued key takes the free slot")

	deadline := time.After(waitTimeout)
	for {
		var e event
		select {
		case e = <-events:
		case <-deadline:
			require.FailNow(t, "rooms/x was never removed")
		}
		require.NoError(t, e.err)
		if len(docKeys(e.snap)) == 1 {
			assert.Equal(t, []string{"rooms/y"}, docKeys(e.snap))
			assert.True(t, e.snap.FromCache, "rooms/y is still in limbo")
			break
		}
	}
	assert.Empty(t, onQueue(t, h, h.se.EnqueuedLimboDocumentResolutions))
}

func TestSyncEngineRestartsInconsistentLimboTarget(t *testing.T) {
	h := newHarness(t, 1)
	var stream *mock.Stream
	for i, path := range []string{"rooms/x", "rooms/y"} {
		h.listen(t, model.NewQuery(model.ResourcePathFromString(path)), core.ListenOptions{})
		if stream == nil {
			stream = h.stream(t, remote.StreamListen)
		}
		id := nextAddTarget(t, stream)
		h.serve(stream, id, int64(1000+100*i), found(path, 900))
	}
	events := h.listen(t, roomsQuery(), core.ListenOptions{IncludeMetadataChanges: true})
	require.NoError(t, next(t, events).err)
	h.serve(stream, nextAddTarget(t, stream), 2000)
	require.EqualValues(t, 1, nextAddTarget(t, stream))

	x := model.DocumentKeyFromString("rooms/x")
	apply := func(targetID model.TargetID, micros int64, change *remote.TargetChange) {
		t.Helper()
		ev := &remote.RemoteEvent{
			SnapshotVersion:        model.Version(micros),
			TargetChanges:          map[model.TargetID]*remote.TargetChange{targetID: change},
			TargetMismatches:       map[model.TargetID]model.TargetPurpose{},
			DocumentUpdates:        model.DocumentMap{x: found("rooms/x", micros)},
			ResolvedLimboDocuments: model.NewDocumentKeySet(x),
		}
		var err error
		require.NotPanics(t, func() {
			err = onQueue(t, h, func() error { return h.se.ApplyRemoteEvent(ev) })
		})
		require.NoError(t, err)
	}

	t.Run("modify before add", func(t *testing.T) {
		apply(1, 2500, &remote.TargetChange{
			AddedDocuments:    model.NewDocumentKeySet(),
			ModifiedDocuments: model.NewDocumentKeySet(x),
			RemovedDocuments:  model.NewDocumentKeySet(),
		})
		assert.EqualValues(t, 3, nextAddTarget(t, stream), "rooms/x is resolved on a new target")
		active := onQueue(t, h, h.se.ActiveLimboDocumentResolutions)
		assert.Equal(t, map[model.DocumentKey]model.TargetID{x: 3}, active)
		assert.Equal(t, []model.DocumentKey{model.DocumentKeyFromString("rooms/y")},
			onQueue(t, h, h.se.EnqueuedLimboDocumentResolutions))
	})

	t.Run("more than one document", func(t *testing.T) {
		apply(3, 2600, &remote.TargetChange{
			AddedDocuments:    model.NewDocumentKeySet(x, model.DocumentKeyFromString("rooms/z")),
			ModifiedDocuments: model.NewDocumentKeySet(),
			RemovedDocuments:  model.NewDocumentKeySet(),
		})
		assert.EqualValues(t, 5, nextAddTarget(t, stream))
		active := onQueue(t, h, h.se.ActiveLimboDocumentResolutions)
		assert.Equal(t, map[model.DocumentKey]model.TargetID{x: 5}, active)
	})
}
