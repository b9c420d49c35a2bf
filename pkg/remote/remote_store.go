package remote

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/docsync/docsync.go/internal/async"
	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/persistence"
	"github.com/docsync/docsync.go/pkg/wire"
)

// RemoteSyncer is the part of the Sync Engine the Remote Store reports to. Every method
// is called on the queue.
type RemoteSyncer interface {
	ApplyRemoteEvent(event *RemoteEvent) error
	// RejectListen reports that the server removed a target because of err.
	RejectListen(targetID model.TargetID, err error) error
	ApplySuccessfulWrite(result *model.MutationBatchResult) error
	RejectFailedWrite(batchID model.BatchID, err error) error
	// GetRemoteKeysForTarget returns the keys the server last reported for the target,
	// as tracked by the views.
	GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet
	HandleCredentialChange(user credentials.User) error
}

// LocalStore is what the Remote Store reads from the local cache.
type LocalStore interface {
	GetLastRemoteSnapshotVersion() (model.SnapshotVersion, error)
	NextMutationBatch(afterBatchID model.BatchID) (*model.MutationBatch, error)
	GetLastStreamToken() ([]byte, error)
	SetLastStreamToken(token []byte) error
}

// Options configures a RemoteStore.
type Options struct {
	Stream           StreamOptions
	ExistenceFilter  ExistenceFilterConfig
	MaxPendingWrites int
}

func DefaultOptions() Options {
	return Options{
		Stream:           DefaultStreamOptions(),
		ExistenceFilter:  DefaultExistenceFilterConfig(),
		MaxPendingWrites: constants.DefaultMaxPendingWrites,
	}
}

// offlineCause is a reason the network is disabled. The network is used only while
// there is none.
type offlineCause int

const (
	offlineUserDisabled offlineCause = iota
	offlinePersistenceFailed
	offlineShutdown
	offlineCredentialChange
	offlineConnectivityChange
)

// RemoteStore keeps the Listen and Write streams running while there is work for them:
// active targets for Listen and pending batches for Write. It turns watch changes into
// remote events and write acknowledgements into batch results for the RemoteSyncer.
//
// Every method must be called on the queue.
type RemoteStore struct {
	queue      *async.Queue
	localStore LocalStore
	syncer     RemoteSyncer
	serializer *wire.Serializer
	logger     logger.Logger
	opts       Options

	// listenTargets are the targets the client wants to listen to, with the resume state
	// to send when the stream restarts.
	listenTargets map[model.TargetID]*model.TargetData
	// writePipeline holds the batches sent, or about to be sent, in batch id order.
	writePipeline []*model.MutationBatch
	offlineCauses map[offlineCause]struct{}

	watchStream *WatchStream
	writeStream *WriteStream
	aggregator  *WatchChangeAggregator

	onlineStateTracker *OnlineStateTracker
}

func NewRemoteStore(
	q *async.Queue,
	localStore LocalStore,
	conn Connection,
	auth, appCheck credentials.Provider,
	serializer *wire.Serializer,
	onlineStateHandler func(OnlineState),
	opts Options,
	log logger.Logger,
) *RemoteStore {
	if log == nil {
		log = logger.Discard
	}
	if opts.MaxPendingWrites <= 0 {
		opts.MaxPendingWrites = constants.DefaultMaxPendingWrites
	}
	rs := &RemoteStore{
		queue:         q,
		localStore:    localStore,
		serializer:    serializer,
		logger:        log,
		opts:          opts,
		listenTargets: map[model.TargetID]*model.TargetData{},
		// The network stays off until Start.
		offlineCauses: map[offlineCause]struct{}{offlineUserDisabled: {}},
	}
	rs.onlineStateTracker = NewOnlineStateTracker(q, onlineStateHandler, log)
	rs.watchStream = NewWatchStream(q, conn, auth, appCheck, serializer, opts.Stream, watchListener{rs}, log)
	rs.writeStream = NewWriteStream(q, conn, auth, appCheck, serializer, opts.Stream, writeListener{rs}, log)
	return rs
}

// SetRemoteSyncer binds the Sync Engine. It must be called before Start.
func (rs *RemoteStore) SetRemoteSyncer(syncer RemoteSyncer) {
	rs.syncer = syncer
}

// Start enables the network.
func (rs *RemoteStore) Start() {
	rs.EnableNetwork()
}

// EnableNetwork lifts a user-requested network disable.
func (rs *RemoteStore) EnableNetwork() {
	delete(rs.offlineCauses, offlineUserDisabled)
	rs.enableNetworkInternal()
}

// DisableNetwork stops both streams and reports the client offline. Pending writes stay
// in the mutation queue and are re-sent after EnableNetwork.
func (rs *RemoteStore) DisableNetwork() {
	rs.offlineCauses[offlineUserDisabled] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineStateTracker.Set(OnlineStateOffline)
}

// Shutdown stops the streams for good.
func (rs *RemoteStore) Shutdown() {
	rs.logger.Debug("remote store shutting down")
	rs.offlineCauses[offlineShutdown] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineStateTracker.Set(OnlineStateUnknown)
}

// HandleCredentialChange restarts the streams with the new user's tokens after the
// Sync Engine switched its state to that user.
func (rs *RemoteStore) HandleCredentialChange(user credentials.User) error {
	rs.logger.Debug("remote store restarting streams for new credential", "user", user.String())
	rs.offlineCauses[offlineCredentialChange] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineStateTracker.Set(OnlineStateUnknown)
	err := rs.syncer.HandleCredentialChange(user)
	delete(rs.offlineCauses, offlineCredentialChange)
	rs.enableNetworkInternal()
	return err
}

// HandleNetworkChange tears the streams down immediately after a connectivity change
// so they reconnect over the new network instead of waiting for a timeout.
func (rs *RemoteStore) HandleNetworkChange() {
	if !rs.canUseNetwork() {
		return
	}
	rs.logger.Info("restarting streams for network reachability change")
	rs.offlineCauses[offlineConnectivityChange] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineStateTracker.Set(OnlineStateUnknown)
	delete(rs.offlineCauses, offlineConnectivityChange)
	rs.enableNetworkInternal()
}

func (rs *RemoteStore) canUseNetwork() bool {
	return len(rs.offlineCauses) == 0
}

func (rs *RemoteStore) enableNetworkInternal() {
	if !rs.canUseNetwork() {
		return
	}
	token, err := rs.localStore.GetLastStreamToken()
	if err != nil {
		rs.disableNetworkUntilRecovery(err, nil)
		return
	}
	rs.writeStream.LastStreamToken = token

	if rs.shouldStartWatchStream() {
		rs.startWatchStream()
	} else {
		rs.onlineStateTracker.Set(OnlineStateUnknown)
	}
	rs.FillWritePipeline()
}

func (rs *RemoteStore) disableNetworkInternal() {
	rs.writeStream.Stop()
	rs.watchStream.Stop()
	if len(rs.writePipeline) > 0 {
		rs.logger.Debug("stopping write stream with pending writes", "pending", len(rs.writePipeline))
		rs.writePipeline = nil
	}
	rs.aggregator = nil
}

// disableNetworkUntilRecovery takes the network down after a retryable persistence
// failure and brings it back once op (by default a read of the remote snapshot version)
// succeeds. Other errors are logged.
func (rs *RemoteStore) disableNetworkUntilRecovery(err error, op func() error) {
	if !persistence.IsRetryable(err) {
		rs.logger.Error("remote store operation failed", "error", err)
		return
	}
	rs.logger.Warn("disabling network until persistence recovers", "error", err)
	rs.offlineCauses[offlinePersistenceFailed] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineStateTracker.Set(OnlineStateOffline)
	if op == nil {
		op = func() error {
			_, err := rs.localStore.GetLastRemoteSnapshotVersion()
			return err
		}
	}
	rs.queue.EnqueueRetryable(func() error {
		if err := op(); err != nil {
			return err
		}
		delete(rs.offlineCauses, offlinePersistenceFailed)
		rs.enableNetworkInternal()
		return nil
	}, persistence.IsRetryable)
}

// Listen starts listening to a target. Calling it again for a target already listened
// to does nothing.
func (rs *RemoteStore) Listen(td *model.TargetData) {
	if _, ok := rs.listenTargets[td.TargetID]; ok {
		return
	}
	rs.listenTargets[td.TargetID] = td
	if rs.shouldStartWatchStream() {
		rs.startWatchStream()
	} else if rs.watchStream.IsOpen() {
		rs.sendWatchRequest(td)
	}
}

// Unlisten stops listening to a target.
func (rs *RemoteStore) Unlisten(id model.TargetID) {
	delete(rs.listenTargets, id)
	if rs.watchStream.IsOpen() {
		rs.sendUnwatchRequest(id)
	}
	if len(rs.listenTargets) == 0 {
		if rs.watchStream.IsOpen() {
			rs.watchStream.MarkIdle()
		} else if rs.canUseNetwork() {
			// Without targets there is no attempt to confirm the connection with.
			rs.onlineStateTracker.Set(OnlineStateUnknown)
		}
	}
}

func (rs *RemoteStore) sendWatchRequest(td *model.TargetData) {
	rs.aggregator.RecordPendingTargetRequest(td.TargetID)
	if len(td.ResumeToken) > 0 || td.SnapshotVersion.After(model.MinVersion) {
		td = td.WithExpectedCount(int32(rs.syncer.GetRemoteKeysForTarget(td.TargetID).Len()))
	}
	if err := rs.watchStream.Watch(td); err != nil {
		rs.logger.Debug("watch request not sent", "target", td.TargetID, "error", err)
	}
}

func (rs *RemoteStore) sendUnwatchRequest(id model.TargetID) {
	rs.aggregator.RecordPendingTargetRequest(id)
	if err := rs.watchStream.Unwatch(id); err != nil {
		rs.logger.Debug("unwatch request not sent", "target", id, "error", err)
	}
}

func (rs *RemoteStore) shouldStartWatchStream() bool {
	return rs.canUseNetwork() && !rs.watchStream.IsStarted() && len(rs.listenTargets) > 0
}

func (rs *RemoteStore) startWatchStream() {
	rs.aggregator = NewWatchChangeAggregator(rs, rs.opts.ExistenceFilter, rs.logger)
	rs.watchStream.Start()
	rs.onlineStateTracker.HandleWatchStreamStart()
}

// GetRemoteKeysForTarget implements TargetMetadataProvider.
func (rs *RemoteStore) GetRemoteKeysForTarget(id model.TargetID) model.DocumentKeySet {
	return rs.syncer.GetRemoteKeysForTarget(id)
}

// GetTargetDataForTarget implements TargetMetadataProvider.
func (rs *RemoteStore) GetTargetDataForTarget(id model.TargetID) *model.TargetData {
	return rs.listenTargets[id]
}

// GetDatabaseID implements TargetMetadataProvider.
func (rs *RemoteStore) GetDatabaseID() wire.DatabaseID {
	return rs.serializer.DatabaseID()
}

func (rs *RemoteStore) onWatchStreamOpen() {
	for _, td := range rs.listenTargets {
		rs.sendWatchRequest(td)
	}
}

func (rs *RemoteStore) onWatchStreamClose(err error) {
	if err == nil && rs.shouldStartWatchStream() {
		panic("BUG: watch stream closed normally while it should be running")
	}
	rs.aggregator = nil
	if rs.shouldStartWatchStream() {
		rs.onlineStateTracker.HandleWatchStreamFailure(err)
		rs.startWatchStream()
	} else {
		// Nothing to listen to, so no attempt is under way.
		rs.onlineStateTracker.Set(OnlineStateUnknown)
	}
}

func (rs *RemoteStore) onWatchStreamChange(change WatchChange, snapshotVersion model.SnapshotVersion) {
	rs.onlineStateTracker.Set(OnlineStateOnline)

	if tc, ok := change.(*WatchTargetChange); ok && tc.State == TargetRemoved && tc.Cause != nil {
		// Raise target errors right away rather than waiting for a consistent snapshot.
		if err := rs.handleTargetError(tc); err != nil {
			rs.disableNetworkUntilRecovery(err, nil)
		}
		return
	}

	switch c := change.(type) {
	case *DocumentWatchChange:
		rs.aggregator.HandleDocumentChange(c)
	case *ExistenceFilterChange:
		rs.aggregator.HandleExistenceFilter(c)
	case *WatchTargetChange:
		rs.aggregator.HandleTargetChange(c)
	}

	if snapshotVersion.IsMin() {
		return
	}
	last, err := rs.localStore.GetLastRemoteSnapshotVersion()
	if err != nil {
		rs.disableNetworkUntilRecovery(err, nil)
		return
	}
	if snapshotVersion.Compare(last) >= 0 {
		if err := rs.raiseWatchSnapshot(snapshotVersion); err != nil {
			rs.disableNetworkUntilRecovery(err, nil)
		}
	}
}

// raiseWatchSnapshot hands the accumulated changes to the syncer as one event, and
// re-listens to targets whose existence filter did not match.
func (rs *RemoteStore) raiseWatchSnapshot(snapshotVersion model.SnapshotVersion) error {
	event := rs.aggregator.CreateRemoteEvent(snapshotVersion)

	// The local store persists tokens when it applies the event; the in-memory copies
	// are what a stream restart resumes from.
	for id, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}
		if td, ok := rs.listenTargets[id]; ok {
			rs.listenTargets[id] = td.WithResumeToken(change.ResumeToken, snapshotVersion)
		}
	}

	for id, purpose := range event.TargetMismatches {
		td, ok := rs.listenTargets[id]
		if !ok {
			continue
		}
		// Forget the token so the server sends the full result set again.
		rs.listenTargets[id] = td.WithResumeToken(nil, td.SnapshotVersion)
		rs.sendUnwatchRequest(id)
		// Only this request carries the mismatch purpose; later restarts listen normally.
		rs.sendWatchRequest(model.NewTargetData(td.Target, id, purpose, td.SequenceNumber))
	}

	return rs.syncer.ApplyRemoteEvent(event)
}

func (rs *RemoteStore) handleTargetError(change *WatchTargetChange) error {
	for _, id := range change.TargetIDs {
		if _, ok := rs.listenTargets[id]; !ok {
			continue
		}
		if err := rs.syncer.RejectListen(id, change.Cause); err != nil {
			return err
		}
		delete(rs.listenTargets, id)
		if rs.aggregator != nil {
			rs.aggregator.RemoveTarget(id)
		}
	}
	return nil
}

// FillWritePipeline moves pending batches from the mutation queue into the pipeline, up
// to the pending-write limit, and starts the write stream when needed.
func (rs *RemoteStore) FillWritePipeline() {
	last := model.BatchIDUnknown
	if n := len(rs.writePipeline); n > 0 {
		last = rs.writePipeline[n-1].BatchID
	}
	for rs.canAddToWritePipeline() {
		batch, err := rs.localStore.NextMutationBatch(last)
		if err != nil {
			rs.disableNetworkUntilRecovery(err, nil)
			break
		}
		if batch == nil {
			if len(rs.writePipeline) == 0 {
				rs.writeStream.MarkIdle()
			}
			break
		}
		last = batch.BatchID
		rs.addToWritePipeline(batch)
	}
	if rs.shouldStartWriteStream() {
		rs.writeStream.Start()
	}
}

// OutstandingWrites is the number of batches in the pipeline.
func (rs *RemoteStore) OutstandingWrites() int {
	return len(rs.writePipeline)
}

func (rs *RemoteStore) canAddToWritePipeline() bool {
	return rs.canUseNetwork() && len(rs.writePipeline) < rs.opts.MaxPendingWrites
}

func (rs *RemoteStore) addToWritePipeline(batch *model.MutationBatch) {
	rs.writePipeline = append(rs.writePipeline, batch)
	if rs.writeStream.IsOpen() && rs.writeStream.HandshakeComplete() {
		rs.writeMutations(batch)
	}
}

func (rs *RemoteStore) writeMutations(batch *model.MutationBatch) {
	if err := rs.writeStream.WriteMutations(batch.Mutations); err != nil {
		rs.logger.Debug("write not sent", "batch", batch.BatchID, "error", err)
	}
}

func (rs *RemoteStore) shouldStartWriteStream() bool {
	return rs.canUseNetwork() && !rs.writeStream.IsStarted() && len(rs.writePipeline) > 0
}

func (rs *RemoteStore) onWriteStreamOpen() {
	if err := rs.writeStream.WriteHandshake(); err != nil {
		rs.logger.Debug("write handshake not sent", "error", err)
	}
}

func (rs *RemoteStore) onWriteHandshakeComplete() {
	if err := rs.localStore.SetLastStreamToken(rs.writeStream.LastStreamToken); err != nil {
		rs.disableNetworkUntilRecovery(err, nil)
		return
	}
	// Everything in the pipeline is re-sent, in order, on every new stream.
	for _, batch := range rs.writePipeline {
		rs.writeMutations(batch)
	}
}

// onMutationResult acknowledges the batch at the head of the pipeline. An
// acknowledgement that does not fit that batch leaves it in place and fails the stream
// with a transient error, so the restarted stream sends it again.
func (rs *RemoteStore) onMutationResult(commitVersion model.SnapshotVersion, results []model.MutationResult) error {
	if len(rs.writePipeline) == 0 {
		return status.Error(codes.Internal, "mutation result without a pending batch")
	}
	batch := rs.writePipeline[0]
	result, err := model.NewMutationBatchResult(batch, commitVersion, results, rs.writeStream.LastStreamToken)
	if err != nil {
		rs.logger.Error("invalid write acknowledgement", "batch", batch.BatchID, "error", err)
		return status.Errorf(codes.Internal, "invalid acknowledgement for batch %d: %v", batch.BatchID, err)
	}
	rs.writePipeline = rs.writePipeline[1:]

	if err := rs.syncer.ApplySuccessfulWrite(result); err != nil {
		rs.disableNetworkUntilRecovery(err, func() error { return rs.syncer.ApplySuccessfulWrite(result) })
		return nil
	}
	rs.FillWritePipeline()
	return nil
}

func (rs *RemoteStore) onWriteStreamClose(err error) {
	if err == nil && rs.shouldStartWriteStream() {
		panic("BUG: write stream closed normally while it should be running")
	}
	if err != nil && len(rs.writePipeline) > 0 {
		if rs.writeStream.HandshakeComplete() {
			rs.handleWriteError(err)
		} else {
			rs.handleHandshakeError(err)
		}
		if rs.shouldStartWriteStream() {
			rs.writeStream.Start()
		}
	}
}

// handleHandshakeError forgets the stream token after a permanent error: the server
// no longer accepts it.
func (rs *RemoteStore) handleHandshakeError(err error) {
	if !IsPermanentError(Code(err)) {
		return
	}
	rs.logger.Debug("write handshake failed permanently; resetting stream token", "error", err)
	rs.writeStream.LastStreamToken = nil
	if err := rs.localStore.SetLastStreamToken(nil); err != nil {
		rs.disableNetworkUntilRecovery(err, nil)
	}
}

// handleWriteError rejects the first batch after a permanent error. Transient errors are
// retried by the stream restart.
func (rs *RemoteStore) handleWriteError(err error) {
	code := Code(err)
	if !IsPermanentWriteError(code) {
		return
	}
	batch := rs.writePipeline[0]
	rs.writePipeline = rs.writePipeline[1:]
	// The request was bad, not the server: reconnect without backoff.
	rs.writeStream.InhibitBackoff()
	if code == codes.Unauthenticated {
		rs.logger.Warn("write rejected as unauthenticated", "batch", batch.BatchID)
	}
	if rerr := rs.syncer.RejectFailedWrite(batch.BatchID, err); rerr != nil {
		rs.disableNetworkUntilRecovery(rerr, func() error { return rs.syncer.RejectFailedWrite(batch.BatchID, err) })
		return
	}
	rs.FillWritePipeline()
}

// OnlineState is the tracker's current state.
func (rs *RemoteStore) OnlineState() OnlineState {
	return rs.onlineStateTracker.State()
}

// WatchStreamState and WriteStreamState expose the stream lifecycles for diagnostics.
func (rs *RemoteStore) WatchStreamState() StreamState { return rs.watchStream.State() }
func (rs *RemoteStore) WriteStreamState() StreamState { return rs.writeStream.State() }

type watchListener struct{ rs *RemoteStore }

func (l watchListener) OnOpen()           { l.rs.onWatchStreamOpen() }
func (l watchListener) OnClose(err error) { l.rs.onWatchStreamClose(err) }
func (l watchListener) OnWatchChange(change WatchChange, v model.SnapshotVersion) {
	l.rs.onWatchStreamChange(change, v)
}

type writeListener struct{ rs *RemoteStore }

func (l writeListener) OnOpen()              { l.rs.onWriteStreamOpen() }
func (l writeListener) OnClose(err error)    { l.rs.onWriteStreamClose(err) }
func (l writeListener) OnHandshakeComplete() { l.rs.onWriteHandshakeComplete() }
func (l writeListener) OnMutationResult(v model.SnapshotVersion, results []model.MutationResult) error {
	return l.rs.onMutationResult(v, results)
}
