package core

import (
	"fmt"
	"sort"

	"github.com/docsync/docsync.go/internal/async"
	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/local"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/persistence"
	"github.com/docsync/docsync.go/pkg/remote"
)

// SyncEngineListener receives what the SyncEngine computes. It is called on the queue.
type SyncEngineListener interface {
	OnWatchChange(snapshots []*ViewSnapshot)
	// OnWatchError reports that the server rejected query. The query is no longer
	// listened to.
	OnWatchError(query model.Query, err error)
	OnOnlineStateChange(state remote.OnlineState)
}

// QueryView is an active query with its target and view.
type QueryView struct {
	Query    model.Query
	TargetID model.TargetID
	View     *View
}

type limboResolution struct {
	key model.DocumentKey
	// receivedDocument is set once the limbo target reported the document, so the
	// aggregator knows the server considers it part of the target.
	receivedDocument bool
}

// SyncEngine connects the LocalStore and the RemoteStore to the active queries. It
// implements remote.RemoteSyncer. Every method must be called on the queue.
type SyncEngine struct {
	localStore  *local.LocalStore
	remoteStore *remote.RemoteStore
	queue       *async.Queue
	logger      logger.Logger
	listener    SyncEngineListener

	maxConcurrentLimboResolutions int

	currentUser credentials.User
	onlineState remote.OnlineState

	queryViews      map[string]*QueryView
	queriesByTarget map[model.TargetID][]model.Query

	// enqueuedLimboResolutions are limbo keys waiting for a free resolution slot, in the
	// order they entered limbo.
	enqueuedLimboResolutions []model.DocumentKey
	enqueuedLimboKeys        model.DocumentKeySet
	activeLimboTargetsByKey  map[model.DocumentKey]model.TargetID
	activeLimboResolutions   map[model.TargetID]*limboResolution
	// limboDocumentRefs counts, per view target, the limbo keys the view holds.
	limboDocumentRefs      *persistence.ReferenceSet
	limboTargetIDGenerator *model.TargetIDGenerator

	mutationCallbacks      map[string]map[model.BatchID]*async.Future[model.SnapshotVersion]
	pendingWritesCallbacks map[model.BatchID][]*async.Future[struct{}]
}

var _ remote.RemoteSyncer = (*SyncEngine)(nil)

func NewSyncEngine(
	q *async.Queue,
	localStore *local.LocalStore,
	remoteStore *remote.RemoteStore,
	user credentials.User,
	maxConcurrentLimboResolutions int,
	log logger.Logger,
) *SyncEngine {
	if log == nil {
		log = logger.Discard
	}
	if maxConcurrentLimboResolutions <= 0 {
		maxConcurrentLimboResolutions = constants.DefaultMaxConcurrentLimboResolutions
	}
	return &SyncEngine{
		localStore:                    localStore,
		remoteStore:                   remoteStore,
		queue:                         q,
		logger:                        log,
		maxConcurrentLimboResolutions: maxConcurrentLimboResolutions,
		currentUser:                   user,
		onlineState:                   remote.OnlineStateUnknown,
		queryViews:                    map[string]*QueryView{},
		queriesByTarget:               map[model.TargetID][]model.Query{},
		enqueuedLimboKeys:             model.NewDocumentKeySet(),
		activeLimboTargetsByKey:       map[model.DocumentKey]model.TargetID{},
		activeLimboResolutions:        map[model.TargetID]*limboResolution{},
		limboDocumentRefs:             persistence.NewReferenceSet(),
		limboTargetIDGenerator:        model.NewSyncEngineIDGenerator(),
		mutationCallbacks:             map[string]map[model.BatchID]*async.Future[model.SnapshotVersion]{},
		pendingWritesCallbacks:        map[model.BatchID][]*async.Future[struct{}]{},
	}
}

// Subscribe sets the listener that receives snapshots, errors and online state.
func (e *SyncEngine) Subscribe(l SyncEngineListener) {
	e.listener = l
}

// Listen starts listening to query and returns its first snapshot, computed from the
// local cache.
func (e *SyncEngine) Listen(query model.Query) (*ViewSnapshot, error) {
	e.queue.VerifyOperationInProgress()
	if qv, ok := e.queryViews[query.CanonicalID()]; ok {
		return qv.View.ComputeInitialSnapshot(), nil
	}

	td, err := e.localStore.AllocateTarget(query.ToTarget())
	if err != nil {
		return nil, fmt.Errorf("listen to %s: %w", query, err)
	}
	snapshot, err := e.initializeViewAndComputeSnapshot(query, td.TargetID, len(td.ResumeToken) > 0)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("listening", "query", query.String(), "targetID", td.TargetID)
	e.remoteStore.Listen(td)
	return snapshot, nil
}

func (e *SyncEngine) initializeViewAndComputeSnapshot(query model.Query, targetID model.TargetID, hasResumeToken bool) (*ViewSnapshot, error) {
	result, err := e.localStore.ExecuteQuery(query, true)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", query, err)
	}
	view := NewView(query, result.RemoteKeys)
	changes := view.ComputeDocChanges(result.Documents, nil)

	var resumeToken []byte
	if hasResumeToken {
		// Any non-empty token marks the results as previously synced.
		resumeToken = []byte{1}
	}
	synthesized := remote.CreateSynthesizedTargetChangeForCurrentChange(false, resumeToken)
	viewChange := view.ApplyChanges(changes, true, synthesized)
	e.updateTrackedLimbos(targetID, viewChange.LimboChanges)

	e.queryViews[query.CanonicalID()] = &QueryView{Query: query, TargetID: targetID, View: view}
	e.queriesByTarget[targetID] = append(e.queriesByTarget[targetID], query)
	return viewChange.Snapshot, nil
}

// Unlisten stops listening to query. The target is released once no query uses it.
func (e *SyncEngine) Unlisten(query model.Query) error {
	e.queue.VerifyOperationInProgress()
	qv, ok := e.queryViews[query.CanonicalID()]
	if !ok {
		return fmt.Errorf("unlisten %s: %w", query, constants.ErrTargetNotFound)
	}
	delete(e.queryViews, query.CanonicalID())

	queries := e.queriesByTarget[qv.TargetID]
	if len(queries) > 1 {
		e.queriesByTarget[qv.TargetID] = removeQuery(queries, query)
		return nil
	}

	e.logger.Debug("unlistening", "query", query.String(), "targetID", qv.TargetID)
	if err := e.localStore.ReleaseTarget(qv.TargetID, false); err != nil {
		e.logger.Error("releasing target failed", "targetID", qv.TargetID, "error", err)
	}
	e.remoteStore.Unlisten(qv.TargetID)
	e.removeAndCleanupTarget(qv.TargetID, nil)
	return nil
}

func removeQuery(queries []model.Query, query model.Query) []model.Query {
	out := queries[:0]
	for _, q := range queries {
		if q.CanonicalID() != query.CanonicalID() {
			out = append(out, q)
		}
	}
	return out
}

// Write applies mutations locally as one batch and queues it for the server. The
// future resolves with the commit version once the server acknowledges the batch, or
// fails with the server's error if it rejects it.
func (e *SyncEngine) Write(mutations []model.Mutation) *async.Future[model.SnapshotVersion] {
	e.queue.VerifyOperationInProgress()
	f := async.NewFuture[model.SnapshotVersion]()
	result, err := e.localStore.WriteLocally(mutations)
	if err != nil {
		e.logger.Error("local write failed", "error", err)
		f.Reject(err)
		return f
	}

	uid := e.currentUser.UID
	if e.mutationCallbacks[uid] == nil {
		e.mutationCallbacks[uid] = map[model.BatchID]*async.Future[model.SnapshotVersion]{}
	}
	e.mutationCallbacks[uid][result.BatchID] = f

	if err := e.emitNewSnapsAndNotifyLocalStore(result.Changes, nil); err != nil {
		e.logger.Error("raising snapshots for a local write failed", "error", err)
	}
	e.remoteStore.FillWritePipeline()
	return f
}

// WaitForPendingWrites returns a future that resolves once every batch pending now has
// been acknowledged or rejected. It fails if the user changes first.
func (e *SyncEngine) WaitForPendingWrites() *async.Future[struct{}] {
	e.queue.VerifyOperationInProgress()
	f := async.NewFuture[struct{}]()
	highest, err := e.localStore.GetHighestUnacknowledgedBatchID()
	if err != nil {
		f.Reject(err)
		return f
	}
	if highest == model.BatchIDUnknown {
		f.Resolve(struct{}{})
		return f
	}
	e.pendingWritesCallbacks[highest] = append(e.pendingWritesCallbacks[highest], f)
	return f
}

// ApplyRemoteEvent applies a consistent snapshot from the watch stream.
func (e *SyncEngine) ApplyRemoteEvent(event *remote.RemoteEvent) error {
	e.queue.VerifyOperationInProgress()
	for targetID, change := range event.TargetChanges {
		lr, ok := e.activeLimboResolutions[targetID]
		if !ok {
			continue
		}
		// A limbo target matches at most one document, which the server adds before it
		// modifies or removes it.
		n := change.AddedDocuments.Len() + change.ModifiedDocuments.Len() + change.RemovedDocuments.Len()
		switch {
		case n > 1:
			e.restartLimboResolution(event, targetID, fmt.Sprintf("%d documents changed", n))
		case change.AddedDocuments.Len() > 0:
			lr.receivedDocument = true
		case change.ModifiedDocuments.Len() > 0:
			if !lr.receivedDocument {
				e.restartLimboResolution(event, targetID, "modified before it was added")
			}
		case change.RemovedDocuments.Len() > 0:
			if !lr.receivedDocument {
				e.restartLimboResolution(event, targetID, "removed before it was added")
				continue
			}
			lr.receivedDocument = false
		}
	}

	changes, err := e.localStore.ApplyRemoteEvent(event)
	if err != nil {
		return err
	}
	return e.emitNewSnapsAndNotifyLocalStore(changes, event)
}

// ApplyOnlineStateChange marks views stale when the client goes offline and tells the
// listener about the new state.
func (e *SyncEngine) ApplyOnlineStateChange(state remote.OnlineState) {
	e.queue.VerifyOperationInProgress()
	e.onlineState = state
	var snapshots []*ViewSnapshot
	for _, qv := range e.sortedQueryViews() {
		vc := qv.View.ApplyOnlineStateChange(state)
		if len(vc.LimboChanges) > 0 {
			panic("BUG: an online state change produced limbo changes")
		}
		if vc.Snapshot != nil {
			snapshots = append(snapshots, vc.Snapshot)
		}
	}
	if e.listener != nil {
		e.listener.OnWatchChange(snapshots)
		e.listener.OnOnlineStateChange(state)
	}
}

// RejectListen handles a target the server removed with an error. A rejected limbo
// target resolves its document as deleted; any other target fails its queries.
func (e *SyncEngine) RejectListen(targetID model.TargetID, err error) error {
	e.queue.VerifyOperationInProgress()
	if lr, ok := e.activeLimboResolutions[targetID]; ok {
		key := lr.key
		delete(e.activeLimboResolutions, targetID)
		delete(e.activeLimboTargetsByKey, key)
		e.pumpEnqueuedLimboResolutions()

		// The client may have lost access to the document. Treat it as deleted; the
		// version is min so a later real version still wins.
		event := &remote.RemoteEvent{
			SnapshotVersion:        model.MinVersion,
			TargetChanges:          map[model.TargetID]*remote.TargetChange{},
			TargetMismatches:       map[model.TargetID]model.TargetPurpose{},
			DocumentUpdates:        model.DocumentMap{key: model.NewNoDocument(key, model.MinVersion)},
			ResolvedLimboDocuments: model.NewDocumentKeySet(key),
		}
		return e.ApplyRemoteEvent(event)
	}

	e.logger.Warn("listen rejected", "targetID", targetID, "error", err)
	if rerr := e.localStore.ReleaseTarget(targetID, false); rerr != nil {
		e.logger.Error("releasing rejected target failed", "targetID", targetID, "error", rerr)
	}
	e.removeAndCleanupTarget(targetID, err)
	return nil
}

// ApplySuccessfulWrite removes an acknowledged batch from the queue and resolves its
// caller.
func (e *SyncEngine) ApplySuccessfulWrite(result *model.MutationBatchResult) error {
	e.queue.VerifyOperationInProgress()
	batchID := result.Batch.BatchID
	changes, err := e.localStore.AcknowledgeBatch(result)
	if err != nil {
		return err
	}
	e.processUserCallback(batchID, result.CommitVersion, nil)
	e.triggerPendingWritesCallbacks(batchID)
	return e.emitNewSnapsAndNotifyLocalStore(changes, nil)
}

// RejectFailedWrite drops a batch the server refused, reverting its local effects, and
// fails its caller with err.
func (e *SyncEngine) RejectFailedWrite(batchID model.BatchID, err error) error {
	e.queue.VerifyOperationInProgress()
	changes, rerr := e.localStore.RejectBatch(batchID)
	if rerr != nil {
		return rerr
	}
	e.logger.Warn("write rejected", "batchID", batchID, "error", err)
	e.processUserCallback(batchID, model.MinVersion, err)
	e.triggerPendingWritesCallbacks(batchID)
	return e.emitNewSnapsAndNotifyLocalStore(changes, nil)
}

// GetRemoteKeysForTarget returns the keys the server last reported for targetID.
func (e *SyncEngine) GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	if lr, ok := e.activeLimboResolutions[targetID]; ok && lr.receivedDocument {
		return model.NewDocumentKeySet(lr.key)
	}
	keys := model.NewDocumentKeySet()
	for _, q := range e.queriesByTarget[targetID] {
		if qv, ok := e.queryViews[q.CanonicalID()]; ok {
			keys.AddAll(qv.View.SyncedDocuments())
		}
	}
	return keys
}

// HandleCredentialChange switches the local store to user and recomputes the views.
// Callers waiting for pending writes of the previous user are failed.
func (e *SyncEngine) HandleCredentialChange(user credentials.User) error {
	e.queue.VerifyOperationInProgress()
	if user == e.currentUser {
		return nil
	}
	e.logger.Debug("user changed", "user", user.String())
	result, err := e.localStore.HandleUserChange(user)
	if err != nil {
		return err
	}
	e.currentUser = user
	e.rejectOutstandingPendingWritesCallbacks(fmt.Errorf("pending writes of the previous user are no longer tracked: %w", constants.ErrUserChanged))
	return e.emitNewSnapsAndNotifyLocalStore(result.AffectedDocuments, nil)
}

func (e *SyncEngine) processUserCallback(batchID model.BatchID, version model.SnapshotVersion, err error) {
	callbacks := e.mutationCallbacks[e.currentUser.UID]
	f, ok := callbacks[batchID]
	if !ok {
		return
	}
	delete(callbacks, batchID)
	if err != nil {
		f.Reject(err)
		return
	}
	f.Resolve(version)
}

func (e *SyncEngine) triggerPendingWritesCallbacks(batchID model.BatchID) {
	for id, fs := range e.pendingWritesCallbacks {
		if id > batchID {
			continue
		}
		for _, f := range fs {
			f.Resolve(struct{}{})
		}
		delete(e.pendingWritesCallbacks, id)
	}
}

func (e *SyncEngine) rejectOutstandingPendingWritesCallbacks(err error) {
	for id, fs := range e.pendingWritesCallbacks {
		for _, f := range fs {
			f.Reject(err)
		}
		delete(e.pendingWritesCallbacks, id)
	}
}

// sortedQueryViews orders the views by target so snapshots are raised deterministically.
func (e *SyncEngine) sortedQueryViews() []*QueryView {
	views := make([]*QueryView, 0, len(e.queryViews))
	for _, qv := range e.queryViews {
		views = append(views, qv)
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].TargetID != views[j].TargetID {
			return views[i].TargetID < views[j].TargetID
		}
		return views[i].Query.CanonicalID() < views[j].Query.CanonicalID()
	})
	return views
}

// emitNewSnapsAndNotifyLocalStore feeds changes to every view, raises the resulting
// snapshots and records what the views now show.
func (e *SyncEngine) emitNewSnapsAndNotifyLocalStore(changes model.DocumentMap, event *remote.RemoteEvent) error {
	var snapshots []*ViewSnapshot
	var viewChanges []local.LocalViewChanges

	for _, qv := range e.sortedQueryViews() {
		docChanges := qv.View.ComputeDocChanges(changes, nil)
		if docChanges.NeedsRefill {
			result, err := e.localStore.ExecuteQuery(qv.Query, false)
			if err != nil {
				return fmt.Errorf("refill %s: %w", qv.Query, err)
			}
			docChanges = qv.View.ComputeDocChanges(result.Documents, docChanges)
		}

		var tc *remote.TargetChange
		if event != nil {
			tc = event.TargetChanges[qv.TargetID]
		}
		vc := qv.View.ApplyChanges(docChanges, true, tc)
		e.updateTrackedLimbos(qv.TargetID, vc.LimboChanges)
		if vc.Snapshot == nil {
			continue
		}
		snapshots = append(snapshots, vc.Snapshot)
		viewChanges = append(viewChanges, localViewChanges(qv.TargetID, vc.Snapshot))
	}

	if e.listener != nil {
		e.listener.OnWatchChange(snapshots)
	}
	return e.localStore.NotifyLocalViewChanges(viewChanges)
}

func localViewChanges(targetID model.TargetID, snap *ViewSnapshot) local.LocalViewChanges {
	c := local.LocalViewChanges{
		TargetID:    targetID,
		FromCache:   snap.FromCache,
		AddedKeys:   model.NewDocumentKeySet(),
		RemovedKeys: model.NewDocumentKeySet(),
	}
	for _, ch := range snap.Changes {
		switch ch.Type {
		case ChangeAdded:
			c.AddedKeys.Add(ch.Doc.Key())
		case ChangeRemoved:
			c.RemovedKeys.Add(ch.Doc.Key())
		}
	}
	return c
}

func (e *SyncEngine) removeAndCleanupTarget(targetID model.TargetID, err error) {
	for _, q := range e.queriesByTarget[targetID] {
		delete(e.queryViews, q.CanonicalID())
		if err != nil && e.listener != nil {
			e.listener.OnWatchError(q, err)
		}
	}
	delete(e.queriesByTarget, targetID)

	limboKeys := e.limboDocumentRefs.RemoveReferencesForID(int(targetID))
	for _, key := range limboKeys.Sorted() {
		if !e.limboDocumentRefs.ContainsKey(key) {
			e.removeLimboTarget(key)
		}
	}
}

func (e *SyncEngine) removeLimboTarget(key model.DocumentKey) {
	if e.enqueuedLimboKeys.Has(key) {
		e.enqueuedLimboKeys.Remove(key)
		for i, k := range e.enqueuedLimboResolutions {
			if k == key {
				e.enqueuedLimboResolutions = append(e.enqueuedLimboResolutions[:i], e.enqueuedLimboResolutions[i+1:]...)
				break
			}
		}
	}

	targetID, ok := e.activeLimboTargetsByKey[key]
	if !ok {
		return
	}
	e.logger.Debug("limbo document resolved", "key", key.String(), "targetID", targetID)
	e.remoteStore.Unlisten(targetID)
	delete(e.activeLimboTargetsByKey, key)
	delete(e.activeLimboResolutions, targetID)
	e.pumpEnqueuedLimboResolutions()
}

// restartLimboResolution drops what a misbehaving limbo target reported in event and
// resolves its document again on a new target, ahead of the keys still waiting.
func (e *SyncEngine) restartLimboResolution(event *remote.RemoteEvent, targetID model.TargetID, reason string) {
	lr := e.activeLimboResolutions[targetID]
	e.logger.Warn("restarting limbo resolution", "key", lr.key.String(), "targetID", targetID, "reason", reason)

	delete(event.TargetChanges, targetID)
	if event.ResolvedLimboDocuments.Has(lr.key) {
		event.ResolvedLimboDocuments.Remove(lr.key)
		delete(event.DocumentUpdates, lr.key)
	}

	e.remoteStore.Unlisten(targetID)
	delete(e.activeLimboResolutions, targetID)
	delete(e.activeLimboTargetsByKey, lr.key)
	e.enqueuedLimboResolutions = append([]model.DocumentKey{lr.key}, e.enqueuedLimboResolutions...)
	e.enqueuedLimboKeys.Add(lr.key)
	e.pumpEnqueuedLimboResolutions()
}

func (e *SyncEngine) updateTrackedLimbos(targetID model.TargetID, changes []LimboDocumentChange) {
	for _, c := range changes {
		switch c.Type {
		case LimboAdded:
			e.limboDocumentRefs.AddReference(c.Key, int(targetID))
			e.trackLimboChange(c.Key)
		case LimboRemoved:
			e.limboDocumentRefs.RemoveReference(c.Key, int(targetID))
			if !e.limboDocumentRefs.ContainsKey(c.Key) {
				e.removeLimboTarget(c.Key)
			}
		}
	}
}

func (e *SyncEngine) trackLimboChange(key model.DocumentKey) {
	if _, ok := e.activeLimboTargetsByKey[key]; ok || e.enqueuedLimboKeys.Has(key) {
		return
	}
	e.logger.Debug("new document in limbo", "key", key.String())
	e.enqueuedLimboResolutions = append(e.enqueuedLimboResolutions, key)
	e.enqueuedLimboKeys.Add(key)
	e.pumpEnqueuedLimboResolutions()
}

// pumpEnqueuedLimboResolutions starts limbo targets, oldest first, while fewer than the
// maximum are active.
func (e *SyncEngine) pumpEnqueuedLimboResolutions() {
	for len(e.enqueuedLimboResolutions) > 0 && len(e.activeLimboTargetsByKey) < e.maxConcurrentLimboResolutions {
		key := e.enqueuedLimboResolutions[0]
		e.enqueuedLimboResolutions = e.enqueuedLimboResolutions[1:]
		e.enqueuedLimboKeys.Remove(key)

		id := e.limboTargetIDGenerator.Next()
		e.activeLimboResolutions[id] = &limboResolution{key: key}
		e.activeLimboTargetsByKey[key] = id
		target := model.NewQuery(key.Path()).ToTarget()
		e.remoteStore.Listen(model.NewTargetData(target, id, model.PurposeLimboResolution, model.ListenSequenceInvalid))
	}
}

// ActiveLimboDocumentResolutions returns the limbo keys being resolved and their targets.
func (e *SyncEngine) ActiveLimboDocumentResolutions() map[model.DocumentKey]model.TargetID {
	out := make(map[model.DocumentKey]model.TargetID, len(e.activeLimboTargetsByKey))
	for k, v := range e.activeLimboTargetsByKey {
		out[k] = v
	}
	return out
}

// EnqueuedLimboDocumentResolutions returns the limbo keys waiting for a slot, in order.
func (e *SyncEngine) EnqueuedLimboDocumentResolutions() []model.DocumentKey {
	return append([]model.DocumentKey(nil), e.enqueuedLimboResolutions...)
}

// QueryViews returns the active query views ordered by target id.
func (e *SyncEngine) QueryViews() []*QueryView {
	return e.sortedQueryViews()
}
