package local

import (
	"fmt"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/persistence"
	"github.com/docsync/docsync.go/pkg/remote"
)

// LocalWriteResult is the outcome of a local write.
type LocalWriteResult struct {
	BatchID model.BatchID
	// Changes is the new local view of every written document.
	Changes model.DocumentMap
}

// LocalViewChanges are the documents a view started or stopped showing.
type LocalViewChanges struct {
	TargetID    model.TargetID
	FromCache   bool
	AddedKeys   model.DocumentKeySet
	RemovedKeys model.DocumentKeySet
}

// UserChangeResult describes how the local view changed when the user switched.
type UserChangeResult struct {
	AffectedDocuments model.DocumentMap
	// RemovedBatchIDs are the pending batches of the previous user.
	RemovedBatchIDs []model.BatchID
	// AddedBatchIDs are the pending batches of the new user.
	AddedBatchIDs []model.BatchID
}

// QueryResult is a query evaluated against the local cache.
type QueryResult struct {
	Documents model.DocumentMap
	// RemoteKeys are the keys the server last reported for the query's target.
	RemoteKeys model.DocumentKeySet
}

// LocalStore is the single owner of the local cache. Every method runs its work in one
// persistence transaction and must be called from the async queue.
type LocalStore struct {
	persistence persistence.Persistence
	queryEngine *QueryEngine
	logger      logger.Logger

	user            credentials.User
	mutationQueue   persistence.MutationQueue
	overlayCache    persistence.DocumentOverlayCache
	indexManager    persistence.IndexManager
	remoteDocuments persistence.RemoteDocumentCache
	targetCache     persistence.TargetCache
	bundleCache     persistence.BundleCache
	localDocuments  *LocalDocumentsView

	// localViewReferences pins the documents shown by active views.
	localViewReferences *persistence.ReferenceSet

	targetDataByTarget map[model.TargetID]*model.TargetData
	targetIDByTarget   map[string]model.TargetID
}

func NewLocalStore(p persistence.Persistence, queryEngine *QueryEngine, user credentials.User, log logger.Logger) *LocalStore {
	if log == nil {
		log = logger.Discard
	}
	s := &LocalStore{
		persistence:         p,
		queryEngine:         queryEngine,
		logger:              log,
		remoteDocuments:     p.RemoteDocumentCache(),
		targetCache:         p.TargetCache(),
		bundleCache:         p.BundleCache(),
		localViewReferences: persistence.NewReferenceSet(),
		targetDataByTarget:  map[model.TargetID]*model.TargetData{},
		targetIDByTarget:    map[string]model.TargetID{},
	}
	p.ReferenceDelegate().AddInMemoryPins(s.localViewReferences)
	s.initializeUserComponents(s.newUserComponents(user))
	return s
}

// userComponents are the stores that belong to one user.
type userComponents struct {
	user           credentials.User
	indexManager   persistence.IndexManager
	mutationQueue  persistence.MutationQueue
	overlayCache   persistence.DocumentOverlayCache
	localDocuments *LocalDocumentsView
}

func (s *LocalStore) newUserComponents(user credentials.User) *userComponents {
	c := &userComponents{
		user:         user,
		indexManager: s.persistence.IndexManager(user),
		overlayCache: s.persistence.DocumentOverlayCache(user),
	}
	c.mutationQueue = s.persistence.MutationQueue(user, c.indexManager)
	c.localDocuments = NewLocalDocumentsView(s.remoteDocuments, c.mutationQueue, c.overlayCache, c.indexManager)
	return c
}

func (s *LocalStore) initializeUserComponents(c *userComponents) {
	s.user = c.user
	s.indexManager = c.indexManager
	s.mutationQueue = c.mutationQueue
	s.overlayCache = c.overlayCache
	s.localDocuments = c.localDocuments
	s.remoteDocuments.SetIndexManager(c.indexManager)
	s.queryEngine.Initialize(c.localDocuments, c.indexManager)
}

// Start verifies the persisted mutation queue.
func (s *LocalStore) Start() error {
	return s.persistence.RunTransaction("Start LocalStore", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		return s.mutationQueue.PerformConsistencyCheck(txn)
	})
}

func (s *LocalStore) User() credentials.User {
	return s.user
}

// HandleUserChange switches to the stores of user and reports the documents whose local
// view changed because pending writes of one of the users apply or stop applying. On
// error the store keeps serving the previous user.
func (s *LocalStore) HandleUserChange(user credentials.User) (*UserChangeResult, error) {
	result := &UserChangeResult{}
	next := s.newUserComponents(user)
	err := s.persistence.RunTransaction("Handle user change", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		oldBatches, err := s.mutationQueue.AllMutationBatches(txn)
		if err != nil {
			return err
		}
		newBatches, err := next.mutationQueue.AllMutationBatches(txn)
		if err != nil {
			return err
		}

		changed := model.NewDocumentKeySet()
		for _, b := range oldBatches {
			result.RemovedBatchIDs = append(result.RemovedBatchIDs, b.BatchID)
			changed.AddAll(b.Keys())
		}
		for _, b := range newBatches {
			result.AddedBatchIDs = append(result.AddedBatchIDs, b.BatchID)
			changed.AddAll(b.Keys())
		}
		result.AffectedDocuments, err = next.localDocuments.GetDocuments(txn, changed)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.initializeUserComponents(next)
	return result, nil
}

// WriteLocally adds mutations to the queue as one batch and returns the new local view
// of the written documents.
func (s *LocalStore) WriteLocally(mutations []model.Mutation) (*LocalWriteResult, error) {
	localWriteTime := model.Now()
	keys := model.NewDocumentKeySet()
	for _, m := range mutations {
		keys.Add(m.Key)
	}

	var result *LocalWriteResult
	err := s.persistence.RunTransaction("Locally write mutations", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		remoteDocs, err := s.remoteDocuments.GetEntries(txn, keys)
		if err != nil {
			return err
		}
		withoutRemoteVersion := model.NewDocumentKeySet()
		for k, doc := range remoteDocs {
			if !doc.IsValidDocument() {
				withoutRemoteVersion.Add(k)
			}
		}
		overlayed, err := s.localDocuments.GetOverlayedDocuments(txn, remoteDocs)
		if err != nil {
			return err
		}

		// Transforms are applied to the current local value. Pin that value with a base
		// patch so later remote changes do not shift the result while the write is pending.
		var baseMutations []model.Mutation
		for _, m := range mutations {
			base := m.ExtractTransformBaseValue(overlayed[m.Key].Document)
			if base != nil {
				baseMutations = append(baseMutations,
					model.NewPatchMutation(m.Key, base, base.FieldMask(), model.PreconditionExists(true)))
			}
		}

		batch, err := s.mutationQueue.AddMutationBatch(txn, localWriteTime, baseMutations, mutations)
		if err != nil {
			return err
		}
		overlays := batch.ApplyToLocalDocumentSet(overlayed, withoutRemoteVersion)
		if err := s.overlayCache.SaveOverlays(txn, batch.BatchID, overlays); err != nil {
			return err
		}

		changes := make(model.DocumentMap, len(overlayed))
		for k, od := range overlayed {
			changes[k] = od.Document
		}
		result = &LocalWriteResult{BatchID: batch.BatchID, Changes: changes}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AcknowledgeBatch applies a server acknowledgement: the written documents move into
// the remote document cache and the batch leaves the queue. It returns the new local view
// of the affected documents.
func (s *LocalStore) AcknowledgeBatch(result *model.MutationBatchResult) (model.DocumentMap, error) {
	var docs model.DocumentMap
	err := s.persistence.RunTransaction("Acknowledge batch", persistence.ReadWritePrimary, func(txn *persistence.Transaction) error {
		batch := result.Batch
		affected := batch.Keys()
		buffer := s.remoteDocuments.NewChangeBuffer()
		if err := s.mutationQueue.AcknowledgeBatch(txn, batch, result.StreamToken); err != nil {
			return err
		}
		if err := s.applyWriteToRemoteDocuments(txn, result, buffer); err != nil {
			return err
		}
		if err := buffer.Apply(txn); err != nil {
			return err
		}
		if err := s.mutationQueue.PerformConsistencyCheck(txn); err != nil {
			return err
		}
		if err := s.overlayCache.RemoveOverlaysForBatchID(txn, affected, batch.BatchID); err != nil {
			return err
		}
		// Server transform results may differ from the local estimate later batches were
		// computed against.
		if err := s.localDocuments.RecalculateAndSaveOverlaysForDocumentKeys(txn, keysWithTransformResults(result)); err != nil {
			return err
		}
		var err error
		docs, err = s.localDocuments.GetDocuments(txn, affected)
		return err
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func keysWithTransformResults(result *model.MutationBatchResult) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for i, r := range result.MutationResults {
		if len(r.TransformResults) > 0 {
			keys.Add(result.Batch.Mutations[i].Key)
		}
	}
	return keys
}

func (s *LocalStore) applyWriteToRemoteDocuments(txn *persistence.Transaction, result *model.MutationBatchResult, buffer *persistence.RemoteDocumentChangeBuffer) error {
	batch := result.Batch
	for key := range batch.Keys() {
		doc, err := buffer.GetEntry(txn, key)
		if err != nil {
			return err
		}
		ackVersion, ok := result.DocVersions[key]
		if !ok {
			return fmt.Errorf("acknowledge batch %d: no version for %s: %w", batch.BatchID, key, constants.ErrInconsistentState)
		}
		if doc.Version().Before(ackVersion) {
			if err := batch.ApplyToRemoteDocument(doc, result); err != nil {
				return err
			}
			if doc.IsValidDocument() {
				doc.SetReadTime(result.CommitVersion)
				buffer.AddEntry(doc)
			}
		}
	}
	return s.mutationQueue.RemoveMutationBatch(txn, batch)
}

// RejectBatch drops a batch the server refused and returns the new local view of its
// documents.
func (s *LocalStore) RejectBatch(batchID model.BatchID) (model.DocumentMap, error) {
	var docs model.DocumentMap
	err := s.persistence.RunTransaction("Reject batch", persistence.ReadWritePrimary, func(txn *persistence.Transaction) error {
		batch, err := s.mutationQueue.LookupMutationBatch(txn, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return fmt.Errorf("reject batch %d: %w", batchID, constants.ErrBatchNotFound)
		}
		if err := s.mutationQueue.RemoveMutationBatch(txn, batch); err != nil {
			return err
		}
		if err := s.mutationQueue.PerformConsistencyCheck(txn); err != nil {
			return err
		}
		keys := batch.Keys()
		if err := s.overlayCache.RemoveOverlaysForBatchID(txn, keys, batchID); err != nil {
			return err
		}
		if err := s.localDocuments.RecalculateAndSaveOverlaysForDocumentKeys(txn, keys); err != nil {
			return err
		}
		docs, err = s.localDocuments.GetDocuments(txn, keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// GetHighestUnacknowledgedBatchID returns model.BatchIDUnknown when no write is pending.
func (s *LocalStore) GetHighestUnacknowledgedBatchID() (model.BatchID, error) {
	var id model.BatchID
	err := s.persistence.RunTransaction("Get highest unacknowledged batch id", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		id, err = s.mutationQueue.HighestUnacknowledgedBatchID(txn)
		return err
	})
	return id, err
}

func (s *LocalStore) GetLastStreamToken() ([]byte, error) {
	var token []byte
	err := s.persistence.RunTransaction("Get last stream token", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		token, err = s.mutationQueue.LastStreamToken(txn)
		return err
	})
	return token, err
}

func (s *LocalStore) SetLastStreamToken(token []byte) error {
	return s.persistence.RunTransaction("Set last stream token", persistence.ReadWritePrimary, func(txn *persistence.Transaction) error {
		return s.mutationQueue.SetLastStreamToken(txn, token)
	})
}

// GetLastRemoteSnapshotVersion is the version of the last remote event applied.
func (s *LocalStore) GetLastRemoteSnapshotVersion() (model.SnapshotVersion, error) {
	var version model.SnapshotVersion
	err := s.persistence.RunTransaction("Get last remote snapshot version", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		version, err = s.targetCache.LastRemoteSnapshotVersion(txn)
		return err
	})
	return version, err
}

// ApplyRemoteEvent persists a consistent snapshot from the watch stream and returns the
// new local view of every document it changed.
func (s *LocalStore) ApplyRemoteEvent(event *remote.RemoteEvent) (model.DocumentMap, error) {
	remoteVersion := event.SnapshotVersion
	newTargetData := make(map[model.TargetID]*model.TargetData, len(s.targetDataByTarget))
	for id, td := range s.targetDataByTarget {
		newTargetData[id] = td
	}

	var docs model.DocumentMap
	err := s.persistence.RunTransaction("Apply remote event", persistence.ReadWritePrimary, func(txn *persistence.Transaction) error {
		buffer := s.remoteDocuments.NewChangeBuffer()
		seq := txn.CurrentSequenceNumber()

		for targetID, change := range event.TargetChanges {
			old, ok := s.targetDataByTarget[targetID]
			if !ok {
				// The target was released while the event was in flight.
				continue
			}
			if err := s.targetCache.RemoveMatchingKeys(txn, change.RemovedDocuments, targetID); err != nil {
				return err
			}
			if err := s.targetCache.AddMatchingKeys(txn, change.AddedDocuments, targetID); err != nil {
				return err
			}

			updated := old.WithSequenceNumber(seq)
			_, mismatch := event.TargetMismatches[targetID]
			switch {
			case mismatch:
				// The target's documents are re-sent from scratch; the old token and the
				// previous results must not be reused.
				updated = updated.WithResumeToken(nil, model.MinVersion).
					WithLastLimboFreeSnapshotVersion(model.MinVersion)
			case len(change.ResumeToken) > 0:
				updated = updated.WithResumeToken(change.ResumeToken, remoteVersion)
			}
			newTargetData[targetID] = updated

			if mismatch || shouldPersistTargetData(old, updated, change) {
				if err := s.targetCache.UpdateTargetData(txn, updated); err != nil {
					return err
				}
			}
		}

		for key := range event.DocumentUpdates {
			if event.ResolvedLimboDocuments.Has(key) {
				if err := s.persistence.ReferenceDelegate().UpdateLimboDocument(txn, key); err != nil {
					return err
				}
			}
		}
		changed, existenceChanged, err := s.populateDocumentChangeBuffer(txn, buffer, event.DocumentUpdates, remoteVersion)
		if err != nil {
			return err
		}

		if !remoteVersion.IsMin() {
			last, err := s.targetCache.LastRemoteSnapshotVersion(txn)
			if err != nil {
				return err
			}
			if remoteVersion.Before(last) {
				return fmt.Errorf("remote event version %s is older than %s: %w", remoteVersion, last, constants.ErrInconsistentState)
			}
			if err := s.targetCache.SetTargetsMetadata(txn, seq, remoteVersion); err != nil {
				return err
			}
		}
		if err := buffer.Apply(txn); err != nil {
			return err
		}
		docs, err = s.localDocuments.GetLocalViewOfDocuments(txn, changed, existenceChanged)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.targetDataByTarget = newTargetData
	return docs, nil
}

// shouldPersistTargetData limits writes of target data that only carry a newer resume
// token. The token is written when the target had none, when the stored one is old, or
// when documents changed anyway.
func shouldPersistTargetData(old, updated *model.TargetData, change *remote.TargetChange) bool {
	if len(updated.ResumeToken) == 0 {
		return false
	}
	if len(old.ResumeToken) == 0 {
		return true
	}
	if updated.SnapshotVersion.Timestamp.Sub(old.SnapshotVersion.Timestamp) >= constants.ResumeTokenMaxAge {
		return true
	}
	return change.AddedDocuments.Len()+change.ModifiedDocuments.Len()+change.RemovedDocuments.Len() > 0
}

// populateDocumentChangeBuffer writes the remote documents that are newer than the cached
// ones into buffer. It returns the changed documents and the keys whose existence flipped.
func (s *LocalStore) populateDocumentChangeBuffer(
	txn *persistence.Transaction,
	buffer *persistence.RemoteDocumentChangeBuffer,
	documents model.DocumentMap,
	readTime model.SnapshotVersion,
) (model.DocumentMap, model.DocumentKeySet, error) {
	changed := model.DocumentMap{}
	existenceChanged := model.NewDocumentKeySet()
	existing, err := buffer.GetEntries(txn, documents.Keys())
	if err != nil {
		return nil, nil, err
	}

	for key, doc := range documents {
		cached := existing[key]
		if doc.IsFoundDocument() != cached.IsFoundDocument() {
			existenceChanged.Add(key)
		}
		if doc.ReadTime().IsMin() && !readTime.IsMin() {
			doc.SetReadTime(readTime)
		}

		switch {
		case doc.IsNoDocument() && doc.Version().IsMin():
			// A deleted document at the min version is synthesized when the client lost
			// access to it. The cached copy must go.
			buffer.RemoveEntry(key)
			changed[key] = doc
		case !cached.IsValidDocument() ||
			doc.Version().After(cached.Version()) ||
			(doc.Version().Equal(cached.Version()) && cached.HasPendingWrites()):
			if doc.ReadTime().IsMin() {
				return nil, nil, fmt.Errorf("document %s has no read time: %w", key, constants.ErrInconsistentState)
			}
			buffer.AddEntry(doc)
			changed[key] = doc
		default:
			s.logger.Debug("ignoring outdated remote document",
				"key", key.String(), "cachedVersion", cached.Version(), "version", doc.Version())
		}
	}
	return changed, existenceChanged, nil
}

// NotifyLocalViewChanges records which documents the views show so they are not
// collected, and advances the limbo-free version of views that are in sync.
func (s *LocalStore) NotifyLocalViewChanges(changes []LocalViewChanges) error {
	err := s.persistence.RunTransaction("Notify local view changes", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		delegate := s.persistence.ReferenceDelegate()
		for _, vc := range changes {
			id := int(vc.TargetID)
			for key := range vc.AddedKeys {
				s.localViewReferences.AddReference(key, id)
				txn.OnRollback(func() { s.localViewReferences.RemoveReference(key, id) })
				if err := delegate.AddReference(txn, vc.TargetID, key); err != nil {
					return err
				}
			}
			for key := range vc.RemovedKeys {
				s.localViewReferences.RemoveReference(key, id)
				txn.OnRollback(func() { s.localViewReferences.AddReference(key, id) })
				if err := delegate.RemoveReference(txn, vc.TargetID, key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, vc := range changes {
		if vc.FromCache {
			continue
		}
		td, ok := s.targetDataByTarget[vc.TargetID]
		if !ok {
			continue
		}
		s.targetDataByTarget[vc.TargetID] = td.WithLastLimboFreeSnapshotVersion(td.SnapshotVersion)
	}
	return nil
}

// NextMutationBatch returns the first pending batch after afterBatchID, or nil.
func (s *LocalStore) NextMutationBatch(afterBatchID model.BatchID) (*model.MutationBatch, error) {
	var batch *model.MutationBatch
	err := s.persistence.RunTransaction("Get next mutation batch", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		batch, err = s.mutationQueue.NextMutationBatchAfterBatchID(txn, afterBatchID)
		return err
	})
	return batch, err
}

// ReadDocument returns the local view of key.
func (s *LocalStore) ReadDocument(key model.DocumentKey) (*model.MutableDocument, error) {
	var doc *model.MutableDocument
	err := s.persistence.RunTransaction("Read document", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		doc, err = s.localDocuments.GetDocument(txn, key)
		return err
	})
	return doc, err
}

// AllocateTarget assigns a target id to target, reusing the cached target data when the
// target was listened to before.
func (s *LocalStore) AllocateTarget(target *model.Target) (*model.TargetData, error) {
	var data *model.TargetData
	err := s.persistence.RunTransaction("Allocate target", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		cached, err := s.targetCache.GetTargetData(txn, target)
		if err != nil {
			return err
		}
		if cached != nil {
			data = cached
			return nil
		}
		id, err := s.targetCache.AllocateTargetID(txn)
		if err != nil {
			return err
		}
		data = model.NewTargetData(target, id, model.PurposeListen, txn.CurrentSequenceNumber())
		return s.targetCache.AddTargetData(txn, data)
	})
	if err != nil {
		return nil, err
	}

	// A target allocated twice keeps its newest in-memory state.
	if _, ok := s.targetDataByTarget[data.TargetID]; !ok {
		s.targetDataByTarget[data.TargetID] = data
		s.targetIDByTarget[target.CanonicalID()] = data.TargetID
	}
	return data, nil
}

// GetTargetData returns the data of an active or cached target, or nil.
func (s *LocalStore) GetTargetData(target *model.Target) (*model.TargetData, error) {
	var data *model.TargetData
	err := s.persistence.RunTransaction("Get target data", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		data, err = s.getTargetData(txn, target)
		return err
	})
	return data, err
}

func (s *LocalStore) getTargetData(txn *persistence.Transaction, target *model.Target) (*model.TargetData, error) {
	if id, ok := s.targetIDByTarget[target.CanonicalID()]; ok {
		return s.targetDataByTarget[id], nil
	}
	return s.targetCache.GetTargetData(txn, target)
}

// ReleaseTarget stops tracking an active target. Unless keepPersistedTargetData is set,
// the target and the documents only it referenced become eligible for collection.
func (s *LocalStore) ReleaseTarget(targetID model.TargetID, keepPersistedTargetData bool) error {
	data, ok := s.targetDataByTarget[targetID]
	if !ok {
		return fmt.Errorf("release target %d: %w", targetID, constants.ErrTargetNotFound)
	}
	mode := persistence.ReadWritePrimary
	if keepPersistedTargetData {
		mode = persistence.ReadWrite
	}
	err := s.persistence.RunTransaction("Release target", mode, func(txn *persistence.Transaction) error {
		delegate := s.persistence.ReferenceDelegate()
		removed := s.localViewReferences.RemoveReferencesForID(int(targetID))
		txn.OnRollback(func() { s.localViewReferences.AddReferences(removed, int(targetID)) })
		for key := range removed {
			if err := delegate.RemoveReference(txn, targetID, key); err != nil {
				return err
			}
		}
		if keepPersistedTargetData {
			return nil
		}
		return delegate.RemoveTarget(txn, data)
	})
	if err != nil {
		return err
	}
	delete(s.targetDataByTarget, targetID)
	delete(s.targetIDByTarget, data.Target.CanonicalID())
	return nil
}

// ExecuteQuery runs query against the local cache. With usePreviousResults the keys the
// target matched when it was last limbo-free seed the evaluation.
func (s *LocalStore) ExecuteQuery(query model.Query, usePreviousResults bool) (*QueryResult, error) {
	result := &QueryResult{RemoteKeys: model.NewDocumentKeySet()}
	err := s.persistence.RunTransaction("Execute query", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		data, err := s.getTargetData(txn, query.ToTarget())
		if err != nil {
			return err
		}
		lastLimboFree := model.MinVersion
		if data != nil {
			lastLimboFree = data.LastLimboFreeSnapshotVersion
			if result.RemoteKeys, err = s.targetCache.MatchingKeysForTargetID(txn, data.TargetID); err != nil {
				return err
			}
		}
		previousVersion, previousKeys := model.MinVersion, model.NewDocumentKeySet()
		if usePreviousResults {
			previousVersion, previousKeys = lastLimboFree, result.RemoteKeys
		}
		result.Documents, err = s.queryEngine.GetDocumentsMatchingQuery(txn, query, previousVersion, previousKeys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetRemoteDocumentKeys returns the keys the server reported for targetID.
func (s *LocalStore) GetRemoteDocumentKeys(targetID model.TargetID) (model.DocumentKeySet, error) {
	var keys model.DocumentKeySet
	err := s.persistence.RunTransaction("Get remote document keys", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		keys, err = s.targetCache.MatchingKeysForTargetID(txn, targetID)
		return err
	})
	return keys, err
}

// CollectGarbage runs an LRU collection. Active targets are never collected.
func (s *LocalStore) CollectGarbage(gc *persistence.LruGarbageCollector) (persistence.LruResults, error) {
	active := make(map[model.TargetID]bool, len(s.targetDataByTarget))
	for id := range s.targetDataByTarget {
		active[id] = true
	}
	var results persistence.LruResults
	err := s.persistence.RunTransaction("Collect garbage", persistence.ReadWritePrimary, func(txn *persistence.Transaction) error {
		var err error
		results, err = gc.Collect(txn, active)
		return err
	})
	return results, err
}

// ConfigureFieldIndexes replaces the client-side field indexes with indexes.
func (s *LocalStore) ConfigureFieldIndexes(indexes []*model.FieldIndex) error {
	return s.persistence.RunTransaction("Configure indexes", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		existing, err := s.indexManager.FieldIndexes(txn, "")
		if err != nil {
			return err
		}
		wanted := make(map[string]*model.FieldIndex, len(indexes))
		for _, idx := range indexes {
			wanted[idx.SemanticKey()] = idx
		}
		have := make(map[string]bool, len(existing))
		for _, idx := range existing {
			key := idx.SemanticKey()
			have[key] = true
			if _, ok := wanted[key]; ok {
				continue
			}
			if err := s.indexManager.DeleteFieldIndex(txn, idx); err != nil {
				return err
			}
		}
		for key, idx := range wanted {
			if have[key] {
				continue
			}
			if err := s.indexManager.AddFieldIndex(txn, idx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LocalStore) DeleteAllFieldIndexes() error {
	return s.persistence.RunTransaction("Delete all indexes", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		return s.indexManager.DeleteAllFieldIndexes(txn)
	})
}

func (s *LocalStore) SetIndexAutoCreationEnabled(enabled bool) {
	s.queryEngine.SetIndexAutoCreationEnabled(enabled)
}
