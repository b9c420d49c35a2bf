// Package persistence defines the transactional storage contract of the local cache and
// an in-memory implementation of it.
//
// Every store method takes the *Transaction it runs in. Only the async queue opens
// transactions, and transactions never overlap.
package persistence

import (
	"errors"
	"fmt"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/model"
)

// TransactionMode declares what a transaction may do.
type TransactionMode int

const (
	ReadOnly TransactionMode = iota
	ReadWrite
	// ReadWritePrimary is required by operations that only the primary client may run.
	ReadWritePrimary
)

func (m TransactionMode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case ReadWritePrimary:
		return "readwrite-primary"
	}
	return "unknown"
}

// Persistence is a storage backend for the local cache.
type Persistence interface {
	Start() error
	Shutdown() error
	Started() bool

	ReferenceDelegate() ReferenceDelegate
	MutationQueue(user credentials.User, indexManager IndexManager) MutationQueue
	DocumentOverlayCache(user credentials.User) DocumentOverlayCache
	RemoteDocumentCache() RemoteDocumentCache
	TargetCache() TargetCache
	BundleCache() BundleCache
	IndexManager(user credentials.User) IndexManager

	// RunTransaction runs fn atomically. If fn or the commit fails, nothing fn wrote is
	// kept and the error is returned wrapped in a *TransactionError.
	RunTransaction(label string, mode TransactionMode, fn func(txn *Transaction) error) error
}

// Transaction is the handle every store operation runs under.
type Transaction struct {
	Label string
	Mode  TransactionMode

	sequenceNumber model.ListenSequenceNumber
	undo           []func()
	onCommitted    []func()
}

func newTransaction(label string, mode TransactionMode) *Transaction {
	return &Transaction{Label: label, Mode: mode, sequenceNumber: model.ListenSequenceInvalid}
}

// CurrentSequenceNumber is the LRU sequence number stamped on everything the
// transaction touches.
func (t *Transaction) CurrentSequenceNumber() model.ListenSequenceNumber {
	return t.sequenceNumber
}

// OnRollback registers fn to undo a write. Undo functions run in reverse order.
func (t *Transaction) OnRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

// AddOnCommittedListener registers fn to run after a successful commit.
func (t *Transaction) AddOnCommittedListener(fn func()) {
	t.onCommitted = append(t.onCommitted, fn)
}

func (t *Transaction) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.onCommitted = nil
}

func (t *Transaction) commit() {
	t.undo = nil
	for _, fn := range t.onCommitted {
		fn()
	}
	t.onCommitted = nil
}

// TransactionError is returned by RunTransaction when a transaction did not commit.
type TransactionError struct {
	Label string
	Err   error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %q failed: %v", e.Label, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is transient contention that a retry may resolve.
func IsRetryable(err error) bool {
	return errors.Is(err, constants.ErrContention)
}

// RemoteDocumentCache holds the last known server state of documents.
type RemoteDocumentCache interface {
	SetIndexManager(im IndexManager)
	// Add stores doc, read at readTime. The document must be valid.
	Add(txn *Transaction, doc *model.MutableDocument, readTime model.SnapshotVersion) error
	RemoveEntry(txn *Transaction, key model.DocumentKey) error
	// GetEntry returns an invalid document when key is not cached.
	GetEntry(txn *Transaction, key model.DocumentKey) (*model.MutableDocument, error)
	GetEntries(txn *Transaction, keys model.DocumentKeySet) (model.DocumentMap, error)
	// GetAllFromCollection returns the documents directly in collection that were read
	// after offset.
	GetAllFromCollection(txn *Transaction, collection model.ResourcePath, offset model.IndexOffset) (model.DocumentMap, error)
	// GetAllFromCollectionGroup returns up to limit documents of the group read after
	// offset, in read-time order.
	GetAllFromCollectionGroup(txn *Transaction, group string, offset model.IndexOffset, limit int) (model.DocumentMap, error)
	// GetDocumentsMatchingQuery returns documents read after offset that match query, plus
	// any document in mutatedKeys under the query's collection regardless of match. Every
	// document scanned is counted in ctx, which may be nil.
	GetDocumentsMatchingQuery(txn *Transaction, query model.Query, offset model.IndexOffset, mutatedKeys model.DocumentKeySet, ctx *QueryContext) (model.DocumentMap, error)
	ForEachDocumentKey(txn *Transaction, fn func(model.DocumentKey) error) error
	// Size is the approximate byte size of all cached entries.
	Size(txn *Transaction) (int64, error)
	NewChangeBuffer() *RemoteDocumentChangeBuffer
}

// QueryContext collects statistics about one local query execution.
type QueryContext struct {
	// DocumentReadCount is the number of documents read from the remote document cache.
	DocumentReadCount int
}

// MutationQueue stores the pending writes of one user, ordered by batch id.
type MutationQueue interface {
	IsEmpty(txn *Transaction) (bool, error)
	AddMutationBatch(txn *Transaction, localWriteTime model.Timestamp, baseMutations, mutations []model.Mutation) (*model.MutationBatch, error)
	// LookupMutationBatch returns nil when the batch does not exist.
	LookupMutationBatch(txn *Transaction, batchID model.BatchID) (*model.MutationBatch, error)
	// NextMutationBatchAfterBatchID returns the first batch with an id greater than
	// batchID, or nil.
	NextMutationBatchAfterBatchID(txn *Transaction, batchID model.BatchID) (*model.MutationBatch, error)
	HighestUnacknowledgedBatchID(txn *Transaction) (model.BatchID, error)
	AllMutationBatches(txn *Transaction) ([]*model.MutationBatch, error)
	AllMutationBatchesAffectingDocumentKey(txn *Transaction, key model.DocumentKey) ([]*model.MutationBatch, error)
	AllMutationBatchesAffectingDocumentKeys(txn *Transaction, keys model.DocumentKeySet) ([]*model.MutationBatch, error)
	AllMutationBatchesAffectingQuery(txn *Transaction, query model.Query) ([]*model.MutationBatch, error)
	// RemoveMutationBatch removes batch, which must be the oldest batch of the queue.
	RemoveMutationBatch(txn *Transaction, batch *model.MutationBatch) error
	AcknowledgeBatch(txn *Transaction, batch *model.MutationBatch, streamToken []byte) error
	LastStreamToken(txn *Transaction) ([]byte, error)
	SetLastStreamToken(txn *Transaction, token []byte) error
	ContainsKey(txn *Transaction, key model.DocumentKey) (bool, error)
	PerformConsistencyCheck(txn *Transaction) error
}

// DocumentOverlayCache stores at most one overlay per document for one user.
type DocumentOverlayCache interface {
	// GetOverlay returns nil when key has no overlay.
	GetOverlay(txn *Transaction, key model.DocumentKey) (*model.Overlay, error)
	GetOverlays(txn *Transaction, keys model.DocumentKeySet) (model.OverlayMap, error)
	// SaveOverlays replaces the overlays of the keys in overlays.
	SaveOverlays(txn *Transaction, largestBatchID model.BatchID, overlays model.MutationMap) error
	RemoveOverlaysForBatchID(txn *Transaction, keys model.DocumentKeySet, batchID model.BatchID) error
	// GetOverlaysForCollection returns overlays directly in collection whose batch id is
	// greater than sinceBatchID.
	GetOverlaysForCollection(txn *Transaction, collection model.ResourcePath, sinceBatchID model.BatchID) (model.OverlayMap, error)
	// GetOverlaysForCollectionGroup returns whole batches of overlays, in batch id order,
	// until at least count overlays were collected.
	GetOverlaysForCollectionGroup(txn *Transaction, group string, sinceBatchID model.BatchID, count int) (model.OverlayMap, error)
}

// TargetCache stores target data and the documents each target matches on the server.
type TargetCache interface {
	LastRemoteSnapshotVersion(txn *Transaction) (model.SnapshotVersion, error)
	HighestSequenceNumber(txn *Transaction) (model.ListenSequenceNumber, error)
	AllocateTargetID(txn *Transaction) (model.TargetID, error)
	SetTargetsMetadata(txn *Transaction, highestSequenceNumber model.ListenSequenceNumber, lastRemoteSnapshotVersion model.SnapshotVersion) error
	AddTargetData(txn *Transaction, data *model.TargetData) error
	UpdateTargetData(txn *Transaction, data *model.TargetData) error
	RemoveTargetData(txn *Transaction, data *model.TargetData) error
	// RemoveTargets deletes targets last used at or before upperBound that are not in
	// activeTargetIDs, and returns how many were removed.
	RemoveTargets(txn *Transaction, upperBound model.ListenSequenceNumber, activeTargetIDs map[model.TargetID]bool) (int, error)
	TargetCount(txn *Transaction) (int, error)
	// GetTargetData returns nil if target is not cached.
	GetTargetData(txn *Transaction, target *model.Target) (*model.TargetData, error)
	ForEachTarget(txn *Transaction, fn func(*model.TargetData)) error
	AddMatchingKeys(txn *Transaction, keys model.DocumentKeySet, targetID model.TargetID) error
	RemoveMatchingKeys(txn *Transaction, keys model.DocumentKeySet, targetID model.TargetID) error
	RemoveMatchingKeysForTargetID(txn *Transaction, targetID model.TargetID) error
	MatchingKeysForTargetID(txn *Transaction, targetID model.TargetID) (model.DocumentKeySet, error)
	ContainsKey(txn *Transaction, key model.DocumentKey) (bool, error)
}

// BundleCache stores loaded bundle metadata and named queries.
type BundleCache interface {
	GetBundleMetadata(txn *Transaction, bundleID string) (*model.BundleMetadata, error)
	SaveBundleMetadata(txn *Transaction, metadata model.BundleMetadata) error
	GetNamedQuery(txn *Transaction, name string) (*model.NamedQuery, error)
	SaveNamedQuery(txn *Transaction, query model.NamedQuery) error
}

// IndexType says how well a stored field index serves a target.
type IndexType int

const (
	IndexTypeNone IndexType = iota
	// IndexTypePartial indexes some of the target's fields; results need filtering and
	// cannot be limited by the index.
	IndexTypePartial
	IndexTypeFull
)

// IndexManager maintains the collection parent index and client-side field indexes.
type IndexManager interface {
	AddToCollectionParentIndex(txn *Transaction, collectionPath model.ResourcePath) error
	CollectionParents(txn *Transaction, collectionID string) ([]model.ResourcePath, error)

	AddFieldIndex(txn *Transaction, index *model.FieldIndex) error
	DeleteFieldIndex(txn *Transaction, index *model.FieldIndex) error
	DeleteAllFieldIndexes(txn *Transaction) error
	// FieldIndexes returns the indexes of group, or all indexes for "".
	FieldIndexes(txn *Transaction, group string) ([]*model.FieldIndex, error)
	// CreateTargetIndexes adds an index that fully serves target if none exists.
	CreateTargetIndexes(txn *Transaction, target *model.Target) error
	IndexType(txn *Transaction, target *model.Target) (IndexType, error)
	// DocumentsMatchingTarget returns candidate keys from the best index for target, or
	// nil when no index applies. A partial index ignores the target's limit.
	DocumentsMatchingTarget(txn *Transaction, target *model.Target) ([]model.DocumentKey, error)
	// MinOffset is the backfill position of the index used for target.
	MinOffset(txn *Transaction, target *model.Target) (model.IndexOffset, error)
	MinOffsetFromCollectionGroup(txn *Transaction, group string) (model.IndexOffset, error)
	// NextCollectionGroupToUpdate returns the least recently backfilled group, or "".
	NextCollectionGroupToUpdate(txn *Transaction) (string, error)
	UpdateCollectionGroup(txn *Transaction, group string, offset model.IndexOffset) error
	UpdateIndexEntries(txn *Transaction, docs model.DocumentMap) error
}

// ReferenceDelegate decides when cached documents and targets become garbage.
type ReferenceDelegate interface {
	// AddInMemoryPins registers references that keep documents alive without being
	// persisted, such as those held by local views.
	AddInMemoryPins(refs *ReferenceSet)
	AddReference(txn *Transaction, targetID model.TargetID, key model.DocumentKey) error
	RemoveReference(txn *Transaction, targetID model.TargetID, key model.DocumentKey) error
	RemoveTarget(txn *Transaction, data *model.TargetData) error
	// RemoveMutationReference is called for each key of a removed mutation batch.
	RemoveMutationReference(txn *Transaction, key model.DocumentKey) error
	UpdateLimboDocument(txn *Transaction, key model.DocumentKey) error
	OnTransactionStarted(txn *Transaction)
	OnTransactionCommitted(txn *Transaction) error
}
