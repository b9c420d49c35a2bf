package local

import (
	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/persistence"
)

// QueryEngine picks the cheapest way to answer a query from the local cache: a field
// index, the results the target had when it was last limbo-free, or a full scan of the
// query's collection.
//
// Results are a superset of the final view: the caller applies the limit.
type QueryEngine struct {
	localDocuments *LocalDocumentsView
	indexManager   persistence.IndexManager
	logger         logger.Logger

	indexAutoCreationEnabled           bool
	indexAutoCreationMinCollectionSize int
	relativeIndexReadCostPerDocument   float64
}

func NewQueryEngine(log logger.Logger) *QueryEngine {
	if log == nil {
		log = logger.Discard
	}
	return &QueryEngine{
		logger:                             log,
		indexAutoCreationMinCollectionSize: constants.DefaultIndexAutoCreationMinCollectionSize,
		relativeIndexReadCostPerDocument:   constants.DefaultRelativeIndexReadCostPerDocument,
	}
}

// Initialize binds the engine to the current user's stores. It is called again on user
// change.
func (e *QueryEngine) Initialize(localDocuments *LocalDocumentsView, indexManager persistence.IndexManager) {
	e.localDocuments = localDocuments
	e.indexManager = indexManager
}

func (e *QueryEngine) SetIndexAutoCreationEnabled(enabled bool) {
	e.indexAutoCreationEnabled = enabled
}

// SetIndexAutoCreationMinCollectionSize is the number of documents a full scan must read
// before an index is considered.
func (e *QueryEngine) SetIndexAutoCreationMinCollectionSize(n int) {
	e.indexAutoCreationMinCollectionSize = n
}

func (e *QueryEngine) SetRelativeIndexReadCostPerDocument(cost float64) {
	e.relativeIndexReadCostPerDocument = cost
}

// GetDocumentsMatchingQuery returns the documents that match query. remoteKeys are the
// keys the target matched at lastLimboFreeSnapshotVersion.
func (e *QueryEngine) GetDocumentsMatchingQuery(
	txn *persistence.Transaction,
	query model.Query,
	lastLimboFreeSnapshotVersion model.SnapshotVersion,
	remoteKeys model.DocumentKeySet,
) (model.DocumentMap, error) {
	if docs, err := e.performQueryUsingIndex(txn, query); err != nil || docs != nil {
		return docs, err
	}
	if docs, err := e.performQueryUsingRemoteKeys(txn, query, remoteKeys, lastLimboFreeSnapshotVersion); err != nil || docs != nil {
		return docs, err
	}

	ctx := &persistence.QueryContext{}
	docs, err := e.executeFullCollectionScan(txn, query, ctx)
	if err != nil {
		return nil, err
	}
	if e.indexAutoCreationEnabled {
		if err := e.createCacheIndexes(txn, query, ctx, len(docs)); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (e *QueryEngine) createCacheIndexes(txn *persistence.Transaction, query model.Query, ctx *persistence.QueryContext, resultSize int) error {
	if ctx.DocumentReadCount < e.indexAutoCreationMinCollectionSize {
		e.logger.Debug("skipping index creation; collection too small",
			"query", query.CanonicalID(), "read", ctx.DocumentReadCount)
		return nil
	}
	if float64(ctx.DocumentReadCount) <= e.relativeIndexReadCostPerDocument*float64(resultSize) {
		return nil
	}
	e.logger.Debug("creating index for query",
		"query", query.CanonicalID(), "read", ctx.DocumentReadCount, "results", resultSize)
	return e.indexManager.CreateTargetIndexes(txn, query.ToTarget())
}

func (e *QueryEngine) performQueryUsingIndex(txn *persistence.Transaction, query model.Query) (model.DocumentMap, error) {
	if query.MatchesAllDocuments() {
		return nil, nil
	}
	target := query.ToTarget()
	indexType, err := e.indexManager.IndexType(txn, target)
	if err != nil || indexType == persistence.IndexTypeNone {
		return nil, err
	}
	if query.HasLimit() && indexType == persistence.IndexTypePartial {
		// A partial index cannot apply the limit; query without it and let the view trim.
		return e.performQueryUsingIndex(txn, query.WithLimitToFirst(model.NoLimit))
	}

	keys, err := e.indexManager.DocumentsMatchingTarget(txn, target)
	if err != nil || keys == nil {
		return nil, err
	}
	keySet := model.NewDocumentKeySet(keys...)
	indexed, err := e.localDocuments.GetDocuments(txn, keySet)
	if err != nil {
		return nil, err
	}
	offset, err := e.indexManager.MinOffset(txn, target)
	if err != nil {
		return nil, err
	}
	previous := applyQuery(query, indexed)
	if needsRefill(query, previous, keySet, offset.ReadTime) {
		return e.performQueryUsingIndex(txn, query.WithLimitToFirst(model.NoLimit))
	}
	return e.appendRemainingResults(txn, previous, query, offset)
}

func (e *QueryEngine) performQueryUsingRemoteKeys(
	txn *persistence.Transaction,
	query model.Query,
	remoteKeys model.DocumentKeySet,
	lastLimboFreeSnapshotVersion model.SnapshotVersion,
) (model.DocumentMap, error) {
	if query.MatchesAllDocuments() || lastLimboFreeSnapshotVersion.IsMin() {
		return nil, nil
	}
	docs, err := e.localDocuments.GetDocuments(txn, remoteKeys)
	if err != nil {
		return nil, err
	}
	previous := applyQuery(query, docs)
	if needsRefill(query, previous, remoteKeys, lastLimboFreeSnapshotVersion) {
		return nil, nil
	}
	e.logger.Debug("re-using previous result",
		"query", query.CanonicalID(), "version", lastLimboFreeSnapshotVersion)
	return e.appendRemainingResults(txn, previous, query, model.IndexOffsetForReadTime(lastLimboFreeSnapshotVersion))
}

func (e *QueryEngine) executeFullCollectionScan(txn *persistence.Transaction, query model.Query, ctx *persistence.QueryContext) (model.DocumentMap, error) {
	e.logger.Debug("using full collection scan", "query", query.CanonicalID())
	return e.localDocuments.GetDocumentsMatchingQuery(txn, query, model.IndexOffsetNone, ctx)
}

// appendRemainingResults adds the documents that changed after offset to indexed.
func (e *QueryEngine) appendRemainingResults(txn *persistence.Transaction, indexed *model.DocumentSet, query model.Query, offset model.IndexOffset) (model.DocumentMap, error) {
	remaining, err := e.localDocuments.GetDocumentsMatchingQuery(txn, query, offset, nil)
	if err != nil {
		return nil, err
	}
	for _, doc := range indexed.Documents() {
		remaining[doc.Key()] = doc
	}
	return remaining, nil
}

// applyQuery keeps the documents of docs that match query, sorted by the query.
func applyQuery(query model.Query, docs model.DocumentMap) *model.DocumentSet {
	out := model.NewDocumentSet(query.Comparator())
	for _, doc := range docs {
		if query.Matches(doc) {
			out.Add(doc)
		}
	}
	return out
}

// needsRefill reports whether a limit query's previous results can no longer be trusted:
// a document left the result set, or the document at the limit edge changed after the
// results were computed. Either way documents beyond the old limit may now belong in it.
func needsRefill(query model.Query, sortedPrevious *model.DocumentSet, remoteKeys model.DocumentKeySet, limboFreeVersion model.SnapshotVersion) bool {
	if !query.HasLimit() {
		return false
	}
	if remoteKeys.Len() != sortedPrevious.Len() {
		return true
	}
	edge := sortedPrevious.Last()
	if query.LimitType == model.LimitToLast {
		edge = sortedPrevious.First()
	}
	if edge == nil {
		return false
	}
	return edge.HasPendingWrites() || edge.Version().After(limboFreeVersion)
}
