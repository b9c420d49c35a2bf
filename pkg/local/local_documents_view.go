// Package local owns the client's local cache: it combines the persisted server state
// with pending writes, runs queries against the cache and applies remote events.
package local

import (
	"sort"

	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/persistence"
)

// LocalDocumentsView is the local view of documents: the remote document cache with the
// user's pending writes applied through their overlays.
type LocalDocumentsView struct {
	remoteDocuments persistence.RemoteDocumentCache
	mutationQueue   persistence.MutationQueue
	overlayCache    persistence.DocumentOverlayCache
	indexManager    persistence.IndexManager
}

func NewLocalDocumentsView(
	remoteDocuments persistence.RemoteDocumentCache,
	mutationQueue persistence.MutationQueue,
	overlayCache persistence.DocumentOverlayCache,
	indexManager persistence.IndexManager,
) *LocalDocumentsView {
	return &LocalDocumentsView{
		remoteDocuments: remoteDocuments,
		mutationQueue:   mutationQueue,
		overlayCache:    overlayCache,
		indexManager:    indexManager,
	}
}

// GetDocument returns the local view of key. A missing document is an invalid document.
func (v *LocalDocumentsView) GetDocument(txn *persistence.Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	overlay, err := v.overlayCache.GetOverlay(txn, key)
	if err != nil {
		return nil, err
	}
	doc, err := v.baseDocument(txn, key, overlay)
	if err != nil {
		return nil, err
	}
	if overlay != nil {
		overlay.Mutation.ApplyToLocalView(doc, model.NewFieldMask(), model.Now())
	}
	return doc, nil
}

// GetDocuments returns the local view of keys.
func (v *LocalDocumentsView) GetDocuments(txn *persistence.Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	docs, err := v.remoteDocuments.GetEntries(txn, keys)
	if err != nil {
		return nil, err
	}
	return v.GetLocalViewOfDocuments(txn, docs, model.NewDocumentKeySet())
}

// GetLocalViewOfDocuments applies overlays to docs, which the caller has read from the
// remote document cache. Overlays of keys in existenceStateChanged are recomputed
// because a patch applies differently once the base document appears or disappears.
func (v *LocalDocumentsView) GetLocalViewOfDocuments(txn *persistence.Transaction, docs model.DocumentMap, existenceStateChanged model.DocumentKeySet) (model.DocumentMap, error) {
	overlays, err := v.overlayCache.GetOverlays(txn, docs.Keys())
	if err != nil {
		return nil, err
	}
	views, err := v.computeViews(txn, docs, overlays, existenceStateChanged)
	if err != nil {
		return nil, err
	}
	out := make(model.DocumentMap, len(views))
	for k, od := range views {
		out[k] = od.Document
	}
	return out, nil
}

// GetOverlayedDocuments is GetLocalViewOfDocuments that also reports the locally
// mutated fields of every document.
func (v *LocalDocumentsView) GetOverlayedDocuments(txn *persistence.Transaction, docs model.DocumentMap) (map[model.DocumentKey]*model.OverlayedDocument, error) {
	overlays, err := v.overlayCache.GetOverlays(txn, docs.Keys())
	if err != nil {
		return nil, err
	}
	return v.computeViews(txn, docs, overlays, model.NewDocumentKeySet())
}

func (v *LocalDocumentsView) computeViews(txn *persistence.Transaction, docs model.DocumentMap, overlays model.OverlayMap, existenceStateChanged model.DocumentKeySet) (map[model.DocumentKey]*model.OverlayedDocument, error) {
	recalculate := model.DocumentMap{}
	mutatedFields := map[model.DocumentKey]*model.FieldMask{}
	for key, doc := range docs {
		overlay, hasOverlay := overlays[key]
		switch {
		case existenceStateChanged.Has(key) && (!hasOverlay || overlay.Mutation.Kind == model.MutationPatch):
			recalculate[key] = doc
		case hasOverlay:
			mask := overlay.Mutation.FieldMask()
			mutatedFields[key] = mask
			overlay.Mutation.ApplyToLocalView(doc, mask, model.Now())
		default:
			mutatedFields[key] = model.NewFieldMask()
		}
	}
	recalculated, err := v.recalculateAndSaveOverlays(txn, recalculate)
	if err != nil {
		return nil, err
	}
	for k, mask := range recalculated {
		mutatedFields[k] = mask
	}

	out := make(map[model.DocumentKey]*model.OverlayedDocument, len(docs))
	for key, doc := range docs {
		out[key] = &model.OverlayedDocument{Document: doc, MutatedFields: mutatedFields[key]}
	}
	return out, nil
}

// RecalculateAndSaveOverlaysForDocumentKeys rebuilds the overlays of keys from the
// mutation queue.
func (v *LocalDocumentsView) RecalculateAndSaveOverlaysForDocumentKeys(txn *persistence.Transaction, keys model.DocumentKeySet) error {
	docs, err := v.remoteDocuments.GetEntries(txn, keys)
	if err != nil {
		return err
	}
	_, err = v.recalculateAndSaveOverlays(txn, docs)
	return err
}

// recalculateAndSaveOverlays replays the pending batches of every document in docs,
// modifying docs in place, and stores one condensed overlay per document under the
// largest batch id that touched it. It returns the mutated fields per document.
//
// Batches older than the newest one that rewrites a document unconditionally are
// skipped for that document.
func (v *LocalDocumentsView) recalculateAndSaveOverlays(txn *persistence.Transaction, docs model.DocumentMap) (map[model.DocumentKey]*model.FieldMask, error) {
	masks := map[model.DocumentKey]*model.FieldMask{}
	if len(docs) == 0 {
		return masks, nil
	}
	batches, err := v.mutationQueue.AllMutationBatchesAffectingDocumentKeys(txn, docs.Keys())
	if err != nil {
		return nil, err
	}

	byKey := map[model.DocumentKey][]*model.MutationBatch{}
	for _, b := range batches {
		for key := range b.Keys() {
			if _, ok := docs[key]; ok {
				byKey[key] = append(byKey[key], b)
			}
		}
	}

	byLargestBatch := map[model.BatchID]model.DocumentKeySet{}
	for key, keyBatches := range byKey {
		doc := docs[key]
		mask := model.NewFieldMask()
		for _, b := range keyBatches[coveringBatch(key, keyBatches):] {
			mask = b.ApplyToLocalView(doc, mask)
		}
		masks[key] = mask
		largest := keyBatches[len(keyBatches)-1].BatchID
		if byLargestBatch[largest] == nil {
			byLargestBatch[largest] = model.NewDocumentKeySet()
		}
		byLargestBatch[largest].Add(key)
	}

	ids := make([]model.BatchID, 0, len(byLargestBatch))
	for id := range byLargestBatch {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	for _, id := range ids {
		overlays := model.MutationMap{}
		for key := range byLargestBatch[id] {
			if m := model.CalculateOverlayMutation(docs[key], masks[key]); m != nil {
				overlays[key] = *m
			}
		}
		if err := v.overlayCache.SaveOverlays(txn, id, overlays); err != nil {
			return nil, err
		}
	}
	return masks, nil
}

// coveringBatch returns the index of the newest batch whose writes to key do not depend
// on the document state before it, or 0.
func coveringBatch(key model.DocumentKey, batches []*model.MutationBatch) int {
	for i := len(batches) - 1; i > 0; i-- {
		if rewritesDocument(key, batches[i]) {
			return i
		}
	}
	return 0
}

func rewritesDocument(key model.DocumentKey, b *model.MutationBatch) bool {
	for _, m := range b.BaseMutations {
		if m.Key == key {
			return false
		}
	}
	for _, m := range b.Mutations {
		if m.Key != key {
			continue
		}
		if (m.Kind == model.MutationSet || m.Kind == model.MutationDelete) &&
			m.Precondition.IsNone() && len(m.Transforms) == 0 {
			return true
		}
	}
	return false
}

// GetDocumentsMatchingQuery runs query against the local view. Documents read before
// offset are skipped unless they have pending writes. ctx may be nil.
func (v *LocalDocumentsView) GetDocumentsMatchingQuery(txn *persistence.Transaction, query model.Query, offset model.IndexOffset, ctx *persistence.QueryContext) (model.DocumentMap, error) {
	switch {
	case query.IsDocumentQuery():
		return v.documentsMatchingDocumentQuery(txn, query)
	case query.IsCollectionGroupQuery():
		return v.documentsMatchingCollectionGroupQuery(txn, query, offset, ctx)
	}
	return v.documentsMatchingCollectionQuery(txn, query, offset, ctx)
}

func (v *LocalDocumentsView) documentsMatchingDocumentQuery(txn *persistence.Transaction, query model.Query) (model.DocumentMap, error) {
	key, err := model.NewDocumentKey(query.Path)
	if err != nil {
		return nil, err
	}
	doc, err := v.GetDocument(txn, key)
	if err != nil {
		return nil, err
	}
	out := model.DocumentMap{}
	if doc.IsFoundDocument() {
		out[key] = doc
	}
	return out, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionGroupQuery(txn *persistence.Transaction, query model.Query, offset model.IndexOffset, ctx *persistence.QueryContext) (model.DocumentMap, error) {
	parents, err := v.indexManager.CollectionParents(txn, query.CollectionGroup)
	if err != nil {
		return nil, err
	}
	out := model.DocumentMap{}
	for _, parent := range parents {
		if !query.Path.IsPrefixOf(parent) && !parent.IsPrefixOf(query.Path) {
			continue
		}
		collectionQuery := query.AsCollectionQueryAtPath(parent.Child(query.CollectionGroup))
		docs, err := v.documentsMatchingCollectionQuery(txn, collectionQuery, offset, ctx)
		if err != nil {
			return nil, err
		}
		for k, d := range docs {
			if query.Matches(d) {
				out[k] = d
			}
		}
	}
	return out, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionQuery(txn *persistence.Transaction, query model.Query, offset model.IndexOffset, ctx *persistence.QueryContext) (model.DocumentMap, error) {
	overlays, err := v.overlayCache.GetOverlaysForCollection(txn, query.Path, offset.LargestBatchID)
	if err != nil {
		return nil, err
	}
	mutated := model.NewDocumentKeySet()
	for k := range overlays {
		mutated.Add(k)
	}
	docs, err := v.remoteDocuments.GetDocumentsMatchingQuery(txn, query, offset, mutated, ctx)
	if err != nil {
		return nil, err
	}
	// New documents only exist as overlays.
	for k := range overlays {
		if _, ok := docs[k]; !ok {
			docs[k] = model.NewInvalidDocument(k)
		}
	}

	out := model.DocumentMap{}
	for k, doc := range docs {
		if overlay, ok := overlays[k]; ok {
			overlay.Mutation.ApplyToLocalView(doc, model.NewFieldMask(), model.Now())
		}
		if query.Matches(doc) {
			out[k] = doc
		}
	}
	return out, nil
}

// baseDocument returns the cached server document for an overlayed key. A key with an
// overlay but no cached document starts from an invalid document.
func (v *LocalDocumentsView) baseDocument(txn *persistence.Transaction, key model.DocumentKey, overlay *model.Overlay) (*model.MutableDocument, error) {
	if overlay == nil || overlay.Mutation.Kind == model.MutationPatch {
		return v.remoteDocuments.GetEntry(txn, key)
	}
	return model.NewInvalidDocument(key), nil
}
