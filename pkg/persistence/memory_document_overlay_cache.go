package persistence

import (
	"sort"

	"github.com/docsync/docsync.go/pkg/model"
)

type memoryDocumentOverlayCache struct {
	overlays map[model.DocumentKey]model.Overlay
	// byBatch indexes keys by the batch id their overlay was saved under.
	byBatch map[model.BatchID]model.DocumentKeySet
}

func newMemoryDocumentOverlayCache() *memoryDocumentOverlayCache {
	return &memoryDocumentOverlayCache{
		overlays: make(map[model.DocumentKey]model.Overlay),
		byBatch:  make(map[model.BatchID]model.DocumentKeySet),
	}
}

var _ DocumentOverlayCache = (*memoryDocumentOverlayCache)(nil)

func (c *memoryDocumentOverlayCache) GetOverlay(_ *Transaction, key model.DocumentKey) (*model.Overlay, error) {
	if o, ok := c.overlays[key]; ok {
		return &o, nil
	}
	return nil, nil
}

func (c *memoryDocumentOverlayCache) GetOverlays(_ *Transaction, keys model.DocumentKeySet) (model.OverlayMap, error) {
	out := make(model.OverlayMap)
	for k := range keys {
		if o, ok := c.overlays[k]; ok {
			out[k] = o
		}
	}
	return out, nil
}

func (c *memoryDocumentOverlayCache) SaveOverlays(txn *Transaction, largestBatchID model.BatchID, overlays model.MutationMap) error {
	for _, m := range overlays {
		c.save(txn, model.Overlay{LargestBatchID: largestBatchID, Mutation: m})
	}
	return nil
}

func (c *memoryDocumentOverlayCache) save(txn *Transaction, o model.Overlay) {
	key := o.Key()
	prev, existed := c.overlays[key]
	if existed {
		c.unindex(key, prev.LargestBatchID)
	}
	c.overlays[key] = o
	c.index(key, o.LargestBatchID)
	txn.OnRollback(func() {
		c.unindex(key, o.LargestBatchID)
		if existed {
			c.overlays[key] = prev
			c.index(key, prev.LargestBatchID)
		} else {
			delete(c.overlays, key)
		}
	})
}

func (c *memoryDocumentOverlayCache) index(key model.DocumentKey, id model.BatchID) {
	keys, ok := c.byBatch[id]
	if !ok {
		keys = model.NewDocumentKeySet()
		c.byBatch[id] = keys
	}
	keys.Add(key)
}

func (c *memoryDocumentOverlayCache) unindex(key model.DocumentKey, id model.BatchID) {
	if keys, ok := c.byBatch[id]; ok {
		keys.Remove(key)
		if keys.Len() == 0 {
			delete(c.byBatch, id)
		}
	}
}

func (c *memoryDocumentOverlayCache) RemoveOverlaysForBatchID(txn *Transaction, keys model.DocumentKeySet, batchID model.BatchID) error {
	for k := range keys {
		o, ok := c.overlays[k]
		if !ok || o.LargestBatchID != batchID {
			continue
		}
		delete(c.overlays, k)
		c.unindex(k, batchID)
		txn.OnRollback(func() {
			c.overlays[k] = o
			c.index(k, batchID)
		})
	}
	return nil
}

func (c *memoryDocumentOverlayCache) GetOverlaysForCollection(_ *Transaction, collection model.ResourcePath, sinceBatchID model.BatchID) (model.OverlayMap, error) {
	out := make(model.OverlayMap)
	for k, o := range c.overlays {
		if collection.IsImmediateParentOf(k.Path()) && o.LargestBatchID > sinceBatchID {
			out[k] = o
		}
	}
	return out, nil
}

func (c *memoryDocumentOverlayCache) GetOverlaysForCollectionGroup(_ *Transaction, group string, sinceBatchID model.BatchID, count int) (model.OverlayMap, error) {
	batches := make(map[model.BatchID]model.OverlayMap)
	for k, o := range c.overlays {
		if !k.HasCollectionID(group) || o.LargestBatchID <= sinceBatchID {
			continue
		}
		m, ok := batches[o.LargestBatchID]
		if !ok {
			m = make(model.OverlayMap)
			batches[o.LargestBatchID] = m
		}
		m[k] = o
	}
	ids := make([]model.BatchID, 0, len(batches))
	for id := range batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make(model.OverlayMap)
	for _, id := range ids {
		for k, o := range batches[id] {
			out[k] = o
		}
		if len(out) >= count {
			break
		}
	}
	return out, nil
}
