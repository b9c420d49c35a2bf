package persistence

import (
	"fmt"
	"sort"

	"github.com/docsync/docsync.go/internal/codec"
	"github.com/docsync/docsync.go/pkg/model"
)

type remoteEntry struct {
	doc  *model.MutableDocument
	size int64
}

type memoryRemoteDocumentCache struct {
	p            *MemoryPersistence
	docs         map[model.DocumentKey]remoteEntry
	size         int64
	indexManager IndexManager
}

func newMemoryRemoteDocumentCache(p *MemoryPersistence) *memoryRemoteDocumentCache {
	return &memoryRemoteDocumentCache{p: p, docs: make(map[model.DocumentKey]remoteEntry)}
}

var _ RemoteDocumentCache = (*memoryRemoteDocumentCache)(nil)

func (c *memoryRemoteDocumentCache) SetIndexManager(im IndexManager) {
	c.indexManager = im
}

// entrySize approximates the stored size of doc by its wire encoding.
func (c *memoryRemoteDocumentCache) entrySize(doc *model.MutableDocument) int64 {
	if c.p.serializer == nil {
		return 0
	}
	if !doc.IsFoundDocument() {
		return int64(len(c.p.serializer.EncodeKey(doc.Key())))
	}
	return codec.EncodedSize(c.p.serializer.EncodeDocument(doc))
}

func (c *memoryRemoteDocumentCache) Add(txn *Transaction, doc *model.MutableDocument, readTime model.SnapshotVersion) error {
	if !doc.IsValidDocument() {
		return fmt.Errorf("cannot add invalid document %s to the remote document cache", doc.Key())
	}
	if readTime.IsMin() {
		return fmt.Errorf("cannot add document %s with a min read time", doc.Key())
	}
	key := doc.Key()
	prev, existed := c.docs[key]
	stored := doc.Clone().SetReadTime(readTime)
	entry := remoteEntry{doc: stored, size: c.entrySize(stored)}
	c.docs[key] = entry
	c.size += entry.size - prev.size
	txn.OnRollback(func() {
		c.size -= entry.size - prev.size
		if existed {
			c.docs[key] = prev
		} else {
			delete(c.docs, key)
		}
	})
	if c.indexManager != nil {
		return c.indexManager.AddToCollectionParentIndex(txn, key.CollectionPath())
	}
	return nil
}

func (c *memoryRemoteDocumentCache) RemoveEntry(txn *Transaction, key model.DocumentKey) error {
	prev, existed := c.docs[key]
	if !existed {
		return nil
	}
	delete(c.docs, key)
	c.size -= prev.size
	txn.OnRollback(func() {
		c.docs[key] = prev
		c.size += prev.size
	})
	return nil
}

func (c *memoryRemoteDocumentCache) GetEntry(_ *Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	if e, ok := c.docs[key]; ok {
		return e.doc.Clone(), nil
	}
	return model.NewInvalidDocument(key), nil
}

func (c *memoryRemoteDocumentCache) GetEntries(txn *Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	out := make(model.DocumentMap, len(keys))
	for k := range keys {
		doc, err := c.GetEntry(txn, k)
		if err != nil {
			return nil, err
		}
		out[k] = doc
	}
	return out, nil
}

func (c *memoryRemoteDocumentCache) GetAllFromCollection(_ *Transaction, collection model.ResourcePath, offset model.IndexOffset) (model.DocumentMap, error) {
	out := make(model.DocumentMap)
	for k, e := range c.docs {
		if !collection.IsImmediateParentOf(k.Path()) {
			continue
		}
		if !offset.IsBefore(e.doc.ReadTime(), k) {
			continue
		}
		out[k] = e.doc.Clone()
	}
	return out, nil
}

func (c *memoryRemoteDocumentCache) GetAllFromCollectionGroup(_ *Transaction, group string, offset model.IndexOffset, limit int) (model.DocumentMap, error) {
	var matches []remoteEntry
	for k, e := range c.docs {
		if k.HasCollectionID(group) && offset.IsBefore(e.doc.ReadTime(), k) {
			matches = append(matches, e)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i].doc, matches[j].doc
		if c := a.ReadTime().Compare(b.ReadTime()); c != 0 {
			return c < 0
		}
		return a.Key().Compare(b.Key()) < 0
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make(model.DocumentMap, len(matches))
	for _, e := range matches {
		out[e.doc.Key()] = e.doc.Clone()
	}
	return out, nil
}

func (c *memoryRemoteDocumentCache) GetDocumentsMatchingQuery(_ *Transaction, query model.Query, offset model.IndexOffset, mutatedKeys model.DocumentKeySet, ctx *QueryContext) (model.DocumentMap, error) {
	out := make(model.DocumentMap)
	for k, e := range c.docs {
		if !query.Path.IsImmediateParentOf(k.Path()) {
			continue
		}
		if !offset.IsBefore(e.doc.ReadTime(), k) {
			continue
		}
		if ctx != nil {
			ctx.DocumentReadCount++
		}
		if !mutatedKeys.Has(k) && !query.Matches(e.doc) {
			continue
		}
		out[k] = e.doc.Clone()
	}
	return out, nil
}

func (c *memoryRemoteDocumentCache) ForEachDocumentKey(_ *Transaction, fn func(model.DocumentKey) error) error {
	for _, k := range model.DocumentMap(c.snapshot()).Keys().Sorted() {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// snapshot copies the key space so callbacks may delete entries while iterating.
func (c *memoryRemoteDocumentCache) snapshot() map[model.DocumentKey]*model.MutableDocument {
	out := make(map[model.DocumentKey]*model.MutableDocument, len(c.docs))
	for k, e := range c.docs {
		out[k] = e.doc
	}
	return out
}

func (c *memoryRemoteDocumentCache) Size(*Transaction) (int64, error) {
	return c.size, nil
}

func (c *memoryRemoteDocumentCache) NewChangeBuffer() *RemoteDocumentChangeBuffer {
	return NewRemoteDocumentChangeBuffer(c)
}
