package persistence

import "github.com/docsync/docsync.go/pkg/model"

type memoryBundleCache struct {
	bundles map[string]model.BundleMetadata
	queries map[string]model.NamedQuery
}

func newMemoryBundleCache() *memoryBundleCache {
	return &memoryBundleCache{
		bundles: make(map[string]model.BundleMetadata),
		queries: make(map[string]model.NamedQuery),
	}
}

var _ BundleCache = (*memoryBundleCache)(nil)

func (c *memoryBundleCache) GetBundleMetadata(_ *Transaction, bundleID string) (*model.BundleMetadata, error) {
	if m, ok := c.bundles[bundleID]; ok {
		return &m, nil
	}
	return nil, nil
}

func (c *memoryBundleCache) SaveBundleMetadata(txn *Transaction, metadata model.BundleMetadata) error {
	prev, existed := c.bundles[metadata.ID]
	c.bundles[metadata.ID] = metadata
	txn.OnRollback(func() {
		if existed {
			c.bundles[metadata.ID] = prev
		} else {
			delete(c.bundles, metadata.ID)
		}
	})
	return nil
}

func (c *memoryBundleCache) GetNamedQuery(_ *Transaction, name string) (*model.NamedQuery, error) {
	if q, ok := c.queries[name]; ok {
		return &q, nil
	}
	return nil, nil
}

func (c *memoryBundleCache) SaveNamedQuery(txn *Transaction, query model.NamedQuery) error {
	prev, existed := c.queries[query.Name]
	c.queries[query.Name] = query
	txn.OnRollback(func() {
		if existed {
			c.queries[query.Name] = prev
		} else {
			delete(c.queries, query.Name)
		}
	})
	return nil
}
