package persistence

import (
	"fmt"
	"sort"

	"github.com/docsync/docsync.go/pkg/model"
)

type memoryTargetCache struct {
	p *MemoryPersistence

	targets    map[string]*model.TargetData
	references *ReferenceSet

	highestSequenceNumber     model.ListenSequenceNumber
	lastRemoteSnapshotVersion model.SnapshotVersion
	highestTargetID           model.TargetID
	idGenerator               *model.TargetIDGenerator
}

func newMemoryTargetCache(p *MemoryPersistence) *memoryTargetCache {
	return &memoryTargetCache{
		p:           p,
		targets:     make(map[string]*model.TargetData),
		references:  NewReferenceSet(),
		idGenerator: model.NewTargetCacheIDGenerator(0),
	}
}

var _ TargetCache = (*memoryTargetCache)(nil)

func (c *memoryTargetCache) LastRemoteSnapshotVersion(*Transaction) (model.SnapshotVersion, error) {
	return c.lastRemoteSnapshotVersion, nil
}

func (c *memoryTargetCache) HighestSequenceNumber(*Transaction) (model.ListenSequenceNumber, error) {
	return c.highestSequenceNumber, nil
}

func (c *memoryTargetCache) AllocateTargetID(txn *Transaction) (model.TargetID, error) {
	prevGen, prevHighest := *c.idGenerator, c.highestTargetID
	id := c.idGenerator.Next()
	if id > c.highestTargetID {
		c.highestTargetID = id
	}
	txn.OnRollback(func() {
		*c.idGenerator = prevGen
		c.highestTargetID = prevHighest
	})
	return id, nil
}

func (c *memoryTargetCache) SetTargetsMetadata(txn *Transaction, highestSequenceNumber model.ListenSequenceNumber, lastRemoteSnapshotVersion model.SnapshotVersion) error {
	prevSeq, prevVersion := c.highestSequenceNumber, c.lastRemoteSnapshotVersion
	if highestSequenceNumber > c.highestSequenceNumber {
		c.highestSequenceNumber = highestSequenceNumber
	}
	c.lastRemoteSnapshotVersion = lastRemoteSnapshotVersion
	txn.OnRollback(func() {
		c.highestSequenceNumber, c.lastRemoteSnapshotVersion = prevSeq, prevVersion
	})
	return nil
}

func (c *memoryTargetCache) saveTargetData(txn *Transaction, data *model.TargetData) {
	key := data.Target.CanonicalID()
	prev, existed := c.targets[key]
	prevSeq, prevHighestID := c.highestSequenceNumber, c.highestTargetID
	c.targets[key] = data
	if data.TargetID > c.highestTargetID {
		c.highestTargetID = data.TargetID
	}
	if data.SequenceNumber > c.highestSequenceNumber {
		c.highestSequenceNumber = data.SequenceNumber
	}
	txn.OnRollback(func() {
		c.highestSequenceNumber, c.highestTargetID = prevSeq, prevHighestID
		if existed {
			c.targets[key] = prev
		} else {
			delete(c.targets, key)
		}
	})
}

func (c *memoryTargetCache) AddTargetData(txn *Transaction, data *model.TargetData) error {
	if _, ok := c.targets[data.Target.CanonicalID()]; ok {
		return fmt.Errorf("target %s is already cached", data.Target)
	}
	c.saveTargetData(txn, data)
	return nil
}

func (c *memoryTargetCache) UpdateTargetData(txn *Transaction, data *model.TargetData) error {
	if _, ok := c.targets[data.Target.CanonicalID()]; !ok {
		return fmt.Errorf("updating target %s that is not cached", data.Target)
	}
	c.saveTargetData(txn, data)
	return nil
}

func (c *memoryTargetCache) RemoveTargetData(txn *Transaction, data *model.TargetData) error {
	key := data.Target.CanonicalID()
	prev, ok := c.targets[key]
	if !ok {
		return nil
	}
	delete(c.targets, key)
	txn.OnRollback(func() { c.targets[key] = prev })
	return c.RemoveMatchingKeysForTargetID(txn, data.TargetID)
}

func (c *memoryTargetCache) RemoveTargets(txn *Transaction, upperBound model.ListenSequenceNumber, activeTargetIDs map[model.TargetID]bool) (int, error) {
	removed := 0
	for _, data := range c.sortedTargets() {
		if data.SequenceNumber > upperBound || activeTargetIDs[data.TargetID] {
			continue
		}
		if err := c.RemoveTargetData(txn, data); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// sortedTargets returns the cached targets by id so iteration is deterministic.
func (c *memoryTargetCache) sortedTargets() []*model.TargetData {
	out := make([]*model.TargetData, 0, len(c.targets))
	for _, d := range c.targets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

func (c *memoryTargetCache) TargetCount(*Transaction) (int, error) {
	return len(c.targets), nil
}

func (c *memoryTargetCache) GetTargetData(_ *Transaction, target *model.Target) (*model.TargetData, error) {
	return c.targets[target.CanonicalID()], nil
}

func (c *memoryTargetCache) ForEachTarget(_ *Transaction, fn func(*model.TargetData)) error {
	for _, d := range c.sortedTargets() {
		fn(d)
	}
	return nil
}

func (c *memoryTargetCache) AddMatchingKeys(txn *Transaction, keys model.DocumentKeySet, targetID model.TargetID) error {
	for _, k := range keys.Sorted() {
		c.references.AddReference(k, int(targetID))
		txn.OnRollback(func() { c.references.RemoveReference(k, int(targetID)) })
		if err := c.p.delegate.AddReference(txn, targetID, k); err != nil {
			return err
		}
	}
	return nil
}

func (c *memoryTargetCache) RemoveMatchingKeys(txn *Transaction, keys model.DocumentKeySet, targetID model.TargetID) error {
	for _, k := range keys.Sorted() {
		c.references.RemoveReference(k, int(targetID))
		txn.OnRollback(func() { c.references.AddReference(k, int(targetID)) })
		if err := c.p.delegate.RemoveReference(txn, targetID, k); err != nil {
			return err
		}
	}
	return nil
}

func (c *memoryTargetCache) RemoveMatchingKeysForTargetID(txn *Transaction, targetID model.TargetID) error {
	keys := c.references.RemoveReferencesForID(int(targetID))
	txn.OnRollback(func() { c.references.AddReferences(keys, int(targetID)) })
	return nil
}

func (c *memoryTargetCache) MatchingKeysForTargetID(_ *Transaction, targetID model.TargetID) (model.DocumentKeySet, error) {
	return c.references.ReferencesForID(int(targetID)), nil
}

func (c *memoryTargetCache) ContainsKey(_ *Transaction, key model.DocumentKey) (bool, error) {
	return c.references.ContainsKey(key), nil
}
