package persistence

import (
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
)

// memoryEagerDelegate removes a document from the remote cache as soon as the
// transaction that orphaned it commits.
type memoryEagerDelegate struct {
	p                   *MemoryPersistence
	localViewReferences *ReferenceSet
	// orphaned collects candidates for removal during one transaction.
	orphaned model.DocumentKeySet
}

func newMemoryEagerDelegate() *memoryEagerDelegate {
	return &memoryEagerDelegate{localViewReferences: NewReferenceSet()}
}

func (d *memoryEagerDelegate) setPersistence(p *MemoryPersistence) { d.p = p }

func (d *memoryEagerDelegate) AddInMemoryPins(refs *ReferenceSet) {
	d.localViewReferences = refs
}

func (d *memoryEagerDelegate) AddReference(_ *Transaction, _ model.TargetID, key model.DocumentKey) error {
	d.orphaned.Remove(key)
	return nil
}

func (d *memoryEagerDelegate) RemoveReference(_ *Transaction, _ model.TargetID, key model.DocumentKey) error {
	d.orphaned.Add(key)
	return nil
}

func (d *memoryEagerDelegate) RemoveMutationReference(_ *Transaction, key model.DocumentKey) error {
	d.orphaned.Add(key)
	return nil
}

func (d *memoryEagerDelegate) RemoveTarget(txn *Transaction, data *model.TargetData) error {
	keys, err := d.p.targetCache.MatchingKeysForTargetID(txn, data.TargetID)
	if err != nil {
		return err
	}
	d.orphaned.AddAll(keys)
	return d.p.targetCache.RemoveTargetData(txn, data)
}

func (d *memoryEagerDelegate) UpdateLimboDocument(txn *Transaction, key model.DocumentKey) error {
	referenced, err := d.isReferenced(txn, key)
	if err != nil {
		return err
	}
	if referenced {
		d.orphaned.Remove(key)
	} else {
		d.orphaned.Add(key)
	}
	return nil
}

func (d *memoryEagerDelegate) OnTransactionStarted(*Transaction) {
	d.orphaned = model.NewDocumentKeySet()
}

func (d *memoryEagerDelegate) OnTransactionCommitted(txn *Transaction) error {
	for _, key := range d.orphaned.Sorted() {
		referenced, err := d.isReferenced(txn, key)
		if err != nil {
			return err
		}
		if referenced {
			continue
		}
		if err := d.p.remoteDocs.RemoveEntry(txn, key); err != nil {
			return err
		}
	}
	d.orphaned = nil
	return nil
}

func (d *memoryEagerDelegate) isReferenced(txn *Transaction, key model.DocumentKey) (bool, error) {
	if d.localViewReferences.ContainsKey(key) {
		return true, nil
	}
	return d.p.isPersistentlyReferenced(txn, key)
}

// LruDelegate is the view of the reference delegate the LRU garbage collector works
// through.
type LruDelegate interface {
	GarbageCollector() *LruGarbageCollector
	ForEachTarget(txn *Transaction, fn func(*model.TargetData)) error
	// SequenceNumberCount counts targets plus orphaned documents.
	SequenceNumberCount(txn *Transaction) (int, error)
	ForEachOrphanedDocumentSequenceNumber(txn *Transaction, fn func(model.ListenSequenceNumber)) error
	RemoveTargets(txn *Transaction, upperBound model.ListenSequenceNumber, activeTargetIDs map[model.TargetID]bool) (int, error)
	RemoveOrphanedDocuments(txn *Transaction, upperBound model.ListenSequenceNumber) (int, error)
	ByteSize(txn *Transaction) (int64, error)
}

// ListenSequence hands out increasing LRU sequence numbers.
type ListenSequence struct {
	previous model.ListenSequenceNumber
}

func NewListenSequence(previous model.ListenSequenceNumber) *ListenSequence {
	return &ListenSequence{previous: previous}
}

func (s *ListenSequence) Next() model.ListenSequenceNumber {
	s.previous++
	return s.previous
}

// memoryLruDelegate stamps every touched document with the sequence number of the
// transaction and leaves removal to the garbage collector.
type memoryLruDelegate struct {
	p      *MemoryPersistence
	logger logger.Logger

	inMemoryPins    *ReferenceSet
	orphanedNumbers map[model.DocumentKey]model.ListenSequenceNumber
	listenSequence  *ListenSequence
	gc              *LruGarbageCollector
}

func newMemoryLruDelegate(params LruParams, log logger.Logger) *memoryLruDelegate {
	d := &memoryLruDelegate{
		logger:          log,
		inMemoryPins:    NewReferenceSet(),
		orphanedNumbers: make(map[model.DocumentKey]model.ListenSequenceNumber),
	}
	d.gc = NewLruGarbageCollector(d, params, log)
	return d
}

var _ LruDelegate = (*memoryLruDelegate)(nil)

func (d *memoryLruDelegate) setPersistence(p *MemoryPersistence) { d.p = p }

func (d *memoryLruDelegate) GarbageCollector() *LruGarbageCollector {
	return d.gc
}

func (d *memoryLruDelegate) AddInMemoryPins(refs *ReferenceSet) {
	d.inMemoryPins = refs
}

func (d *memoryLruDelegate) OnTransactionStarted(txn *Transaction) {
	if d.listenSequence == nil {
		d.listenSequence = NewListenSequence(d.p.targetCache.highestSequenceNumber)
	}
	txn.sequenceNumber = d.listenSequence.Next()
}

func (d *memoryLruDelegate) OnTransactionCommitted(*Transaction) error {
	return nil
}

func (d *memoryLruDelegate) markOrphaned(txn *Transaction, key model.DocumentKey) {
	prev, existed := d.orphanedNumbers[key]
	d.orphanedNumbers[key] = txn.CurrentSequenceNumber()
	txn.OnRollback(func() {
		if existed {
			d.orphanedNumbers[key] = prev
		} else {
			delete(d.orphanedNumbers, key)
		}
	})
}

func (d *memoryLruDelegate) AddReference(txn *Transaction, _ model.TargetID, key model.DocumentKey) error {
	d.markOrphaned(txn, key)
	return nil
}

func (d *memoryLruDelegate) RemoveReference(txn *Transaction, _ model.TargetID, key model.DocumentKey) error {
	d.markOrphaned(txn, key)
	return nil
}

func (d *memoryLruDelegate) RemoveMutationReference(txn *Transaction, key model.DocumentKey) error {
	d.markOrphaned(txn, key)
	return nil
}

func (d *memoryLruDelegate) UpdateLimboDocument(txn *Transaction, key model.DocumentKey) error {
	d.markOrphaned(txn, key)
	return nil
}

// RemoveTarget keeps the target cached but stamps it so it ages out.
func (d *memoryLruDelegate) RemoveTarget(txn *Transaction, data *model.TargetData) error {
	return d.p.targetCache.UpdateTargetData(txn, data.WithSequenceNumber(txn.CurrentSequenceNumber()))
}

func (d *memoryLruDelegate) ForEachTarget(txn *Transaction, fn func(*model.TargetData)) error {
	return d.p.targetCache.ForEachTarget(txn, fn)
}

func (d *memoryLruDelegate) SequenceNumberCount(txn *Transaction) (int, error) {
	targets, err := d.p.targetCache.TargetCount(txn)
	if err != nil {
		return 0, err
	}
	docs := 0
	err = d.ForEachOrphanedDocumentSequenceNumber(txn, func(model.ListenSequenceNumber) { docs++ })
	return targets + docs, err
}

func (d *memoryLruDelegate) ForEachOrphanedDocumentSequenceNumber(txn *Transaction, fn func(model.ListenSequenceNumber)) error {
	for key, seq := range d.orphanedNumbers {
		referenced, err := d.isReferenced(txn, key)
		if err != nil {
			return err
		}
		if referenced {
			continue
		}
		fn(seq)
	}
	return nil
}

func (d *memoryLruDelegate) RemoveTargets(txn *Transaction, upperBound model.ListenSequenceNumber, activeTargetIDs map[model.TargetID]bool) (int, error) {
	return d.p.targetCache.RemoveTargets(txn, upperBound, activeTargetIDs)
}

func (d *memoryLruDelegate) RemoveOrphanedDocuments(txn *Transaction, upperBound model.ListenSequenceNumber) (int, error) {
	removed := 0
	err := d.p.remoteDocs.ForEachDocumentKey(txn, func(key model.DocumentKey) error {
		pinned, err := d.isPinned(txn, key, upperBound)
		if err != nil || pinned {
			return err
		}
		if err := d.p.remoteDocs.RemoveEntry(txn, key); err != nil {
			return err
		}
		if seq, ok := d.orphanedNumbers[key]; ok {
			delete(d.orphanedNumbers, key)
			txn.OnRollback(func() { d.orphanedNumbers[key] = seq })
		}
		removed++
		return nil
	})
	return removed, err
}

func (d *memoryLruDelegate) isReferenced(txn *Transaction, key model.DocumentKey) (bool, error) {
	if d.inMemoryPins.ContainsKey(key) {
		return true, nil
	}
	return d.p.isPersistentlyReferenced(txn, key)
}

// isPinned reports whether key must survive a collection up to upperBound.
func (d *memoryLruDelegate) isPinned(txn *Transaction, key model.DocumentKey, upperBound model.ListenSequenceNumber) (bool, error) {
	if referenced, err := d.isReferenced(txn, key); err != nil || referenced {
		return referenced, err
	}
	seq, ok := d.orphanedNumbers[key]
	return ok && seq > upperBound, nil
}

func (d *memoryLruDelegate) ByteSize(txn *Transaction) (int64, error) {
	return d.p.remoteDocs.Size(txn)
}
