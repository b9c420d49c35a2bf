package persistence

import (
	"fmt"
	"sort"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/model"
)

type memoryMutationQueue struct {
	p            *MemoryPersistence
	indexManager IndexManager

	batches         []*model.MutationBatch
	nextBatchID     model.BatchID
	lastStreamToken []byte
	// byKey indexes batches by the documents they write.
	byKey map[model.DocumentKey]map[model.BatchID]struct{}
}

func newMemoryMutationQueue(p *MemoryPersistence, indexManager IndexManager) *memoryMutationQueue {
	return &memoryMutationQueue{
		p:            p,
		indexManager: indexManager,
		nextBatchID:  1,
		byKey:        make(map[model.DocumentKey]map[model.BatchID]struct{}),
	}
}

var _ MutationQueue = (*memoryMutationQueue)(nil)

func (q *memoryMutationQueue) IsEmpty(*Transaction) (bool, error) {
	return len(q.batches) == 0, nil
}

func (q *memoryMutationQueue) AddMutationBatch(txn *Transaction, localWriteTime model.Timestamp, baseMutations, mutations []model.Mutation) (*model.MutationBatch, error) {
	if len(mutations) == 0 {
		return nil, fmt.Errorf("mutation batch must not be empty")
	}
	id := q.nextBatchID
	q.nextBatchID++
	batch := &model.MutationBatch{
		BatchID:        id,
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}
	q.batches = append(q.batches, batch)
	for _, m := range mutations {
		q.index(m.Key, id)
	}
	txn.OnRollback(func() {
		q.nextBatchID = id
		if i := q.indexOf(id); i >= 0 {
			q.batches = append(q.batches[:i], q.batches[i+1:]...)
		}
		for _, m := range mutations {
			q.unindex(m.Key, id)
		}
	})
	if q.indexManager != nil {
		for _, m := range mutations {
			if err := q.indexManager.AddToCollectionParentIndex(txn, m.Key.CollectionPath()); err != nil {
				return nil, err
			}
		}
	}
	return batch, nil
}

func (q *memoryMutationQueue) index(key model.DocumentKey, id model.BatchID) {
	ids, ok := q.byKey[key]
	if !ok {
		ids = make(map[model.BatchID]struct{})
		q.byKey[key] = ids
	}
	ids[id] = struct{}{}
}

func (q *memoryMutationQueue) unindex(key model.DocumentKey, id model.BatchID) {
	if ids, ok := q.byKey[key]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(q.byKey, key)
		}
	}
}

// indexOf returns the position of batchID in the queue, or -1.
func (q *memoryMutationQueue) indexOf(batchID model.BatchID) int {
	i := sort.Search(len(q.batches), func(i int) bool { return q.batches[i].BatchID >= batchID })
	if i < len(q.batches) && q.batches[i].BatchID == batchID {
		return i
	}
	return -1
}

func (q *memoryMutationQueue) LookupMutationBatch(_ *Transaction, batchID model.BatchID) (*model.MutationBatch, error) {
	if i := q.indexOf(batchID); i >= 0 {
		return q.batches[i], nil
	}
	return nil, nil
}

func (q *memoryMutationQueue) NextMutationBatchAfterBatchID(_ *Transaction, batchID model.BatchID) (*model.MutationBatch, error) {
	i := sort.Search(len(q.batches), func(i int) bool { return q.batches[i].BatchID > batchID })
	if i < len(q.batches) {
		return q.batches[i], nil
	}
	return nil, nil
}

func (q *memoryMutationQueue) HighestUnacknowledgedBatchID(*Transaction) (model.BatchID, error) {
	if len(q.batches) == 0 {
		return model.BatchIDUnknown, nil
	}
	return q.nextBatchID - 1, nil
}

func (q *memoryMutationQueue) AllMutationBatches(*Transaction) ([]*model.MutationBatch, error) {
	return append([]*model.MutationBatch(nil), q.batches...), nil
}

func (q *memoryMutationQueue) AllMutationBatchesAffectingDocumentKey(txn *Transaction, key model.DocumentKey) ([]*model.MutationBatch, error) {
	return q.AllMutationBatchesAffectingDocumentKeys(txn, model.NewDocumentKeySet(key))
}

func (q *memoryMutationQueue) AllMutationBatchesAffectingDocumentKeys(_ *Transaction, keys model.DocumentKeySet) ([]*model.MutationBatch, error) {
	ids := make(map[model.BatchID]struct{})
	for k := range keys {
		for id := range q.byKey[k] {
			ids[id] = struct{}{}
		}
	}
	return q.batchesWithIDs(ids), nil
}

// AllMutationBatchesAffectingQuery handles collection and document queries. Collection
// group queries are split into collection queries by the caller.
func (q *memoryMutationQueue) AllMutationBatchesAffectingQuery(_ *Transaction, query model.Query) ([]*model.MutationBatch, error) {
	if query.IsCollectionGroupQuery() {
		return nil, fmt.Errorf("collection group query %s must be split by collection", query)
	}
	ids := make(map[model.BatchID]struct{})
	for k, batchIDs := range q.byKey {
		path := k.Path()
		if !query.Path.IsImmediateParentOf(path) && !query.Path.Equal(path) {
			continue
		}
		for id := range batchIDs {
			ids[id] = struct{}{}
		}
	}
	return q.batchesWithIDs(ids), nil
}

func (q *memoryMutationQueue) batchesWithIDs(ids map[model.BatchID]struct{}) []*model.MutationBatch {
	out := make([]*model.MutationBatch, 0, len(ids))
	for _, b := range q.batches {
		if _, ok := ids[b.BatchID]; ok {
			out = append(out, b)
		}
	}
	return out
}

func (q *memoryMutationQueue) RemoveMutationBatch(txn *Transaction, batch *model.MutationBatch) error {
	if len(q.batches) == 0 || q.batches[0].BatchID != batch.BatchID {
		return fmt.Errorf("%w: can only remove the first batch of the mutation queue, got %d", constants.ErrInconsistentState, batch.BatchID)
	}
	removed := q.batches[0]
	q.batches = q.batches[1:]
	for _, m := range removed.Mutations {
		q.unindex(m.Key, removed.BatchID)
	}
	txn.OnRollback(func() {
		q.batches = append([]*model.MutationBatch{removed}, q.batches...)
		for _, m := range removed.Mutations {
			q.index(m.Key, removed.BatchID)
		}
	})
	for _, m := range removed.Mutations {
		if err := q.p.delegate.RemoveMutationReference(txn, m.Key); err != nil {
			return err
		}
	}
	return nil
}

func (q *memoryMutationQueue) AcknowledgeBatch(txn *Transaction, batch *model.MutationBatch, streamToken []byte) error {
	if len(q.batches) == 0 || q.batches[0].BatchID != batch.BatchID {
		return fmt.Errorf("%w: can only acknowledge the first batch of the mutation queue, got %d", constants.ErrInconsistentState, batch.BatchID)
	}
	return q.SetLastStreamToken(txn, streamToken)
}

func (q *memoryMutationQueue) LastStreamToken(*Transaction) ([]byte, error) {
	return q.lastStreamToken, nil
}

func (q *memoryMutationQueue) SetLastStreamToken(txn *Transaction, token []byte) error {
	prev := q.lastStreamToken
	q.lastStreamToken = token
	txn.OnRollback(func() { q.lastStreamToken = prev })
	return nil
}

func (q *memoryMutationQueue) ContainsKey(_ *Transaction, key model.DocumentKey) (bool, error) {
	_, ok := q.byKey[key]
	return ok, nil
}

func (q *memoryMutationQueue) PerformConsistencyCheck(*Transaction) error {
	if len(q.batches) == 0 && len(q.byKey) != 0 {
		return fmt.Errorf("%w: document references remain in an empty mutation queue", constants.ErrInconsistentState)
	}
	return nil
}
