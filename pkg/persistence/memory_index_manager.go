package persistence

import (
	"sort"

	"github.com/docsync/docsync.go/pkg/model"
)

// memoryIndexManager keeps the collection parent index and client-side field indexes.
//
// An index entry is the projection of a document onto the indexed fields. Serving a
// target evaluates the covered filters against these projections, so the remote
// document cache is only read for documents that can match.
type memoryIndexManager struct {
	p *MemoryPersistence

	collectionParents map[string]map[string]model.ResourcePath

	indexes     map[int]*model.FieldIndex
	entries     map[int]map[model.DocumentKey]*model.ObjectValue
	nextIndexID int
	// sequence orders backfill passes across collection groups.
	sequence model.ListenSequenceNumber
}

func newMemoryIndexManager(p *MemoryPersistence) *memoryIndexManager {
	return &memoryIndexManager{
		p:                 p,
		collectionParents: make(map[string]map[string]model.ResourcePath),
		indexes:           make(map[int]*model.FieldIndex),
		entries:           make(map[int]map[model.DocumentKey]*model.ObjectValue),
		nextIndexID:       1,
	}
}

var _ IndexManager = (*memoryIndexManager)(nil)

func (m *memoryIndexManager) AddToCollectionParentIndex(txn *Transaction, collectionPath model.ResourcePath) error {
	if collectionPath.Len()%2 != 1 {
		return nil
	}
	id := collectionPath.LastSegment()
	parent := collectionPath.Parent()
	parents, ok := m.collectionParents[id]
	if !ok {
		parents = make(map[string]model.ResourcePath)
		m.collectionParents[id] = parents
	}
	key := parent.String()
	if _, ok := parents[key]; ok {
		return nil
	}
	parents[key] = parent
	txn.OnRollback(func() { delete(parents, key) })
	return nil
}

func (m *memoryIndexManager) CollectionParents(_ *Transaction, collectionID string) ([]model.ResourcePath, error) {
	out := make([]model.ResourcePath, 0, len(m.collectionParents[collectionID]))
	for _, p := range m.collectionParents[collectionID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

func (m *memoryIndexManager) AddFieldIndex(txn *Transaction, index *model.FieldIndex) error {
	stored := index.Clone()
	if stored.IndexID == model.FieldIndexUnknownID {
		stored.IndexID = m.nextIndexID
	}
	if stored.IndexID >= m.nextIndexID {
		prevNext := m.nextIndexID
		m.nextIndexID = stored.IndexID + 1
		txn.OnRollback(func() { m.nextIndexID = prevNext })
	}
	if stored.State.Offset == (model.IndexOffset{}) {
		stored.State.Offset = model.IndexOffsetNone
	}
	id := stored.IndexID
	m.indexes[id] = stored
	m.entries[id] = make(map[model.DocumentKey]*model.ObjectValue)
	txn.OnRollback(func() {
		delete(m.indexes, id)
		delete(m.entries, id)
	})
	return nil
}

func (m *memoryIndexManager) DeleteFieldIndex(txn *Transaction, index *model.FieldIndex) error {
	id := index.IndexID
	prev, ok := m.indexes[id]
	if !ok {
		return nil
	}
	prevEntries := m.entries[id]
	delete(m.indexes, id)
	delete(m.entries, id)
	txn.OnRollback(func() {
		m.indexes[id] = prev
		m.entries[id] = prevEntries
	})
	return nil
}

func (m *memoryIndexManager) DeleteAllFieldIndexes(txn *Transaction) error {
	for _, idx := range m.sortedIndexes("") {
		if err := m.DeleteFieldIndex(txn, idx); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryIndexManager) sortedIndexes(group string) []*model.FieldIndex {
	var out []*model.FieldIndex
	for _, idx := range m.indexes {
		if group == "" || idx.CollectionGroup == group {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexID < out[j].IndexID })
	return out
}

func (m *memoryIndexManager) FieldIndexes(_ *Transaction, group string) ([]*model.FieldIndex, error) {
	indexes := m.sortedIndexes(group)
	out := make([]*model.FieldIndex, len(indexes))
	for i, idx := range indexes {
		out[i] = idx.Clone()
	}
	return out, nil
}

// targetFields lists the fields a target needs from an index, with the segment kind
// that serves each. The key field is served by every index.
func targetFields(target *model.Target) []model.IndexSegment {
	var out []model.IndexSegment
	seen := map[string]bool{}
	hasContains := false
	for _, f := range target.FieldFilters() {
		if f.Field.IsKeyField() || seen[f.Field.CanonicalString()] {
			continue
		}
		if f.Op == model.OpArrayContains || f.Op == model.OpArrayContainsAny {
			if hasContains {
				continue
			}
			hasContains = true
			seen[f.Field.CanonicalString()] = true
			out = append(out, model.IndexSegment{Field: f.Field, Kind: model.SegmentContains})
			continue
		}
		if f.Op.IsInequality() {
			continue
		}
		seen[f.Field.CanonicalString()] = true
		out = append(out, model.IndexSegment{Field: f.Field, Kind: model.SegmentAscending})
	}
	for _, o := range target.OrderBy {
		if o.Field.IsKeyField() || seen[o.Field.CanonicalString()] {
			continue
		}
		seen[o.Field.CanonicalString()] = true
		kind := model.SegmentAscending
		if o.Direction == model.Descending {
			kind = model.SegmentDescending
		}
		out = append(out, model.IndexSegment{Field: o.Field, Kind: kind})
	}
	return out
}

// coverage counts how many of fields idx serves, and whether it serves all of them.
func coverage(idx *model.FieldIndex, fields []model.IndexSegment) (int, bool) {
	n := 0
	for _, want := range fields {
		for _, seg := range idx.Segments {
			if !seg.Field.Equal(want.Field) {
				continue
			}
			if (seg.Kind == model.SegmentContains) == (want.Kind == model.SegmentContains) {
				n++
				break
			}
		}
	}
	return n, n == len(fields)
}

func hasDisjunction(target *model.Target) bool {
	for _, f := range target.Filters {
		if c, ok := f.(*model.CompositeFilter); ok && !c.IsConjunction() {
			return true
		}
	}
	return false
}

// bestIndex returns the index serving the most fields of target.
func (m *memoryIndexManager) bestIndex(target *model.Target) (*model.FieldIndex, IndexType) {
	if target.IsDocumentTarget() || hasDisjunction(target) {
		return nil, IndexTypeNone
	}
	fields := targetFields(target)
	if len(fields) == 0 {
		return nil, IndexTypeNone
	}
	var best *model.FieldIndex
	bestCount, bestFull := 0, false
	for _, idx := range m.sortedIndexes(target.CollectionGroupID()) {
		n, full := coverage(idx, fields)
		if n > bestCount {
			best, bestCount, bestFull = idx, n, full
		}
	}
	switch {
	case best == nil:
		return nil, IndexTypeNone
	case bestFull:
		return best, IndexTypeFull
	}
	return best, IndexTypePartial
}

func (m *memoryIndexManager) CreateTargetIndexes(txn *Transaction, target *model.Target) error {
	if _, typ := m.bestIndex(target); typ == IndexTypeFull || target.IsDocumentTarget() || hasDisjunction(target) {
		return nil
	}
	fields := targetFields(target)
	if len(fields) == 0 {
		return nil
	}
	index := &model.FieldIndex{
		IndexID:         model.FieldIndexUnknownID,
		CollectionGroup: target.CollectionGroupID(),
		Segments:        fields,
	}
	for _, existing := range m.indexes {
		if existing.SemanticKey() == index.SemanticKey() {
			return nil
		}
	}
	return m.AddFieldIndex(txn, index)
}

func (m *memoryIndexManager) IndexType(_ *Transaction, target *model.Target) (IndexType, error) {
	_, typ := m.bestIndex(target)
	return typ, nil
}

func (m *memoryIndexManager) DocumentsMatchingTarget(_ *Transaction, target *model.Target) ([]model.DocumentKey, error) {
	idx, typ := m.bestIndex(target)
	if idx == nil {
		return nil, nil
	}
	served := map[string]bool{}
	for _, seg := range idx.Segments {
		served[seg.Field.CanonicalString()] = true
	}

	var candidates []*model.MutableDocument
	for key, projection := range m.entries[idx.IndexID] {
		if !targetContainsKey(target, key) {
			continue
		}
		doc := model.NewFoundDocument(key, model.MinVersion, projection)
		if !matchesServedFilters(target, served, doc) {
			continue
		}
		if typ == IndexTypeFull {
			if target.StartAt != nil && !target.StartAt.SortsBeforeDocument(target.OrderBy, doc) {
				continue
			}
			if target.EndAt != nil && !target.EndAt.SortsAfterDocument(target.OrderBy, doc) {
				continue
			}
		}
		candidates = append(candidates, doc)
	}

	if typ == IndexTypeFull {
		sort.SliceStable(candidates, func(i, j int) bool {
			for _, o := range target.OrderBy {
				if c := o.Compare(candidates[i], candidates[j]); c != 0 {
					return c < 0
				}
			}
			return false
		})
		if target.Limit != model.NoLimit && len(candidates) > target.Limit {
			candidates = candidates[:target.Limit]
		}
	}
	keys := make([]model.DocumentKey, len(candidates))
	for i, d := range candidates {
		keys[i] = d.Key()
	}
	if typ != IndexTypeFull {
		model.SortKeys(keys)
	}
	return keys, nil
}

func targetContainsKey(target *model.Target, key model.DocumentKey) bool {
	if target.CollectionGroup != "" {
		return key.HasCollectionID(target.CollectionGroup) && target.Path.IsPrefixOf(key.Path())
	}
	return target.Path.IsImmediateParentOf(key.Path())
}

// matchesServedFilters applies the target filters whose fields are all in the index.
func matchesServedFilters(target *model.Target, served map[string]bool, doc *model.MutableDocument) bool {
	for _, f := range target.Filters {
		ok := true
		for _, ff := range f.FlattenedFilters() {
			if !ff.Field.IsKeyField() && !served[ff.Field.CanonicalString()] {
				ok = false
				break
			}
		}
		if ok && !f.Matches(doc) {
			return false
		}
	}
	return true
}

func (m *memoryIndexManager) MinOffset(_ *Transaction, target *model.Target) (model.IndexOffset, error) {
	idx, _ := m.bestIndex(target)
	if idx == nil {
		return model.IndexOffsetNone, nil
	}
	return idx.State.Offset, nil
}

func (m *memoryIndexManager) MinOffsetFromCollectionGroup(_ *Transaction, group string) (model.IndexOffset, error) {
	indexes := m.sortedIndexes(group)
	if len(indexes) == 0 {
		return model.IndexOffsetNone, nil
	}
	min := indexes[0].State.Offset
	for _, idx := range indexes[1:] {
		if idx.State.Offset.Compare(min) < 0 {
			min = idx.State.Offset
		}
	}
	return min, nil
}

func (m *memoryIndexManager) NextCollectionGroupToUpdate(*Transaction) (string, error) {
	var next *model.FieldIndex
	for _, idx := range m.sortedIndexes("") {
		if next == nil || idx.State.SequenceNumber < next.State.SequenceNumber ||
			(idx.State.SequenceNumber == next.State.SequenceNumber && idx.CollectionGroup < next.CollectionGroup) {
			next = idx
		}
	}
	if next == nil {
		return "", nil
	}
	return next.CollectionGroup, nil
}

func (m *memoryIndexManager) UpdateCollectionGroup(txn *Transaction, group string, offset model.IndexOffset) error {
	prevSeq := m.sequence
	m.sequence++
	seq := m.sequence
	txn.OnRollback(func() { m.sequence = prevSeq })
	for _, idx := range m.sortedIndexes(group) {
		prev := idx.State
		idx.State = model.IndexState{SequenceNumber: seq, Offset: offset}
		txn.OnRollback(func() { idx.State = prev })
	}
	return nil
}

func (m *memoryIndexManager) UpdateIndexEntries(txn *Transaction, docs model.DocumentMap) error {
	for _, key := range docs.Keys().Sorted() {
		doc := docs[key]
		for _, idx := range m.sortedIndexes(key.CollectionGroup()) {
			entries := m.entries[idx.IndexID]
			prev, existed := entries[key]
			projection := indexProjection(idx, doc)
			if projection == nil {
				delete(entries, key)
			} else {
				entries[key] = projection
			}
			txn.OnRollback(func() {
				if existed {
					entries[key] = prev
				} else {
					delete(entries, key)
				}
			})
		}
	}
	return nil
}

// indexProjection returns the indexed fields of doc, or nil when doc is not indexed:
// it was deleted, misses a directional field, or its contains field is not an array.
func indexProjection(idx *model.FieldIndex, doc *model.MutableDocument) *model.ObjectValue {
	if !doc.IsFoundDocument() {
		return nil
	}
	projection := model.NewObjectValue()
	for _, seg := range idx.Segments {
		v, ok := doc.Field(seg.Field)
		if !ok {
			return nil
		}
		if seg.Kind == model.SegmentContains && !v.IsArray() {
			return nil
		}
		projection.Set(seg.Field, v)
	}
	return projection
}
