package persistence

import "github.com/docsync/docsync.go/pkg/model"

// ReferenceSet is a many-to-many set of (document key, id) pairs. Ids are target ids or
// batch ids. It tracks which local views or pending writes keep a document alive.
type ReferenceSet struct {
	byKey map[model.DocumentKey]map[int]struct{}
	byID  map[int]model.DocumentKeySet
}

func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: make(map[model.DocumentKey]map[int]struct{}),
		byID:  make(map[int]model.DocumentKeySet),
	}
}

func (r *ReferenceSet) IsEmpty() bool {
	return len(r.byKey) == 0
}

func (r *ReferenceSet) AddReference(key model.DocumentKey, id int) {
	ids, ok := r.byKey[key]
	if !ok {
		ids = make(map[int]struct{})
		r.byKey[key] = ids
	}
	ids[id] = struct{}{}
	keys, ok := r.byID[id]
	if !ok {
		keys = model.NewDocumentKeySet()
		r.byID[id] = keys
	}
	keys.Add(key)
}

func (r *ReferenceSet) AddReferences(keys model.DocumentKeySet, id int) {
	for k := range keys {
		r.AddReference(k, id)
	}
}

func (r *ReferenceSet) RemoveReference(key model.DocumentKey, id int) {
	if ids, ok := r.byKey[key]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byKey, key)
		}
	}
	if keys, ok := r.byID[id]; ok {
		keys.Remove(key)
		if keys.Len() == 0 {
			delete(r.byID, id)
		}
	}
}

func (r *ReferenceSet) RemoveReferences(keys model.DocumentKeySet, id int) {
	for k := range keys {
		r.RemoveReference(k, id)
	}
}

// RemoveReferencesForID drops every reference of id and returns the keys it held.
func (r *ReferenceSet) RemoveReferencesForID(id int) model.DocumentKeySet {
	keys := r.ReferencesForID(id)
	r.RemoveReferences(keys, id)
	return keys
}

// RemoveAllReferences clears the set and returns the keys that were referenced.
func (r *ReferenceSet) RemoveAllReferences() model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for k := range r.byKey {
		keys.Add(k)
	}
	r.byKey = make(map[model.DocumentKey]map[int]struct{})
	r.byID = make(map[int]model.DocumentKeySet)
	return keys
}

func (r *ReferenceSet) ReferencesForID(id int) model.DocumentKeySet {
	if keys, ok := r.byID[id]; ok {
		return keys.Clone()
	}
	return model.NewDocumentKeySet()
}

func (r *ReferenceSet) ContainsKey(key model.DocumentKey) bool {
	_, ok := r.byKey[key]
	return ok
}
