package model

import (
	"sort"
	"strings"
)

// DocumentComparator orders documents; ties are broken by key by DocumentSet.
type DocumentComparator func(a, b *MutableDocument) int

// KeyComparator orders documents by key only.
func KeyComparator(a, b *MutableDocument) int {
	return a.Key().Compare(b.Key())
}

// DocumentSet is a set of documents ordered by a comparator.
type DocumentSet struct {
	cmp   DocumentComparator
	docs  []*MutableDocument
	index map[DocumentKey]*MutableDocument
}

func NewDocumentSet(cmp DocumentComparator) *DocumentSet {
	if cmp == nil {
		cmp = KeyComparator
	}
	return &DocumentSet{cmp: cmp, index: map[DocumentKey]*MutableDocument{}}
}

func (s *DocumentSet) compare(a, b *MutableDocument) int {
	if c := s.cmp(a, b); c != 0 {
		return c
	}
	return a.Key().Compare(b.Key())
}

func (s *DocumentSet) Len() int      { return len(s.docs) }
func (s *DocumentSet) IsEmpty() bool { return len(s.docs) == 0 }

func (s *DocumentSet) Has(key DocumentKey) bool {
	_, ok := s.index[key]
	return ok
}

func (s *DocumentSet) Get(key DocumentKey) *MutableDocument {
	return s.index[key]
}

func (s *DocumentSet) First() *MutableDocument {
	if len(s.docs) == 0 {
		return nil
	}
	return s.docs[0]
}

func (s *DocumentSet) Last() *MutableDocument {
	if len(s.docs) == 0 {
		return nil
	}
	return s.docs[len(s.docs)-1]
}

// IndexOf returns the position of key, or -1.
func (s *DocumentSet) IndexOf(key DocumentKey) int {
	doc, ok := s.index[key]
	if !ok {
		return -1
	}
	return s.search(doc)
}

func (s *DocumentSet) search(doc *MutableDocument) int {
	return sort.Search(len(s.docs), func(i int) bool { return s.compare(s.docs[i], doc) >= 0 })
}

// Add inserts doc, replacing any document with the same key.
func (s *DocumentSet) Add(doc *MutableDocument) {
	s.Delete(doc.Key())
	i := s.search(doc)
	s.docs = append(s.docs, nil)
	copy(s.docs[i+1:], s.docs[i:])
	s.docs[i] = doc
	s.index[doc.Key()] = doc
}

func (s *DocumentSet) Delete(key DocumentKey) {
	doc, ok := s.index[key]
	if !ok {
		return
	}
	i := s.search(doc)
	s.docs = append(s.docs[:i], s.docs[i+1:]...)
	delete(s.index, key)
}

// Documents returns the documents in order. Callers must not modify the slice.
func (s *DocumentSet) Documents() []*MutableDocument {
	return s.docs
}

func (s *DocumentSet) Keys() DocumentKeySet {
	keys := make(DocumentKeySet, len(s.docs))
	for k := range s.index {
		keys.Add(k)
	}
	return keys
}

func (s *DocumentSet) Clone() *DocumentSet {
	c := &DocumentSet{
		cmp:   s.cmp,
		docs:  append([]*MutableDocument(nil), s.docs...),
		index: make(map[DocumentKey]*MutableDocument, len(s.index)),
	}
	for k, v := range s.index {
		c.index[k] = v
	}
	return c
}

// Equal compares the documents in order.
func (s *DocumentSet) Equal(other *DocumentSet) bool {
	if len(s.docs) != len(other.docs) {
		return false
	}
	for i := range s.docs {
		if !s.docs[i].Equal(other.docs[i]) {
			return false
		}
	}
	return true
}

func (s *DocumentSet) String() string {
	parts := make([]string, len(s.docs))
	for i, d := range s.docs {
		parts[i] = d.String()
	}
	return "DocumentSet[" + strings.Join(parts, ", ") + "]"
}
