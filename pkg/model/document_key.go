package model

import (
	"fmt"
	"sort"
	"strings"
)

// DocumentKey identifies a document: a resource path with an even number of segments.
// It is comparable and can be used as a map key.
type DocumentKey struct {
	path string
}

// NewDocumentKey validates that path points to a document.
func NewDocumentKey(path ResourcePath) (DocumentKey, error) {
	if !IsDocumentPath(path) {
		return DocumentKey{}, fmt.Errorf("invalid document path %q: it must have an even number of segments", path.String())
	}
	return DocumentKey{path: path.String()}, nil
}

// DocumentKeyFromString parses "coll/doc/..." and panics on a non-document path.
// It is meant for literals in code and tests.
func DocumentKeyFromString(s string) DocumentKey {
	k, err := NewDocumentKey(ResourcePathFromString(s))
	if err != nil {
		panic(err)
	}
	return k
}

// IsDocumentPath reports whether path has a non-zero even segment count.
func IsDocumentPath(path ResourcePath) bool {
	return len(path) > 0 && len(path)%2 == 0
}

func (k DocumentKey) IsEmpty() bool {
	return k.path == ""
}

func (k DocumentKey) Path() ResourcePath {
	return ResourcePathFromString(k.path)
}

func (k DocumentKey) String() string {
	return k.path
}

// CollectionGroup is the id of the collection that directly contains the document.
func (k DocumentKey) CollectionGroup() string {
	p := k.Path()
	if len(p) < 2 {
		return ""
	}
	return p[len(p)-2]
}

func (k DocumentKey) CollectionPath() ResourcePath {
	return k.Path().Parent()
}

func (k DocumentKey) HasCollectionID(id string) bool {
	return k.CollectionGroup() == id
}

func (k DocumentKey) Compare(other DocumentKey) int {
	if k.path == other.path {
		return 0
	}
	a, b := k.path, other.path
	for a != "" && b != "" {
		var sa, sb string
		sa, a, _ = strings.Cut(a, "/")
		sb, b, _ = strings.Cut(b, "/")
		if c := compareSegments(sa, sb); c != 0 {
			return c
		}
	}
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	default:
		return 1
	}
}

// DocumentKeySet is an unordered set of keys; Sorted returns them in key order.
type DocumentKeySet map[DocumentKey]struct{}

func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	s := make(DocumentKeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s DocumentKeySet) Add(k DocumentKey) {
	s[k] = struct{}{}
}

func (s DocumentKeySet) Remove(k DocumentKey) {
	delete(s, k)
}

func (s DocumentKeySet) Has(k DocumentKey) bool {
	_, ok := s[k]
	return ok
}

func (s DocumentKeySet) Len() int {
	return len(s)
}

func (s DocumentKeySet) AddAll(other DocumentKeySet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

func (s DocumentKeySet) Clone() DocumentKeySet {
	out := make(DocumentKeySet, len(s))
	out.AddAll(s)
	return out
}

func (s DocumentKeySet) Equal(other DocumentKeySet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other.Has(k) {
			return false
		}
	}
	return true
}

func (s DocumentKeySet) Sorted() []DocumentKey {
	keys := make([]DocumentKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// SortKeys sorts keys in place in document key order.
func SortKeys(keys []DocumentKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Compare(keys[j]) < 0
	})
}
