package model

import (
	"sort"
	"strings"
)

// FieldMask is a set of field paths touched by a patch. A nil *FieldMask stands for the
// whole document; an empty mask touches nothing.
type FieldMask struct {
	paths []FieldPath
}

// NewFieldMask sorts and de-duplicates paths.
func NewFieldMask(paths ...FieldPath) *FieldMask {
	m := &FieldMask{}
	for _, p := range paths {
		m.add(p)
	}
	return m
}

func (m *FieldMask) add(p FieldPath) {
	i := sort.Search(len(m.paths), func(i int) bool { return m.paths[i].Compare(p) >= 0 })
	if i < len(m.paths) && m.paths[i].Equal(p) {
		return
	}
	m.paths = append(m.paths, nil)
	copy(m.paths[i+1:], m.paths[i:])
	m.paths[i] = append(FieldPath(nil), p...)
}

// Paths returns the sorted paths of the mask.
func (m *FieldMask) Paths() []FieldPath {
	if m == nil {
		return nil
	}
	return m.paths
}

func (m *FieldMask) Len() int {
	if m == nil {
		return 0
	}
	return len(m.paths)
}

// Covers reports whether path or one of its parents is in the mask.
func (m *FieldMask) Covers(path FieldPath) bool {
	if m == nil {
		return true
	}
	for _, p := range m.paths {
		if p.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// UnionWith returns a new mask containing both sets of paths. A nil receiver stays nil.
func (m *FieldMask) UnionWith(paths ...FieldPath) *FieldMask {
	if m == nil {
		return nil
	}
	out := &FieldMask{paths: append([]FieldPath(nil), m.paths...)}
	for _, p := range paths {
		out.add(p)
	}
	return out
}

func (m *FieldMask) Equal(other *FieldMask) bool {
	if m == nil || other == nil {
		return m == nil && other == nil
	}
	if len(m.paths) != len(other.paths) {
		return false
	}
	for i := range m.paths {
		if !m.paths[i].Equal(other.paths[i]) {
			return false
		}
	}
	return true
}

func (m *FieldMask) String() string {
	if m == nil {
		return "FieldMask(*)"
	}
	parts := make([]string, len(m.paths))
	for i, p := range m.paths {
		parts[i] = p.CanonicalString()
	}
	return "FieldMask{" + strings.Join(parts, ",") + "}"
}
