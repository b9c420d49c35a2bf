package model

import (
	"strconv"
	"strings"
)

// NoLimit marks a target or query without a limit.
const NoLimit = 0

// Target is what the server listens to: a normalized query. Limit-to-last queries are
// flipped into limit-to-first targets before they get here.
type Target struct {
	Path            ResourcePath
	CollectionGroup string
	Filters         []Filter
	OrderBy         []OrderBy
	Limit           int
	StartAt         *Bound
	EndAt           *Bound
}

// CanonicalID is a unique string for the target, used to dedupe listens and as a
// persistence key.
func (t *Target) CanonicalID() string {
	var sb strings.Builder
	sb.WriteString(t.Path.String())
	if t.CollectionGroup != "" {
		sb.WriteString("|cg:")
		sb.WriteString(t.CollectionGroup)
	}
	sb.WriteString("|f:")
	for _, f := range t.Filters {
		sb.WriteString(f.CanonicalID())
	}
	sb.WriteString("|ob:")
	for _, o := range t.OrderBy {
		sb.WriteString(o.CanonicalID())
	}
	if t.Limit != NoLimit {
		sb.WriteString("|l:")
		sb.WriteString(strconv.Itoa(t.Limit))
	}
	if t.StartAt != nil {
		sb.WriteString("|lb:")
		sb.WriteString(t.StartAt.CanonicalID())
	}
	if t.EndAt != nil {
		sb.WriteString("|ub:")
		sb.WriteString(t.EndAt.CanonicalID())
	}
	return sb.String()
}

// IsDocumentTarget reports whether the target reads exactly one document by key.
func (t *Target) IsDocumentTarget() bool {
	return IsDocumentPath(t.Path) && t.CollectionGroup == "" && len(t.Filters) == 0
}

// CollectionGroupID is the collection id the target scans.
func (t *Target) CollectionGroupID() string {
	if t.CollectionGroup != "" {
		return t.CollectionGroup
	}
	return t.Path.LastSegment()
}

// FieldFilters lists every field filter of the target.
func (t *Target) FieldFilters() []*FieldFilter {
	var out []*FieldFilter
	for _, f := range t.Filters {
		out = append(out, f.FlattenedFilters()...)
	}
	return out
}

func (t *Target) Equal(other *Target) bool {
	return t.CanonicalID() == other.CanonicalID()
}

func (t *Target) String() string {
	return "Target(" + t.CanonicalID() + ")"
}
