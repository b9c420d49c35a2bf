package model

import "sort"

// LimitType selects which end of the ordered results a limit keeps.
type LimitType int

const (
	LimitToFirst LimitType = iota
	LimitToLast
)

// Query is a read of a collection, a collection group or a single document.
//
// Queries are values: the With* methods return modified copies.
type Query struct {
	Path            ResourcePath
	CollectionGroup string
	ExplicitOrderBy []OrderBy
	Filters         []Filter
	Limit           int
	LimitType       LimitType
	StartAt         *Bound
	EndAt           *Bound
}

// NewQuery reads the collection, or the single document, at path.
func NewQuery(path ResourcePath) Query {
	return Query{Path: path}
}

// NewCollectionGroupQuery reads every collection with the given id.
func NewCollectionGroupQuery(collectionID string) Query {
	return Query{CollectionGroup: collectionID}
}

func (q Query) clone() Query {
	q.ExplicitOrderBy = append([]OrderBy(nil), q.ExplicitOrderBy...)
	q.Filters = append([]Filter(nil), q.Filters...)
	return q
}

func (q Query) WithFilter(f Filter) Query {
	c := q.clone()
	c.Filters = append(c.Filters, f)
	return c
}

func (q Query) WithOrderBy(o OrderBy) Query {
	c := q.clone()
	c.ExplicitOrderBy = append(c.ExplicitOrderBy, o)
	return c
}

func (q Query) WithLimitToFirst(n int) Query {
	c := q.clone()
	c.Limit, c.LimitType = n, LimitToFirst
	return c
}

func (q Query) WithLimitToLast(n int) Query {
	c := q.clone()
	c.Limit, c.LimitType = n, LimitToLast
	return c
}

func (q Query) WithStartAt(b *Bound) Query {
	c := q.clone()
	c.StartAt = b
	return c
}

func (q Query) WithEndAt(b *Bound) Query {
	c := q.clone()
	c.EndAt = b
	return c
}

// AsCollectionQueryAtPath turns a collection group query into a query of one collection.
func (q Query) AsCollectionQueryAtPath(path ResourcePath) Query {
	c := q.clone()
	c.Path, c.CollectionGroup = path, ""
	return c
}

func (q Query) HasLimit() bool {
	return q.Limit != NoLimit
}

func (q Query) IsCollectionGroupQuery() bool {
	return q.CollectionGroup != ""
}

// IsDocumentQuery reports whether the query reads one document by key.
func (q Query) IsDocumentQuery() bool {
	return IsDocumentPath(q.Path) && q.CollectionGroup == "" && len(q.Filters) == 0
}

// MatchesAllDocuments reports whether every document of the collection is a result.
func (q Query) MatchesAllDocuments() bool {
	return len(q.Filters) == 0 && q.Limit == NoLimit && q.StartAt == nil && q.EndAt == nil &&
		(len(q.ExplicitOrderBy) == 0 ||
			(len(q.ExplicitOrderBy) == 1 && q.ExplicitOrderBy[0].Field.IsKeyField()))
}

// InequalityFields lists, sorted, the fields constrained by inequality filters.
func (q Query) InequalityFields() []FieldPath {
	var out []FieldPath
	seen := map[string]bool{}
	for _, f := range q.Filters {
		for _, ff := range f.FlattenedFilters() {
			if !ff.Op.IsInequality() {
				continue
			}
			id := ff.Field.CanonicalString()
			if !seen[id] {
				seen[id] = true
				out = append(out, ff.Field)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// NormalizedOrderBy is the full sort order: explicit orderings, then inequality fields,
// then the document key, the trailing ones in the direction of the last explicit one.
func (q Query) NormalizedOrderBy() []OrderBy {
	out := append([]OrderBy(nil), q.ExplicitOrderBy...)
	seen := map[string]bool{}
	for _, o := range q.ExplicitOrderBy {
		seen[o.Field.CanonicalString()] = true
	}
	dir := Ascending
	if n := len(q.ExplicitOrderBy); n > 0 {
		dir = q.ExplicitOrderBy[n-1].Direction
	}
	for _, f := range q.InequalityFields() {
		if !seen[f.CanonicalString()] && !f.IsKeyField() {
			out = append(out, OrderBy{Field: f, Direction: dir})
			seen[f.CanonicalString()] = true
		}
	}
	if !seen[KeyFieldPath.CanonicalString()] {
		out = append(out, OrderBy{Field: KeyFieldPath, Direction: dir})
	}
	return out
}

// Matches reports whether doc is a result of the query, ignoring the limit.
func (q Query) Matches(doc *MutableDocument) bool {
	if !doc.IsFoundDocument() || !q.matchesPath(doc) {
		return false
	}
	orderBy := q.NormalizedOrderBy()
	for _, o := range orderBy {
		if o.Field.IsKeyField() {
			continue
		}
		if _, ok := doc.Field(o.Field); !ok {
			return false
		}
	}
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	if q.StartAt != nil && !q.StartAt.SortsBeforeDocument(orderBy, doc) {
		return false
	}
	if q.EndAt != nil && !q.EndAt.SortsAfterDocument(orderBy, doc) {
		return false
	}
	return true
}

func (q Query) matchesPath(doc *MutableDocument) bool {
	docPath := doc.Key().Path()
	switch {
	case q.CollectionGroup != "":
		return doc.Key().HasCollectionID(q.CollectionGroup) && q.Path.IsPrefixOf(docPath)
	case IsDocumentPath(q.Path):
		return q.Path.Equal(docPath)
	}
	return q.Path.IsImmediateParentOf(docPath)
}

// Comparator orders matching documents by the normalized order.
func (q Query) Comparator() DocumentComparator {
	orderBy := q.NormalizedOrderBy()
	return func(a, b *MutableDocument) int {
		for _, o := range orderBy {
			if c := o.Compare(a, b); c != 0 {
				return c
			}
		}
		return 0
	}
}

// ToTarget normalizes the query for the server. Limit-to-last queries flip their
// ordering and bounds.
func (q Query) ToTarget() *Target {
	orderBy := q.NormalizedOrderBy()
	t := &Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Filters:         q.Filters,
		Limit:           q.Limit,
		StartAt:         q.StartAt,
		EndAt:           q.EndAt,
		OrderBy:         orderBy,
	}
	if q.LimitType == LimitToLast {
		flipped := make([]OrderBy, len(orderBy))
		for i, o := range orderBy {
			o.Direction = 1 - o.Direction
			flipped[i] = o
		}
		t.OrderBy = flipped
		t.StartAt, t.EndAt = nil, nil
		if q.EndAt != nil {
			t.StartAt = &Bound{Position: q.EndAt.Position, Inclusive: q.EndAt.Inclusive}
		}
		if q.StartAt != nil {
			t.EndAt = &Bound{Position: q.StartAt.Position, Inclusive: q.StartAt.Inclusive}
		}
	}
	return t
}

// CanonicalID identifies the query, including its limit type.
func (q Query) CanonicalID() string {
	lt := "|lt:f"
	if q.LimitType == LimitToLast {
		lt = "|lt:l"
	}
	return q.ToTarget().CanonicalID() + lt
}

func (q Query) Equal(other Query) bool {
	return q.CanonicalID() == other.CanonicalID()
}

func (q Query) String() string {
	return "Query(" + q.CanonicalID() + ")"
}
