package model

import (
	"fmt"
	"strings"
)

// Operator is a field filter comparison.
type Operator string

const (
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="
	OpEqual              Operator = "=="
	OpNotEqual           Operator = "!="
	OpGreaterThanOrEqual Operator = ">="
	OpGreaterThan        Operator = ">"
	OpArrayContains      Operator = "array-contains"
	OpIn                 Operator = "in"
	OpArrayContainsAny   Operator = "array-contains-any"
	OpNotIn              Operator = "not-in"
)

// IsInequality reports operators that constrain the sort order of a query.
func (op Operator) IsInequality() bool {
	switch op {
	case OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual, OpNotEqual, OpNotIn:
		return true
	}
	return false
}

// Filter is either a *FieldFilter or a *CompositeFilter.
type Filter interface {
	Matches(doc *MutableDocument) bool
	CanonicalID() string
	// FlattenedFilters lists the field filters in the filter tree.
	FlattenedFilters() []*FieldFilter
	isFilter()
}

// FieldFilter compares one field of a document against a constant.
type FieldFilter struct {
	Field FieldPath
	Op    Operator
	Value Value
}

func NewFieldFilter(field FieldPath, op Operator, value Value) *FieldFilter {
	return &FieldFilter{Field: field, Op: op, Value: value}
}

func (*FieldFilter) isFilter() {}

func (f *FieldFilter) FlattenedFilters() []*FieldFilter {
	return []*FieldFilter{f}
}

func (f *FieldFilter) CanonicalID() string {
	return f.Field.CanonicalString() + string(f.Op) + f.Value.CanonicalID()
}

func (f *FieldFilter) Matches(doc *MutableDocument) bool {
	if f.Field.IsKeyField() {
		return f.matchesKey(doc.Key())
	}
	other, ok := doc.Field(f.Field)
	switch f.Op {
	case OpArrayContains:
		return ok && other.IsArray() && other.ArrayContains(f.Value)
	case OpArrayContainsAny:
		if !ok || !other.IsArray() {
			return false
		}
		for _, e := range other.array {
			if f.Value.ArrayContains(e) {
				return true
			}
		}
		return false
	case OpIn:
		return ok && f.Value.ArrayContains(other)
	case OpNotIn:
		if f.Value.ArrayContains(NullValue) {
			return false
		}
		return ok && !other.IsNull() && !f.Value.ArrayContains(other)
	case OpNotEqual:
		return ok && !other.IsNull() && f.matchesComparison(other.Compare(f.Value))
	}
	return ok && typeOrder(other.kind) == typeOrder(f.Value.kind) && f.matchesComparison(other.Compare(f.Value))
}

func (f *FieldFilter) matchesKey(key DocumentKey) bool {
	switch f.Op {
	case OpIn:
		return f.Value.ArrayContains(ReferenceValue(key))
	case OpNotIn:
		return !f.Value.ArrayContains(ReferenceValue(key))
	}
	return f.matchesComparison(key.Compare(f.Value.ReferenceValue()))
}

func (f *FieldFilter) matchesComparison(c int) bool {
	switch f.Op {
	case OpLessThan:
		return c < 0
	case OpLessThanOrEqual:
		return c <= 0
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpGreaterThan:
		return c > 0
	case OpGreaterThanOrEqual:
		return c >= 0
	}
	panic(fmt.Sprintf("BUG: operator %q is not a comparison", f.Op))
}

// CompositeOperator joins the filters of a CompositeFilter.
type CompositeOperator string

const (
	CompositeAnd CompositeOperator = "and"
	CompositeOr  CompositeOperator = "or"
)

// CompositeFilter is a conjunction or disjunction of filters.
type CompositeFilter struct {
	Op      CompositeOperator
	Filters []Filter
}

func NewCompositeFilter(op CompositeOperator, filters ...Filter) *CompositeFilter {
	return &CompositeFilter{Op: op, Filters: filters}
}

func (*CompositeFilter) isFilter() {}

func (c *CompositeFilter) Matches(doc *MutableDocument) bool {
	for _, f := range c.Filters {
		m := f.Matches(doc)
		if c.Op == CompositeOr && m {
			return true
		}
		if c.Op == CompositeAnd && !m {
			return false
		}
	}
	return c.Op == CompositeAnd
}

func (c *CompositeFilter) CanonicalID() string {
	parts := make([]string, len(c.Filters))
	for i, f := range c.Filters {
		parts[i] = f.CanonicalID()
	}
	return string(c.Op) + "(" + strings.Join(parts, ",") + ")"
}

func (c *CompositeFilter) FlattenedFilters() []*FieldFilter {
	var out []*FieldFilter
	for _, f := range c.Filters {
		out = append(out, f.FlattenedFilters()...)
	}
	return out
}

// IsConjunction reports whether every document must match all sub-filters.
func (c *CompositeFilter) IsConjunction() bool {
	return c.Op == CompositeAnd
}
