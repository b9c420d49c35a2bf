package wire

import (
	"fmt"

	"github.com/docsync/docsync.go/pkg/model"
)

// EncodeTarget builds the Listen request target for td. A previously seen target is
// resumed from its token, or from its snapshot version when it has none.
func (s *Serializer) EncodeTarget(td *model.TargetData) *TargetSpec {
	spec := &TargetSpec{TargetID: int32(td.TargetID)}
	if td.Target.IsDocumentTarget() {
		spec.Documents = []string{s.encodePath(td.Target.Path)}
	} else {
		spec.Query = s.EncodeQueryTarget(td.Target)
	}
	switch {
	case len(td.ResumeToken) > 0:
		spec.ResumeToken = td.ResumeToken
		spec.ExpectedCount = td.ExpectedCount
	case td.SnapshotVersion.After(model.MinVersion):
		spec.ReadTime = EncodeVersion(td.SnapshotVersion)
		spec.ExpectedCount = td.ExpectedCount
	}
	return spec
}

// EncodeListenLabels tags non-default listens with their purpose.
func EncodeListenLabels(purpose model.TargetPurpose) map[string]string {
	if purpose == model.PurposeListen {
		return nil
	}
	return map[string]string{"purpose": purpose.String()}
}

func (s *Serializer) EncodeQueryTarget(t *model.Target) *QueryTarget {
	q := &StructuredQuery{}
	parent := t.Path
	if t.CollectionGroup != "" {
		q.From = []CollectionSelector{{CollectionID: t.CollectionGroup, AllDescendants: true}}
	} else {
		parent = t.Path.Parent()
		q.From = []CollectionSelector{{CollectionID: t.Path.LastSegment()}}
	}
	switch len(t.Filters) {
	case 0:
	case 1:
		q.Where = s.encodeFilter(t.Filters[0])
	default:
		q.Where = s.encodeFilter(model.NewCompositeFilter(model.CompositeAnd, t.Filters...))
	}
	for _, o := range t.OrderBy {
		q.OrderBy = append(q.OrderBy, Order{Field: o.Field, Direction: o.Direction.String()})
	}
	if t.Limit != model.NoLimit {
		limit := int32(t.Limit)
		q.Limit = &limit
	}
	if t.StartAt != nil {
		q.StartAt = &Cursor{Values: s.encodeValues(t.StartAt.Position), Before: t.StartAt.Inclusive}
	}
	if t.EndAt != nil {
		q.EndAt = &Cursor{Values: s.encodeValues(t.EndAt.Position), Before: !t.EndAt.Inclusive}
	}
	return &QueryTarget{Parent: s.encodePath(parent), StructuredQuery: q}
}

func (s *Serializer) encodeFilter(f model.Filter) *Filter {
	switch f := f.(type) {
	case *model.FieldFilter:
		return &Filter{Field: &FieldFilter{Field: f.Field, Op: string(f.Op), Value: s.EncodeValue(f.Value)}}
	case *model.CompositeFilter:
		c := &CompositeFilter{Op: string(f.Op)}
		for _, sub := range f.Filters {
			c.Filters = append(c.Filters, *s.encodeFilter(sub))
		}
		return &Filter{Composite: c}
	}
	panic(fmt.Sprintf("BUG: unknown filter type %T", f))
}

// DecodeTarget reverses EncodeTarget's target part.
func (s *Serializer) DecodeTarget(spec *TargetSpec) (*model.Target, error) {
	if len(spec.Documents) > 0 {
		if len(spec.Documents) != 1 {
			return nil, fmt.Errorf("documents target with %d documents", len(spec.Documents))
		}
		key, err := s.DecodeKey(spec.Documents[0])
		if err != nil {
			return nil, err
		}
		return &model.Target{Path: key.Path()}, nil
	}
	if spec.Query == nil {
		return nil, fmt.Errorf("target %d has neither documents nor query", spec.TargetID)
	}
	return s.DecodeQueryTarget(spec.Query)
}

func (s *Serializer) DecodeQueryTarget(qt *QueryTarget) (*model.Target, error) {
	parent, err := s.decodePath(qt.Parent)
	if err != nil {
		return nil, err
	}
	q := qt.StructuredQuery
	if q == nil || len(q.From) != 1 {
		return nil, fmt.Errorf("structured query must select exactly one collection")
	}
	t := &model.Target{Path: parent}
	if q.From[0].AllDescendants {
		t.CollectionGroup = q.From[0].CollectionID
	} else {
		t.Path = parent.Child(q.From[0].CollectionID)
	}
	if q.Where != nil {
		f, err := s.decodeFilter(q.Where)
		if err != nil {
			return nil, err
		}
		if c, ok := f.(*model.CompositeFilter); ok && c.IsConjunction() {
			t.Filters = c.Filters
		} else {
			t.Filters = []model.Filter{f}
		}
	}
	for _, o := range q.OrderBy {
		dir := model.Ascending
		if o.Direction == model.Descending.String() {
			dir = model.Descending
		}
		t.OrderBy = append(t.OrderBy, model.OrderBy{Field: model.NewFieldPath(o.Field...), Direction: dir})
	}
	if q.Limit != nil {
		t.Limit = int(*q.Limit)
	}
	if q.StartAt != nil {
		values, err := s.decodeValues(q.StartAt.Values)
		if err != nil {
			return nil, err
		}
		t.StartAt = &model.Bound{Position: values, Inclusive: q.StartAt.Before}
	}
	if q.EndAt != nil {
		values, err := s.decodeValues(q.EndAt.Values)
		if err != nil {
			return nil, err
		}
		t.EndAt = &model.Bound{Position: values, Inclusive: !q.EndAt.Before}
	}
	return t, nil
}

func (s *Serializer) decodeFilter(f *Filter) (model.Filter, error) {
	switch {
	case f.Field != nil:
		v, err := s.DecodeValue(f.Field.Value)
		if err != nil {
			return nil, err
		}
		return model.NewFieldFilter(model.NewFieldPath(f.Field.Field...), model.Operator(f.Field.Op), v), nil
	case f.Composite != nil:
		subs := make([]model.Filter, 0, len(f.Composite.Filters))
		for i := range f.Composite.Filters {
			sub, err := s.decodeFilter(&f.Composite.Filters[i])
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		return model.NewCompositeFilter(model.CompositeOperator(f.Composite.Op), subs...), nil
	}
	return nil, fmt.Errorf("empty filter")
}

// QueryFromTarget rebuilds a query that evaluates like t. Server-side evaluation only
// needs limit-to-first semantics because targets are already normalized.
func QueryFromTarget(t *model.Target) model.Query {
	q := model.Query{
		Path:            t.Path,
		CollectionGroup: t.CollectionGroup,
		Filters:         t.Filters,
		ExplicitOrderBy: t.OrderBy,
		Limit:           t.Limit,
		StartAt:         t.StartAt,
		EndAt:           t.EndAt,
	}
	return q
}
