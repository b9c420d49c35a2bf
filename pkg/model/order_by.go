package model

// Direction of an OrderBy.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// OrderBy sorts query results by one field.
type OrderBy struct {
	Field     FieldPath
	Direction Direction
}

func (o OrderBy) CanonicalID() string {
	return o.Field.CanonicalString() + o.Direction.String()
}

// Compare orders two documents by the field. Both must contain it unless it is the key.
func (o OrderBy) Compare(a, b *MutableDocument) int {
	var c int
	if o.Field.IsKeyField() {
		c = a.Key().Compare(b.Key())
	} else {
		av, aok := a.Field(o.Field)
		bv, bok := b.Field(o.Field)
		if !aok || !bok {
			panic("BUG: ordering by a field missing from a matched document")
		}
		c = av.Compare(bv)
	}
	if o.Direction == Descending {
		return -c
	}
	return c
}

func (o OrderBy) Equal(other OrderBy) bool {
	return o.Direction == other.Direction && o.Field.Equal(other.Field)
}

// Bound is a query cursor: a position in the sort order of a query.
type Bound struct {
	Position  []Value
	Inclusive bool
}

func (b *Bound) CanonicalID() string {
	s := "b:"
	if b.Inclusive {
		s = "a:"
	}
	for i, v := range b.Position {
		if i > 0 {
			s += ","
		}
		s += v.CanonicalID()
	}
	return s
}

func (b *Bound) Equal(other *Bound) bool {
	if b == nil || other == nil {
		return b == other
	}
	if b.Inclusive != other.Inclusive || len(b.Position) != len(other.Position) {
		return false
	}
	for i := range b.Position {
		if !b.Position[i].Equal(other.Position[i]) {
			return false
		}
	}
	return true
}

func (b *Bound) compareToDocument(orderBy []OrderBy, doc *MutableDocument) int {
	c := 0
	for i, component := range b.Position {
		if i >= len(orderBy) {
			break
		}
		o := orderBy[i]
		if o.Field.IsKeyField() {
			c = component.ReferenceValue().Compare(doc.Key())
		} else {
			v, _ := doc.Field(o.Field)
			c = component.Compare(v)
		}
		if o.Direction == Descending {
			c = -c
		}
		if c != 0 {
			break
		}
	}
	return c
}

// SortsBeforeDocument reports whether doc is at or after a start bound.
func (b *Bound) SortsBeforeDocument(orderBy []OrderBy, doc *MutableDocument) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c <= 0
	}
	return c < 0
}

// SortsAfterDocument reports whether doc is at or before an end bound.
func (b *Bound) SortsAfterDocument(orderBy []OrderBy, doc *MutableDocument) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c >= 0
	}
	return c > 0
}
