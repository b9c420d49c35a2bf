package model

// ObjectValue is the mutable data of a document. Nested maps are copied on write, so
// Clone is cheap and clones never observe each other's changes.
type ObjectValue struct {
	fields map[string]Value
}

func NewObjectValue() *ObjectValue {
	return &ObjectValue{fields: map[string]Value{}}
}

// ObjectValueFromMap wraps fields. The map is copied.
func ObjectValueFromMap(fields map[string]Value) *ObjectValue {
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return &ObjectValue{fields: m}
}

// ObjectValueOf converts plain Go data into an ObjectValue.
func ObjectValueOf(data map[string]any) (*ObjectValue, error) {
	v, err := ValueOf(data)
	if err != nil {
		return nil, err
	}
	return &ObjectValue{fields: v.fields}, nil
}

// MustObjectValueOf panics if data cannot be converted.
func MustObjectValueOf(data map[string]any) *ObjectValue {
	o, err := ObjectValueOf(data)
	if err != nil {
		panic(err)
	}
	return o
}

// Field returns the value at path. The empty path is the whole object.
func (o *ObjectValue) Field(path FieldPath) (Value, bool) {
	if path.IsEmpty() {
		return o.Value(), true
	}
	cur := o.fields
	for i, seg := range path {
		v, ok := cur[seg]
		if !ok {
			return Value{}, false
		}
		if i == len(path)-1 {
			return v, true
		}
		if v.kind != KindMap {
			return Value{}, false
		}
		cur = v.fields
	}
	return Value{}, false
}

// Set stores value at path, creating intermediate maps and replacing non-map parents.
func (o *ObjectValue) Set(path FieldPath, value Value) {
	if path.IsEmpty() {
		if value.kind == KindMap {
			o.fields = copyFields(value.fields)
		}
		return
	}
	o.fields = setIn(o.fields, path, &value)
}

// FieldUpdate pairs a path with a new value; a nil Value deletes the field.
type FieldUpdate struct {
	Path  FieldPath
	Value *Value
}

// SetAll applies updates in order.
func (o *ObjectValue) SetAll(updates []FieldUpdate) {
	for _, u := range updates {
		if u.Value == nil {
			o.Delete(u.Path)
		} else {
			o.Set(u.Path, *u.Value)
		}
	}
}

// Delete removes the value at path. Missing parents are left alone.
func (o *ObjectValue) Delete(path FieldPath) {
	if path.IsEmpty() {
		o.fields = map[string]Value{}
		return
	}
	o.fields = setIn(o.fields, path, nil)
}

// setIn returns a copy of fields with path set to value, or deleted when value is nil.
func setIn(fields map[string]Value, path FieldPath, value *Value) map[string]Value {
	head := path.FirstSegment()
	out := copyFields(fields)
	if path.Len() == 1 {
		if value == nil {
			delete(out, head)
		} else {
			out[head] = *value
		}
		return out
	}
	child, ok := fields[head]
	if !ok || child.kind != KindMap {
		if value == nil {
			return fields
		}
		child = Value{kind: KindMap, fields: map[string]Value{}}
	}
	out[head] = Value{kind: KindMap, fields: setIn(child.fields, path.PopFirst(), value)}
	return out
}

func copyFields(fields map[string]Value) map[string]Value {
	out := make(map[string]Value, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Value returns the object as a map Value.
func (o *ObjectValue) Value() Value {
	return Value{kind: KindMap, fields: o.fields}
}

// Fields exposes the top-level fields. Callers must not modify the map.
func (o *ObjectValue) Fields() map[string]Value {
	return o.fields
}

func (o *ObjectValue) Clone() *ObjectValue {
	return &ObjectValue{fields: o.fields}
}

func (o *ObjectValue) Equal(other *ObjectValue) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.Value().Equal(other.Value())
}

// FieldMask lists every leaf path. Empty nested maps count as leaves.
func (o *ObjectValue) FieldMask() *FieldMask {
	m := &FieldMask{}
	collectLeaves(o.fields, nil, m)
	return m
}

func collectLeaves(fields map[string]Value, prefix FieldPath, m *FieldMask) {
	for k, v := range fields {
		p := prefix.Child(k)
		if v.kind == KindMap && len(v.fields) > 0 {
			collectLeaves(v.fields, p, m)
			continue
		}
		m.add(p)
	}
}

// Interface converts the object to plain Go data.
func (o *ObjectValue) Interface() map[string]any {
	return o.Value().Interface().(map[string]any)
}

func (o *ObjectValue) String() string {
	return o.Value().CanonicalID()
}
