package model

import (
	"fmt"
	"math"

	"github.com/docsync/docsync.go/pkg/constants"
)

// MutationKind is the tag of a Mutation.
type MutationKind int

const (
	MutationSet MutationKind = iota
	MutationPatch
	MutationDelete
	MutationVerify
)

func (k MutationKind) String() string {
	switch k {
	case MutationSet:
		return "set"
	case MutationPatch:
		return "patch"
	case MutationDelete:
		return "delete"
	case MutationVerify:
		return "verify"
	}
	return "unknown"
}

// Precondition guards a mutation. The zero Precondition always holds.
type Precondition struct {
	UpdateTime *SnapshotVersion
	Exists     *bool
}

func PreconditionNone() Precondition { return Precondition{} }

func PreconditionExists(exists bool) Precondition {
	return Precondition{Exists: &exists}
}

func PreconditionUpdateTime(v SnapshotVersion) Precondition {
	return Precondition{UpdateTime: &v}
}

func (p Precondition) IsNone() bool {
	return p.UpdateTime == nil && p.Exists == nil
}

// IsValidFor reports whether the precondition holds for doc.
func (p Precondition) IsValidFor(doc *MutableDocument) bool {
	switch {
	case p.UpdateTime != nil:
		return doc.IsFoundDocument() && doc.Version().Equal(*p.UpdateTime)
	case p.Exists != nil:
		return *p.Exists == doc.IsFoundDocument()
	}
	return true
}

func (p Precondition) Equal(other Precondition) bool {
	switch {
	case p.UpdateTime != nil:
		return other.UpdateTime != nil && p.UpdateTime.Equal(*other.UpdateTime)
	case p.Exists != nil:
		return other.Exists != nil && *p.Exists == *other.Exists
	}
	return other.IsNone()
}

// TransformKind selects the operation of a FieldTransform.
type TransformKind int

const (
	TransformServerTimestamp TransformKind = iota
	TransformArrayUnion
	TransformArrayRemove
	TransformNumericIncrement
)

// FieldTransform rewrites one field relative to its current value.
type FieldTransform struct {
	Field FieldPath
	Kind  TransformKind
	// Elements for array union and remove.
	Elements []Value
	// Operand for numeric increment.
	Operand Value
}

func ServerTimestampTransform(field FieldPath) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformServerTimestamp}
}

func ArrayUnionTransform(field FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformArrayUnion, Elements: elements}
}

func ArrayRemoveTransform(field FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformArrayRemove, Elements: elements}
}

func NumericIncrementTransform(field FieldPath, operand Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformNumericIncrement, Operand: operand}
}

func (t FieldTransform) Equal(other FieldTransform) bool {
	if t.Kind != other.Kind || !t.Field.Equal(other.Field) || len(t.Elements) != len(other.Elements) {
		return false
	}
	for i := range t.Elements {
		if !t.Elements[i].Equal(other.Elements[i]) {
			return false
		}
	}
	return t.Kind != TransformNumericIncrement || t.Operand.Equal(other.Operand)
}

// applyLocal computes the optimistic result of the transform.
func (t FieldTransform) applyLocal(previous *Value, localWriteTime Timestamp) Value {
	switch t.Kind {
	case TransformServerTimestamp:
		return ServerTimestampValue(localWriteTime, previous)
	case TransformArrayUnion:
		return t.arrayUnion(previous)
	case TransformArrayRemove:
		return t.arrayRemove(previous)
	case TransformNumericIncrement:
		base := IntegerValue(0)
		if previous != nil && previous.IsNumber() {
			base = *previous
		}
		return addNumbers(base, t.Operand)
	}
	panic(fmt.Sprintf("BUG: unknown transform kind %d", t.Kind))
}

// applyRemote combines the server's result with the current value. Array transforms are
// recomputed locally; the server result is authoritative otherwise.
func (t FieldTransform) applyRemote(previous *Value, serverResult Value) Value {
	switch t.Kind {
	case TransformArrayUnion:
		return t.arrayUnion(previous)
	case TransformArrayRemove:
		return t.arrayRemove(previous)
	}
	return serverResult
}

// baseValue is the value an increment must start from if the field is rewritten by the
// server before the write is acknowledged.
func (t FieldTransform) baseValue(previous *Value) *Value {
	if t.Kind != TransformNumericIncrement {
		return nil
	}
	if previous != nil && previous.IsNumber() {
		v := *previous
		return &v
	}
	zero := IntegerValue(0)
	return &zero
}

func coerceArray(previous *Value) []Value {
	if previous != nil && previous.kind == KindArray {
		return append([]Value(nil), previous.array...)
	}
	return nil
}

func (t FieldTransform) arrayUnion(previous *Value) Value {
	out := coerceArray(previous)
	for _, e := range t.Elements {
		if !containsValue(out, e) {
			out = append(out, e)
		}
	}
	return Value{kind: KindArray, array: out}
}

func (t FieldTransform) arrayRemove(previous *Value) Value {
	in := coerceArray(previous)
	out := in[:0]
	for _, e := range in {
		if !containsValue(t.Elements, e) {
			out = append(out, e)
		}
	}
	return Value{kind: KindArray, array: out}
}

func containsValue(values []Value, v Value) bool {
	for _, e := range values {
		if e.Equal(v) {
			return true
		}
	}
	return false
}

// addNumbers adds with int64 saturation when both sides are integers.
func addNumbers(a, b Value) Value {
	if a.kind == KindInteger && b.kind == KindInteger {
		sum := a.integer + b.integer
		switch {
		case a.integer > 0 && b.integer > 0 && sum < 0:
			return IntegerValue(math.MaxInt64)
		case a.integer < 0 && b.integer < 0 && sum >= 0:
			return IntegerValue(math.MinInt64)
		}
		return IntegerValue(sum)
	}
	return DoubleValue(a.numberAsDouble() + b.numberAsDouble())
}

// MutationResult is the server's answer to one mutation of a batch.
type MutationResult struct {
	Version          SnapshotVersion
	TransformResults []Value
}

// Mutation is a single write to one document.
//
// Set replaces the document with Value. Patch writes the fields in Mask from Value and
// deletes masked fields that Value lacks. Delete removes the document. Verify only checks
// its precondition on the server.
type Mutation struct {
	Kind         MutationKind
	Key          DocumentKey
	Value        *ObjectValue
	Mask         *FieldMask
	Precondition Precondition
	Transforms   []FieldTransform
}

func NewSetMutation(key DocumentKey, value *ObjectValue, transforms ...FieldTransform) Mutation {
	return Mutation{Kind: MutationSet, Key: key, Value: value, Transforms: transforms}
}

func NewPatchMutation(key DocumentKey, value *ObjectValue, mask *FieldMask, precondition Precondition, transforms ...FieldTransform) Mutation {
	if mask == nil {
		mask = value.FieldMask()
	}
	return Mutation{Kind: MutationPatch, Key: key, Value: value, Mask: mask, Precondition: precondition, Transforms: transforms}
}

func NewDeleteMutation(key DocumentKey, precondition Precondition) Mutation {
	return Mutation{Kind: MutationDelete, Key: key, Precondition: precondition}
}

func NewVerifyMutation(key DocumentKey, precondition Precondition) Mutation {
	return Mutation{Kind: MutationVerify, Key: key, Precondition: precondition}
}

// FieldMask is the set of fields the mutation writes, or nil if it rewrites the whole
// document.
func (m Mutation) FieldMask() *FieldMask {
	if m.Kind == MutationPatch {
		return m.Mask
	}
	return nil
}

// ApplyToRemoteDocument applies an acknowledged mutation to the cached server document.
// It fails without touching doc when result does not fit the mutation.
func (m Mutation) ApplyToRemoteDocument(doc *MutableDocument, result MutationResult) error {
	m.verifyKey(doc)
	switch m.Kind {
	case MutationSet:
		transformResults, err := m.serverTransformResults(doc, result.TransformResults)
		if err != nil {
			return err
		}
		data := m.Value.Clone()
		data.SetAll(transformResults)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case MutationPatch:
		if !m.Precondition.IsValidFor(doc) {
			// The patch did not apply server side in a way we can reproduce, so all we know
			// is that the document exists at the result version.
			doc.ConvertToUnknownDocument(result.Version)
			return nil
		}
		transformResults, err := m.serverTransformResults(doc, result.TransformResults)
		if err != nil {
			return err
		}
		data := doc.Data().Clone()
		data.SetAll(m.patchUpdates())
		data.SetAll(transformResults)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case MutationDelete:
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	case MutationVerify:
	}
	return nil
}

// CheckResult reports whether result could have been produced for m.
func (m Mutation) CheckResult(result MutationResult) error {
	if n := len(result.TransformResults); n != len(m.Transforms) {
		return fmt.Errorf("%w: server returned %d transform results for %d transforms of %s",
			constants.ErrInconsistentState, n, len(m.Transforms), m.Key)
	}
	return nil
}

// ApplyToLocalView applies the mutation optimistically and returns the accumulated mask of
// written fields. previousMask and the result are nil when the whole document was written.
func (m Mutation) ApplyToLocalView(doc *MutableDocument, previousMask *FieldMask, localWriteTime Timestamp) *FieldMask {
	m.verifyKey(doc)
	if !m.Precondition.IsValidFor(doc) {
		return previousMask
	}
	switch m.Kind {
	case MutationSet:
		data := m.Value.Clone()
		data.SetAll(m.localTransformResults(doc, localWriteTime))
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		return nil
	case MutationPatch:
		transformResults := m.localTransformResults(doc, localWriteTime)
		data := doc.Data().Clone()
		data.SetAll(m.patchUpdates())
		data.SetAll(transformResults)
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		if previousMask == nil {
			return nil
		}
		mask := previousMask.UnionWith(m.Mask.Paths()...)
		for _, t := range m.Transforms {
			mask = mask.UnionWith(t.Field)
		}
		return mask
	case MutationDelete:
		doc.ConvertToNoDocument(doc.Version()).SetHasLocalMutations()
		return nil
	}
	return previousMask
}

// ExtractTransformBaseValue returns the current values that non-idempotent transforms build
// on, or nil when there are none.
func (m Mutation) ExtractTransformBaseValue(doc *MutableDocument) *ObjectValue {
	var base *ObjectValue
	for _, t := range m.Transforms {
		var previous *Value
		if v, ok := doc.Field(t.Field); ok {
			previous = &v
		}
		if bv := t.baseValue(previous); bv != nil {
			if base == nil {
				base = NewObjectValue()
			}
			base.Set(t.Field, *bv)
		}
	}
	return base
}

func (m Mutation) patchUpdates() []FieldUpdate {
	updates := make([]FieldUpdate, 0, m.Mask.Len())
	for _, p := range m.Mask.Paths() {
		if p.IsEmpty() {
			continue
		}
		u := FieldUpdate{Path: p}
		if v, ok := m.Value.Field(p); ok {
			u.Value = &v
		}
		updates = append(updates, u)
	}
	return updates
}

func (m Mutation) localTransformResults(doc *MutableDocument, localWriteTime Timestamp) []FieldUpdate {
	updates := make([]FieldUpdate, 0, len(m.Transforms))
	for _, t := range m.Transforms {
		var previous *Value
		if v, ok := doc.Field(t.Field); ok {
			previous = &v
		}
		v := t.applyLocal(previous, localWriteTime)
		updates = append(updates, FieldUpdate{Path: t.Field, Value: &v})
	}
	return updates
}

func (m Mutation) serverTransformResults(doc *MutableDocument, results []Value) ([]FieldUpdate, error) {
	if len(results) != len(m.Transforms) {
		return nil, fmt.Errorf("%w: server returned %d transform results for %d transforms of %s",
			constants.ErrInconsistentState, len(results), len(m.Transforms), m.Key)
	}
	updates := make([]FieldUpdate, 0, len(m.Transforms))
	for i, t := range m.Transforms {
		var previous *Value
		if v, ok := doc.Field(t.Field); ok {
			previous = &v
		}
		v := t.applyRemote(previous, results[i])
		updates = append(updates, FieldUpdate{Path: t.Field, Value: &v})
	}
	return updates, nil
}

func (m Mutation) verifyKey(doc *MutableDocument) {
	if doc.Key() != m.Key {
		panic(fmt.Sprintf("BUG: mutation for %s applied to %s", m.Key, doc.Key()))
	}
}

func (m Mutation) Equal(other Mutation) bool {
	if m.Kind != other.Kind || m.Key != other.Key || !m.Precondition.Equal(other.Precondition) {
		return false
	}
	if len(m.Transforms) != len(other.Transforms) {
		return false
	}
	for i := range m.Transforms {
		if !m.Transforms[i].Equal(other.Transforms[i]) {
			return false
		}
	}
	switch m.Kind {
	case MutationSet:
		return m.Value.Equal(other.Value)
	case MutationPatch:
		return m.Value.Equal(other.Value) && m.Mask.Equal(other.Mask)
	}
	return true
}

func (m Mutation) String() string {
	return fmt.Sprintf("%s(%s)", m.Kind, m.Key)
}

// CalculateOverlayMutation condenses the local view of doc into one mutation. mask is the
// set of fields written locally, nil if the whole document was written. It returns nil
// when doc has no local mutations.
func CalculateOverlayMutation(doc *MutableDocument, mask *FieldMask) *Mutation {
	if !doc.HasLocalMutations() || (mask != nil && mask.Len() == 0) {
		return nil
	}
	if mask == nil {
		var m Mutation
		if doc.IsNoDocument() {
			m = NewDeleteMutation(doc.Key(), PreconditionNone())
		} else {
			m = NewSetMutation(doc.Key(), doc.Data().Clone())
		}
		return &m
	}
	patch := NewObjectValue()
	out := &FieldMask{}
	for _, p := range mask.Paths() {
		if out.Covers(p) {
			continue
		}
		v, ok := doc.Field(p)
		// A deleted nested field is expressed by rewriting its parent.
		if !ok && p.Len() > 1 {
			p = p.PopLast()
			v, ok = doc.Field(p)
		}
		if ok {
			patch.Set(p, v)
		} else {
			patch.Delete(p)
		}
		out.add(p)
	}
	m := NewPatchMutation(doc.Key(), patch, out, PreconditionNone())
	return &m
}

// Overlay is the condensed pending write for one document.
type Overlay struct {
	LargestBatchID BatchID
	Mutation       Mutation
}

func (o Overlay) Key() DocumentKey {
	return o.Mutation.Key
}

// MutationMap indexes mutations by document key.
type MutationMap map[DocumentKey]Mutation

// OverlayMap indexes overlays by document key.
type OverlayMap map[DocumentKey]Overlay
