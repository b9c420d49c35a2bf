package model

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ValueKind is the tag of a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBoolean
	KindInteger
	KindDouble
	KindTimestamp
	KindServerTimestamp
	KindString
	KindBytes
	KindReference
	KindGeoPoint
	KindArray
	KindVector
	KindMap
	// KindMax sorts after every other value. It only appears in query bounds.
	KindMax
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindInteger:
		return "integer"
	case KindDouble:
		return "double"
	case KindTimestamp:
		return "timestamp"
	case KindServerTimestamp:
		return "server_timestamp"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindReference:
		return "reference"
	case KindGeoPoint:
		return "geo_point"
	case KindArray:
		return "array"
	case KindVector:
		return "vector"
	case KindMap:
		return "map"
	case KindMax:
		return "max"
	default:
		return "invalid"
	}
}

// typeOrder ranks kinds for cross-type comparison. Integers and doubles share a rank.
func typeOrder(k ValueKind) int {
	switch k {
	case KindNull:
		return 0
	case KindBoolean:
		return 1
	case KindInteger, KindDouble:
		return 2
	case KindTimestamp:
		return 3
	case KindServerTimestamp:
		return 4
	case KindString:
		return 5
	case KindBytes:
		return 6
	case KindReference:
		return 7
	case KindGeoPoint:
		return 8
	case KindArray:
		return 9
	case KindVector:
		return 10
	case KindMap:
		return 11
	default:
		return math.MaxInt32
	}
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

type serverTimestamp struct {
	localWriteTime Timestamp
	previous       *Value
}

// Value is an immutable document field value. The zero Value is null.
//
// Arrays and maps share their backing storage between copies; nothing in this package
// mutates them after construction.
type Value struct {
	kind      ValueKind
	boolean   bool
	integer   int64
	double    float64
	timestamp Timestamp
	str       string
	bytes     []byte
	geo       GeoPoint
	array     []Value
	fields    map[string]Value
	serverTS  *serverTimestamp
}

var (
	NullValue = Value{}
	MaxValue  = Value{kind: KindMax}
)

func BoolValue(b bool) Value           { return Value{kind: KindBoolean, boolean: b} }
func IntegerValue(i int64) Value       { return Value{kind: KindInteger, integer: i} }
func DoubleValue(d float64) Value      { return Value{kind: KindDouble, double: d} }
func StringValue(s string) Value       { return Value{kind: KindString, str: s} }
func TimestampValue(t Timestamp) Value { return Value{kind: KindTimestamp, timestamp: t} }
func GeoPointValue(g GeoPoint) Value   { return Value{kind: KindGeoPoint, geo: g} }

func BytesValue(b []byte) Value {
	return Value{kind: KindBytes, bytes: append([]byte(nil), b...)}
}

// ReferenceValue points at another document.
func ReferenceValue(k DocumentKey) Value {
	return Value{kind: KindReference, str: k.String()}
}

func ArrayValue(elements ...Value) Value {
	return Value{kind: KindArray, array: append([]Value(nil), elements...)}
}

// VectorValue is a fixed-size numeric array, ordered by length before contents.
func VectorValue(components ...float64) Value {
	arr := make([]Value, len(components))
	for i, c := range components {
		arr[i] = DoubleValue(c)
	}
	return Value{kind: KindVector, array: arr}
}

func MapValue(fields map[string]Value) Value {
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return Value{kind: KindMap, fields: m}
}

// ServerTimestampValue is the local placeholder for a server-assigned timestamp that has
// not been acknowledged yet. previous is the field's value before the write, if any.
func ServerTimestampValue(localWriteTime Timestamp, previous *Value) Value {
	st := &serverTimestamp{localWriteTime: localWriteTime}
	if previous != nil {
		p := *previous
		if p.kind == KindServerTimestamp {
			st.previous = p.serverTS.previous
		} else {
			st.previous = &p
		}
	}
	return Value{kind: KindServerTimestamp, serverTS: st}
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool              { return v.kind == KindNull }
func (v Value) IsNumber() bool            { return v.kind == KindInteger || v.kind == KindDouble }
func (v Value) IsNaN() bool               { return v.kind == KindDouble && math.IsNaN(v.double) }
func (v Value) IsArray() bool             { return v.kind == KindArray }
func (v Value) IsMap() bool               { return v.kind == KindMap }
func (v Value) BooleanValue() bool        { return v.boolean }
func (v Value) IntegerValue() int64       { return v.integer }
func (v Value) DoubleValue() float64      { return v.double }
func (v Value) StringValue() string       { return v.str }
func (v Value) BytesValue() []byte        { return v.bytes }
func (v Value) GeoPointValue() GeoPoint   { return v.geo }
func (v Value) TimestampValue() Timestamp { return v.timestamp }

// ReferenceValue returns the key a reference value points at.
func (v Value) ReferenceValue() DocumentKey {
	return DocumentKey{path: v.str}
}

// ArrayValue returns the elements of an array or vector value.
func (v Value) ArrayValue() []Value {
	return v.array
}

// MapValue returns the fields of a map value. Callers must not modify the result.
func (v Value) MapValue() map[string]Value {
	return v.fields
}

// LocalWriteTime is the write time of a pending server timestamp.
func (v Value) LocalWriteTime() Timestamp {
	if v.serverTS == nil {
		return Timestamp{}
	}
	return v.serverTS.localWriteTime
}

// PreviousValue is the value a pending server timestamp replaced, if any.
func (v Value) PreviousValue() (Value, bool) {
	if v.serverTS == nil || v.serverTS.previous == nil {
		return Value{}, false
	}
	return *v.serverTS.previous, true
}

func (v Value) numberAsDouble() float64 {
	if v.kind == KindInteger {
		return float64(v.integer)
	}
	return v.double
}

// Equal is strict equality: integers never equal doubles, NaN equals NaN, and -0 differs from 0.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull, KindMax:
		return true
	case KindBoolean:
		return v.boolean == other.boolean
	case KindInteger:
		return v.integer == other.integer
	case KindDouble:
		if math.IsNaN(v.double) || math.IsNaN(other.double) {
			return math.IsNaN(v.double) && math.IsNaN(other.double)
		}
		return math.Float64bits(v.double) == math.Float64bits(other.double)
	case KindTimestamp:
		return v.timestamp == other.timestamp
	case KindServerTimestamp:
		return v.serverTS.localWriteTime == other.serverTS.localWriteTime
	case KindString, KindReference:
		return v.str == other.str
	case KindBytes:
		return bytes.Equal(v.bytes, other.bytes)
	case KindGeoPoint:
		return v.geo == other.geo
	case KindArray, KindVector:
		if len(v.array) != len(other.array) {
			return false
		}
		for i := range v.array {
			if !v.array[i].Equal(other.array[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.fields) != len(other.fields) {
			return false
		}
		for k, fv := range v.fields {
			ov, ok := other.fields[k]
			if !ok || !fv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders values first by type rank and then within the type. Numbers compare
// numerically across integer and double, NaN sorts before every other number, and -0
// compares equal to 0.
func (v Value) Compare(other Value) int {
	lt, rt := typeOrder(v.kind), typeOrder(other.kind)
	if lt != rt {
		return compareInts(lt, rt)
	}
	switch v.kind {
	case KindNull, KindMax:
		return 0
	case KindBoolean:
		return compareBools(v.boolean, other.boolean)
	case KindInteger, KindDouble:
		return compareNumbers(v, other)
	case KindTimestamp:
		return v.timestamp.Compare(other.timestamp)
	case KindServerTimestamp:
		return v.serverTS.localWriteTime.Compare(other.serverTS.localWriteTime)
	case KindString:
		return strings.Compare(v.str, other.str)
	case KindBytes:
		return bytes.Compare(v.bytes, other.bytes)
	case KindReference:
		return v.ReferenceValue().Compare(other.ReferenceValue())
	case KindGeoPoint:
		if c := compareFloats(v.geo.Latitude, other.geo.Latitude); c != 0 {
			return c
		}
		return compareFloats(v.geo.Longitude, other.geo.Longitude)
	case KindArray:
		return compareArrays(v.array, other.array)
	case KindVector:
		if c := compareInts(len(v.array), len(other.array)); c != 0 {
			return c
		}
		return compareArrays(v.array, other.array)
	case KindMap:
		return compareMaps(v.fields, other.fields)
	}
	return 0
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func compareNumbers(a, b Value) int {
	if a.kind == KindInteger && b.kind == KindInteger {
		return compareInt64s(a.integer, b.integer)
	}
	return compareFloats(a.numberAsDouble(), b.numberAsDouble())
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	}
	// At least one NaN.
	switch {
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return -1
	default:
		return 1
	}
}

func compareArrays(a, b []Value) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return compareInts(len(a), len(b))
}

func compareMaps(a, b map[string]Value) int {
	ak, bk := sortedKeys(a), sortedKeys(b)
	n := min(len(ak), len(bk))
	for i := 0; i < n; i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := a[ak[i]].Compare(b[bk[i]]); c != 0 {
			return c
		}
	}
	return compareInts(len(ak), len(bk))
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ArrayContains reports whether the array value contains an element equal to elem.
func (v Value) ArrayContains(elem Value) bool {
	for _, e := range v.array {
		if e.Equal(elem) {
			return true
		}
	}
	return false
}

// CanonicalID is a stable string form used in target and query ids.
func (v Value) CanonicalID() string {
	var sb strings.Builder
	v.writeCanonical(&sb)
	return sb.String()
}

func (v Value) writeCanonical(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBoolean:
		sb.WriteString(strconv.FormatBool(v.boolean))
	case KindInteger:
		sb.WriteString(strconv.FormatInt(v.integer, 10))
	case KindDouble:
		sb.WriteString(strconv.FormatFloat(v.double, 'g', -1, 64))
	case KindTimestamp:
		fmt.Fprintf(sb, "time(%d,%d)", v.timestamp.Seconds, v.timestamp.Nanos)
	case KindServerTimestamp:
		fmt.Fprintf(sb, "serverTimestamp(%d,%d)", v.serverTS.localWriteTime.Seconds, v.serverTS.localWriteTime.Nanos)
	case KindString, KindReference:
		sb.WriteString(v.str)
	case KindBytes:
		sb.WriteString(base64.StdEncoding.EncodeToString(v.bytes))
	case KindGeoPoint:
		fmt.Fprintf(sb, "geo(%s,%s)",
			strconv.FormatFloat(v.geo.Latitude, 'g', -1, 64),
			strconv.FormatFloat(v.geo.Longitude, 'g', -1, 64))
	case KindArray, KindVector:
		if v.kind == KindVector {
			sb.WriteString("vector")
		}
		sb.WriteByte('[')
		for i, e := range v.array {
			if i > 0 {
				sb.WriteByte(',')
			}
			e.writeCanonical(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, k := range sortedKeys(v.fields) {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte(':')
			v.fields[k].writeCanonical(sb)
		}
		sb.WriteByte('}')
	case KindMax:
		sb.WriteString("max")
	}
}

func (v Value) String() string {
	return v.CanonicalID()
}

// ValueOf converts a Go value into a Value.
//
// Supported: nil, bool, signed and unsigned integers, float32/float64, string, []byte,
// time.Time, Timestamp, GeoPoint, DocumentKey (as a reference), Value, []any, []Value,
// map[string]any and map[string]Value.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return NullValue, nil
	case Value:
		return t, nil
	case bool:
		return BoolValue(t), nil
	case int:
		return IntegerValue(int64(t)), nil
	case int8:
		return IntegerValue(int64(t)), nil
	case int16:
		return IntegerValue(int64(t)), nil
	case int32:
		return IntegerValue(int64(t)), nil
	case int64:
		return IntegerValue(t), nil
	case uint8:
		return IntegerValue(int64(t)), nil
	case uint16:
		return IntegerValue(int64(t)), nil
	case uint32:
		return IntegerValue(int64(t)), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return Value{}, fmt.Errorf("integer %d overflows int64", t)
		}
		return IntegerValue(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, fmt.Errorf("integer %d overflows int64", t)
		}
		return IntegerValue(int64(t)), nil
	case float32:
		return DoubleValue(float64(t)), nil
	case float64:
		return DoubleValue(t), nil
	case string:
		return StringValue(t), nil
	case []byte:
		return BytesValue(t), nil
	case time.Time:
		return TimestampValue(TimestampFromTime(t)), nil
	case Timestamp:
		return TimestampValue(t), nil
	case GeoPoint:
		return GeoPointValue(t), nil
	case DocumentKey:
		return ReferenceValue(t), nil
	case []Value:
		return ArrayValue(t...), nil
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			arr[i] = ev
		}
		return Value{kind: KindArray, array: arr}, nil
	case map[string]Value:
		return MapValue(t), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			m[k] = ev
		}
		return Value{kind: KindMap, fields: m}, nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// MustValueOf is ValueOf for literals; it panics on unsupported input.
func MustValueOf(x any) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

// Interface converts the value back to plain Go types. Pending server timestamps become
// nil, and vectors become []float64.
func (v Value) Interface() any {
	switch v.kind {
	case KindBoolean:
		return v.boolean
	case KindInteger:
		return v.integer
	case KindDouble:
		return v.double
	case KindTimestamp:
		return v.timestamp.Time()
	case KindString:
		return v.str
	case KindBytes:
		return append([]byte(nil), v.bytes...)
	case KindReference:
		return v.ReferenceValue()
	case KindGeoPoint:
		return v.geo
	case KindArray:
		out := make([]any, len(v.array))
		for i, e := range v.array {
			out[i] = e.Interface()
		}
		return out
	case KindVector:
		out := make([]float64, len(v.array))
		for i, e := range v.array {
			out[i] = e.double
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.fields))
		for k, e := range v.fields {
			out[k] = e.Interface()
		}
		return out
	}
	return nil
}
