package model

import (
	"regexp"
	"strconv"
	"strings"
)

// ResourcePath is a slash-separated path to a collection or document, held as segments.
// Values are never modified in place; every operation returns a new path.
type ResourcePath []string

func NewResourcePath(segments ...string) ResourcePath {
	return append(ResourcePath(nil), segments...)
}

// ResourcePathFromString splits s on "/" and drops empty segments.
func ResourcePathFromString(s string) ResourcePath {
	var p ResourcePath
	for _, seg := range strings.Split(s, "/") {
		if seg != "" {
			p = append(p, seg)
		}
	}
	return p
}

func (p ResourcePath) Len() int {
	return len(p)
}

func (p ResourcePath) IsEmpty() bool {
	return len(p) == 0
}

func (p ResourcePath) LastSegment() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Child returns p with segments appended.
func (p ResourcePath) Child(segments ...string) ResourcePath {
	out := make(ResourcePath, 0, len(p)+len(segments))
	out = append(out, p...)
	return append(out, segments...)
}

// Parent returns p without its last segment.
func (p ResourcePath) Parent() ResourcePath {
	if len(p) == 0 {
		return nil
	}
	return append(ResourcePath(nil), p[:len(p)-1]...)
}

func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p) > len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p)+1 == len(other) && p.IsPrefixOf(other)
}

func (p ResourcePath) Equal(other ResourcePath) bool {
	return len(p) == len(other) && p.IsPrefixOf(other)
}

func (p ResourcePath) Compare(other ResourcePath) int {
	n := min(len(p), len(other))
	for i := 0; i < n; i++ {
		if c := compareSegments(p[i], other[i]); c != 0 {
			return c
		}
	}
	return compareInts(len(p), len(other))
}

func (p ResourcePath) String() string {
	return strings.Join(p, "/")
}

// numericID parses segments of the form __id<N>__.
func numericID(seg string) (int64, bool) {
	if len(seg) < 7 || !strings.HasPrefix(seg, "__id") || !strings.HasSuffix(seg, "__") {
		return 0, false
	}
	n, err := strconv.ParseInt(seg[4:len(seg)-2], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// compareSegments orders numeric id segments numerically and before all other segments.
func compareSegments(a, b string) int {
	na, aNumeric := numericID(a)
	nb, bNumeric := numericID(b)
	switch {
	case aNumeric && bNumeric:
		return compareInt64s(na, nb)
	case aNumeric:
		return -1
	case bNumeric:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// FieldPath addresses a (possibly nested) field of a document.
type FieldPath []string

const documentKeyFieldName = "__name__"

// KeyFieldPath is the sentinel field that orders and filters by document id.
var KeyFieldPath = FieldPath{documentKeyFieldName}

func NewFieldPath(segments ...string) FieldPath {
	return append(FieldPath(nil), segments...)
}

// FieldPathFromDotted parses "a.b.c". Segments cannot contain dots in this form.
func FieldPathFromDotted(s string) FieldPath {
	if s == "" {
		return nil
	}
	return FieldPath(strings.Split(s, "."))
}

func (f FieldPath) IsKeyField() bool {
	return len(f) == 1 && f[0] == documentKeyFieldName
}

func (f FieldPath) Len() int {
	return len(f)
}

func (f FieldPath) IsEmpty() bool {
	return len(f) == 0
}

func (f FieldPath) FirstSegment() string {
	return f[0]
}

func (f FieldPath) LastSegment() string {
	return f[len(f)-1]
}

func (f FieldPath) PopFirst() FieldPath {
	return f[1:]
}

func (f FieldPath) PopLast() FieldPath {
	return append(FieldPath(nil), f[:len(f)-1]...)
}

func (f FieldPath) Child(segment string) FieldPath {
	out := make(FieldPath, 0, len(f)+1)
	out = append(out, f...)
	return append(out, segment)
}

func (f FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(f) > len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

func (f FieldPath) Equal(other FieldPath) bool {
	return len(f) == len(other) && f.IsPrefixOf(other)
}

func (f FieldPath) Compare(other FieldPath) int {
	n := min(len(f), len(other))
	for i := 0; i < n; i++ {
		if c := strings.Compare(f[i], other[i]); c != 0 {
			return c
		}
	}
	return compareInts(len(f), len(other))
}

var simpleFieldSegment = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// CanonicalString joins segments with dots, quoting segments that are not identifiers.
func (f FieldPath) CanonicalString() string {
	parts := make([]string, len(f))
	for i, seg := range f {
		if simpleFieldSegment.MatchString(seg) {
			parts[i] = seg
			continue
		}
		seg = strings.ReplaceAll(seg, `\`, `\\`)
		seg = strings.ReplaceAll(seg, "`", "\\`")
		parts[i] = "`" + seg + "`"
	}
	return strings.Join(parts, ".")
}

func (f FieldPath) String() string {
	return f.CanonicalString()
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareInt64s(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
