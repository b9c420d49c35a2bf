package model

import (
	"fmt"
	"strings"
)

// IndexOffset is a position in the read-time order of the remote document cache, used to
// resume scans and index backfills.
type IndexOffset struct {
	ReadTime       SnapshotVersion
	DocumentKey    DocumentKey
	LargestBatchID BatchID
}

// IndexOffsetNone sorts before every document.
var IndexOffsetNone = IndexOffset{LargestBatchID: BatchIDUnknown}

// IndexOffsetForReadTime is the offset just after every document read at readTime.
// The largest possible key is approximated by an empty key after a one-nanosecond bump.
func IndexOffsetForReadTime(readTime SnapshotVersion) IndexOffset {
	ts := readTime.Timestamp
	ts.Nanos++
	if ts.Nanos == 1e9 {
		ts.Seconds, ts.Nanos = ts.Seconds+1, 0
	}
	return IndexOffset{ReadTime: NewSnapshotVersion(ts), LargestBatchID: BatchIDUnknown}
}

// IndexOffsetForDocument is the offset of doc itself.
func IndexOffsetForDocument(doc *MutableDocument) IndexOffset {
	return IndexOffset{ReadTime: doc.ReadTime(), DocumentKey: doc.Key(), LargestBatchID: BatchIDUnknown}
}

func (o IndexOffset) Compare(other IndexOffset) int {
	if c := o.ReadTime.Compare(other.ReadTime); c != 0 {
		return c
	}
	if c := o.DocumentKey.Compare(other.DocumentKey); c != 0 {
		return c
	}
	return compareInts(int(o.LargestBatchID), int(other.LargestBatchID))
}

// IsBefore reports whether a document at (readTime, key) comes after the offset.
func (o IndexOffset) IsBefore(readTime SnapshotVersion, key DocumentKey) bool {
	if c := o.ReadTime.Compare(readTime); c != 0 {
		return c < 0
	}
	return o.DocumentKey.Compare(key) < 0
}

func (o IndexOffset) String() string {
	return fmt.Sprintf("IndexOffset(%s, %s, %d)", o.ReadTime, o.DocumentKey, o.LargestBatchID)
}

// SegmentKind is how a field is indexed.
type SegmentKind int

const (
	SegmentAscending SegmentKind = iota
	SegmentDescending
	SegmentContains
)

// IndexSegment is one field of a composite index.
type IndexSegment struct {
	Field FieldPath
	Kind  SegmentKind
}

// IndexState is how far a field index has been backfilled.
type IndexState struct {
	SequenceNumber ListenSequenceNumber
	Offset         IndexOffset
}

// FieldIndexUnknownID is the id of an index that has not been persisted.
const FieldIndexUnknownID = -1

// FieldIndex is a client-side index over one collection group.
type FieldIndex struct {
	IndexID         int
	CollectionGroup string
	Segments        []IndexSegment
	State           IndexState
}

// ArraySegment returns the contains segment of the index, if any.
func (i *FieldIndex) ArraySegment() *IndexSegment {
	for j := range i.Segments {
		if i.Segments[j].Kind == SegmentContains {
			return &i.Segments[j]
		}
	}
	return nil
}

// DirectionalSegments are the non-array segments in order.
func (i *FieldIndex) DirectionalSegments() []IndexSegment {
	var out []IndexSegment
	for _, s := range i.Segments {
		if s.Kind != SegmentContains {
			out = append(out, s)
		}
	}
	return out
}

// SemanticKey identifies the index shape regardless of id and state.
func (i *FieldIndex) SemanticKey() string {
	var sb strings.Builder
	sb.WriteString(i.CollectionGroup)
	for _, s := range i.Segments {
		fmt.Fprintf(&sb, "|%s:%d", s.Field.CanonicalString(), s.Kind)
	}
	return sb.String()
}

func (i *FieldIndex) Clone() *FieldIndex {
	c := *i
	c.Segments = append([]IndexSegment(nil), i.Segments...)
	return &c
}
