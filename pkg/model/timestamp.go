package model

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Timestamp is a point in time with nanosecond precision.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

func Now() Timestamp {
	return TimestampFromTime(time.Now())
}

func TimestampFromProto(ts *timestamppb.Timestamp) Timestamp {
	if ts == nil {
		return Timestamp{}
	}
	return Timestamp{Seconds: ts.GetSeconds(), Nanos: ts.GetNanos()}
}

func (t Timestamp) ToProto() *timestamppb.Timestamp {
	return &timestamppb.Timestamp{Seconds: t.Seconds, Nanos: t.Nanos}
}

func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Nanos == 0
}

func (t Timestamp) Compare(other Timestamp) int {
	if c := compareInt64s(t.Seconds, other.Seconds); c != 0 {
		return c
	}
	return compareInt64s(int64(t.Nanos), int64(other.Nanos))
}

func (t Timestamp) Before(other Timestamp) bool {
	return t.Compare(other) < 0
}

func (t Timestamp) Sub(other Timestamp) time.Duration {
	return t.Time().Sub(other.Time())
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(seconds=%d, nanos=%d)", t.Seconds, t.Nanos)
}

// SnapshotVersion is the server time at which a snapshot of data was consistent.
type SnapshotVersion struct {
	Timestamp Timestamp
}

var (
	// MinVersion sorts before every real version; it marks "no version".
	MinVersion = SnapshotVersion{}
	// MaxVersion sorts after every real version.
	MaxVersion = SnapshotVersion{Timestamp: Timestamp{Seconds: 253402300799, Nanos: 999999999}}
)

func NewSnapshotVersion(ts Timestamp) SnapshotVersion {
	return SnapshotVersion{Timestamp: ts}
}

// Version builds a SnapshotVersion from a microsecond count; handy in tests.
func Version(micros int64) SnapshotVersion {
	return SnapshotVersion{Timestamp: Timestamp{Seconds: micros / 1e6, Nanos: int32((micros % 1e6) * 1e3)}}
}

func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	return v.Timestamp.Compare(other.Timestamp)
}

func (v SnapshotVersion) Equal(other SnapshotVersion) bool {
	return v.Compare(other) == 0
}

func (v SnapshotVersion) Before(other SnapshotVersion) bool {
	return v.Compare(other) < 0
}

func (v SnapshotVersion) After(other SnapshotVersion) bool {
	return v.Compare(other) > 0
}

func (v SnapshotVersion) IsMin() bool {
	return v == MinVersion
}

func (v SnapshotVersion) String() string {
	return fmt.Sprintf("SnapshotVersion(%d.%09d)", v.Timestamp.Seconds, v.Timestamp.Nanos)
}
