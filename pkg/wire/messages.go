// Package wire defines the messages exchanged on the Listen and Write streams and the
// conversions between them and the data model.
//
// The structs carry cbor tags; any codec that honors them can frame the streams.
package wire

import "google.golang.org/protobuf/types/known/timestamppb"

// Value kinds on the wire.
const (
	KindNull      = "null"
	KindBoolean   = "boolean"
	KindInteger   = "integer"
	KindDouble    = "double"
	KindTimestamp = "timestamp"
	KindString    = "string"
	KindBytes     = "bytes"
	KindReference = "reference"
	KindGeoPoint  = "geo"
	KindArray     = "array"
	KindVector    = "vector"
	KindMap       = "map"
)

type Value struct {
	Kind      string                 `cbor:"k"`
	Boolean   bool                   `cbor:"b,omitempty"`
	Integer   int64                  `cbor:"i,omitempty"`
	Double    float64                `cbor:"d,omitempty"`
	Timestamp *timestamppb.Timestamp `cbor:"t,omitempty"`
	String    string                 `cbor:"s,omitempty"`
	Bytes     []byte                 `cbor:"y,omitempty"`
	GeoPoint  *LatLng                `cbor:"g,omitempty"`
	Array     []Value                `cbor:"a,omitempty"`
	Map       map[string]Value       `cbor:"m,omitempty"`
}

type LatLng struct {
	Latitude  float64 `cbor:"lat"`
	Longitude float64 `cbor:"lng"`
}

// Document is a stored document; Name is its fully qualified resource name.
type Document struct {
	Name       string                 `cbor:"name"`
	Fields     map[string]Value       `cbor:"fields,omitempty"`
	CreateTime *timestamppb.Timestamp `cbor:"create_time,omitempty"`
	UpdateTime *timestamppb.Timestamp `cbor:"update_time,omitempty"`
}

// Listen stream.

type ListenRequest struct {
	Database     string            `cbor:"database"`
	AddTarget    *TargetSpec       `cbor:"add_target,omitempty"`
	RemoveTarget int32             `cbor:"remove_target,omitempty"`
	Labels       map[string]string `cbor:"labels,omitempty"`
}

// TargetSpec is a target as sent on the Listen stream. Exactly one of Query and Documents
// is set, and at most one of ResumeToken and ReadTime.
type TargetSpec struct {
	TargetID      int32                  `cbor:"target_id"`
	Query         *QueryTarget           `cbor:"query,omitempty"`
	Documents     []string               `cbor:"documents,omitempty"`
	ResumeToken   []byte                 `cbor:"resume_token,omitempty"`
	ReadTime      *timestamppb.Timestamp `cbor:"read_time,omitempty"`
	ExpectedCount *int32                 `cbor:"expected_count,omitempty"`
	Once          bool                   `cbor:"once,omitempty"`
}

type QueryTarget struct {
	Parent          string           `cbor:"parent"`
	StructuredQuery *StructuredQuery `cbor:"structured_query"`
}

type CollectionSelector struct {
	CollectionID   string `cbor:"collection_id"`
	AllDescendants bool   `cbor:"all_descendants,omitempty"`
}

type StructuredQuery struct {
	From    []CollectionSelector `cbor:"from"`
	Where   *Filter              `cbor:"where,omitempty"`
	OrderBy []Order              `cbor:"order_by,omitempty"`
	StartAt *Cursor              `cbor:"start_at,omitempty"`
	EndAt   *Cursor              `cbor:"end_at,omitempty"`
	Limit   *int32               `cbor:"limit,omitempty"`
}

// Filter is a field filter or a composite filter.
type Filter struct {
	Field     *FieldFilter     `cbor:"field,omitempty"`
	Composite *CompositeFilter `cbor:"composite,omitempty"`
}

type FieldFilter struct {
	Field []string `cbor:"field"`
	Op    string   `cbor:"op"`
	Value Value    `cbor:"value"`
}

type CompositeFilter struct {
	Op      string   `cbor:"op"`
	Filters []Filter `cbor:"filters"`
}

type Order struct {
	Field     []string `cbor:"field"`
	Direction string   `cbor:"direction"`
}

type Cursor struct {
	Values []Value `cbor:"values"`
	Before bool    `cbor:"before,omitempty"`
}

// TargetChangeType is the kind of a TargetChange.
type TargetChangeType int32

const (
	TargetChangeNoChange TargetChangeType = iota
	TargetChangeAdd
	TargetChangeRemove
	TargetChangeCurrent
	TargetChangeReset
)

// Status is an RPC status carried inside a message.
type Status struct {
	Code    int32  `cbor:"code"`
	Message string `cbor:"message,omitempty"`
}

type TargetChange struct {
	TargetChangeType TargetChangeType       `cbor:"target_change_type"`
	TargetIDs        []int32                `cbor:"target_ids,omitempty"`
	Cause            *Status                `cbor:"cause,omitempty"`
	ResumeToken      []byte                 `cbor:"resume_token,omitempty"`
	ReadTime         *timestamppb.Timestamp `cbor:"read_time,omitempty"`
}

type DocumentChange struct {
	Document         *Document `cbor:"document"`
	TargetIDs        []int32   `cbor:"target_ids,omitempty"`
	RemovedTargetIDs []int32   `cbor:"removed_target_ids,omitempty"`
}

type DocumentDelete struct {
	Document         string                 `cbor:"document"`
	RemovedTargetIDs []int32                `cbor:"removed_target_ids,omitempty"`
	ReadTime         *timestamppb.Timestamp `cbor:"read_time,omitempty"`
}

type DocumentRemove struct {
	Document         string                 `cbor:"document"`
	RemovedTargetIDs []int32                `cbor:"removed_target_ids,omitempty"`
	ReadTime         *timestamppb.Timestamp `cbor:"read_time,omitempty"`
}

type BitSequence struct {
	Bitmap  []byte `cbor:"bitmap"`
	Padding int32  `cbor:"padding"`
}

type BloomFilter struct {
	Bits      *BitSequence `cbor:"bits"`
	HashCount int32        `cbor:"hash_count"`
}

type ExistenceFilter struct {
	TargetID       int32        `cbor:"target_id"`
	Count          int32        `cbor:"count"`
	UnchangedNames *BloomFilter `cbor:"unchanged_names,omitempty"`
}

// ListenResponse carries exactly one of its fields.
type ListenResponse struct {
	TargetChange   *TargetChange    `cbor:"target_change,omitempty"`
	DocumentChange *DocumentChange  `cbor:"document_change,omitempty"`
	DocumentDelete *DocumentDelete  `cbor:"document_delete,omitempty"`
	DocumentRemove *DocumentRemove  `cbor:"document_remove,omitempty"`
	Filter         *ExistenceFilter `cbor:"filter,omitempty"`
}

// Write stream.

type WriteRequest struct {
	Database    string  `cbor:"database,omitempty"`
	StreamID    string  `cbor:"stream_id,omitempty"`
	StreamToken []byte  `cbor:"stream_token,omitempty"`
	Writes      []Write `cbor:"writes,omitempty"`
}

// Write carries exactly one of Update, Delete and Verify.
type Write struct {
	Update           *Document        `cbor:"update,omitempty"`
	Delete           string           `cbor:"delete,omitempty"`
	Verify           string           `cbor:"verify,omitempty"`
	UpdateMask       *DocumentMask    `cbor:"update_mask,omitempty"`
	UpdateTransforms []FieldTransform `cbor:"update_transforms,omitempty"`
	CurrentDocument  *Precondition    `cbor:"current_document,omitempty"`
}

type DocumentMask struct {
	FieldPaths [][]string `cbor:"field_paths"`
}

// ServerValueRequestTime sets a field to the commit time.
const ServerValueRequestTime = "REQUEST_TIME"

type FieldTransform struct {
	FieldPath             []string    `cbor:"field_path"`
	SetToServerValue      string      `cbor:"set_to_server_value,omitempty"`
	Increment             *Value      `cbor:"increment,omitempty"`
	AppendMissingElements *ArrayValue `cbor:"append_missing_elements,omitempty"`
	RemoveAllFromArray    *ArrayValue `cbor:"remove_all_from_array,omitempty"`
}

type ArrayValue struct {
	Values []Value `cbor:"values"`
}

type Precondition struct {
	Exists     *bool                  `cbor:"exists,omitempty"`
	UpdateTime *timestamppb.Timestamp `cbor:"update_time,omitempty"`
}

type WriteResult struct {
	UpdateTime       *timestamppb.Timestamp `cbor:"update_time,omitempty"`
	TransformResults []Value                `cbor:"transform_results,omitempty"`
}

type WriteResponse struct {
	StreamID     string                 `cbor:"stream_id,omitempty"`
	StreamToken  []byte                 `cbor:"stream_token,omitempty"`
	WriteResults []WriteResult          `cbor:"write_results,omitempty"`
	CommitTime   *timestamppb.Timestamp `cbor:"commit_time,omitempty"`
}
