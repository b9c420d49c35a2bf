package model

import "fmt"

type documentType int

const (
	documentInvalid documentType = iota
	documentFound
	documentNoDocument
	documentUnknown
)

// DocumentState tracks whether a document reflects pending or committed local writes.
type DocumentState int

const (
	DocumentSynced DocumentState = iota
	DocumentHasLocalMutations
	DocumentHasCommittedMutations
)

// MutableDocument is a document as held by the caches and views. An invalid document is
// a placeholder for a key whose state is not known at all.
type MutableDocument struct {
	key        DocumentKey
	docType    documentType
	version    SnapshotVersion
	readTime   SnapshotVersion
	createTime SnapshotVersion
	data       *ObjectValue
	state      DocumentState
}

func NewInvalidDocument(key DocumentKey) *MutableDocument {
	return &MutableDocument{key: key, data: NewObjectValue()}
}

func NewFoundDocument(key DocumentKey, version SnapshotVersion, data *ObjectValue) *MutableDocument {
	return NewInvalidDocument(key).ConvertToFoundDocument(version, data)
}

func NewNoDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToNoDocument(version)
}

func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToUnknownDocument(version)
}

// ConvertToFoundDocument turns the receiver into an existing document and resets its state.
func (d *MutableDocument) ConvertToFoundDocument(version SnapshotVersion, data *ObjectValue) *MutableDocument {
	if d.createTime.IsMin() && (d.docType == documentNoDocument || d.docType == documentInvalid) {
		d.createTime = version
	}
	d.version = version
	d.docType = documentFound
	d.data = data
	d.state = DocumentSynced
	return d
}

func (d *MutableDocument) ConvertToNoDocument(version SnapshotVersion) *MutableDocument {
	d.version = version
	d.docType = documentNoDocument
	d.data = NewObjectValue()
	d.state = DocumentSynced
	return d
}

// ConvertToUnknownDocument marks a document that is known to exist, at version, but
// whose contents are not known.
func (d *MutableDocument) ConvertToUnknownDocument(version SnapshotVersion) *MutableDocument {
	d.version = version
	d.docType = documentUnknown
	d.data = NewObjectValue()
	d.state = DocumentHasCommittedMutations
	return d
}

func (d *MutableDocument) SetHasCommittedMutations() *MutableDocument {
	d.state = DocumentHasCommittedMutations
	return d
}

// SetHasLocalMutations marks the document as a local view. Such a document has no
// server version until its writes are acknowledged.
func (d *MutableDocument) SetHasLocalMutations() *MutableDocument {
	d.state = DocumentHasLocalMutations
	d.version = MinVersion
	return d
}

func (d *MutableDocument) SetReadTime(readTime SnapshotVersion) *MutableDocument {
	d.readTime = readTime
	return d
}

func (d *MutableDocument) SetCreateTime(createTime SnapshotVersion) *MutableDocument {
	d.createTime = createTime
	return d
}

func (d *MutableDocument) Key() DocumentKey            { return d.key }
func (d *MutableDocument) Version() SnapshotVersion    { return d.version }
func (d *MutableDocument) ReadTime() SnapshotVersion   { return d.readTime }
func (d *MutableDocument) CreateTime() SnapshotVersion { return d.createTime }
func (d *MutableDocument) Data() *ObjectValue          { return d.data }
func (d *MutableDocument) State() DocumentState        { return d.state }

func (d *MutableDocument) Field(path FieldPath) (Value, bool) {
	return d.data.Field(path)
}

func (d *MutableDocument) IsValidDocument() bool   { return d.docType != documentInvalid }
func (d *MutableDocument) IsFoundDocument() bool   { return d.docType == documentFound }
func (d *MutableDocument) IsNoDocument() bool      { return d.docType == documentNoDocument }
func (d *MutableDocument) IsUnknownDocument() bool { return d.docType == documentUnknown }

func (d *MutableDocument) HasLocalMutations() bool {
	return d.state == DocumentHasLocalMutations
}

func (d *MutableDocument) HasCommittedMutations() bool {
	return d.state == DocumentHasCommittedMutations
}

func (d *MutableDocument) HasPendingWrites() bool {
	return d.HasLocalMutations() || d.HasCommittedMutations()
}

func (d *MutableDocument) Clone() *MutableDocument {
	c := *d
	c.data = d.data.Clone()
	return &c
}

// Equal compares key, type, version, state and data. Read time is ignored.
func (d *MutableDocument) Equal(other *MutableDocument) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.key == other.key &&
		d.docType == other.docType &&
		d.version.Equal(other.version) &&
		d.state == other.state &&
		d.data.Equal(other.data)
}

func (d *MutableDocument) String() string {
	kind := [...]string{"invalid", "found", "no-document", "unknown"}[d.docType]
	return fmt.Sprintf("Document(%s, %s, v=%s, state=%d, %s)", d.key, kind, d.version, d.state, d.data)
}

// DocumentMap indexes documents by key.
type DocumentMap map[DocumentKey]*MutableDocument

// Keys returns the keys of the map.
func (m DocumentMap) Keys() DocumentKeySet {
	s := make(DocumentKeySet, len(m))
	for k := range m {
		s.Add(k)
	}
	return s
}
