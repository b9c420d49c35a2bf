package model

// TargetID identifies a listen target on the stream.
type TargetID int32

// ListenSequenceNumber orders cache accesses for LRU collection.
type ListenSequenceNumber int64

// ListenSequenceInvalid is the sequence number of an entity that was never used.
const ListenSequenceInvalid ListenSequenceNumber = -1

// TargetPurpose says why the client listens to a target.
type TargetPurpose int

const (
	PurposeListen TargetPurpose = iota
	PurposeExistenceFilterMismatch
	PurposeExistenceFilterMismatchBloom
	PurposeLimboResolution
)

func (p TargetPurpose) String() string {
	switch p {
	case PurposeListen:
		return "listen"
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeExistenceFilterMismatchBloom:
		return "existence-filter-mismatch-bloom"
	case PurposeLimboResolution:
		return "limbo-resolution"
	}
	return "unknown"
}

// TargetData is the client's bookkeeping for one target.
type TargetData struct {
	Target         *Target
	TargetID       TargetID
	Purpose        TargetPurpose
	SequenceNumber ListenSequenceNumber
	// SnapshotVersion is the version of the last consistent snapshot of the target.
	SnapshotVersion SnapshotVersion
	// LastLimboFreeSnapshotVersion is the last version at which the target's view had no
	// limbo documents. Previous results from that version can seed query execution.
	LastLimboFreeSnapshotVersion SnapshotVersion
	ResumeToken                  []byte
	// ExpectedCount is the number of documents the client held for the target when it
	// was last current, or nil when unknown.
	ExpectedCount *int32
}

func NewTargetData(target *Target, id TargetID, purpose TargetPurpose, seq ListenSequenceNumber) *TargetData {
	return &TargetData{Target: target, TargetID: id, Purpose: purpose, SequenceNumber: seq}
}

func (d *TargetData) clone() *TargetData {
	c := *d
	return &c
}

// WithSequenceNumber returns a copy with a new sequence number.
func (d *TargetData) WithSequenceNumber(seq ListenSequenceNumber) *TargetData {
	c := d.clone()
	c.SequenceNumber = seq
	return c
}

// WithResumeToken returns a copy with a new resume token and snapshot version. The
// expected count is reset because it was tied to the old token.
func (d *TargetData) WithResumeToken(token []byte, version SnapshotVersion) *TargetData {
	c := d.clone()
	c.ResumeToken = token
	c.SnapshotVersion = version
	c.ExpectedCount = nil
	return c
}

func (d *TargetData) WithExpectedCount(count int32) *TargetData {
	c := d.clone()
	c.ExpectedCount = &count
	return c
}

func (d *TargetData) WithLastLimboFreeSnapshotVersion(version SnapshotVersion) *TargetData {
	c := d.clone()
	c.LastLimboFreeSnapshotVersion = version
	return c
}

func (d *TargetData) WithPurpose(p TargetPurpose) *TargetData {
	c := d.clone()
	c.Purpose = p
	return c
}

// TargetIDGenerator hands out target ids from one of two disjoint sequences: even ids for
// targets persisted in the target cache and odd ids for limbo resolution targets owned by
// the sync engine.
type TargetIDGenerator struct {
	next TargetID
}

// NewTargetCacheIDGenerator continues the even sequence after the highest id in use.
func NewTargetCacheIDGenerator(after TargetID) *TargetIDGenerator {
	g := &TargetIDGenerator{next: after &^ 1}
	g.Next()
	return g
}

// NewSyncEngineIDGenerator starts the odd sequence.
func NewSyncEngineIDGenerator() *TargetIDGenerator {
	return &TargetIDGenerator{next: 1}
}

// Next returns the next id of the sequence.
func (g *TargetIDGenerator) Next() TargetID {
	id := g.next
	g.next += 2
	return id
}
