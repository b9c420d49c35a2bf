package model

import "fmt"

// BatchID identifies a mutation batch. Ids strictly increase within a mutation queue.
type BatchID int

// BatchIDUnknown is used where no batch has been seen.
const BatchIDUnknown BatchID = -1

// MutationBatch is a group of mutations written atomically by one user call.
//
// BaseMutations are not sent to the server. They pin the values that local transforms
// started from so the local view stays stable while the write is pending.
type MutationBatch struct {
	BatchID        BatchID
	LocalWriteTime Timestamp
	BaseMutations  []Mutation
	Mutations      []Mutation
}

// ApplyToRemoteDocument applies the acknowledged mutations for doc's key.
func (b *MutationBatch) ApplyToRemoteDocument(doc *MutableDocument, result *MutationBatchResult) error {
	for i, m := range b.Mutations {
		if m.Key != doc.Key() {
			continue
		}
		if err := m.ApplyToRemoteDocument(doc, result.MutationResults[i]); err != nil {
			return fmt.Errorf("mutation batch %d: %w", b.BatchID, err)
		}
	}
	return nil
}

// ApplyToLocalView applies every mutation of the batch that targets doc and returns the
// accumulated field mask.
func (b *MutationBatch) ApplyToLocalView(doc *MutableDocument, mask *FieldMask) *FieldMask {
	for _, m := range b.BaseMutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	for _, m := range b.Mutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	return mask
}

// OverlayedDocument is a local view of a document plus the fields written by pending
// mutations; MutatedFields is nil when the whole document was written.
type OverlayedDocument struct {
	Document      *MutableDocument
	MutatedFields *FieldMask
}

// ApplyToLocalDocumentSet applies the batch to docs in place and returns the new overlay
// for every key the batch touches. Keys in withoutRemoteVersion are treated as fully
// written because no server state exists to patch.
func (b *MutationBatch) ApplyToLocalDocumentSet(docs map[DocumentKey]*OverlayedDocument, withoutRemoteVersion DocumentKeySet) MutationMap {
	overlays := MutationMap{}
	for key := range b.Keys() {
		od, ok := docs[key]
		if !ok {
			continue
		}
		mask := b.ApplyToLocalView(od.Document, od.MutatedFields)
		if withoutRemoteVersion.Has(key) {
			mask = nil
		}
		od.MutatedFields = mask
		if overlay := CalculateOverlayMutation(od.Document, mask); overlay != nil {
			overlays[key] = *overlay
		}
		if !od.Document.IsValidDocument() {
			od.Document.ConvertToNoDocument(MinVersion)
		}
	}
	return overlays
}

// Keys is the set of documents the batch writes.
func (b *MutationBatch) Keys() DocumentKeySet {
	keys := NewDocumentKeySet()
	for _, m := range b.Mutations {
		keys.Add(m.Key)
	}
	return keys
}

func (b *MutationBatch) Equal(other *MutationBatch) bool {
	if b.BatchID != other.BatchID || b.LocalWriteTime != other.LocalWriteTime ||
		len(b.Mutations) != len(other.Mutations) || len(b.BaseMutations) != len(other.BaseMutations) {
		return false
	}
	for i := range b.Mutations {
		if !b.Mutations[i].Equal(other.Mutations[i]) {
			return false
		}
	}
	for i := range b.BaseMutations {
		if !b.BaseMutations[i].Equal(other.BaseMutations[i]) {
			return false
		}
	}
	return true
}

func (b *MutationBatch) String() string {
	return fmt.Sprintf("MutationBatch(id=%d, mutations=%v)", b.BatchID, b.Mutations)
}

// MutationBatchResult is the server's acknowledgement of a batch.
type MutationBatchResult struct {
	Batch           *MutationBatch
	CommitVersion   SnapshotVersion
	MutationResults []MutationResult
	StreamToken     []byte
	// DocVersions maps each written key to the version the server assigned it.
	DocVersions map[DocumentKey]SnapshotVersion
}

// NewMutationBatchResult pairs batch with the server results, which must have one entry
// per mutation and one transform result per field transform.
func NewMutationBatchResult(batch *MutationBatch, commitVersion SnapshotVersion, results []MutationResult, streamToken []byte) (*MutationBatchResult, error) {
	if len(results) != len(batch.Mutations) {
		return nil, fmt.Errorf("mutation batch %d: got %d results for %d mutations",
			batch.BatchID, len(results), len(batch.Mutations))
	}
	versions := make(map[DocumentKey]SnapshotVersion, len(results))
	for i, m := range batch.Mutations {
		if err := m.CheckResult(results[i]); err != nil {
			return nil, fmt.Errorf("mutation batch %d: %w", batch.BatchID, err)
		}
		versions[m.Key] = results[i].Version
	}
	return &MutationBatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}, nil
}
