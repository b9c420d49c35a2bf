package remote

import "github.com/docsync/docsync.go/pkg/model"

// TargetChange is what one remote event changed about a single target.
type TargetChange struct {
	// ResumeToken is empty when the event carried no new token for the target.
	ResumeToken []byte
	// Current reports whether the target is in sync with the server as of the event.
	Current           bool
	AddedDocuments    model.DocumentKeySet
	ModifiedDocuments model.DocumentKeySet
	RemovedDocuments  model.DocumentKeySet
}

func newTargetChange() *TargetChange {
	return &TargetChange{
		AddedDocuments:    model.NewDocumentKeySet(),
		ModifiedDocuments: model.NewDocumentKeySet(),
		RemovedDocuments:  model.NewDocumentKeySet(),
	}
}

// CreateSynthesizedTargetChangeForCurrentChange marks a target current without any
// document changes. It is used when a snapshot is raised for a target the client
// already has in sync.
func CreateSynthesizedTargetChangeForCurrentChange(current bool, resumeToken []byte) *TargetChange {
	c := newTargetChange()
	c.Current = current
	c.ResumeToken = resumeToken
	return c
}

// RemoteEvent is a consistent snapshot of changes from the watch stream, applied to the
// local store atomically.
type RemoteEvent struct {
	SnapshotVersion model.SnapshotVersion
	TargetChanges   map[model.TargetID]*TargetChange
	// TargetMismatches lists targets whose existence filter did not match, with the
	// purpose to re-listen with.
	TargetMismatches map[model.TargetID]model.TargetPurpose
	DocumentUpdates  model.DocumentMap
	// ResolvedLimboDocuments are documents that only limbo targets reported on.
	ResolvedLimboDocuments model.DocumentKeySet
}

// CreateSynthesizedRemoteEventForCurrentChange builds an event that only marks targetID
// current. The snapshot version is min so the event never moves the remote version.
func CreateSynthesizedRemoteEventForCurrentChange(targetID model.TargetID, current bool, resumeToken []byte) *RemoteEvent {
	return &RemoteEvent{
		SnapshotVersion: model.MinVersion,
		TargetChanges: map[model.TargetID]*TargetChange{
			targetID: CreateSynthesizedTargetChangeForCurrentChange(current, resumeToken),
		},
		TargetMismatches:       map[model.TargetID]model.TargetPurpose{},
		DocumentUpdates:        model.DocumentMap{},
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	}
}
