package core

import (
	"sort"

	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/remote"
)

// LimboChangeType says whether a document entered or left limbo.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

// LimboDocumentChange reports a document entering or leaving a view's limbo set.
type LimboDocumentChange struct {
	Type LimboChangeType
	Key  model.DocumentKey
}

// ViewDocumentChanges is the result of ComputeDocChanges, not yet applied to the view.
type ViewDocumentChanges struct {
	DocumentSet *model.DocumentSet
	ChangeSet   *DocumentChangeSet
	MutatedKeys model.DocumentKeySet
	// NeedsRefill is set when a limited view dropped a document it cannot replace from
	// the changes alone; the caller re-runs the query against the local store.
	NeedsRefill bool
}

// ViewChange is the outcome of applying changes to a view. Snapshot is nil when nothing
// observable changed.
type ViewChange struct {
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// View is the materialized result of one query.
type View struct {
	query model.Query
	cmp   model.DocumentComparator

	syncState SyncState
	// current is set once the server marked the target current and no offline state has
	// been observed since.
	current     bool
	documentSet *model.DocumentSet
	// syncedDocuments are the keys the server says match the target.
	syncedDocuments model.DocumentKeySet
	limboDocuments  model.DocumentKeySet
	mutatedKeys     model.DocumentKeySet
}

// NewView creates an empty view for query. remoteDocuments are the keys the target is
// known to match on the server.
func NewView(query model.Query, remoteDocuments model.DocumentKeySet) *View {
	cmp := query.Comparator()
	if remoteDocuments == nil {
		remoteDocuments = model.NewDocumentKeySet()
	}
	return &View{
		query:           query,
		cmp:             cmp,
		syncState:       SyncStateNone,
		documentSet:     model.NewDocumentSet(cmp),
		syncedDocuments: remoteDocuments.Clone(),
		limboDocuments:  model.NewDocumentKeySet(),
		mutatedKeys:     model.NewDocumentKeySet(),
	}
}

func (v *View) Query() model.Query { return v.query }

// SyncedDocuments returns the keys the server reported for the view's target.
func (v *View) SyncedDocuments() model.DocumentKeySet { return v.syncedDocuments }

func (v *View) compare(a, b *model.MutableDocument) int {
	if c := v.cmp(a, b); c != 0 {
		return c
	}
	return a.Key().Compare(b.Key())
}

// ComputeDocChanges works out how docChanges, the new local view of some documents,
// change the view. Passing the result of a previous call continues from it, which is how
// a refill is computed on top of the changes that caused it.
func (v *View) ComputeDocChanges(docChanges model.DocumentMap, previous *ViewDocumentChanges) *ViewDocumentChanges {
	changeSet := NewDocumentChangeSet()
	oldDocumentSet := v.documentSet
	newMutatedKeys := v.mutatedKeys.Clone()
	if previous != nil {
		changeSet = previous.ChangeSet
		oldDocumentSet = previous.DocumentSet
		newMutatedKeys = previous.MutatedKeys.Clone()
	}
	newDocumentSet := oldDocumentSet.Clone()
	needsRefill := false

	// A full limited view can only tell which documents fall out of the limit. Edits that
	// move documents past its edge need the documents beyond it.
	var lastDocInLimit, firstDocInLimit *model.MutableDocument
	if v.query.HasLimit() && oldDocumentSet.Len() == v.query.Limit {
		if v.query.LimitType == model.LimitToFirst {
			lastDocInLimit = oldDocumentSet.Last()
		} else {
			firstDocInLimit = oldDocumentSet.First()
		}
	}

	keys := docChanges.Keys().Sorted()
	for _, key := range keys {
		entry := docChanges[key]
		oldDoc := oldDocumentSet.Get(key)
		var newDoc *model.MutableDocument
		if v.query.Matches(entry) {
			newDoc = entry
		}

		oldDocHadPendingMutations := oldDoc != nil && v.mutatedKeys.Has(key)
		newDocHasPendingMutations := newDoc != nil &&
			(newDoc.HasLocalMutations() || (v.mutatedKeys.Has(key) && newDoc.HasCommittedMutations()))

		changeApplied := false
		switch {
		case oldDoc != nil && newDoc != nil:
			if !oldDoc.Data().Equal(newDoc.Data()) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changeSet.Track(DocumentViewChange{Type: ChangeModified, Doc: newDoc})
					changeApplied = true
					if (lastDocInLimit != nil && v.compare(newDoc, lastDocInLimit) > 0) ||
						(firstDocInLimit != nil && v.compare(newDoc, firstDocInLimit) < 0) {
						needsRefill = true
					}
				}
			} else if oldDocHadPendingMutations != newDocHasPendingMutations {
				changeSet.Track(DocumentViewChange{Type: ChangeMetadata, Doc: newDoc})
				changeApplied = true
			}
		case oldDoc == nil && newDoc != nil:
			changeSet.Track(DocumentViewChange{Type: ChangeAdded, Doc: newDoc})
			changeApplied = true
		case oldDoc != nil && newDoc == nil:
			changeSet.Track(DocumentViewChange{Type: ChangeRemoved, Doc: oldDoc})
			changeApplied = true
			if lastDocInLimit != nil || firstDocInLimit != nil {
				needsRefill = true
			}
		}

		if !changeApplied {
			continue
		}
		if newDoc != nil {
			newDocumentSet.Add(newDoc)
			if newDocHasPendingMutations {
				newMutatedKeys.Add(key)
			} else {
				newMutatedKeys.Remove(key)
			}
		} else {
			newDocumentSet.Delete(key)
			newMutatedKeys.Remove(key)
		}
	}

	if v.query.HasLimit() {
		for newDocumentSet.Len() > v.query.Limit {
			var excess *model.MutableDocument
			if v.query.LimitType == model.LimitToFirst {
				excess = newDocumentSet.Last()
			} else {
				excess = newDocumentSet.First()
			}
			newDocumentSet.Delete(excess.Key())
			newMutatedKeys.Remove(excess.Key())
			changeSet.Track(DocumentViewChange{Type: ChangeRemoved, Doc: excess})
		}
	}

	return &ViewDocumentChanges{
		DocumentSet: newDocumentSet,
		ChangeSet:   changeSet,
		MutatedKeys: newMutatedKeys,
		NeedsRefill: needsRefill,
	}
}

// shouldWaitForSyncedDocument holds back the committed version of a locally modified
// document until the server sends the synced one, so the view does not flicker.
func shouldWaitForSyncedDocument(oldDoc, newDoc *model.MutableDocument) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges makes docChanges the view's state. targetChange is the remote change
// to the view's target, if any. Limbo documents are only tracked when
// updateLimboDocuments is set.
func (v *View) ApplyChanges(docChanges *ViewDocumentChanges, updateLimboDocuments bool, targetChange *remote.TargetChange) ViewChange {
	if docChanges.NeedsRefill {
		panic("BUG: cannot apply changes that need a refill")
	}
	oldDocs := v.documentSet
	v.documentSet = docChanges.DocumentSet
	v.mutatedKeys = docChanges.MutatedKeys

	changes := docChanges.ChangeSet.Changes()
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if oa, ob := changeTypeOrder(a.Type), changeTypeOrder(b.Type); oa != ob {
			return oa < ob
		}
		return v.compare(a.Doc, b.Doc) < 0
	})

	v.applyTargetChange(targetChange)
	var limboChanges []LimboDocumentChange
	if updateLimboDocuments {
		limboChanges = v.updateLimboDocuments()
	}

	newSyncState := SyncStateLocal
	if v.limboDocuments.Len() == 0 && v.current {
		newSyncState = SyncStateSynced
	}
	syncStateChanged := newSyncState != v.syncState
	v.syncState = newSyncState

	if len(changes) == 0 && !syncStateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}
	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             docChanges.DocumentSet,
			OldDocs:          oldDocs,
			Changes:          changes,
			MutatedKeys:      docChanges.MutatedKeys,
			FromCache:        newSyncState == SyncStateLocal,
			SyncStateChanged: syncStateChanged,
			HasCachedResults: targetChange != nil && len(targetChange.ResumeToken) > 0,
		},
		LimboChanges: limboChanges,
	}
}

// changeTypeOrder puts removals first so the indexes of later changes stay valid.
func changeTypeOrder(t ChangeType) int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	}
	return 2
}

// ApplyOnlineStateChange marks the view stale when the client goes offline.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) ViewChange {
	if v.current && state == remote.OnlineStateOffline {
		v.current = false
		return v.ApplyChanges(&ViewDocumentChanges{
			DocumentSet: v.documentSet,
			ChangeSet:   NewDocumentChangeSet(),
			MutatedKeys: v.mutatedKeys,
		}, false, nil)
	}
	return ViewChange{}
}

// SynchronizeWithPersistedState rebuilds the view from a query result read from the
// local store.
func (v *View) SynchronizeWithPersistedState(documents model.DocumentMap, remoteKeys model.DocumentKeySet) ViewChange {
	v.syncedDocuments = remoteKeys.Clone()
	v.limboDocuments = model.NewDocumentKeySet()
	changes := v.ComputeDocChanges(documents, nil)
	return v.ApplyChanges(changes, true, nil)
}

func (v *View) applyTargetChange(tc *remote.TargetChange) {
	if tc == nil {
		return
	}
	for key := range tc.AddedDocuments {
		v.syncedDocuments.Add(key)
	}
	for key := range tc.RemovedDocuments {
		v.syncedDocuments.Remove(key)
	}
	v.current = tc.Current
}

func (v *View) updateLimboDocuments() []LimboDocumentChange {
	// Until the target is current the server has not told us everything it matches.
	if !v.current {
		return nil
	}
	oldLimbo := v.limboDocuments
	v.limboDocuments = model.NewDocumentKeySet()
	for _, doc := range v.documentSet.Documents() {
		if v.shouldBeInLimbo(doc) {
			v.limboDocuments.Add(doc.Key())
		}
	}

	var changes []LimboDocumentChange
	for _, key := range oldLimbo.Sorted() {
		if !v.limboDocuments.Has(key) {
			changes = append(changes, LimboDocumentChange{Type: LimboRemoved, Key: key})
		}
	}
	for _, key := range v.limboDocuments.Sorted() {
		if !oldLimbo.Has(key) {
			changes = append(changes, LimboDocumentChange{Type: LimboAdded, Key: key})
		}
	}
	return changes
}

// shouldBeInLimbo: a document the server did not report and that is not explained by a
// local write cannot be confirmed by the target.
func (v *View) shouldBeInLimbo(doc *model.MutableDocument) bool {
	return !v.syncedDocuments.Has(doc.Key()) && !doc.HasLocalMutations()
}

// ComputeInitialSnapshot returns a snapshot of the current results as if they were
// all just added.
func (v *View) ComputeInitialSnapshot() *ViewSnapshot {
	return NewInitialViewSnapshot(v.query, v.documentSet, v.mutatedKeys, v.syncState == SyncStateLocal, false, false)
}
