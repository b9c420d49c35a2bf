// Package core binds the local and remote stores to query listeners. The SyncEngine owns
// one View per active query, feeds it local writes and remote events, resolves limbo
// documents, and hands ViewSnapshots to the EventManager, which decides what each
// QueryListener gets to see.
package core

import (
	"fmt"
	"sort"

	"github.com/docsync/docsync.go/pkg/model"
)

// ChangeType is the kind of change a view made to one document.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeModified
	// ChangeMetadata means only the pending-writes state of the document changed.
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	case ChangeMetadata:
		return "metadata"
	}
	return "unknown"
}

// DocumentViewChange is one change to a view.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *model.MutableDocument
}

// DocumentChangeSet folds the changes of one view computation so each key appears once.
type DocumentChangeSet struct {
	changes map[model.DocumentKey]DocumentViewChange
}

func NewDocumentChangeSet() *DocumentChangeSet {
	return &DocumentChangeSet{changes: map[model.DocumentKey]DocumentViewChange{}}
}

// Track merges change into the set. Combinations that cannot happen in a view panic.
func (s *DocumentChangeSet) Track(change DocumentViewChange) {
	key := change.Doc.Key()
	old, ok := s.changes[key]
	if !ok {
		s.changes[key] = change
		return
	}

	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		s.changes[key] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: old.Type, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes[key] = DocumentViewChange{Type: ChangeAdded, Doc: change.Doc}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(s.changes, key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeRemoved, Doc: old.Doc}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	default:
		panic(fmt.Sprintf("BUG: unsupported view change %s after %s for %s", change.Type, old.Type, key))
	}
}

// Changes returns the tracked changes ordered by key.
func (s *DocumentChangeSet) Changes() []DocumentViewChange {
	out := make([]DocumentViewChange, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Doc.Key().Compare(out[j].Doc.Key()) < 0 })
	return out
}

func (s *DocumentChangeSet) Len() int {
	return len(s.changes)
}

// SyncState says whether a view is known to match the server.
type SyncState int

const (
	SyncStateNone SyncState = iota
	// SyncStateLocal views show cached data that may be stale.
	SyncStateLocal
	// SyncStateSynced views are current with the server and have no limbo documents.
	SyncStateSynced
)

// ViewSnapshot is the state of a query's results after one change.
type ViewSnapshot struct {
	Query   model.Query
	Docs    *model.DocumentSet
	OldDocs *model.DocumentSet
	Changes []DocumentViewChange
	// MutatedKeys are the documents with pending local writes.
	MutatedKeys      model.DocumentKeySet
	FromCache        bool
	SyncStateChanged bool
	// ExcludesMetadataChanges is set on snapshots that were raised without the metadata
	// changes they would otherwise carry.
	ExcludesMetadataChanges bool
	// HasCachedResults is set when the results came from a target the client had synced
	// before.
	HasCachedResults bool
}

// NewInitialViewSnapshot is the first snapshot of a query whose results are docs.
func NewInitialViewSnapshot(query model.Query, docs *model.DocumentSet, mutatedKeys model.DocumentKeySet, fromCache, excludesMetadataChanges, hasCachedResults bool) *ViewSnapshot {
	changes := make([]DocumentViewChange, 0, docs.Len())
	for _, d := range docs.Documents() {
		changes = append(changes, DocumentViewChange{Type: ChangeAdded, Doc: d})
	}
	return &ViewSnapshot{
		Query:                   query,
		Docs:                    docs,
		OldDocs:                 model.NewDocumentSet(query.Comparator()),
		Changes:                 changes,
		MutatedKeys:             mutatedKeys,
		FromCache:               fromCache,
		SyncStateChanged:        true,
		ExcludesMetadataChanges: excludesMetadataChanges,
		HasCachedResults:        hasCachedResults,
	}
}

// HasPendingWrites reports whether any document in the snapshot has unacknowledged
// local writes.
func (s *ViewSnapshot) HasPendingWrites() bool {
	return s.MutatedKeys.Len() > 0
}

// DocumentChange is a change with its positions in the old and new result lists.
// OldIndex is -1 for added documents and NewIndex is -1 for removed ones.
type DocumentChange struct {
	Type     ChangeType
	Doc      *model.MutableDocument
	OldIndex int
	NewIndex int
}

// IndexedChanges converts the changes of s into changes with old and new indexes, which
// applied in order to s.OldDocs produce s.Docs. Metadata changes are reported as
// modifications when includeMetadataChanges is set and are dropped otherwise.
func (s *ViewSnapshot) IndexedChanges(includeMetadataChanges bool) []DocumentChange {
	var out []DocumentChange
	if s.OldDocs.IsEmpty() {
		for i, c := range s.Changes {
			if c.Type != ChangeAdded {
				panic(fmt.Sprintf("BUG: %s change in the first snapshot of a query", c.Type))
			}
			out = append(out, DocumentChange{Type: ChangeAdded, Doc: c.Doc, OldIndex: -1, NewIndex: i})
		}
		return out
	}

	tracker := s.OldDocs.Clone()
	for _, c := range s.Changes {
		if !includeMetadataChanges && c.Type == ChangeMetadata {
			continue
		}
		key := c.Doc.Key()
		oldIndex, newIndex := -1, -1
		if c.Type != ChangeAdded {
			oldIndex = tracker.IndexOf(key)
			tracker.Delete(key)
		}
		if c.Type != ChangeRemoved {
			tracker.Add(c.Doc)
			newIndex = tracker.IndexOf(key)
		}
		t := c.Type
		if t == ChangeMetadata {
			t = ChangeModified
		}
		out = append(out, DocumentChange{Type: t, Doc: c.Doc, OldIndex: oldIndex, NewIndex: newIndex})
	}
	return out
}
