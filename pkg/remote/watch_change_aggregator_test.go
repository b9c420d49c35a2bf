package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/wire"
)

var testDB = wire.DatabaseID{ProjectID: "p", Database: "d"}

type fakeMetadata struct {
	targets    map[model.TargetID]*model.TargetData
	remoteKeys map[model.TargetID]model.DocumentKeySet
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		targets:    map[model.TargetID]*model.TargetData{},
		remoteKeys: map[model.TargetID]model.DocumentKeySet{},
	}
}

func (m *fakeMetadata) GetRemoteKeysForTarget(id model.TargetID) model.DocumentKeySet {
	if keys, ok := m.remoteKeys[id]; ok {
		return keys
	}
	return model.NewDocumentKeySet()
}

func (m *fakeMetadata) GetTargetDataForTarget(id model.TargetID) *model.TargetData {
	return m.targets[id]
}

func (m *fakeMetadata) GetDatabaseID() wire.DatabaseID {
	return testDB
}

func (m *fakeMetadata) addQueryTarget(id model.TargetID, path string, keys ...string) {
	q := model.NewQuery(model.ResourcePathFromString(path))
	m.targets[id] = model.NewTargetData(q.ToTarget(), id, model.PurposeListen, 1)
	set := model.NewDocumentKeySet()
	for _, k := range keys {
		set.Add(model.DocumentKeyFromString(k))
	}
	m.remoteKeys[id] = set
}

func (m *fakeMetadata) addLimboTarget(id model.TargetID, key string) {
	q := model.NewQuery(model.ResourcePathFromString(key))
	m.targets[id] = model.NewTargetData(q.ToTarget(), id, model.PurposeLimboResolution, 1)
}

func foundDoc(key string, version int64) *model.MutableDocument {
	return model.NewFoundDocument(model.DocumentKeyFromString(key), model.Version(version),
		model.MustObjectValueOf(map[string]any{"v": version}))
}

func docName(key string) string {
	return testDB.DocumentsRoot() + "/" + key
}

func TestAggregatorDocumentChanges(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(1, "c", "c/existing")
	agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)

	agg.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{1},
		Key:              model.DocumentKeyFromString("c/new"),
		NewDoc:           foundDoc("c/new", 5),
	})
	agg.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{1},
		Key:              model.DocumentKeyFromString("c/existing"),
		NewDoc:           foundDoc("c/existing", 6),
	})
	agg.HandleTargetChange(&WatchTargetChange{State: TargetCurrent, TargetIDs: []model.TargetID{1}, ResumeToken: []byte("t1")})

	event := agg.CreateRemoteEvent(model.Version(10))
	require.Contains(t, event.TargetChanges, model.TargetID(1))
	change := event.TargetChanges[1]
	assert.True(t, change.Current)
	assert.Equal(t, []byte("t1"), change.ResumeToken)
	assert.True(t, change.AddedDocuments.Has(model.DocumentKeyFromString("c/new")))
	assert.True(t, change.ModifiedDocuments.Has(model.DocumentKeyFromString("c/existing")))
	assert.Len(t, event.DocumentUpdates, 2)
	for _, doc := range event.DocumentUpdates {
		assert.Equal(t, model.Version(10), doc.ReadTime())
	}
	assert.Empty(t, event.ResolvedLimboDocuments)

	t.Run("pending changes are cleared", func(t *testing.T) {
		next := agg.CreateRemoteEvent(model.Version(11))
		assert.Empty(t, next.TargetChanges)
		assert.Empty(t, next.DocumentUpdates)
	})

	t.Run("added then removed in one event", func(t *testing.T) {
		key := model.DocumentKeyFromString("c/flash")
		agg.HandleDocumentChange(&DocumentWatchChange{UpdatedTargetIDs: []model.TargetID{1}, Key: key, NewDoc: foundDoc("c/flash", 12)})
		agg.HandleDocumentChange(&DocumentWatchChange{RemovedTargetIDs: []model.TargetID{1}, Key: key})
		event := agg.CreateRemoteEvent(model.Version(12))
		change := event.TargetChanges[1]
		require.NotNil(t, change)
		assert.False(t, change.AddedDocuments.Has(key))
		assert.False(t, change.RemovedDocuments.Has(key))
	})

	t.Run("delete of a known document", func(t *testing.T) {
		key := model.DocumentKeyFromString("c/existing")
		agg.HandleDocumentChange(&DocumentWatchChange{
			RemovedTargetIDs: []model.TargetID{1},
			Key:              key,
			NewDoc:           model.NewNoDocument(key, model.Version(13)),
		})
		event := agg.CreateRemoteEvent(model.Version(13))
		assert.True(t, event.TargetChanges[1].RemovedDocuments.Has(key))
		require.Contains(t, event.DocumentUpdates, key)
		assert.True(t, event.DocumentUpdates[key].IsNoDocument())
	})
}

func TestAggregatorIgnoresChangesWhilePending(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(1, "c")
	agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)

	agg.RecordPendingTargetRequest(1)
	agg.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{1},
		Key:              model.DocumentKeyFromString("c/a"),
		NewDoc:           foundDoc("c/a", 1),
	})
	event := agg.CreateRemoteEvent(model.Version(1))
	assert.Empty(t, event.TargetChanges)
	assert.Empty(t, event.DocumentUpdates)

	agg.HandleTargetChange(&WatchTargetChange{State: TargetAdded, TargetIDs: []model.TargetID{1}})
	agg.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{1},
		Key:              model.DocumentKeyFromString("c/b"),
		NewDoc:           foundDoc("c/b", 2),
	})
	event = agg.CreateRemoteEvent(model.Version(2))
	require.Contains(t, event.TargetChanges, model.TargetID(1))
	assert.Equal(t, 1, event.TargetChanges[1].AddedDocuments.Len())
	assert.True(t, event.TargetChanges[1].AddedDocuments.Has(model.DocumentKeyFromString("c/b")))
}

func TestAggregatorTargetChangeWithoutIDsAppliesToActiveTargets(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(1, "a")
	md.addQueryTarget(2, "b")
	agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)
	agg.HandleTargetChange(&WatchTargetChange{State: TargetCurrent, TargetIDs: []model.TargetID{1, 2}})
	agg.CreateRemoteEvent(model.Version(1))

	agg.HandleTargetChange(&WatchTargetChange{State: TargetNoChange, ResumeToken: []byte("global")})
	event := agg.CreateRemoteEvent(model.Version(2))
	require.Len(t, event.TargetChanges, 2)
	for _, change := range event.TargetChanges {
		assert.Equal(t, []byte("global"), change.ResumeToken)
	}
}

func TestAggregatorExistenceFilter(t *testing.T) {
	keys := []string{"c/a", "c/b", "c/c"}

	t.Run("matching count", func(t *testing.T) {
		md := newFakeMetadata()
		md.addQueryTarget(1, "c", keys...)
		agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)
		agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 1, Filter: ExistenceFilter{Count: 3}})
		event := agg.CreateRemoteEvent(model.Version(1))
		assert.Empty(t, event.TargetMismatches)
	})

	t.Run("mismatch without bloom filter resets the target", func(t *testing.T) {
		md := newFakeMetadata()
		md.addQueryTarget(1, "c", keys...)
		var mismatches []ExistenceFilterMismatch
		cfg := DefaultExistenceFilterConfig()
		cfg.OnMismatch = func(m ExistenceFilterMismatch) { mismatches = append(mismatches, m) }
		agg := NewWatchChangeAggregator(md, cfg, nil)

		agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 1, Filter: ExistenceFilter{Count: 1}})
		event := agg.CreateRemoteEvent(model.Version(1))
		assert.Equal(t, map[model.TargetID]model.TargetPurpose{1: model.PurposeExistenceFilterMismatch}, event.TargetMismatches)
		assert.Equal(t, 3, event.TargetChanges[1].RemovedDocuments.Len())
		require.Len(t, mismatches, 1)
		assert.Equal(t, ExistenceFilterMismatch{TargetID: 1, LocalCacheCount: 3, ExistenceFilterCount: 1}, mismatches[0])
	})

	t.Run("bloom filter identifies the removed document", func(t *testing.T) {
		md := newFakeMetadata()
		md.addQueryTarget(1, "c", keys...)
		agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)

		bloom := BuildBloomFilter([]string{docName("c/a"), docName("c/b")}, 4096, 7)
		agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 1, Filter: ExistenceFilter{Count: 2, UnchangedNames: bloom}})
		event := agg.CreateRemoteEvent(model.Version(1))
		assert.Empty(t, event.TargetMismatches)
		removed := event.TargetChanges[1].RemovedDocuments
		assert.Equal(t, 1, removed.Len())
		assert.True(t, removed.Has(model.DocumentKeyFromString("c/c")))
	})

	t.Run("bloom filter false positive falls back to a re-listen", func(t *testing.T) {
		md := newFakeMetadata()
		md.addQueryTarget(1, "c", keys...)
		agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)

		bloom := BuildBloomFilter([]string{docName("c/a"), docName("c/b"), docName("c/c")}, 4096, 7)
		agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 1, Filter: ExistenceFilter{Count: 2, UnchangedNames: bloom}})
		event := agg.CreateRemoteEvent(model.Version(1))
		assert.Equal(t, model.PurposeExistenceFilterMismatchBloom, event.TargetMismatches[1])
	})

	t.Run("invalid bloom filter is skipped", func(t *testing.T) {
		md := newFakeMetadata()
		md.addQueryTarget(1, "c", keys...)
		agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)

		bloom := &wire.BloomFilter{Bits: &wire.BitSequence{Bitmap: []byte{1}, Padding: 9}, HashCount: 1}
		agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 1, Filter: ExistenceFilter{Count: 2, UnchangedNames: bloom}})
		event := agg.CreateRemoteEvent(model.Version(1))
		assert.Equal(t, model.PurposeExistenceFilterMismatch, event.TargetMismatches[1])
	})

	t.Run("bloom filter disabled", func(t *testing.T) {
		md := newFakeMetadata()
		md.addQueryTarget(1, "c", keys...)
		agg := NewWatchChangeAggregator(md, ExistenceFilterConfig{}, nil)

		bloom := BuildBloomFilter([]string{docName("c/a"), docName("c/b")}, 4096, 7)
		agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 1, Filter: ExistenceFilter{Count: 2, UnchangedNames: bloom}})
		event := agg.CreateRemoteEvent(model.Version(1))
		assert.Equal(t, model.PurposeExistenceFilterMismatch, event.TargetMismatches[1])
	})

	t.Run("document target with impossible count is listened to again", func(t *testing.T) {
		md := newFakeMetadata()
		md.addLimboTarget(3, "c/x")
		md.remoteKeys[3] = model.NewDocumentKeySet(model.DocumentKeyFromString("c/x"))
		agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)

		assert.NotPanics(t, func() {
			agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 3, Filter: ExistenceFilter{Count: 2}})
		})
		event := agg.CreateRemoteEvent(model.Version(7))
		assert.Equal(t, map[model.TargetID]model.TargetPurpose{3: model.PurposeExistenceFilterMismatch}, event.TargetMismatches)
	})

	t.Run("unsolicited target acknowledgement", func(t *testing.T) {
		md := newFakeMetadata()
		md.addQueryTarget(1, "c", keys...)
		agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)
		assert.NotPanics(t, func() {
			agg.HandleTargetChange(&WatchTargetChange{State: TargetAdded, TargetIDs: []model.TargetID{1}})
			agg.HandleTargetChange(&WatchTargetChange{State: TargetAdded, TargetIDs: []model.TargetID{1}})
		})
	})

	t.Run("document target with count zero deletes the document", func(t *testing.T) {
		md := newFakeMetadata()
		md.addLimboTarget(3, "c/gone")
		md.remoteKeys[3] = model.NewDocumentKeySet(model.DocumentKeyFromString("c/gone"))
		agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)

		agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 3, Filter: ExistenceFilter{Count: 0}})
		event := agg.CreateRemoteEvent(model.Version(7))
		key := model.DocumentKeyFromString("c/gone")
		require.Contains(t, event.DocumentUpdates, key)
		assert.True(t, event.DocumentUpdates[key].IsNoDocument())
		assert.True(t, event.ResolvedLimboDocuments.Has(key))
	})
}

func TestAggregatorSynthesizesDeleteForCurrentDocumentTarget(t *testing.T) {
	md := newFakeMetadata()
	md.addLimboTarget(5, "c/missing")
	agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)

	agg.HandleTargetChange(&WatchTargetChange{State: TargetCurrent, TargetIDs: []model.TargetID{5}, ResumeToken: []byte("r")})
	event := agg.CreateRemoteEvent(model.Version(9))

	key := model.DocumentKeyFromString("c/missing")
	require.Contains(t, event.DocumentUpdates, key)
	doc := event.DocumentUpdates[key]
	assert.True(t, doc.IsNoDocument())
	assert.Equal(t, model.Version(9), doc.Version())
	assert.True(t, event.ResolvedLimboDocuments.Has(key))
}

func TestAggregatorResetRemovesKnownDocuments(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(1, "c", "c/a", "c/b")
	agg := NewWatchChangeAggregator(md, DefaultExistenceFilterConfig(), nil)

	agg.HandleTargetChange(&WatchTargetChange{State: TargetReset, TargetIDs: []model.TargetID{1}})
	agg.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{1},
		Key:              model.DocumentKeyFromString("c/a"),
		NewDoc:           foundDoc("c/a", 3),
	})
	event := agg.CreateRemoteEvent(model.Version(3))
	change := event.TargetChanges[1]
	assert.True(t, change.ModifiedDocuments.Has(model.DocumentKeyFromString("c/a")))
	assert.True(t, change.RemovedDocuments.Has(model.DocumentKeyFromString("c/b")))
}

func TestDecodeWatchChange(t *testing.T) {
	s := wire.NewSerializer(testDB)

	t.Run("target change with cause", func(t *testing.T) {
		change, err := DecodeWatchChange(s, &wire.ListenResponse{TargetChange: &wire.TargetChange{
			TargetChangeType: wire.TargetChangeRemove,
			TargetIDs:        []int32{4},
			Cause:            &wire.Status{Code: 7, Message: "denied"},
		}})
		require.NoError(t, err)
		tc := change.(*WatchTargetChange)
		assert.Equal(t, TargetRemoved, tc.State)
		assert.Equal(t, []model.TargetID{4}, tc.TargetIDs)
		assert.EqualError(t, tc.Cause, "rpc error: code = PermissionDenied desc = denied")
	})

	t.Run("document delete", func(t *testing.T) {
		resp := &wire.ListenResponse{DocumentDelete: &wire.DocumentDelete{
			Document:         docName("c/a"),
			RemovedTargetIDs: []int32{1},
			ReadTime:         wire.EncodeVersion(model.Version(42)),
		}}
		change, err := DecodeWatchChange(s, resp)
		require.NoError(t, err)
		dc := change.(*DocumentWatchChange)
		assert.Equal(t, model.DocumentKeyFromString("c/a"), dc.Key)
		assert.True(t, dc.NewDoc.IsNoDocument())
		assert.Equal(t, model.Version(42), dc.NewDoc.Version())
		assert.True(t, SnapshotVersionFromListenResponse(resp).IsMin())
	})

	t.Run("document remove has no document", func(t *testing.T) {
		change, err := DecodeWatchChange(s, &wire.ListenResponse{DocumentRemove: &wire.DocumentRemove{
			Document:         docName("c/a"),
			RemovedTargetIDs: []int32{1},
		}})
		require.NoError(t, err)
		assert.Nil(t, change.(*DocumentWatchChange).NewDoc)
	})

	t.Run("global snapshot version", func(t *testing.T) {
		resp := &wire.ListenResponse{TargetChange: &wire.TargetChange{ReadTime: wire.EncodeVersion(model.Version(100))}}
		assert.Equal(t, model.Version(100), SnapshotVersionFromListenResponse(resp))
		resp.TargetChange.TargetIDs = []int32{1}
		assert.True(t, SnapshotVersionFromListenResponse(resp).IsMin())
	})

	t.Run("empty response", func(t *testing.T) {
		_, err := DecodeWatchChange(s, &wire.ListenResponse{})
		assert.Error(t, err)
	})
}
