package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync.go/internal/async"
	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/persistence"
	"github.com/docsync/docsync.go/pkg/remote"
	"github.com/docsync/docsync.go/pkg/wire"
)

var testSerializer = wire.NewSerializer(wire.DatabaseID{ProjectID: "p", Database: "(default)"})

func key(s string) model.DocumentKey {
	return model.DocumentKeyFromString(s)
}

func doc(s string, version int64, data map[string]any) *model.MutableDocument {
	return model.NewFoundDocument(key(s), model.Version(version), model.MustObjectValueOf(data))
}

func setMutation(s string, data map[string]any) model.Mutation {
	return model.NewSetMutation(key(s), model.MustObjectValueOf(data))
}

func patchMutation(s string, data map[string]any) model.Mutation {
	return model.NewPatchMutation(key(s), model.MustObjectValueOf(data), nil, model.PreconditionExists(true))
}

func filter(path string, op model.Operator, value any) *model.FieldFilter {
	return model.NewFieldFilter(model.FieldPathFromDotted(path), op, model.MustValueOf(value))
}

func collectionQuery(path string) model.Query {
	return model.NewQuery(model.ResourcePathFromString(path))
}

func field(t *testing.T, d *model.MutableDocument, path string) any {
	t.Helper()
	v, ok := d.Field(model.FieldPathFromDotted(path))
	require.True(t, ok, "field %s missing from %s", path, d)
	return v.Interface()
}

func newStore(t *testing.T, p *persistence.MemoryPersistence) *LocalStore {
	t.Helper()
	require.NoError(t, p.Start())
	s := NewLocalStore(p, NewQueryEngine(nil), credentials.Unauthenticated, nil)
	require.NoError(t, s.Start())
	return s
}

func newEagerStore(t *testing.T) *LocalStore {
	return newStore(t, persistence.NewMemoryEagerPersistence(testSerializer, nil))
}

// applyDocs delivers docs for targetID in a remote event at version.
func applyDocs(t *testing.T, s *LocalStore, targetID model.TargetID, version int64, docs ...*model.MutableDocument) model.DocumentMap {
	t.Helper()
	change := remote.CreateSynthesizedTargetChangeForCurrentChange(true, []byte("token"))
	updates := model.DocumentMap{}
	for _, d := range docs {
		change.AddedDocuments.Add(d.Key())
		updates[d.Key()] = d
	}
	event := &remote.RemoteEvent{
		SnapshotVersion:        model.Version(version),
		TargetChanges:          map[model.TargetID]*remote.TargetChange{targetID: change},
		TargetMismatches:       map[model.TargetID]model.TargetPurpose{},
		DocumentUpdates:        updates,
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	}
	changed, err := s.ApplyRemoteEvent(event)
	require.NoError(t, err)
	return changed
}

func acknowledge(t *testing.T, s *LocalStore, version int64, results ...model.MutationResult) model.DocumentMap {
	t.Helper()
	batch, err := s.NextMutationBatch(model.BatchIDUnknown)
	require.NoError(t, err)
	require.NotNil(t, batch)
	if len(results) == 0 {
		for range batch.Mutations {
			results = append(results, model.MutationResult{Version: model.Version(version)})
		}
	}
	result, err := model.NewMutationBatchResult(batch, model.Version(version), results, []byte("stream"))
	require.NoError(t, err)
	docs, err := s.AcknowledgeBatch(result)
	require.NoError(t, err)
	return docs
}

func TestWriteLocally(t *testing.T) {
	s := newEagerStore(t)

	res, err := s.WriteLocally([]model.Mutation{setMutation("c/1", map[string]any{"a": 1})})
	require.NoError(t, err)
	assert.Equal(t, model.BatchID(1), res.BatchID)
	written := res.Changes[key("c/1")]
	require.NotNil(t, written)
	assert.True(t, written.HasLocalMutations())
	assert.EqualValues(t, 1, field(t, written, "a"))

	got, err := s.ReadDocument(key("c/1"))
	require.NoError(t, err)
	assert.True(t, got.IsFoundDocument())
	assert.True(t, got.HasLocalMutations())

	id, err := s.GetHighestUnacknowledgedBatchID()
	require.NoError(t, err)
	assert.Equal(t, model.BatchID(1), id)

	t.Run("patches stack on the previous write", func(t *testing.T) {
		res, err := s.WriteLocally([]model.Mutation{patchMutation("c/1", map[string]any{"b": 2})})
		require.NoError(t, err)
		assert.Equal(t, model.BatchID(2), res.BatchID)
		got := res.Changes[key("c/1")]
		assert.EqualValues(t, 1, field(t, got, "a"))
		assert.EqualValues(t, 2, field(t, got, "b"))
	})

	t.Run("query sees pending writes", func(t *testing.T) {
		result, err := s.ExecuteQuery(collectionQuery("c"), false)
		require.NoError(t, err)
		require.Contains(t, result.Documents, key("c/1"))
		assert.Empty(t, result.RemoteKeys)
	})
}

func TestAcknowledgeBatch(t *testing.T) {
	s := newEagerStore(t)
	_, err := s.WriteLocally([]model.Mutation{setMutation("c/1", map[string]any{"a": 1})})
	require.NoError(t, err)

	docs := acknowledge(t, s, 10)
	got := docs[key("c/1")]
	require.NotNil(t, got)
	assert.True(t, got.IsFoundDocument())
	assert.False(t, got.HasLocalMutations())
	assert.Equal(t, model.Version(10), got.Version())

	id, err := s.GetHighestUnacknowledgedBatchID()
	require.NoError(t, err)
	assert.Equal(t, model.BatchIDUnknown, id)

	token, err := s.GetLastStreamToken()
	require.NoError(t, err)
	assert.Equal(t, []byte("stream"), token)

	batch, err := s.NextMutationBatch(model.BatchIDUnknown)
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestAcknowledgeBatchWithServerTransform(t *testing.T) {
	s := newEagerStore(t)
	increment := model.NewPatchMutation(key("c/1"), model.NewObjectValue(), model.NewFieldMask(),
		model.PreconditionNone(), model.NumericIncrementTransform(model.FieldPathFromDotted("n"), model.IntegerValue(1)))
	_, err := s.WriteLocally([]model.Mutation{setMutation("c/1", map[string]any{"n": 1})})
	require.NoError(t, err)
	_, err = s.WriteLocally([]model.Mutation{increment})
	require.NoError(t, err)

	got, err := s.ReadDocument(key("c/1"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, field(t, got, "n"))

	acknowledge(t, s, 10)
	docs := acknowledge(t, s, 11, model.MutationResult{
		Version:          model.Version(11),
		TransformResults: []model.Value{model.IntegerValue(7)},
	})
	assert.EqualValues(t, 7, field(t, docs[key("c/1")], "n"))
}

func TestAcknowledgeBatchRejectsMissingTransformResults(t *testing.T) {
	s := newEagerStore(t)
	stamped := model.NewSetMutation(key("c/1"), model.MustObjectValueOf(map[string]any{"a": 1}),
		model.ServerTimestampTransform(model.FieldPathFromDotted("at")))
	_, err := s.WriteLocally([]model.Mutation{stamped})
	require.NoError(t, err)

	batch, err := s.NextMutationBatch(model.BatchIDUnknown)
	require.NoError(t, err)
	_, err = model.NewMutationBatchResult(batch, model.Version(5), []model.MutationResult{{Version: model.Version(5)}}, nil)
	require.ErrorIs(t, err, constants.ErrInconsistentState)

	// A result assembled without validation is refused as a whole.
	result := &model.MutationBatchResult{
		Batch:           batch,
		CommitVersion:   model.Version(5),
		MutationResults: []model.MutationResult{{Version: model.Version(5)}},
		DocVersions:     map[model.DocumentKey]model.SnapshotVersion{key("c/1"): model.Version(5)},
	}
	assert.NotPanics(t, func() { _, err = s.AcknowledgeBatch(result) })
	assert.ErrorIs(t, err, constants.ErrInconsistentState)

	still, err := s.NextMutationBatch(model.BatchIDUnknown)
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.Equal(t, batch.BatchID, still.BatchID, "the batch stays queued")
	got, err := s.ReadDocument(key("c/1"))
	require.NoError(t, err)
	assert.True(t, got.HasLocalMutations())
}

func TestRejectBatch(t *testing.T) {
	s := newEagerStore(t)
	res, err := s.WriteLocally([]model.Mutation{setMutation("c/1", map[string]any{"a": 1})})
	require.NoError(t, err)

	docs, err := s.RejectBatch(res.BatchID)
	require.NoError(t, err)
	require.Contains(t, docs, key("c/1"))
	assert.False(t, docs[key("c/1")].IsFoundDocument())

	got, err := s.ReadDocument(key("c/1"))
	require.NoError(t, err)
	assert.False(t, got.IsValidDocument())

	_, err = s.RejectBatch(res.BatchID)
	assert.ErrorIs(t, err, constants.ErrBatchNotFound)
}

func TestApplyRemoteEvent(t *testing.T) {
	s := newEagerStore(t)
	target := collectionQuery("c").ToTarget()
	td, err := s.AllocateTarget(target)
	require.NoError(t, err)

	changed := applyDocs(t, s, td.TargetID, 5, doc("c/1", 5, map[string]any{"a": 1, "b": 1}))
	require.Contains(t, changed, key("c/1"))

	keys, err := s.GetRemoteDocumentKeys(td.TargetID)
	require.NoError(t, err)
	assert.True(t, keys.Has(key("c/1")))

	version, err := s.GetLastRemoteSnapshotVersion()
	require.NoError(t, err)
	assert.Equal(t, model.Version(5), version)

	data, err := s.GetTargetData(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), data.ResumeToken)
	assert.Equal(t, model.Version(5), data.SnapshotVersion)

	t.Run("outdated documents are ignored", func(t *testing.T) {
		changed := applyDocs(t, s, td.TargetID, 6, doc("c/1", 3, map[string]any{"a": 0}))
		assert.NotContains(t, changed, key("c/1"))
		got, err := s.ReadDocument(key("c/1"))
		require.NoError(t, err)
		assert.EqualValues(t, 1, field(t, got, "a"))
	})

	t.Run("pending patch applies on top of the remote document", func(t *testing.T) {
		res, err := s.WriteLocally([]model.Mutation{patchMutation("c/1", map[string]any{"b": 2})})
		require.NoError(t, err)
		got := res.Changes[key("c/1")]
		assert.EqualValues(t, 1, field(t, got, "a"))
		assert.EqualValues(t, 2, field(t, got, "b"))

		changed := applyDocs(t, s, td.TargetID, 7, doc("c/1", 7, map[string]any{"a": 3, "b": 1}))
		got = changed[key("c/1")]
		require.NotNil(t, got)
		assert.EqualValues(t, 3, field(t, got, "a"))
		assert.EqualValues(t, 2, field(t, got, "b"))
		assert.True(t, got.HasLocalMutations())
	})

	t.Run("deleted documents at the min version are removed", func(t *testing.T) {
		applyDocs(t, s, td.TargetID, 8, doc("c/2", 8, map[string]any{"x": 1}))
		applyDocs(t, s, td.TargetID, 9, model.NewNoDocument(key("c/2"), model.MinVersion))
		got, err := s.ReadDocument(key("c/2"))
		require.NoError(t, err)
		assert.False(t, got.IsValidDocument())
	})

	t.Run("existence filter mismatch clears the resume token", func(t *testing.T) {
		event := &remote.RemoteEvent{
			SnapshotVersion: model.Version(10),
			TargetChanges: map[model.TargetID]*remote.TargetChange{
				td.TargetID: remote.CreateSynthesizedTargetChangeForCurrentChange(false, nil),
			},
			TargetMismatches:       map[model.TargetID]model.TargetPurpose{td.TargetID: model.PurposeExistenceFilterMismatch},
			DocumentUpdates:        model.DocumentMap{},
			ResolvedLimboDocuments: model.NewDocumentKeySet(),
		}
		_, err := s.ApplyRemoteEvent(event)
		require.NoError(t, err)
		data, err := s.GetTargetData(target)
		require.NoError(t, err)
		assert.Empty(t, data.ResumeToken)
		assert.True(t, data.SnapshotVersion.IsMin())
	})
}

func TestApplyRemoteEventTwiceIsNoop(t *testing.T) {
	s := newEagerStore(t)
	target := collectionQuery("c").ToTarget()
	td, err := s.AllocateTarget(target)
	require.NoError(t, err)

	change := remote.CreateSynthesizedTargetChangeForCurrentChange(true, []byte("token"))
	change.AddedDocuments.Add(key("c/1"))
	change.AddedDocuments.Add(key("c/2"))
	event := &remote.RemoteEvent{
		SnapshotVersion:  model.Version(5),
		TargetChanges:    map[model.TargetID]*remote.TargetChange{td.TargetID: change},
		TargetMismatches: map[model.TargetID]model.TargetPurpose{},
		DocumentUpdates: model.DocumentMap{
			key("c/1"): doc("c/1", 4, map[string]any{"a": 1}),
			key("c/2"): doc("c/2", 5, map[string]any{"a": 2}),
		},
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	}
	changed, err := s.ApplyRemoteEvent(event)
	require.NoError(t, err)
	require.Len(t, changed, 2)

	snapshotDocs := func() map[model.DocumentKey]*model.MutableDocument {
		out := map[model.DocumentKey]*model.MutableDocument{}
		for _, k := range []model.DocumentKey{key("c/1"), key("c/2")} {
			d, err := s.ReadDocument(k)
			require.NoError(t, err)
			out[k] = d
		}
		return out
	}
	docsBefore := snapshotDocs()
	keysBefore, err := s.GetRemoteDocumentKeys(td.TargetID)
	require.NoError(t, err)
	targetBefore, err := s.GetTargetData(target)
	require.NoError(t, err)
	versionBefore, err := s.GetLastRemoteSnapshotVersion()
	require.NoError(t, err)

	changed, err = s.ApplyRemoteEvent(event)
	require.NoError(t, err)
	assert.Empty(t, changed)

	for k, before := range docsBefore {
		after := snapshotDocs()[k]
		assert.True(t, before.Equal(after), "%s changed: %s -> %s", k, before, after)
		assert.Equal(t, before.ReadTime(), after.ReadTime())
	}
	keysAfter, err := s.GetRemoteDocumentKeys(td.TargetID)
	require.NoError(t, err)
	assert.True(t, keysBefore.Equal(keysAfter))

	targetAfter, err := s.GetTargetData(target)
	require.NoError(t, err)
	assert.Equal(t, targetBefore.TargetID, targetAfter.TargetID)
	assert.Equal(t, targetBefore.ResumeToken, targetAfter.ResumeToken)
	assert.Equal(t, targetBefore.SnapshotVersion, targetAfter.SnapshotVersion)
	assert.Equal(t, targetBefore.LastLimboFreeSnapshotVersion, targetAfter.LastLimboFreeSnapshotVersion)

	versionAfter, err := s.GetLastRemoteSnapshotVersion()
	require.NoError(t, err)
	assert.Equal(t, versionBefore, versionAfter)
}

func TestShouldPersistTargetData(t *testing.T) {
	target := collectionQuery("c").ToTarget()
	base := model.NewTargetData(target, 2, model.PurposeListen, 1)
	withToken := base.WithResumeToken([]byte("a"), model.Version(1_000_000))
	noChanges := remote.CreateSynthesizedTargetChangeForCurrentChange(true, nil)
	withChanges := remote.CreateSynthesizedTargetChangeForCurrentChange(true, nil)
	withChanges.ModifiedDocuments.Add(key("c/1"))

	tests := []struct {
		name    string
		old     *model.TargetData
		updated *model.TargetData
		change  *remote.TargetChange
		want    bool
	}{
		{"first token", base, withToken, noChanges, true},
		{"same token with changes", withToken, withToken.WithSequenceNumber(2), withChanges, true},
		{"empty new token", withToken, base, withChanges, false},
		{"fresh token without changes", withToken, withToken.WithResumeToken([]byte("b"), model.Version(2_000_000)), noChanges, false},
		{"fresh token with changes", withToken, withToken.WithResumeToken([]byte("b"), model.Version(2_000_000)), withChanges, true},
		{"old token", withToken, withToken.WithResumeToken([]byte("b"), model.Version(1_000_000+constants.ResumeTokenMaxAge.Microseconds())), noChanges, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldPersistTargetData(tt.old, tt.updated, tt.change))
		})
	}
}

func TestReleaseTargetCollectsDocuments(t *testing.T) {
	s := newEagerStore(t)
	td, err := s.AllocateTarget(collectionQuery("c").ToTarget())
	require.NoError(t, err)
	applyDocs(t, s, td.TargetID, 5, doc("c/1", 5, map[string]any{"a": 1}))
	require.NoError(t, s.NotifyLocalViewChanges([]LocalViewChanges{{
		TargetID:    td.TargetID,
		AddedKeys:   model.NewDocumentKeySet(key("c/1")),
		RemovedKeys: model.NewDocumentKeySet(),
	}}))

	got, err := s.ReadDocument(key("c/1"))
	require.NoError(t, err)
	require.True(t, got.IsFoundDocument())

	require.NoError(t, s.ReleaseTarget(td.TargetID, false))
	got, err = s.ReadDocument(key("c/1"))
	require.NoError(t, err)
	assert.False(t, got.IsValidDocument())

	assert.ErrorIs(t, s.ReleaseTarget(td.TargetID, false), constants.ErrTargetNotFound)
}

func TestNotifyLocalViewChangesAdvancesLimboFreeVersion(t *testing.T) {
	s := newEagerStore(t)
	target := collectionQuery("c").ToTarget()
	td, err := s.AllocateTarget(target)
	require.NoError(t, err)
	applyDocs(t, s, td.TargetID, 5, doc("c/1", 5, map[string]any{"a": 1}))

	require.NoError(t, s.NotifyLocalViewChanges([]LocalViewChanges{{
		TargetID: td.TargetID, FromCache: true,
		AddedKeys: model.NewDocumentKeySet(key("c/1")), RemovedKeys: model.NewDocumentKeySet(),
	}}))
	data, err := s.GetTargetData(target)
	require.NoError(t, err)
	assert.True(t, data.LastLimboFreeSnapshotVersion.IsMin())

	require.NoError(t, s.NotifyLocalViewChanges([]LocalViewChanges{{
		TargetID: td.TargetID, AddedKeys: model.NewDocumentKeySet(), RemovedKeys: model.NewDocumentKeySet(),
	}}))
	data, err = s.GetTargetData(target)
	require.NoError(t, err)
	assert.Equal(t, model.Version(5), data.LastLimboFreeSnapshotVersion)
}

func TestHandleUserChange(t *testing.T) {
	s := newEagerStore(t)
	_, err := s.WriteLocally([]model.Mutation{setMutation("c/1", map[string]any{"a": 1})})
	require.NoError(t, err)

	result, err := s.HandleUserChange(credentials.User{UID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []model.BatchID{1}, result.RemovedBatchIDs)
	assert.Empty(t, result.AddedBatchIDs)
	require.Contains(t, result.AffectedDocuments, key("c/1"))
	assert.False(t, result.AffectedDocuments[key("c/1")].IsValidDocument())

	result, err = s.HandleUserChange(credentials.Unauthenticated)
	require.NoError(t, err)
	assert.Equal(t, []model.BatchID{1}, result.AddedBatchIDs)
	assert.True(t, result.AffectedDocuments[key("c/1")].IsFoundDocument())
}

func TestHandleUserChangeKeepsUserOnFailure(t *testing.T) {
	p := persistence.NewMemoryEagerPersistence(testSerializer, nil)
	s := newStore(t, p)
	_, err := s.WriteLocally([]model.Mutation{setMutation("c/1", map[string]any{"a": 1})})
	require.NoError(t, err)

	require.NoError(t, p.Shutdown())
	_, err = s.HandleUserChange(credentials.User{UID: "alice"})
	require.Error(t, err)
	assert.Equal(t, credentials.Unauthenticated, s.User())

	require.NoError(t, p.Start())
	got, err := s.ReadDocument(key("c/1"))
	require.NoError(t, err)
	assert.True(t, got.HasLocalMutations(), "the previous user's pending write still applies")
	highest, err := s.GetHighestUnacknowledgedBatchID()
	require.NoError(t, err)
	assert.Equal(t, model.BatchID(1), highest)
}

func TestConfigureFieldIndexes(t *testing.T) {
	s := newEagerStore(t)
	index := func(field string) *model.FieldIndex {
		return &model.FieldIndex{
			IndexID:         model.FieldIndexUnknownID,
			CollectionGroup: "c",
			Segments:        []model.IndexSegment{{Field: model.FieldPathFromDotted(field), Kind: model.SegmentAscending}},
		}
	}
	indexes := func() []*model.FieldIndex {
		var out []*model.FieldIndex
		require.NoError(t, s.persistence.RunTransaction("read", persistence.ReadOnly, func(txn *persistence.Transaction) error {
			var err error
			out, err = s.indexManager.FieldIndexes(txn, "c")
			return err
		}))
		return out
	}

	require.NoError(t, s.ConfigureFieldIndexes([]*model.FieldIndex{index("a"), index("b")}))
	assert.Len(t, indexes(), 2)

	require.NoError(t, s.ConfigureFieldIndexes([]*model.FieldIndex{index("b")}))
	got := indexes()
	require.Len(t, got, 1)
	assert.Equal(t, index("b").SemanticKey(), got[0].SemanticKey())

	require.NoError(t, s.DeleteAllFieldIndexes())
	assert.Empty(t, indexes())
}

func TestIndexAutoCreationAndBackfill(t *testing.T) {
	s := newEagerStore(t)
	s.queryEngine.SetIndexAutoCreationMinCollectionSize(1)
	s.SetIndexAutoCreationEnabled(true)

	td, err := s.AllocateTarget(collectionQuery("c").ToTarget())
	require.NoError(t, err)
	var docs []*model.MutableDocument
	for i := 0; i < 10; i++ {
		docs = append(docs, doc("c/"+string(rune('a'+i)), 5, map[string]any{"n": i}))
	}
	applyDocs(t, s, td.TargetID, 5, docs...)

	query := collectionQuery("c").WithFilter(filter("n", model.OpEqual, 3))
	result, err := s.ExecuteQuery(query, false)
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	assert.Contains(t, result.Documents, key("c/d"))

	backfiller := NewIndexBackfiller(nil, s, nil)
	n, err := backfiller.Backfill()
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	n, err = backfiller.Backfill()
	require.NoError(t, err)
	assert.Zero(t, n)

	result, err = s.ExecuteQuery(query, false)
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	assert.Contains(t, result.Documents, key("c/d"))
}

func TestLruGarbageCollectorScheduler(t *testing.T) {
	p := persistence.NewMemoryLRUPersistence(persistence.LruParamsWithCacheSize(0), testSerializer, nil)
	s := newStore(t, p)
	q := async.NewQueue(nil)
	defer q.Shutdown(nil)

	scheduler := NewLruGarbageCollectorScheduler(q, s, p.LruDelegate().GarbageCollector(), nil)
	scheduler.Start()
	assert.True(t, q.ContainsDelayedOperation(async.TimerGarbageCollection))

	q.RunAllDelayedOperationsUntil(async.TimerGarbageCollection)
	assert.True(t, scheduler.HasRun())
	// The next run is scheduled with the regular delay.
	assert.True(t, q.ContainsDelayedOperation(async.TimerGarbageCollection))

	scheduler.Stop()
	assert.False(t, q.ContainsDelayedOperation(async.TimerGarbageCollection))
}

func TestPatchAppliesOnceDocumentExists(t *testing.T) {
	s := newEagerStore(t)
	res, err := s.WriteLocally([]model.Mutation{patchMutation("c/1", map[string]any{"b": 2})})
	require.NoError(t, err)
	assert.False(t, res.Changes[key("c/1")].IsFoundDocument())

	td, err := s.AllocateTarget(collectionQuery("c").ToTarget())
	require.NoError(t, err)
	changed := applyDocs(t, s, td.TargetID, 5, doc("c/1", 5, map[string]any{"a": 1}))
	got := changed[key("c/1")]
	require.NotNil(t, got)
	assert.EqualValues(t, 1, field(t, got, "a"))
	assert.EqualValues(t, 2, field(t, got, "b"))
	assert.True(t, got.HasLocalMutations())
}

func TestRejectBatchRecalculatesOverlay(t *testing.T) {
	s := newEagerStore(t)
	for _, m := range []model.Mutation{
		setMutation("c/1", map[string]any{"a": 1}),
		setMutation("c/1", map[string]any{"a": 2}),
		patchMutation("c/1", map[string]any{"b": 3}),
	} {
		_, err := s.WriteLocally([]model.Mutation{m})
		require.NoError(t, err)
	}

	docs, err := s.RejectBatch(1)
	require.NoError(t, err)
	got := docs[key("c/1")]
	assert.EqualValues(t, 2, field(t, got, "a"))
	assert.EqualValues(t, 3, field(t, got, "b"))

	got, err = s.ReadDocument(key("c/1"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, field(t, got, "a"))
	assert.EqualValues(t, 3, field(t, got, "b"))

	_, err = s.RejectBatch(3)
	assert.ErrorIs(t, err, constants.ErrInconsistentState)
}

func TestCollectionGroupQuery(t *testing.T) {
	s := newEagerStore(t)
	td, err := s.AllocateTarget(collectionQuery("x").ToTarget())
	require.NoError(t, err)
	applyDocs(t, s, td.TargetID, 5,
		doc("a/1/c/x", 5, map[string]any{"n": 1}),
		doc("b/1/c/y", 5, map[string]any{"n": 2}),
		doc("b/1/d/z", 5, map[string]any{"n": 3}),
	)
	_, err = s.WriteLocally([]model.Mutation{setMutation("e/1/c/w", map[string]any{"n": 4})})
	require.NoError(t, err)

	result, err := s.ExecuteQuery(model.NewCollectionGroupQuery("c"), false)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]model.DocumentKey{key("a/1/c/x"), key("b/1/c/y"), key("e/1/c/w")},
		result.Documents.Keys().Sorted())

	result, err = s.ExecuteQuery(model.NewCollectionGroupQuery("c").WithFilter(filter("n", model.OpGreaterThan, 1)), false)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]model.DocumentKey{key("b/1/c/y"), key("e/1/c/w")},
		result.Documents.Keys().Sorted())
}
