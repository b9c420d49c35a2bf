package persistence

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/wire"
)

var testSerializer = wire.NewSerializer(wire.DatabaseID{ProjectID: "p", Database: "(default)"})

func newEager(t *testing.T) *MemoryPersistence {
	t.Helper()
	p := NewMemoryEagerPersistence(testSerializer, nil)
	require.NoError(t, p.Start())
	return p
}

func newLRU(t *testing.T, params LruParams) *MemoryPersistence {
	t.Helper()
	p := NewMemoryLRUPersistence(params, testSerializer, nil)
	require.NoError(t, p.Start())
	return p
}

func key(s string) model.DocumentKey {
	return model.DocumentKeyFromString(s)
}

func doc(s string, version int64, data map[string]any) *model.MutableDocument {
	return model.NewFoundDocument(key(s), model.Version(version), model.MustObjectValueOf(data))
}

func setMutation(s string, data map[string]any) model.Mutation {
	return model.NewSetMutation(key(s), model.MustObjectValueOf(data))
}

// run executes fn in a read-write transaction and fails the test on error.
func run(t *testing.T, p Persistence, fn func(txn *Transaction) error) {
	t.Helper()
	require.NoError(t, p.RunTransaction("test", ReadWrite, fn))
}

func TestRunTransactionRollsBack(t *testing.T) {
	p := newEager(t)
	cache := p.RemoteDocumentCache()
	boom := errors.New("boom")

	err := p.RunTransaction("failing", ReadWrite, func(txn *Transaction) error {
		require.NoError(t, cache.Add(txn, doc("c/1", 1, map[string]any{"a": 1}), model.Version(1)))
		_, err := p.TargetCache().AllocateTargetID(txn)
		require.NoError(t, err)
		return boom
	})
	var txnErr *TransactionError
	require.ErrorAs(t, err, &txnErr)
	assert.Equal(t, "failing", txnErr.Label)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsRetryable(err))
	assert.True(t, IsRetryable(&TransactionError{Err: constants.ErrContention}))

	run(t, p, func(txn *Transaction) error {
		got, err := cache.GetEntry(txn, key("c/1"))
		require.NoError(t, err)
		assert.False(t, got.IsValidDocument())
		size, err := cache.Size(txn)
		require.NoError(t, err)
		assert.Zero(t, size)
		id, err := p.TargetCache().AllocateTargetID(txn)
		require.NoError(t, err)
		assert.Equal(t, model.TargetID(2), id)
		return nil
	})
}

func TestRunTransactionRollsBackOnPanic(t *testing.T) {
	p := newEager(t)
	cache := p.RemoteDocumentCache()

	assert.PanicsWithValue(t, "boom", func() {
		_ = p.RunTransaction("panicking", ReadWrite, func(txn *Transaction) error {
			require.NoError(t, cache.Add(txn, doc("c/1", 1, map[string]any{"a": 1}), model.Version(1)))
			panic("boom")
		})
	})

	run(t, p, func(txn *Transaction) error {
		got, err := cache.GetEntry(txn, key("c/1"))
		require.NoError(t, err)
		assert.False(t, got.IsValidDocument(), "writes before the panic are undone")
		return nil
	})
}

func TestRunTransactionRequiresStart(t *testing.T) {
	p := NewMemoryEagerPersistence(testSerializer, nil)
	err := p.RunTransaction("early", ReadOnly, func(*Transaction) error { return nil })
	assert.Error(t, err)
}

func TestRemoteDocumentCache(t *testing.T) {
	p := newEager(t)
	cache := p.RemoteDocumentCache()
	im := p.IndexManager(credentials.Unauthenticated)
	cache.SetIndexManager(im)

	run(t, p, func(txn *Transaction) error {
		require.NoError(t, cache.Add(txn, doc("c/1", 1, map[string]any{"n": 1}), model.Version(10)))
		require.NoError(t, cache.Add(txn, doc("c/2", 2, map[string]any{"n": 2}), model.Version(20)))
		require.NoError(t, cache.Add(txn, doc("c/1/sub/1", 3, map[string]any{"n": 3}), model.Version(30)))
		require.NoError(t, cache.Add(txn, doc("d/1", 4, map[string]any{"n": 4}), model.Version(40)))
		return nil
	})

	t.Run("point lookups carry read time", func(t *testing.T) {
		run(t, p, func(txn *Transaction) error {
			got, err := cache.GetEntry(txn, key("c/2"))
			require.NoError(t, err)
			assert.True(t, got.IsFoundDocument())
			assert.True(t, got.ReadTime().Equal(model.Version(20)))
			return nil
		})
	})

	t.Run("collection scan honors offset", func(t *testing.T) {
		run(t, p, func(txn *Transaction) error {
			all, err := cache.GetAllFromCollection(txn, model.ResourcePathFromString("c"), model.IndexOffsetNone)
			require.NoError(t, err)
			assert.Len(t, all, 2)
			after, err := cache.GetAllFromCollection(txn, model.ResourcePathFromString("c"), model.IndexOffsetForReadTime(model.Version(10)))
			require.NoError(t, err)
			assert.Equal(t, model.NewDocumentKeySet(key("c/2")), after.Keys())
			return nil
		})
	})

	t.Run("query scan includes mutated keys", func(t *testing.T) {
		q := model.NewQuery(model.ResourcePathFromString("c")).
			WithFilter(model.NewFieldFilter(model.FieldPathFromDotted("n"), model.OpGreaterThan, model.IntegerValue(1)))
		run(t, p, func(txn *Transaction) error {
			got, err := cache.GetDocumentsMatchingQuery(txn, q, model.IndexOffsetNone, model.NewDocumentKeySet(), nil)
			require.NoError(t, err)
			assert.Equal(t, model.NewDocumentKeySet(key("c/2")), got.Keys())
			got, err = cache.GetDocumentsMatchingQuery(txn, q, model.IndexOffsetNone, model.NewDocumentKeySet(key("c/1")), nil)
			require.NoError(t, err)
			assert.Equal(t, model.NewDocumentKeySet(key("c/1"), key("c/2")), got.Keys())
			return nil
		})
	})

	t.Run("collection group scan is ordered and limited", func(t *testing.T) {
		run(t, p, func(txn *Transaction) error {
			got, err := cache.GetAllFromCollectionGroup(txn, "c", model.IndexOffsetNone, 1)
			require.NoError(t, err)
			assert.Equal(t, model.NewDocumentKeySet(key("c/1")), got.Keys())
			return nil
		})
	})

	t.Run("collection parents are indexed", func(t *testing.T) {
		run(t, p, func(txn *Transaction) error {
			parents, err := im.CollectionParents(txn, "sub")
			require.NoError(t, err)
			require.Len(t, parents, 1)
			assert.Equal(t, "c/1", parents[0].String())
			return nil
		})
	})

	t.Run("size tracks entries", func(t *testing.T) {
		run(t, p, func(txn *Transaction) error {
			before, err := cache.Size(txn)
			require.NoError(t, err)
			assert.Positive(t, before)
			require.NoError(t, cache.RemoveEntry(txn, key("d/1")))
			after, err := cache.Size(txn)
			require.NoError(t, err)
			assert.Less(t, after, before)
			return nil
		})
	})
}

func TestRemoteDocumentChangeBuffer(t *testing.T) {
	p := newEager(t)
	cache := p.RemoteDocumentCache()
	run(t, p, func(txn *Transaction) error {
		return cache.Add(txn, doc("c/1", 1, map[string]any{"a": 1}), model.Version(1))
	})

	run(t, p, func(txn *Transaction) error {
		buf := cache.NewChangeBuffer()
		buf.AddEntry(doc("c/2", 2, nil).SetReadTime(model.Version(2)))
		buf.RemoveEntry(key("c/1"))

		got, err := buf.GetEntries(txn, model.NewDocumentKeySet(key("c/1"), key("c/2")))
		require.NoError(t, err)
		assert.False(t, got[key("c/1")].IsValidDocument())
		assert.True(t, got[key("c/2")].IsFoundDocument())

		require.NoError(t, buf.Apply(txn))
		assert.Error(t, buf.Apply(txn))
		return nil
	})

	run(t, p, func(txn *Transaction) error {
		gone, err := cache.GetEntry(txn, key("c/1"))
		require.NoError(t, err)
		assert.False(t, gone.IsValidDocument())
		added, err := cache.GetEntry(txn, key("c/2"))
		require.NoError(t, err)
		assert.True(t, added.ReadTime().Equal(model.Version(2)))
		return nil
	})
}

func TestMutationQueue(t *testing.T) {
	p := newEager(t)
	user := credentials.User{UID: "alice"}
	q := p.MutationQueue(user, p.IndexManager(user))

	var b1, b2, b3 *model.MutationBatch
	run(t, p, func(txn *Transaction) error {
		empty, err := q.IsEmpty(txn)
		require.NoError(t, err)
		assert.True(t, empty)
		highest, err := q.HighestUnacknowledgedBatchID(txn)
		require.NoError(t, err)
		assert.Equal(t, model.BatchIDUnknown, highest)

		b1, err = q.AddMutationBatch(txn, model.Now(), nil, []model.Mutation{setMutation("c/1", map[string]any{"a": 1})})
		require.NoError(t, err)
		b2, err = q.AddMutationBatch(txn, model.Now(), nil, []model.Mutation{setMutation("c/2", map[string]any{"a": 2})})
		require.NoError(t, err)
		b3, err = q.AddMutationBatch(txn, model.Now(), nil, []model.Mutation{
			setMutation("c/1", map[string]any{"a": 3}),
			setMutation("d/1/e/1", map[string]any{"a": 3}),
		})
		return err
	})
	assert.Less(t, b1.BatchID, b2.BatchID)
	assert.Less(t, b2.BatchID, b3.BatchID)

	run(t, p, func(txn *Transaction) error {
		next, err := q.NextMutationBatchAfterBatchID(txn, b1.BatchID)
		require.NoError(t, err)
		assert.Equal(t, b2.BatchID, next.BatchID)

		affecting, err := q.AllMutationBatchesAffectingDocumentKey(txn, key("c/1"))
		require.NoError(t, err)
		require.Len(t, affecting, 2)
		assert.Equal(t, b1.BatchID, affecting[0].BatchID)
		assert.Equal(t, b3.BatchID, affecting[1].BatchID)

		byQuery, err := q.AllMutationBatchesAffectingQuery(txn, model.NewQuery(model.ResourcePathFromString("c")))
		require.NoError(t, err)
		assert.Len(t, byQuery, 3)

		_, err = q.AllMutationBatchesAffectingQuery(txn, model.NewCollectionGroupQuery("e"))
		assert.Error(t, err)

		highest, err := q.HighestUnacknowledgedBatchID(txn)
		require.NoError(t, err)
		assert.Equal(t, b3.BatchID, highest)
		return nil
	})

	t.Run("only the oldest batch can be removed", func(t *testing.T) {
		err := p.RunTransaction("remove", ReadWritePrimary, func(txn *Transaction) error {
			return q.RemoveMutationBatch(txn, b2)
		})
		assert.ErrorIs(t, err, constants.ErrInconsistentState)
	})

	t.Run("acknowledge and remove in order", func(t *testing.T) {
		run(t, p, func(txn *Transaction) error {
			require.NoError(t, q.AcknowledgeBatch(txn, b1, []byte("t1")))
			require.NoError(t, q.RemoveMutationBatch(txn, b1))
			token, err := q.LastStreamToken(txn)
			require.NoError(t, err)
			assert.Equal(t, []byte("t1"), token)
			found, err := q.LookupMutationBatch(txn, b1.BatchID)
			require.NoError(t, err)
			assert.Nil(t, found)
			return q.PerformConsistencyCheck(txn)
		})
		run(t, p, func(txn *Transaction) error {
			require.NoError(t, q.RemoveMutationBatch(txn, b2))
			require.NoError(t, q.RemoveMutationBatch(txn, b3))
			contains, err := q.ContainsKey(txn, key("c/1"))
			require.NoError(t, err)
			assert.False(t, contains)
			return q.PerformConsistencyCheck(txn)
		})
	})

	t.Run("queues are per user", func(t *testing.T) {
		other := p.MutationQueue(credentials.User{UID: "bob"}, nil)
		run(t, p, func(txn *Transaction) error {
			empty, err := other.IsEmpty(txn)
			require.NoError(t, err)
			assert.True(t, empty)
			return nil
		})
	})
}

// failingParentIndex rejects collection parent writes under "bad".
type failingParentIndex struct {
	IndexManager
}

func (f failingParentIndex) AddToCollectionParentIndex(txn *Transaction, path model.ResourcePath) error {
	if path.String() == "bad" {
		return errors.New("parent index unavailable")
	}
	return f.IndexManager.AddToCollectionParentIndex(txn, path)
}

func TestAddMutationBatchRollsBackOnIndexFailure(t *testing.T) {
	p := newEager(t)
	user := credentials.User{UID: "alice"}
	q := p.MutationQueue(user, failingParentIndex{p.IndexManager(user)})

	err := p.RunTransaction("write", ReadWrite, func(txn *Transaction) error {
		_, err := q.AddMutationBatch(txn, model.Now(), nil, []model.Mutation{
			setMutation("c/1", map[string]any{"a": 1}),
			setMutation("bad/1", map[string]any{"a": 1}),
		})
		return err
	})
	require.Error(t, err)

	run(t, p, func(txn *Transaction) error {
		empty, err := q.IsEmpty(txn)
		require.NoError(t, err)
		assert.True(t, empty)
		contains, err := q.ContainsKey(txn, key("c/1"))
		require.NoError(t, err)
		assert.False(t, contains)

		batch, err := q.AddMutationBatch(txn, model.Now(), nil, []model.Mutation{setMutation("c/1", map[string]any{"a": 2})})
		require.NoError(t, err)
		assert.Equal(t, model.BatchID(1), batch.BatchID)
		return q.PerformConsistencyCheck(txn)
	})
}

func TestDocumentOverlayCache(t *testing.T) {
	p := newEager(t)
	c := p.DocumentOverlayCache(credentials.Unauthenticated)

	run(t, p, func(txn *Transaction) error {
		require.NoError(t, c.SaveOverlays(txn, 1, model.MutationMap{
			key("g/1"): setMutation("g/1", nil),
			key("g/2"): setMutation("g/2", nil),
		}))
		require.NoError(t, c.SaveOverlays(txn, 2, model.MutationMap{
			key("x/1/g/3"): setMutation("x/1/g/3", nil),
		}))
		require.NoError(t, c.SaveOverlays(txn, 3, model.MutationMap{
			key("g/4"): setMutation("g/4", nil),
			key("g/1"): setMutation("g/1", map[string]any{"v": 2}),
		}))
		return nil
	})

	run(t, p, func(txn *Transaction) error {
		o, err := c.GetOverlay(txn, key("g/1"))
		require.NoError(t, err)
		require.NotNil(t, o)
		assert.Equal(t, model.BatchID(3), o.LargestBatchID)

		none, err := c.GetOverlay(txn, key("g/9"))
		require.NoError(t, err)
		assert.Nil(t, none)

		coll, err := c.GetOverlaysForCollection(txn, model.ResourcePathFromString("g"), 1)
		require.NoError(t, err)
		assert.Equal(t, model.NewDocumentKeySet(key("g/1"), key("g/4")), model.NewDocumentKeySet(keysOf(coll)...))

		group, err := c.GetOverlaysForCollectionGroup(txn, "g", 0, 1)
		require.NoError(t, err)
		assert.Equal(t, model.NewDocumentKeySet(key("g/2")), model.NewDocumentKeySet(keysOf(group)...),
			"first batch is returned whole")

		group, err = c.GetOverlaysForCollectionGroup(txn, "g", 1, 2)
		require.NoError(t, err)
		assert.Len(t, group, 3)

		return c.RemoveOverlaysForBatchID(txn, model.NewDocumentKeySet(key("g/1"), key("g/2")), 1)
	})

	run(t, p, func(txn *Transaction) error {
		got, err := c.GetOverlays(txn, model.NewDocumentKeySet(key("g/1"), key("g/2")))
		require.NoError(t, err)
		assert.Contains(t, got, key("g/1"), "overlay saved under a newer batch is kept")
		assert.NotContains(t, got, key("g/2"))
		return nil
	})
}

func keysOf(m model.OverlayMap) []model.DocumentKey {
	out := make([]model.DocumentKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestTargetCache(t *testing.T) {
	p := newEager(t)
	tc := p.TargetCache()
	target := model.NewQuery(model.ResourcePathFromString("c")).ToTarget()

	var td *model.TargetData
	run(t, p, func(txn *Transaction) error {
		id, err := tc.AllocateTargetID(txn)
		require.NoError(t, err)
		assert.Equal(t, model.TargetID(2), id)
		next, err := tc.AllocateTargetID(txn)
		require.NoError(t, err)
		assert.Equal(t, model.TargetID(4), next)

		td = model.NewTargetData(target, id, model.PurposeListen, 7)
		require.NoError(t, tc.AddTargetData(txn, td))
		assert.Error(t, tc.AddTargetData(txn, td))
		require.NoError(t, tc.AddMatchingKeys(txn, model.NewDocumentKeySet(key("c/1"), key("c/2")), id))
		return tc.SetTargetsMetadata(txn, 3, model.Version(100))
	})

	run(t, p, func(txn *Transaction) error {
		got, err := tc.GetTargetData(txn, model.NewQuery(model.ResourcePathFromString("c")).ToTarget())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, td.TargetID, got.TargetID)

		seq, err := tc.HighestSequenceNumber(txn)
		require.NoError(t, err)
		assert.Equal(t, model.ListenSequenceNumber(7), seq)
		version, err := tc.LastRemoteSnapshotVersion(txn)
		require.NoError(t, err)
		assert.True(t, version.Equal(model.Version(100)))

		keys, err := tc.MatchingKeysForTargetID(txn, td.TargetID)
		require.NoError(t, err)
		assert.Equal(t, 2, keys.Len())
		contains, err := tc.ContainsKey(txn, key("c/1"))
		require.NoError(t, err)
		assert.True(t, contains)

		require.NoError(t, tc.RemoveMatchingKeys(txn, model.NewDocumentKeySet(key("c/1")), td.TargetID))
		contains, err = tc.ContainsKey(txn, key("c/1"))
		require.NoError(t, err)
		assert.False(t, contains)

		removed, err := tc.RemoveTargets(txn, 10, map[model.TargetID]bool{td.TargetID: true})
		require.NoError(t, err)
		assert.Zero(t, removed)
		removed, err = tc.RemoveTargets(txn, 10, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		count, err := tc.TargetCount(txn)
		require.NoError(t, err)
		assert.Zero(t, count)
		return nil
	})
}

func TestBundleCache(t *testing.T) {
	p := newEager(t)
	bc := p.BundleCache()
	run(t, p, func(txn *Transaction) error {
		require.NoError(t, bc.SaveBundleMetadata(txn, model.BundleMetadata{ID: "b", CreateTime: model.Version(5), Version: 1}))
		require.NoError(t, bc.SaveNamedQuery(txn, model.NamedQuery{Name: "q", Query: model.NewQuery(model.ResourcePathFromString("c")), ReadTime: model.Version(5)}))
		return nil
	})
	run(t, p, func(txn *Transaction) error {
		meta, err := bc.GetBundleMetadata(txn, "b")
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.True(t, meta.CreateTime.Equal(model.Version(5)))
		missing, err := bc.GetBundleMetadata(txn, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
		nq, err := bc.GetNamedQuery(txn, "q")
		require.NoError(t, err)
		require.NotNil(t, nq)
		assert.Equal(t, "c", nq.Query.Path.String())
		return nil
	})
}

func TestReferenceSet(t *testing.T) {
	refs := NewReferenceSet()
	assert.True(t, refs.IsEmpty())
	refs.AddReferences(model.NewDocumentKeySet(key("c/1"), key("c/2")), 1)
	refs.AddReference(key("c/1"), 2)

	assert.True(t, refs.ContainsKey(key("c/2")))
	assert.Equal(t, 2, refs.ReferencesForID(1).Len())

	removed := refs.RemoveReferencesForID(1)
	assert.Equal(t, 2, removed.Len())
	assert.True(t, refs.ContainsKey(key("c/1")))
	assert.False(t, refs.ContainsKey(key("c/2")))

	all := refs.RemoveAllReferences()
	assert.Equal(t, model.NewDocumentKeySet(key("c/1")), all)
	assert.True(t, refs.IsEmpty())
}

func TestEagerDelegateRemovesOrphans(t *testing.T) {
	p := newEager(t)
	cache := p.RemoteDocumentCache()
	tc := p.TargetCache()
	target := model.NewQuery(model.ResourcePathFromString("c")).ToTarget()
	td := model.NewTargetData(target, 2, model.PurposeListen, 1)

	pins := NewReferenceSet()
	p.ReferenceDelegate().AddInMemoryPins(pins)

	run(t, p, func(txn *Transaction) error {
		require.NoError(t, tc.AddTargetData(txn, td))
		require.NoError(t, cache.Add(txn, doc("c/1", 1, nil), model.Version(1)))
		require.NoError(t, cache.Add(txn, doc("c/2", 1, nil), model.Version(1)))
		return tc.AddMatchingKeys(txn, model.NewDocumentKeySet(key("c/1"), key("c/2")), td.TargetID)
	})
	pins.AddReference(key("c/2"), 99)

	run(t, p, func(txn *Transaction) error {
		return p.ReferenceDelegate().RemoveTarget(txn, td)
	})

	run(t, p, func(txn *Transaction) error {
		gone, err := cache.GetEntry(txn, key("c/1"))
		require.NoError(t, err)
		assert.False(t, gone.IsValidDocument())
		pinned, err := cache.GetEntry(txn, key("c/2"))
		require.NoError(t, err)
		assert.True(t, pinned.IsFoundDocument())
		return nil
	})
}

func TestEagerDelegateRemovesDocumentsAfterLastMutation(t *testing.T) {
	p := newEager(t)
	cache := p.RemoteDocumentCache()
	user := credentials.User{UID: "alice"}
	q := p.MutationQueue(user, p.IndexManager(user))

	var b1, b2 *model.MutationBatch
	run(t, p, func(txn *Transaction) error {
		require.NoError(t, cache.Add(txn, doc("c/1", 1, map[string]any{"a": 1}), model.Version(1)))
		var err error
		b1, err = q.AddMutationBatch(txn, model.Now(), nil, []model.Mutation{setMutation("c/1", map[string]any{"a": 2})})
		require.NoError(t, err)
		b2, err = q.AddMutationBatch(txn, model.Now(), nil, []model.Mutation{setMutation("c/1", map[string]any{"a": 3})})
		return err
	})

	entry := func() *model.MutableDocument {
		var got *model.MutableDocument
		run(t, p, func(txn *Transaction) error {
			var err error
			got, err = cache.GetEntry(txn, key("c/1"))
			return err
		})
		return got
	}

	run(t, p, func(txn *Transaction) error { return q.RemoveMutationBatch(txn, b1) })
	assert.True(t, entry().IsFoundDocument(), "a later batch still writes c/1")

	run(t, p, func(txn *Transaction) error { return q.RemoveMutationBatch(txn, b2) })
	assert.False(t, entry().IsValidDocument())
}

func TestLruGarbageCollector(t *testing.T) {
	params := LruParams{CacheSizeCollectionThreshold: 0, PercentileToCollect: 50, MaximumSequenceNumbersToCollect: 1000}
	p := newLRU(t, params)
	cache := p.RemoteDocumentCache()
	tc := p.TargetCache()
	gc := p.LruDelegate().GarbageCollector()

	targets := make([]*model.TargetData, 4)
	for i := range targets {
		target := model.NewQuery(model.ResourcePathFromString("c" + string(rune('a'+i)))).ToTarget()
		run(t, p, func(txn *Transaction) error {
			id, err := tc.AllocateTargetID(txn)
			require.NoError(t, err)
			targets[i] = model.NewTargetData(target, id, model.PurposeListen, txn.CurrentSequenceNumber())
			require.NoError(t, tc.AddTargetData(txn, targets[i]))
			k := key(target.Path.String() + "/1")
			require.NoError(t, cache.Add(txn, model.NewFoundDocument(k, model.Version(1), model.NewObjectValue()), model.Version(1)))
			return tc.AddMatchingKeys(txn, model.NewDocumentKeySet(k), id)
		})
	}

	t.Run("nth sequence number", func(t *testing.T) {
		run(t, p, func(txn *Transaction) error {
			n, err := gc.CalculateTargetCount(txn, 50)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			upper, err := gc.NthSequenceNumber(txn, 2)
			require.NoError(t, err)
			assert.Equal(t, targets[1].SequenceNumber, upper)
			zero, err := gc.NthSequenceNumber(txn, 0)
			require.NoError(t, err)
			assert.Equal(t, model.ListenSequenceInvalid, zero)
			return nil
		})
	})

	t.Run("collect skips active targets", func(t *testing.T) {
		var results LruResults
		run(t, p, func(txn *Transaction) error {
			var err error
			results, err = gc.Collect(txn, map[model.TargetID]bool{targets[0].TargetID: true})
			return err
		})
		assert.True(t, results.DidRun)
		assert.Equal(t, 1, results.TargetsRemoved)
		assert.Equal(t, 1, results.DocumentsRemoved)

		run(t, p, func(txn *Transaction) error {
			kept, err := cache.GetEntry(txn, key("ca/1"))
			require.NoError(t, err)
			assert.True(t, kept.IsFoundDocument())
			gone, err := cache.GetEntry(txn, key("cb/1"))
			require.NoError(t, err)
			assert.False(t, gone.IsValidDocument())
			return nil
		})
	})

	t.Run("documents with pending writes are pinned", func(t *testing.T) {
		q := p.MutationQueue(credentials.Unauthenticated, nil)
		run(t, p, func(txn *Transaction) error {
			_, err := q.AddMutationBatch(txn, model.Now(), nil, []model.Mutation{setMutation("cc/1", nil)})
			require.NoError(t, err)
			removed, err := p.LruDelegate().RemoveTargets(txn, 1<<40, nil)
			require.NoError(t, err)
			assert.Equal(t, 3, removed)
			docs, err := p.LruDelegate().RemoveOrphanedDocuments(txn, 1<<40)
			require.NoError(t, err)
			assert.Equal(t, 2, docs)
			pinned, err := cache.GetEntry(txn, key("cc/1"))
			require.NoError(t, err)
			assert.True(t, pinned.IsFoundDocument())
			return nil
		})
	})

	t.Run("disabled collector never runs", func(t *testing.T) {
		disabled := newLRU(t, DisabledLruParams())
		run(t, disabled, func(txn *Transaction) error {
			results, err := disabled.LruDelegate().GarbageCollector().Collect(txn, nil)
			require.NoError(t, err)
			assert.False(t, results.DidRun)
			return nil
		})
	})
}

func TestIndexManager(t *testing.T) {
	p := newEager(t)
	im := p.IndexManager(credentials.Unauthenticated)
	query := model.NewQuery(model.ResourcePathFromString("c")).
		WithFilter(model.NewFieldFilter(model.FieldPathFromDotted("a"), model.OpEqual, model.IntegerValue(1))).
		WithOrderBy(model.OrderBy{Field: model.FieldPathFromDotted("b"), Direction: model.Ascending})
	target := query.ToTarget()

	run(t, p, func(txn *Transaction) error {
		typ, err := im.IndexType(txn, target)
		require.NoError(t, err)
		assert.Equal(t, IndexTypeNone, typ)

		require.NoError(t, im.AddFieldIndex(txn, &model.FieldIndex{
			IndexID:         model.FieldIndexUnknownID,
			CollectionGroup: "c",
			Segments:        []model.IndexSegment{{Field: model.FieldPathFromDotted("a"), Kind: model.SegmentAscending}},
		}))
		typ, err = im.IndexType(txn, target)
		require.NoError(t, err)
		assert.Equal(t, IndexTypePartial, typ)

		require.NoError(t, im.CreateTargetIndexes(txn, target))
		typ, err = im.IndexType(txn, target)
		require.NoError(t, err)
		assert.Equal(t, IndexTypeFull, typ)

		indexes, err := im.FieldIndexes(txn, "c")
		require.NoError(t, err)
		assert.Len(t, indexes, 2)

		return im.UpdateIndexEntries(txn, model.DocumentMap{
			key("c/1"): doc("c/1", 1, map[string]any{"a": 1, "b": 3}),
			key("c/2"): doc("c/2", 1, map[string]any{"a": 1, "b": 1}),
			key("c/3"): doc("c/3", 1, map[string]any{"a": 2, "b": 2}),
			key("c/4"): doc("c/4", 1, map[string]any{"a": 1}),
		})
	})

	t.Run("full index sorts and limits", func(t *testing.T) {
		run(t, p, func(txn *Transaction) error {
			keys, err := im.DocumentsMatchingTarget(txn, query.WithLimitToFirst(1).ToTarget())
			require.NoError(t, err)
			assert.Equal(t, []model.DocumentKey{key("c/2")}, keys)
			keys, err = im.DocumentsMatchingTarget(txn, target)
			require.NoError(t, err)
			assert.Equal(t, []model.DocumentKey{key("c/2"), key("c/1")}, keys)
			return nil
		})
	})

	t.Run("or filters are not served", func(t *testing.T) {
		or := model.NewQuery(model.ResourcePathFromString("c")).WithFilter(model.NewCompositeFilter(model.CompositeOr,
			model.NewFieldFilter(model.FieldPathFromDotted("a"), model.OpEqual, model.IntegerValue(1)),
			model.NewFieldFilter(model.FieldPathFromDotted("a"), model.OpEqual, model.IntegerValue(2))))
		run(t, p, func(txn *Transaction) error {
			typ, err := im.IndexType(txn, or.ToTarget())
			require.NoError(t, err)
			assert.Equal(t, IndexTypeNone, typ)
			keys, err := im.DocumentsMatchingTarget(txn, or.ToTarget())
			require.NoError(t, err)
			assert.Nil(t, keys)
			return nil
		})
	})

	t.Run("backfill bookkeeping", func(t *testing.T) {
		run(t, p, func(txn *Transaction) error {
			group, err := im.NextCollectionGroupToUpdate(txn)
			require.NoError(t, err)
			assert.Equal(t, "c", group)
			offset := model.IndexOffsetForReadTime(model.Version(9))
			require.NoError(t, im.UpdateCollectionGroup(txn, "c", offset))
			min, err := im.MinOffsetFromCollectionGroup(txn, "c")
			require.NoError(t, err)
			assert.Zero(t, min.Compare(offset))
			targetMin, err := im.MinOffset(txn, target)
			require.NoError(t, err)
			assert.Zero(t, targetMin.Compare(offset))
			return nil
		})
	})

	t.Run("delete all indexes", func(t *testing.T) {
		run(t, p, func(txn *Transaction) error {
			require.NoError(t, im.DeleteAllFieldIndexes(txn))
			indexes, err := im.FieldIndexes(txn, "")
			require.NoError(t, err)
			assert.Empty(t, indexes)
			return nil
		})
	})
}
