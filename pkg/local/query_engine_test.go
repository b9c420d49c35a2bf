package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync.go/pkg/model"
)

func TestNeedsRefill(t *testing.T) {
	byN := collectionQuery("c").WithOrderBy(model.OrderBy{Field: model.FieldPathFromDotted("n")})
	docs := model.DocumentMap{
		key("c/1"): doc("c/1", 1, map[string]any{"n": 1}),
		key("c/2"): doc("c/2", 2, map[string]any{"n": 2}),
	}
	keys := docs.Keys()

	tests := []struct {
		name    string
		query   model.Query
		keys    model.DocumentKeySet
		version int64
		want    bool
	}{
		{"no limit", byN, keys, 0, false},
		{"unchanged", byN.WithLimitToFirst(2), keys, 2, false},
		{"document left the results", byN.WithLimitToFirst(2), model.NewDocumentKeySet(key("c/1"), key("c/2"), key("c/3")), 2, true},
		{"last document changed", byN.WithLimitToFirst(2), keys, 1, true},
		{"limit to last checks the first document", byN.WithLimitToLast(2), keys, 1, false},
		{"first document changed", byN.WithLimitToLast(2), keys, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			previous := applyQuery(tt.query, docs)
			assert.Equal(t, tt.want, needsRefill(tt.query, previous, tt.keys, model.Version(tt.version)))
		})
	}
}

func TestQueryEngineUsesPreviousResults(t *testing.T) {
	s := newEagerStore(t)
	query := collectionQuery("c").
		WithFilter(filter("n", model.OpGreaterThanOrEqual, 2)).
		WithLimitToFirst(2)
	td, err := s.AllocateTarget(query.ToTarget())
	require.NoError(t, err)

	applyDocs(t, s, td.TargetID, 5,
		doc("c/1", 5, map[string]any{"n": 2}),
		doc("c/2", 5, map[string]any{"n": 3}),
	)
	require.NoError(t, s.NotifyLocalViewChanges([]LocalViewChanges{{
		TargetID:    td.TargetID,
		AddedKeys:   model.NewDocumentKeySet(key("c/1"), key("c/2")),
		RemovedKeys: model.NewDocumentKeySet(),
	}}))

	// A later local write must show up even though the previous results are reused.
	_, err = s.WriteLocally([]model.Mutation{setMutation("c/3", map[string]any{"n": 1})})
	require.NoError(t, err)
	_, err = s.WriteLocally([]model.Mutation{setMutation("c/4", map[string]any{"n": 9})})
	require.NoError(t, err)

	for _, usePrevious := range []bool{true, false} {
		result, err := s.ExecuteQuery(query, usePrevious)
		require.NoError(t, err)
		assert.ElementsMatch(t,
			[]model.DocumentKey{key("c/1"), key("c/2"), key("c/4")},
			result.Documents.Keys().Sorted(), "usePrevious=%v", usePrevious)
		assert.Equal(t, 2, result.RemoteKeys.Len())
	}
}
