package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync.go/pkg/model"
)

func TestBundles(t *testing.T) {
	s := newEagerStore(t)
	meta := model.BundleMetadata{ID: "b1", CreateTime: model.Version(2000), Version: 1}

	newer, err := s.HasNewerBundle(meta)
	require.NoError(t, err)
	assert.False(t, newer)

	bundled := doc("rooms/a", 1500, map[string]any{"n": int64(1)}).SetReadTime(model.Version(2000))
	view, err := s.ApplyBundledDocuments(model.DocumentMap{bundled.Key(): bundled}, meta.ID)
	require.NoError(t, err)
	require.Contains(t, view, key("rooms/a"))
	assert.Equal(t, int64(1), field(t, view[key("rooms/a")], "n"))

	require.NoError(t, s.SaveBundle(meta))
	newer, err = s.HasNewerBundle(meta)
	require.NoError(t, err)
	assert.True(t, newer)

	t.Run("older bundled documents lose", func(t *testing.T) {
		older := doc("rooms/a", 1000, map[string]any{"n": int64(0)}).SetReadTime(model.Version(1000))
		view, err := s.ApplyBundledDocuments(model.DocumentMap{older.Key(): older}, "b0")
		require.NoError(t, err)
		assert.NotContains(t, view, key("rooms/a"))

		read, err := s.ReadDocument(key("rooms/a"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), field(t, read, "n"))
	})

	t.Run("named queries", func(t *testing.T) {
		q := collectionQuery("rooms")
		named := model.NamedQuery{Name: "all-rooms", Query: q, ReadTime: model.Version(2000)}
		require.NoError(t, s.SaveNamedQuery(named, model.NewDocumentKeySet(key("rooms/a"))))

		got, err := s.GetNamedQuery("all-rooms")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.Version(2000), got.ReadTime)

		td, err := s.GetTargetData(q.ToTarget())
		require.NoError(t, err)
		require.NotNil(t, td)
		assert.Equal(t, model.Version(2000), td.SnapshotVersion)
		keys, err := s.GetRemoteDocumentKeys(td.TargetID)
		require.NoError(t, err)
		assert.True(t, keys.Has(key("rooms/a")))

		missing, err := s.GetNamedQuery("nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}
