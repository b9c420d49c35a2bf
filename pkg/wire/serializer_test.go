package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync.go/internal/codec"
	"github.com/docsync/docsync.go/pkg/model"
)

var testDB = DatabaseID{ProjectID: "p", Database: "(default)"}

func TestKeys(t *testing.T) {
	s := NewSerializer(testDB)
	key := model.DocumentKeyFromString("rooms/a/msgs/1")
	name := s.EncodeKey(key)
	assert.Equal(t, "projects/p/databases/(default)/documents/rooms/a/msgs/1", name)

	decoded, err := s.DecodeKey(name)
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	_, err = s.DecodeKey("projects/other/databases/(default)/documents/c/1")
	assert.Error(t, err)
}

func TestEncodeTargetResume(t *testing.T) {
	s := NewSerializer(testDB)
	target := model.NewQuery(model.ResourcePathFromString("c")).ToTarget()
	td := model.NewTargetData(target, 4, model.PurposeListen, 1)

	t.Run("fresh target", func(t *testing.T) {
		encoded := s.EncodeTarget(td)
		assert.Nil(t, encoded.ResumeToken)
		assert.Nil(t, encoded.ReadTime)
		assert.Nil(t, encoded.ExpectedCount)
	})

	t.Run("resume token wins", func(t *testing.T) {
		encoded := s.EncodeTarget(td.WithResumeToken([]byte("tok"), model.Version(10)).WithExpectedCount(3))
		assert.Equal(t, []byte("tok"), encoded.ResumeToken)
		assert.Nil(t, encoded.ReadTime)
		require.NotNil(t, encoded.ExpectedCount)
		assert.Equal(t, int32(3), *encoded.ExpectedCount)
	})

	t.Run("read time without token", func(t *testing.T) {
		encoded := s.EncodeTarget(td.WithResumeToken(nil, model.Version(10)).WithExpectedCount(2))
		require.NotNil(t, encoded.ReadTime)
		assert.True(t, DecodeVersion(encoded.ReadTime).Equal(model.Version(10)))
		assert.Equal(t, int32(2), *encoded.ExpectedCount)
	})

	t.Run("document target", func(t *testing.T) {
		doc := model.NewQuery(model.ResourcePathFromString("c/1")).ToTarget()
		encoded := s.EncodeTarget(model.NewTargetData(doc, 6, model.PurposeLimboResolution, 1))
		assert.Equal(t, []string{s.EncodeKey(model.DocumentKeyFromString("c/1"))}, encoded.Documents)
		assert.Nil(t, encoded.Query)
	})
}

func TestQueryTargetThroughCodec(t *testing.T) {
	s := NewSerializer(testDB)
	q := model.NewCollectionGroupQuery("msgs").
		WithFilter(model.NewFieldFilter(model.FieldPathFromDotted("n"), model.OpGreaterThan, model.IntegerValue(1))).
		WithFilter(model.NewCompositeFilter(model.CompositeOr,
			model.NewFieldFilter(model.FieldPathFromDotted("tag"), model.OpEqual, model.StringValue("a")),
			model.NewFieldFilter(model.FieldPathFromDotted("tag"), model.OpIn, model.MustValueOf([]any{"b", "c"})))).
		WithOrderBy(model.OrderBy{Field: model.FieldPathFromDotted("n"), Direction: model.Descending}).
		WithStartAt(&model.Bound{Position: []model.Value{model.IntegerValue(5)}, Inclusive: true}).
		WithLimitToFirst(10)
	target := q.ToTarget()

	cbor := codec.NewCBOR()
	data, err := cbor.Marshal(ListenRequest{Database: testDB.Name(), AddTarget: s.EncodeTarget(model.NewTargetData(target, 2, model.PurposeListen, 1))})
	require.NoError(t, err)
	var req ListenRequest
	require.NoError(t, cbor.Unmarshal(data, &req))

	decoded, err := s.DecodeTarget(req.AddTarget)
	require.NoError(t, err)
	assert.Equal(t, target.CanonicalID(), decoded.CanonicalID())
}

func TestMutationThroughCodec(t *testing.T) {
	s := NewSerializer(testDB)
	key := model.DocumentKeyFromString("c/1")
	mutations := []model.Mutation{
		model.NewSetMutation(key, model.MustObjectValueOf(map[string]any{"a": 1, "b": []any{"x"}})),
		model.NewPatchMutation(key, model.MustObjectValueOf(map[string]any{"a": map[string]any{"b": 2.5}}), nil,
			model.PreconditionExists(true),
			model.ServerTimestampTransform(model.FieldPathFromDotted("ts")),
			model.NumericIncrementTransform(model.FieldPathFromDotted("n"), model.IntegerValue(2)),
			model.ArrayUnionTransform(model.FieldPathFromDotted("arr"))),
		model.NewDeleteMutation(key, model.PreconditionUpdateTime(model.Version(7))),
		model.NewVerifyMutation(key, model.PreconditionExists(false)),
	}
	cbor := codec.NewCBOR()
	for _, m := range mutations {
		t.Run(m.Kind.String(), func(t *testing.T) {
			data, err := cbor.Marshal(WriteRequest{Writes: []Write{s.EncodeMutation(m)}})
			require.NoError(t, err)
			var req WriteRequest
			require.NoError(t, cbor.Unmarshal(data, &req))
			require.Len(t, req.Writes, 1)
			decoded, err := s.DecodeMutation(req.Writes[0])
			require.NoError(t, err)
			assert.True(t, m.Equal(decoded), "%v != %v", m, decoded)
		})
	}
}

func TestDecodeWriteResults(t *testing.T) {
	s := NewSerializer(testDB)
	results, err := s.DecodeWriteResults([]WriteResult{
		{UpdateTime: EncodeVersion(model.Version(5))},
		{},
	}, model.Version(9))
	require.NoError(t, err)
	assert.True(t, results[0].Version.Equal(model.Version(5)))
	assert.True(t, results[1].Version.Equal(model.Version(9)))
}
