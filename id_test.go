package docsync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	docsync "github.com/docsync/docsync.go"
	"github.com/docsync/docsync.go/internal/rand"
	"github.com/docsync/docsync.go/pkg/model"
)

func TestNewDocumentKey(t *testing.T) {
	key, err := docsync.NewDocumentKey(model.ResourcePathFromString("rooms"))
	require.NoError(t, err)
	assert.Equal(t, "rooms", key.Path().Parent().String())
	assert.Len(t, key.Path().LastSegment(), rand.AutoIDLength)

	other, err := docsync.NewDocumentKey(model.ResourcePathFromString("rooms"))
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	_, err = docsync.NewDocumentKey(model.ResourcePathFromString("rooms/a"))
	assert.Error(t, err, "a document path is not a collection")
}
