package docsync

import (
	"github.com/docsync/docsync.go/internal/rand"
	"github.com/docsync/docsync.go/pkg/model"
)

// NewDocumentKey returns a key for a new document in collection with a random id.
// The key is generated locally, so it works offline.
func NewDocumentKey(collection model.ResourcePath) (model.DocumentKey, error) {
	return model.NewDocumentKey(collection.Child(rand.AutoID()))
}
