package persistence

import (
	"errors"

	"github.com/docsync/docsync.go/pkg/model"
)

// RemoteDocumentChangeBuffer collects remote document changes and writes them to the
// cache in one step. Reads through the buffer see buffered changes.
//
// A removed document is buffered as an invalid document.
type RemoteDocumentChangeBuffer struct {
	cache   RemoteDocumentCache
	changes map[model.DocumentKey]*model.MutableDocument
	applied bool
}

func NewRemoteDocumentChangeBuffer(cache RemoteDocumentCache) *RemoteDocumentChangeBuffer {
	return &RemoteDocumentChangeBuffer{cache: cache, changes: make(map[model.DocumentKey]*model.MutableDocument)}
}

// AddEntry buffers doc. The document's read time is the time it is stored at.
func (b *RemoteDocumentChangeBuffer) AddEntry(doc *model.MutableDocument) {
	b.changes[doc.Key()] = doc
}

func (b *RemoteDocumentChangeBuffer) RemoveEntry(key model.DocumentKey) {
	b.changes[key] = model.NewInvalidDocument(key)
}

func (b *RemoteDocumentChangeBuffer) GetEntry(txn *Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	if doc, ok := b.changes[key]; ok {
		return doc, nil
	}
	return b.cache.GetEntry(txn, key)
}

func (b *RemoteDocumentChangeBuffer) GetEntries(txn *Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	out := make(model.DocumentMap, len(keys))
	missing := model.NewDocumentKeySet()
	for k := range keys {
		if doc, ok := b.changes[k]; ok {
			out[k] = doc
		} else {
			missing.Add(k)
		}
	}
	if missing.Len() == 0 {
		return out, nil
	}
	fetched, err := b.cache.GetEntries(txn, missing)
	if err != nil {
		return nil, err
	}
	for k, doc := range fetched {
		out[k] = doc
	}
	return out, nil
}

// Apply writes all buffered changes. A buffer can only be applied once.
func (b *RemoteDocumentChangeBuffer) Apply(txn *Transaction) error {
	if b.applied {
		return errors.New("change buffer already applied")
	}
	b.applied = true
	for _, k := range model.DocumentMap(b.changes).Keys().Sorted() {
		doc := b.changes[k]
		var err error
		if doc.IsValidDocument() {
			err = b.cache.Add(txn, doc, doc.ReadTime())
		} else {
			err = b.cache.RemoveEntry(txn, k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
