package core

import (
	"github.com/docsync/docsync.go/pkg/bundle"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/wire"
)

// LoadBundle applies b to the local store and raises snapshots for the documents it
// changed. onProgress sees the progress after each document and the final state. A
// bundle that was already loaded is skipped.
func (e *SyncEngine) LoadBundle(b *bundle.Bundle, serializer *wire.Serializer, onProgress func(bundle.Progress)) error {
	e.queue.VerifyOperationInProgress()
	if onProgress == nil {
		onProgress = func(bundle.Progress) {}
	}
	skip, err := e.localStore.HasNewerBundle(b.Metadata.ModelMetadata())
	if err != nil {
		return err
	}
	onProgress(bundle.InitialProgress(b.Metadata, skip))
	if skip {
		e.logger.Debug("bundle already loaded", "bundleID", b.Metadata.ID)
		return nil
	}

	loader := bundle.NewLoader(b.Metadata, e.localStore, serializer)
	for _, el := range b.Elements {
		p, err := loader.AddElement(el)
		if err != nil {
			onProgress(bundle.Progress{State: bundle.TaskError})
			return err
		}
		if p != nil {
			onProgress(*p)
		}
	}
	changes, final, err := loader.Complete()
	if err != nil {
		onProgress(final)
		return err
	}
	if err := e.emitNewSnapsAndNotifyLocalStore(changes, nil); err != nil {
		final.State = bundle.TaskError
		onProgress(final)
		return err
	}
	e.logger.Info("bundle loaded", "bundleID", b.Metadata.ID, "documents", final.DocumentsLoaded)
	onProgress(final)
	return nil
}

// GetNamedQuery returns the query a bundle stored under name, or nil.
func (e *SyncEngine) GetNamedQuery(name string) (*model.NamedQuery, error) {
	e.queue.VerifyOperationInProgress()
	return e.localStore.GetNamedQuery(name)
}
