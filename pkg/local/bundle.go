package local

import (
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/persistence"
)

// bundleTarget is the umbrella target that keeps the documents of a bundle from being
// collected until the bundle's queries are listened to.
func bundleTarget(bundleID string) *model.Target {
	return model.NewQuery(model.NewResourcePath("__bundle__", "docs", bundleID)).ToTarget()
}

// HasNewerBundle reports whether a bundle with the same id and a create time at or after
// metadata's was already loaded.
func (s *LocalStore) HasNewerBundle(metadata model.BundleMetadata) (bool, error) {
	var newer bool
	err := s.persistence.RunTransaction("Has newer bundle", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		cached, err := s.bundleCache.GetBundleMetadata(txn, metadata.ID)
		if err != nil {
			return err
		}
		newer = cached != nil && cached.CreateTime.Compare(metadata.CreateTime) >= 0
		return nil
	})
	return newer, err
}

// SaveBundle records that the bundle was loaded.
func (s *LocalStore) SaveBundle(metadata model.BundleMetadata) error {
	return s.persistence.RunTransaction("Save bundle", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		return s.bundleCache.SaveBundleMetadata(txn, metadata)
	})
}

// ApplyBundledDocuments writes the documents of bundleID to the remote document cache,
// keeping the newer of the bundled and the cached version, and returns their local view.
// Each document carries its own read time.
func (s *LocalStore) ApplyBundledDocuments(docs model.DocumentMap, bundleID string) (model.DocumentMap, error) {
	umbrella, err := s.AllocateTarget(bundleTarget(bundleID))
	if err != nil {
		return nil, err
	}

	var view model.DocumentMap
	err = s.persistence.RunTransaction("Apply bundle documents", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		if err := s.targetCache.RemoveMatchingKeysForTargetID(txn, umbrella.TargetID); err != nil {
			return err
		}
		if err := s.targetCache.AddMatchingKeys(txn, docs.Keys(), umbrella.TargetID); err != nil {
			return err
		}
		buffer := s.remoteDocuments.NewChangeBuffer()
		changed, existenceChanged, err := s.populateDocumentChangeBuffer(txn, buffer, docs, model.MinVersion)
		if err != nil {
			return err
		}
		if err := buffer.Apply(txn); err != nil {
			return err
		}
		view, err = s.localDocuments.GetLocalViewOfDocuments(txn, changed, existenceChanged)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// SaveNamedQuery stores query and, when its read time is newer than what the cache
// holds for the query's target, adopts keys as the target's matching documents.
func (s *LocalStore) SaveNamedQuery(query model.NamedQuery, keys model.DocumentKeySet) error {
	td, err := s.AllocateTarget(query.Query.ToTarget())
	if err != nil {
		return err
	}
	return s.persistence.RunTransaction("Save named query", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		if query.ReadTime.After(td.SnapshotVersion) {
			updated := td.WithResumeToken(nil, query.ReadTime)
			s.targetDataByTarget[td.TargetID] = updated
			txn.OnRollback(func() { s.targetDataByTarget[td.TargetID] = td })
			if err := s.targetCache.UpdateTargetData(txn, updated); err != nil {
				return err
			}
			if err := s.targetCache.RemoveMatchingKeysForTargetID(txn, td.TargetID); err != nil {
				return err
			}
			if err := s.targetCache.AddMatchingKeys(txn, keys, td.TargetID); err != nil {
				return err
			}
		}
		return s.bundleCache.SaveNamedQuery(txn, query)
	})
}

// GetNamedQuery returns the named query stored by a bundle, or nil.
func (s *LocalStore) GetNamedQuery(name string) (*model.NamedQuery, error) {
	var query *model.NamedQuery
	err := s.persistence.RunTransaction("Get named query", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		query, err = s.bundleCache.GetNamedQuery(txn, name)
		return err
	})
	return query, err
}
