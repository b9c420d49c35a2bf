package bundle

import (
	"fmt"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/wire"
)

// TaskState is the state of a bundle load.
type TaskState int

const (
	TaskRunning TaskState = iota
	TaskSuccess
	TaskError
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskSuccess:
		return "success"
	case TaskError:
		return "error"
	}
	return "unknown"
}

// Progress reports how much of a bundle was loaded.
type Progress struct {
	DocumentsLoaded int
	TotalDocuments  int
	BytesLoaded     int64
	TotalBytes      int64
	State           TaskState
}

// Store is where a loaded bundle ends up.
type Store interface {
	HasNewerBundle(metadata model.BundleMetadata) (bool, error)
	SaveBundle(metadata model.BundleMetadata) error
	ApplyBundledDocuments(docs model.DocumentMap, bundleID string) (model.DocumentMap, error)
	SaveNamedQuery(query model.NamedQuery, keys model.DocumentKeySet) error
}

type bundledDocument struct {
	metadata *DocumentMetadata
	document *wire.Document
}

// Loader accumulates the elements of one bundle and applies them to a Store.
type Loader struct {
	metadata   *Metadata
	store      Store
	serializer *wire.Serializer

	queries   []*NamedQuery
	documents []*bundledDocument
	progress  Progress
}

func NewLoader(metadata *Metadata, store Store, serializer *wire.Serializer) *Loader {
	return &Loader{
		metadata:   metadata,
		store:      store,
		serializer: serializer,
		progress: Progress{
			TotalDocuments: metadata.TotalDocuments,
			TotalBytes:     metadata.TotalBytes,
			State:          TaskRunning,
		},
	}
}

// ModelMetadata converts the bundle metadata.
func (m *Metadata) ModelMetadata() model.BundleMetadata {
	return model.BundleMetadata{
		ID:         m.ID,
		CreateTime: wire.DecodeVersion(m.CreateTime),
		Version:    m.Version,
	}
}

// InitialProgress is the progress before any element is added. A bundle already loaded
// reports success at once.
func InitialProgress(metadata *Metadata, skipped bool) Progress {
	if skipped {
		return Progress{
			DocumentsLoaded: metadata.TotalDocuments,
			TotalDocuments:  metadata.TotalDocuments,
			BytesLoaded:     metadata.TotalBytes,
			TotalBytes:      metadata.TotalBytes,
			State:           TaskSuccess,
		}
	}
	return Progress{TotalDocuments: metadata.TotalDocuments, TotalBytes: metadata.TotalBytes, State: TaskRunning}
}

// AddElement adds e. It returns the new progress when e completed a document, and nil
// otherwise.
func (l *Loader) AddElement(e *Element) (*Progress, error) {
	if e.Metadata != nil {
		return nil, fmt.Errorf("%w: more than one metadata element", constants.ErrInvalidBundle)
	}
	l.progress.BytesLoaded += e.ByteLength

	documentsLoaded := l.progress.DocumentsLoaded
	switch {
	case e.NamedQuery != nil:
		l.queries = append(l.queries, e.NamedQuery)
	case e.DocumentMetadata != nil:
		l.documents = append(l.documents, &bundledDocument{metadata: e.DocumentMetadata})
		if !e.DocumentMetadata.Exists {
			documentsLoaded++
		}
	case e.Document != nil:
		if len(l.documents) == 0 {
			return nil, fmt.Errorf("%w: document %s has no metadata", constants.ErrInvalidBundle, e.Document.Name)
		}
		last := l.documents[len(l.documents)-1]
		if last.metadata.Name != e.Document.Name {
			return nil, fmt.Errorf("%w: document %s does not follow its metadata", constants.ErrInvalidBundle, e.Document.Name)
		}
		last.document = e.Document
		documentsLoaded++
	}

	if documentsLoaded == l.progress.DocumentsLoaded {
		return nil, nil
	}
	l.progress.DocumentsLoaded = documentsLoaded
	p := l.progress
	return &p, nil
}

// Complete applies the bundle to the store and returns the documents whose local view
// changed along with the final progress.
func (l *Loader) Complete() (model.DocumentMap, Progress, error) {
	docs := model.DocumentMap{}
	queryKeys := map[string]model.DocumentKeySet{}
	for _, bd := range l.documents {
		key, err := l.serializer.DecodeKey(bd.metadata.Name)
		if err != nil {
			return nil, l.failed(), fmt.Errorf("%w: %v", constants.ErrInvalidBundle, err)
		}
		readTime := wire.DecodeVersion(bd.metadata.ReadTime)
		if bd.metadata.Exists && bd.document == nil {
			return nil, l.failed(), fmt.Errorf("%w: document %s is missing", constants.ErrInvalidBundle, key)
		}

		var doc *model.MutableDocument
		if bd.document != nil {
			doc, err = l.serializer.DecodeDocument(bd.document)
			if err != nil {
				return nil, l.failed(), fmt.Errorf("%w: %v", constants.ErrInvalidBundle, err)
			}
		} else {
			doc = model.NewNoDocument(key, readTime)
		}
		docs[key] = doc.SetReadTime(readTime)

		for _, name := range bd.metadata.Queries {
			if queryKeys[name] == nil {
				queryKeys[name] = model.NewDocumentKeySet()
			}
			queryKeys[name].Add(key)
		}
	}

	changes, err := l.store.ApplyBundledDocuments(docs, l.metadata.ID)
	if err != nil {
		return nil, l.failed(), err
	}
	for _, nq := range l.queries {
		named, err := l.decodeNamedQuery(nq)
		if err != nil {
			return nil, l.failed(), err
		}
		keys := queryKeys[nq.Name]
		if keys == nil {
			keys = model.NewDocumentKeySet()
		}
		if err := l.store.SaveNamedQuery(named, keys); err != nil {
			return nil, l.failed(), err
		}
	}
	if err := l.store.SaveBundle(l.metadata.ModelMetadata()); err != nil {
		return nil, l.failed(), err
	}
	l.progress.State = TaskSuccess
	return changes, l.progress, nil
}

func (l *Loader) failed() Progress {
	p := l.progress
	p.State = TaskError
	return p
}

func (l *Loader) decodeNamedQuery(nq *NamedQuery) (model.NamedQuery, error) {
	target, err := l.serializer.DecodeQueryTarget(&wire.QueryTarget{
		Parent:          nq.BundledQuery.Parent,
		StructuredQuery: nq.BundledQuery.StructuredQuery,
	})
	if err != nil {
		return model.NamedQuery{}, fmt.Errorf("%w: named query %s: %v", constants.ErrInvalidBundle, nq.Name, err)
	}
	q := wire.QueryFromTarget(target)
	if nq.BundledQuery.LimitType == "LAST" && q.HasLimit() {
		q = q.WithLimitToLast(q.Limit)
	}
	return model.NamedQuery{Name: nq.Name, Query: q, ReadTime: wire.DecodeVersion(nq.ReadTime)}, nil
}
