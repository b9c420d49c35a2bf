package local

import (
	"time"

	"github.com/docsync/docsync.go/internal/async"
	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/persistence"
)

// Scheduler is a periodic background job on the async queue.
type Scheduler interface {
	Start()
	Stop()
}

// LruGarbageCollectorScheduler runs LRU collections periodically.
type LruGarbageCollectorScheduler struct {
	queue      *async.Queue
	localStore *LocalStore
	gc         *persistence.LruGarbageCollector
	logger     logger.Logger

	initialDelay time.Duration
	regularDelay time.Duration

	task   *async.DelayedOperation
	hasRun bool
}

var _ Scheduler = (*LruGarbageCollectorScheduler)(nil)

func NewLruGarbageCollectorScheduler(q *async.Queue, localStore *LocalStore, gc *persistence.LruGarbageCollector, log logger.Logger) *LruGarbageCollectorScheduler {
	if log == nil {
		log = logger.Discard
	}
	return &LruGarbageCollectorScheduler{
		queue:        q,
		localStore:   localStore,
		gc:           gc,
		logger:       log,
		initialDelay: constants.DefaultLruInitialGCDelay,
		regularDelay: constants.DefaultLruRegularGCDelay,
	}
}

// Start schedules the first run unless collection is disabled.
func (s *LruGarbageCollectorScheduler) Start() {
	if s.gc.Params().CacheSizeCollectionThreshold == constants.CacheSizeUnlimited {
		return
	}
	s.schedule()
}

func (s *LruGarbageCollectorScheduler) Stop() {
	if s.task != nil {
		s.task.Cancel()
		s.task = nil
	}
}

// HasRun reports whether at least one collection finished.
func (s *LruGarbageCollectorScheduler) HasRun() bool {
	return s.hasRun
}

func (s *LruGarbageCollectorScheduler) schedule() {
	delay := s.regularDelay
	if !s.hasRun {
		delay = s.initialDelay
	}
	s.task = s.queue.EnqueueAfterDelay(async.TimerGarbageCollection, delay, func() {
		s.task = nil
		results, err := s.localStore.CollectGarbage(s.gc)
		if err != nil {
			s.logger.Warn("garbage collection failed", "error", err)
		} else if results.DidRun {
			s.logger.Debug("garbage collection removed entries",
				"targets", results.TargetsRemoved, "documents", results.DocumentsRemoved)
		}
		s.hasRun = true
		s.schedule()
	})
}

// IndexBackfiller writes index entries for documents that were cached before their
// collection group was indexed.
type IndexBackfiller struct {
	queue      *async.Queue
	localStore *LocalStore
	logger     logger.Logger

	maxDocumentsToProcess int
	initialDelay          time.Duration
	regularDelay          time.Duration

	task *async.DelayedOperation
}

var _ Scheduler = (*IndexBackfiller)(nil)

func NewIndexBackfiller(q *async.Queue, localStore *LocalStore, log logger.Logger) *IndexBackfiller {
	if log == nil {
		log = logger.Discard
	}
	return &IndexBackfiller{
		queue:                 q,
		localStore:            localStore,
		logger:                log,
		maxDocumentsToProcess: constants.DefaultBackfillMaxDocuments,
		initialDelay:          constants.DefaultBackfillInitialDelay,
		regularDelay:          constants.DefaultBackfillRegularDelay,
	}
}

func (b *IndexBackfiller) SetMaxDocumentsToProcess(n int) {
	b.maxDocumentsToProcess = n
}

func (b *IndexBackfiller) Start() {
	b.schedule(b.initialDelay)
}

func (b *IndexBackfiller) Stop() {
	if b.task != nil {
		b.task.Cancel()
		b.task = nil
	}
}

func (b *IndexBackfiller) schedule(delay time.Duration) {
	b.task = b.queue.EnqueueAfterDelay(async.TimerIndexBackfill, delay, func() {
		b.task = nil
		n, err := b.Backfill()
		if err != nil {
			b.logger.Warn("index backfill failed", "error", err)
		} else {
			b.logger.Debug("index backfill finished", "documents", n)
		}
		b.schedule(b.regularDelay)
	})
}

// Backfill indexes up to the configured number of documents, visiting collection groups
// from the least recently backfilled one. It returns how many documents it indexed.
func (b *IndexBackfiller) Backfill() (int, error) {
	var processed int
	err := b.localStore.persistence.RunTransaction("Backfill indexes", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		processed = 0
		visited := map[string]bool{}
		remaining := b.maxDocumentsToProcess
		for remaining > 0 {
			group, err := b.localStore.indexManager.NextCollectionGroupToUpdate(txn)
			if err != nil {
				return err
			}
			if group == "" || visited[group] {
				break
			}
			visited[group] = true
			n, err := b.writeEntriesForCollectionGroup(txn, group, remaining)
			if err != nil {
				return err
			}
			remaining -= n
			processed += n
		}
		return nil
	})
	return processed, err
}

func (b *IndexBackfiller) writeEntriesForCollectionGroup(txn *persistence.Transaction, group string, limit int) (int, error) {
	im := b.localStore.indexManager
	offset, err := im.MinOffsetFromCollectionGroup(txn, group)
	if err != nil {
		return 0, err
	}
	docs, err := b.localStore.remoteDocuments.GetAllFromCollectionGroup(txn, group, offset, limit)
	if err != nil {
		return 0, err
	}
	if err := im.UpdateIndexEntries(txn, docs); err != nil {
		return 0, err
	}
	next := offset
	for _, doc := range docs {
		if o := model.IndexOffsetForDocument(doc); o.Compare(next) > 0 {
			next = o
		}
	}
	if err := im.UpdateCollectionGroup(txn, group, next); err != nil {
		return 0, err
	}
	return len(docs), nil
}
