package persistence

import (
	"errors"
	"sync"

	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/wire"
)

// MemoryPersistence keeps every store in process memory. Writes register undo functions
// on the running transaction, so a failed transaction leaves no trace.
type MemoryPersistence struct {
	mu      sync.Mutex
	started bool

	logger     logger.Logger
	serializer *wire.Serializer

	delegate       memoryDelegate
	remoteDocs     *memoryRemoteDocumentCache
	targetCache    *memoryTargetCache
	bundleCache    *memoryBundleCache
	mutationQueues map[string]*memoryMutationQueue
	overlays       map[string]*memoryDocumentOverlayCache
	indexManagers  map[string]*memoryIndexManager
}

type memoryDelegate interface {
	ReferenceDelegate
	setPersistence(p *MemoryPersistence)
}

// NewMemoryEagerPersistence deletes documents as soon as nothing references them.
func NewMemoryEagerPersistence(serializer *wire.Serializer, log logger.Logger) *MemoryPersistence {
	p := newMemoryPersistence(serializer, log)
	p.delegate = newMemoryEagerDelegate()
	p.delegate.setPersistence(p)
	return p
}

// NewMemoryLRUPersistence keeps unreferenced documents until the LRU collector runs.
func NewMemoryLRUPersistence(params LruParams, serializer *wire.Serializer, log logger.Logger) *MemoryPersistence {
	p := newMemoryPersistence(serializer, log)
	d := newMemoryLruDelegate(params, log)
	p.delegate = d
	d.setPersistence(p)
	return p
}

func newMemoryPersistence(serializer *wire.Serializer, log logger.Logger) *MemoryPersistence {
	if log == nil {
		log = logger.Discard
	}
	p := &MemoryPersistence{
		logger:         log,
		serializer:     serializer,
		mutationQueues: make(map[string]*memoryMutationQueue),
		overlays:       make(map[string]*memoryDocumentOverlayCache),
		indexManagers:  make(map[string]*memoryIndexManager),
	}
	p.remoteDocs = newMemoryRemoteDocumentCache(p)
	p.targetCache = newMemoryTargetCache(p)
	p.bundleCache = newMemoryBundleCache()
	return p
}

var _ Persistence = (*MemoryPersistence)(nil)

func (p *MemoryPersistence) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("persistence already started")
	}
	p.started = true
	return nil
}

func (p *MemoryPersistence) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	return nil
}

func (p *MemoryPersistence) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *MemoryPersistence) ReferenceDelegate() ReferenceDelegate {
	return p.delegate
}

// LruDelegate returns the delegate used by the garbage collector, or nil for eager
// persistence.
func (p *MemoryPersistence) LruDelegate() LruDelegate {
	if d, ok := p.delegate.(LruDelegate); ok {
		return d
	}
	return nil
}

func (p *MemoryPersistence) MutationQueue(user credentials.User, indexManager IndexManager) MutationQueue {
	q, ok := p.mutationQueues[user.UID]
	if !ok {
		q = newMemoryMutationQueue(p, indexManager)
		p.mutationQueues[user.UID] = q
	}
	return q
}

func (p *MemoryPersistence) DocumentOverlayCache(user credentials.User) DocumentOverlayCache {
	c, ok := p.overlays[user.UID]
	if !ok {
		c = newMemoryDocumentOverlayCache()
		p.overlays[user.UID] = c
	}
	return c
}

func (p *MemoryPersistence) RemoteDocumentCache() RemoteDocumentCache {
	return p.remoteDocs
}

func (p *MemoryPersistence) TargetCache() TargetCache {
	return p.targetCache
}

func (p *MemoryPersistence) BundleCache() BundleCache {
	return p.bundleCache
}

func (p *MemoryPersistence) IndexManager(user credentials.User) IndexManager {
	m, ok := p.indexManagers[user.UID]
	if !ok {
		m = newMemoryIndexManager(p)
		p.indexManagers[user.UID] = m
	}
	return m
}

func (p *MemoryPersistence) RunTransaction(label string, mode TransactionMode, fn func(txn *Transaction) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return &TransactionError{Label: label, Err: errors.New("persistence is not started")}
	}

	txn := newTransaction(label, mode)
	finished := false
	defer func() {
		if !finished {
			// fn panicked: undo its writes before the panic leaves the lock.
			txn.rollback()
		}
	}()
	p.delegate.OnTransactionStarted(txn)
	err := fn(txn)
	if err == nil {
		err = p.delegate.OnTransactionCommitted(txn)
	}
	finished = true
	if err != nil {
		txn.rollback()
		p.logger.Debug("transaction rolled back", "label", label, "error", err)
		return &TransactionError{Label: label, Err: err}
	}
	txn.commit()
	return nil
}

// isPersistentlyReferenced reports whether a target or any user's pending writes
// still hold key.
func (p *MemoryPersistence) isPersistentlyReferenced(txn *Transaction, key model.DocumentKey) (bool, error) {
	if ok, err := p.targetCache.ContainsKey(txn, key); err != nil || ok {
		return ok, err
	}
	for _, q := range p.mutationQueues {
		if ok, err := q.ContainsKey(txn, key); err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}
