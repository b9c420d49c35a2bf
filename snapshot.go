package docsync

import (
	"sync"

	"github.com/docsync/docsync.go/pkg/core"
	"github.com/docsync/docsync.go/pkg/model"
)

// QuerySnapshot is the result of a query at one point in time.
type QuerySnapshot struct {
	Query     model.Query
	Documents []*model.MutableDocument
	// Changes turn the previous snapshot's documents into Documents when applied in
	// order. The first snapshot of a listener adds every document.
	Changes []core.DocumentChange
	// FromCache is set while the results may not match the server.
	FromCache bool
	// HasPendingWrites is set when a document in the results has local writes the
	// server has not acknowledged.
	HasPendingWrites bool
}

func newQuerySnapshot(snap *core.ViewSnapshot, includeMetadataChanges bool) *QuerySnapshot {
	return &QuerySnapshot{
		Query:            snap.Query,
		Documents:        snap.Docs.Documents(),
		Changes:          snap.IndexedChanges(includeMetadataChanges),
		FromCache:        snap.FromCache,
		HasPendingWrites: snap.HasPendingWrites(),
	}
}

func (s *QuerySnapshot) Size() int { return len(s.Documents) }

func (s *QuerySnapshot) Empty() bool { return len(s.Documents) == 0 }

// dispatcher runs callbacks in order on its own goroutine, off the async queue.
type dispatcher struct {
	mu      sync.Mutex
	pending []func()
	muted   bool
	wake    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1)}
	go d.loop()
	return d
}

func (d *dispatcher) dispatch(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.muted {
		return
	}
	d.pending = append(d.pending, fn)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	for range d.wake {
		for {
			d.mu.Lock()
			if d.muted || len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.pending[0]
			d.pending = d.pending[1:]
			d.mu.Unlock()
			fn()
		}
	}
}

// mute drops pending callbacks and stops the goroutine.
func (d *dispatcher) mute() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.muted {
		return
	}
	d.muted = true
	d.pending = nil
	close(d.wake)
}

// ListenerRegistration stops a listener started with Client.Listen.
type ListenerRegistration struct {
	once   sync.Once
	remove func()
}

// Remove stops the listener and drops the callbacks that have not started yet. It is
// safe to call more than once.
func (r *ListenerRegistration) Remove() {
	r.once.Do(r.remove)
}
