package core

import (
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/remote"
)

// ListenOptions control which snapshots a QueryListener raises.
type ListenOptions struct {
	// IncludeMetadataChanges raises snapshots whose only change is the pending-writes or
	// from-cache state.
	IncludeMetadataChanges bool
	// WaitForSyncWhenOnline holds back a cached first snapshot while the client may be
	// online, so the first snapshot raised is the synced one.
	WaitForSyncWhenOnline bool
}

// Observer receives the snapshots of a query, or the error that ended the listen.
type Observer func(snap *ViewSnapshot, err error)

// QueryListener filters the snapshots of one query for one observer.
type QueryListener struct {
	query    model.Query
	options  ListenOptions
	observer Observer

	raisedInitialEvent bool
	snap               *ViewSnapshot
	onlineState        remote.OnlineState
}

func NewQueryListener(query model.Query, options ListenOptions, observer Observer) *QueryListener {
	return &QueryListener{
		query:       query,
		options:     options,
		observer:    observer,
		onlineState: remote.OnlineStateUnknown,
	}
}

func (l *QueryListener) Query() model.Query { return l.query }

// OnViewSnapshot decides whether snap is raised. It returns true when it was.
func (l *QueryListener) OnViewSnapshot(snap *ViewSnapshot) bool {
	if !l.options.IncludeMetadataChanges {
		changes := make([]DocumentViewChange, 0, len(snap.Changes))
		for _, c := range snap.Changes {
			if c.Type != ChangeMetadata {
				changes = append(changes, c)
			}
		}
		filtered := *snap
		filtered.Changes = changes
		filtered.ExcludesMetadataChanges = true
		snap = &filtered
	}

	raised := false
	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snap, l.onlineState) {
			l.raiseInitialEvent(snap)
			raised = true
		}
	} else if l.shouldRaiseEvent(snap) {
		l.observer(snap, nil)
		raised = true
	}
	l.snap = snap
	return raised
}

// OnError ends the listen with err.
func (l *QueryListener) OnError(err error) {
	l.observer(nil, err)
}

// ApplyOnlineStateChange may raise a held back first snapshot once the client is known
// to be offline.
func (l *QueryListener) ApplyOnlineStateChange(state remote.OnlineState) bool {
	l.onlineState = state
	if l.snap != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(l.snap, state) {
		l.raiseInitialEvent(l.snap)
		return true
	}
	return false
}

func (l *QueryListener) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache {
		return true
	}
	maybeOnline := state != remote.OnlineStateOffline
	if l.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	// An empty cached result is only worth raising when the cache is known to be all the
	// client will get.
	return !snap.Docs.IsEmpty() || snap.HasCachedResults || state == remote.OnlineStateOffline
}

func (l *QueryListener) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.Changes) > 0 {
		return true
	}
	pendingWritesChanged := l.snap != nil && l.snap.HasPendingWrites() != snap.HasPendingWrites()
	if snap.SyncStateChanged || pendingWritesChanged {
		return l.options.IncludeMetadataChanges
	}
	return false
}

func (l *QueryListener) raiseInitialEvent(snap *ViewSnapshot) {
	snap = NewInitialViewSnapshot(snap.Query, snap.Docs, snap.MutatedKeys, snap.FromCache, snap.ExcludesMetadataChanges, snap.HasCachedResults)
	l.raisedInitialEvent = true
	l.observer(snap, nil)
}

// QuerySource is what the EventManager needs from the SyncEngine.
type QuerySource interface {
	Listen(query model.Query) (*ViewSnapshot, error)
	Unlisten(query model.Query) error
}

type queryListeners struct {
	viewSnap  *ViewSnapshot
	listeners []*QueryListener
}

// EventManager fans the snapshots of each query out to its listeners. Several listeners
// of the same query share one listen. It must be used on the queue.
type EventManager struct {
	source      QuerySource
	queries     map[string]*queryListeners
	onlineState remote.OnlineState

	snapshotsInSyncListeners map[int]func()
	nextSyncListenerID       int
}

// NewEventManager creates an EventManager. When source is a *SyncEngine the manager
// subscribes to it.
func NewEventManager(source QuerySource) *EventManager {
	m := &EventManager{
		source:                   source,
		queries:                  map[string]*queryListeners{},
		onlineState:              remote.OnlineStateUnknown,
		snapshotsInSyncListeners: map[int]func(){},
	}
	if se, ok := source.(*SyncEngine); ok {
		se.Subscribe(m)
	}
	return m
}

// Listen adds l. The first listener of a query starts listening to it.
func (m *EventManager) Listen(l *QueryListener) error {
	id := l.query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		info = &queryListeners{}
		m.queries[id] = info
	}
	info.listeners = append(info.listeners, l)

	raised := l.ApplyOnlineStateChange(m.onlineState)
	if info.viewSnap != nil {
		if l.OnViewSnapshot(info.viewSnap) {
			raised = true
		}
	} else if !ok {
		snap, err := m.source.Listen(l.query)
		if err != nil {
			delete(m.queries, id)
			l.OnError(err)
			return err
		}
		if snap != nil {
			info.viewSnap = snap
			if l.OnViewSnapshot(snap) {
				raised = true
			}
		}
	}
	if raised {
		m.raiseSnapshotsInSyncEvent()
	}
	return nil
}

// Unlisten removes l. The last listener of a query stops listening to it.
func (m *EventManager) Unlisten(l *QueryListener) error {
	id := l.query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return nil
	}
	for i, other := range info.listeners {
		if other == l {
			info.listeners = append(info.listeners[:i], info.listeners[i+1:]...)
			break
		}
	}
	if len(info.listeners) > 0 {
		return nil
	}
	delete(m.queries, id)
	return m.source.Unlisten(l.query)
}

func (m *EventManager) OnWatchChange(snapshots []*ViewSnapshot) {
	raised := false
	for _, snap := range snapshots {
		info, ok := m.queries[snap.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, l := range info.listeners {
			if l.OnViewSnapshot(snap) {
				raised = true
			}
		}
		info.viewSnap = snap
	}
	if raised {
		m.raiseSnapshotsInSyncEvent()
	}
}

func (m *EventManager) OnWatchError(query model.Query, err error) {
	id := query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return
	}
	for _, l := range info.listeners {
		l.OnError(err)
	}
	delete(m.queries, id)
}

func (m *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	raised := false
	for _, info := range m.queries {
		for _, l := range info.listeners {
			if l.ApplyOnlineStateChange(state) {
				raised = true
			}
		}
	}
	if raised {
		m.raiseSnapshotsInSyncEvent()
	}
}

// AddSnapshotsInSyncListener registers fn to run after every round of raised snapshots,
// and once immediately. The returned function removes it.
func (m *EventManager) AddSnapshotsInSyncListener(fn func()) (remove func()) {
	id := m.nextSyncListenerID
	m.nextSyncListenerID++
	m.snapshotsInSyncListeners[id] = fn
	fn()
	return func() { delete(m.snapshotsInSyncListeners, id) }
}

func (m *EventManager) raiseSnapshotsInSyncEvent() {
	for _, fn := range m.snapshotsInSyncListeners {
		fn()
	}
}
