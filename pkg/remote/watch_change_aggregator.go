package remote

import (
	"fmt"

	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/wire"
)

// TargetMetadataProvider gives the aggregator what the client knows about its targets.
type TargetMetadataProvider interface {
	// GetRemoteKeysForTarget returns the keys the server last reported for the target.
	GetRemoteKeysForTarget(id model.TargetID) model.DocumentKeySet
	// GetTargetDataForTarget returns nil when the client no longer listens to the target.
	GetTargetDataForTarget(id model.TargetID) *model.TargetData
	GetDatabaseID() wire.DatabaseID
}

// ExistenceFilterMismatch describes an existence filter the local cache did not match.
type ExistenceFilterMismatch struct {
	TargetID             model.TargetID
	LocalCacheCount      int
	ExistenceFilterCount int
	// BloomFilterApplied reports whether the bloom filter resolved the mismatch without
	// a full re-listen.
	BloomFilterApplied bool
}

// ExistenceFilterConfig controls existence filter reconciliation.
type ExistenceFilterConfig struct {
	// UseBloomFilter lets a mismatch be resolved by removing the documents the server's
	// bloom filter rules out. When false every mismatch re-listens the whole target.
	UseBloomFilter bool
	// OnMismatch, when set, is called for every mismatch.
	OnMismatch func(ExistenceFilterMismatch)
}

func DefaultExistenceFilterConfig() ExistenceFilterConfig {
	return ExistenceFilterConfig{UseBloomFilter: true}
}

type changeType int

const (
	changeAdded changeType = iota
	changeModified
	changeRemoved
)

// targetState accumulates the changes to one target until the next consistent snapshot.
type targetState struct {
	// pendingResponses counts watch and unwatch requests the server has not yet
	// answered. Changes for a target with pending responses are ignored.
	pendingResponses int
	documentChanges  map[model.DocumentKey]changeType
	resumeToken      []byte
	current          bool
	// hasPendingChanges starts true so a new target is raised in the first event.
	hasPendingChanges bool
}

func newTargetState() *targetState {
	return &targetState{
		documentChanges:   map[model.DocumentKey]changeType{},
		hasPendingChanges: true,
	}
}

func (t *targetState) isPending() bool {
	return t.pendingResponses != 0
}

func (t *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		t.hasPendingChanges = true
		t.resumeToken = token
	}
}

func (t *targetState) toTargetChange() *TargetChange {
	c := newTargetChange()
	c.ResumeToken = t.resumeToken
	c.Current = t.current
	for key, ct := range t.documentChanges {
		switch ct {
		case changeAdded:
			c.AddedDocuments.Add(key)
		case changeModified:
			c.ModifiedDocuments.Add(key)
		case changeRemoved:
			c.RemovedDocuments.Add(key)
		}
	}
	return c
}

func (t *targetState) clearPendingChanges() {
	t.hasPendingChanges = false
	t.documentChanges = map[model.DocumentKey]changeType{}
}

func (t *targetState) addDocumentChange(key model.DocumentKey, ct changeType) {
	t.hasPendingChanges = true
	t.documentChanges[key] = ct
}

func (t *targetState) removeDocumentChange(key model.DocumentKey) {
	t.hasPendingChanges = true
	delete(t.documentChanges, key)
}

// recordTargetResponse counts an ADD or REMOVE acknowledgement. An acknowledgement
// nobody asked for leaves the count at zero.
func (t *targetState) recordTargetResponse() {
	if t.pendingResponses > 0 {
		t.pendingResponses--
	}
}

func (t *targetState) markCurrent() {
	t.hasPendingChanges = true
	t.current = true
}

type bloomFilterStatus int

const (
	bloomSuccess bloomFilterStatus = iota
	bloomSkipped
	bloomFalsePositive
)

// WatchChangeAggregator folds watch changes into RemoteEvents. A new aggregator is made
// for every watch stream.
type WatchChangeAggregator struct {
	metadata TargetMetadataProvider
	config   ExistenceFilterConfig
	logger   logger.Logger

	targetStates map[model.TargetID]*targetState

	pendingDocumentUpdates model.DocumentMap
	// pendingDocumentUpdatesByTarget records which targets reported each pending update.
	pendingDocumentUpdatesByTarget map[model.DocumentKey]map[model.TargetID]struct{}
	// pendingDocumentTargetMapping records every target a change touched each document in.
	pendingDocumentTargetMapping map[model.DocumentKey]map[model.TargetID]struct{}
	pendingTargetResets          map[model.TargetID]model.TargetPurpose
}

func NewWatchChangeAggregator(metadata TargetMetadataProvider, config ExistenceFilterConfig, log logger.Logger) *WatchChangeAggregator {
	if log == nil {
		log = logger.Discard
	}
	a := &WatchChangeAggregator{
		metadata:     metadata,
		config:       config,
		logger:       log,
		targetStates: map[model.TargetID]*targetState{},
	}
	a.resetPending()
	return a
}

func (a *WatchChangeAggregator) resetPending() {
	a.pendingDocumentUpdates = model.DocumentMap{}
	a.pendingDocumentUpdatesByTarget = map[model.DocumentKey]map[model.TargetID]struct{}{}
	a.pendingDocumentTargetMapping = map[model.DocumentKey]map[model.TargetID]struct{}{}
	a.pendingTargetResets = map[model.TargetID]model.TargetPurpose{}
}

// HandleDocumentChange processes a document entering, changing in or leaving targets.
func (a *WatchChangeAggregator) HandleDocumentChange(change *DocumentWatchChange) {
	for _, id := range change.UpdatedTargetIDs {
		if change.NewDoc != nil && change.NewDoc.IsFoundDocument() {
			a.addDocumentToTarget(id, change.NewDoc)
		} else {
			a.removeDocumentFromTarget(id, change.Key, change.NewDoc)
		}
	}
	for _, id := range change.RemovedTargetIDs {
		a.removeDocumentFromTarget(id, change.Key, change.NewDoc)
	}
}

// HandleTargetChange processes a target state change.
func (a *WatchChangeAggregator) HandleTargetChange(change *WatchTargetChange) {
	for _, id := range a.targetsOf(change) {
		state := a.ensureTargetState(id)
		switch change.State {
		case TargetNoChange:
			if a.isActiveTarget(id) {
				state.updateResumeToken(change.ResumeToken)
			}
		case TargetAdded:
			// The server acknowledged the watch request: changes queued before it
			// belong to an older incarnation of the target.
			state.recordTargetResponse()
			if !state.isPending() {
				state.clearPendingChanges()
			}
			state.updateResumeToken(change.ResumeToken)
		case TargetRemoved:
			state.recordTargetResponse()
			if !state.isPending() {
				a.RemoveTarget(id)
			}
			if change.Cause != nil {
				panic("BUG: target errors must be handled before aggregation")
			}
		case TargetCurrent:
			if a.isActiveTarget(id) {
				state.markCurrent()
				state.updateResumeToken(change.ResumeToken)
			}
		case TargetReset:
			if a.isActiveTarget(id) {
				// Watch will resend every document of the target.
				a.resetTarget(id)
				a.ensureTargetState(id).updateResumeToken(change.ResumeToken)
			}
		default:
			panic(fmt.Sprintf("BUG: unknown target change state %v", change.State))
		}
	}
}

// targetsOf returns the targets a change applies to; no ids means every active target.
func (a *WatchChangeAggregator) targetsOf(change *WatchTargetChange) []model.TargetID {
	if len(change.TargetIDs) > 0 {
		return change.TargetIDs
	}
	var ids []model.TargetID
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandleExistenceFilter compares the server's document count for a target with the
// local one. On mismatch it tries the bloom filter to find the removed documents and
// otherwise schedules a full re-listen.
func (a *WatchChangeAggregator) HandleExistenceFilter(change *ExistenceFilterChange) {
	id := change.TargetID
	expected := int(change.Filter.Count)
	td := a.targetDataForActiveTarget(id)
	if td == nil {
		return
	}

	if td.Target.IsDocumentTarget() {
		if expected == 0 {
			// The document does not exist: remove it without waiting for the server.
			key := model.DocumentKeyFromString(td.Target.Path.String())
			a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, model.MinVersion))
			return
		}
		if expected == 1 {
			return
		}
		// A document target matches at most one document. Any other count means the
		// server and the cache disagree about the target, so listen to it again.
		a.logger.Warn("unexpected existence filter count for document target", "target", id, "count", expected)
		a.resetTarget(id)
		a.pendingTargetResets[id] = model.PurposeExistenceFilterMismatch
		return
	}

	current := a.currentDocumentCountForTarget(id)
	if current == expected {
		return
	}

	status := bloomSkipped
	if a.config.UseBloomFilter {
		if bf := a.parseBloomFilter(change); bf != nil {
			status = a.applyBloomFilter(bf, id, current, expected)
		}
	}
	if status != bloomSuccess {
		a.resetTarget(id)
		purpose := model.PurposeExistenceFilterMismatch
		if status == bloomFalsePositive {
			purpose = model.PurposeExistenceFilterMismatchBloom
		}
		a.pendingTargetResets[id] = purpose
	}
	a.logger.Debug("existence filter mismatch",
		"target", id, "local", current, "server", expected, "bloom_applied", status == bloomSuccess)
	if a.config.OnMismatch != nil {
		a.config.OnMismatch(ExistenceFilterMismatch{
			TargetID:             id,
			LocalCacheCount:      current,
			ExistenceFilterCount: expected,
			BloomFilterApplied:   status == bloomSuccess,
		})
	}
}

func (a *WatchChangeAggregator) parseBloomFilter(change *ExistenceFilterChange) *BloomFilter {
	names := change.Filter.UnchangedNames
	if names == nil || names.Bits == nil {
		return nil
	}
	bf, err := BloomFilterFromWire(names)
	if err != nil {
		a.logger.Warn("ignoring invalid bloom filter", "target", change.TargetID, "error", err)
		return nil
	}
	if bf.BitCount() == 0 {
		return nil
	}
	return bf
}

func (a *WatchChangeAggregator) applyBloomFilter(bf *BloomFilter, id model.TargetID, current, expected int) bloomFilterStatus {
	removed := a.filterRemovedDocuments(bf, id)
	if expected == current-removed {
		return bloomSuccess
	}
	return bloomFalsePositive
}

// filterRemovedDocuments removes from the target every document the bloom filter rules
// out, and returns how many it removed.
func (a *WatchChangeAggregator) filterRemovedDocuments(bf *BloomFilter, id model.TargetID) int {
	root := a.metadata.GetDatabaseID().DocumentsRoot()
	removed := 0
	for key := range a.metadata.GetRemoteKeysForTarget(id) {
		if !bf.MightContain(root + "/" + key.Path().String()) {
			a.removeDocumentFromTarget(id, key, nil)
			removed++
		}
	}
	return removed
}

// CreateRemoteEvent returns the changes accumulated since the last event, at
// snapshotVersion, and resets the pending state.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.SnapshotVersion) *RemoteEvent {
	targetChanges := map[model.TargetID]*TargetChange{}

	for id, state := range a.targetStates {
		td := a.targetDataForActiveTarget(id)
		if td == nil {
			continue
		}
		if state.current && td.Target.IsDocumentTarget() {
			// A current document target that never reported its document proves the
			// document does not exist. This resolves limbo documents.
			key := model.DocumentKeyFromString(td.Target.Path.String())
			_, reported := a.pendingDocumentUpdatesByTarget[key][id]
			if !reported && !a.targetContainsDocument(id, key) {
				a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, snapshotVersion))
			}
		}
		if state.hasPendingChanges {
			targetChanges[id] = state.toTargetChange()
			state.clearPendingChanges()
		}
	}

	// Documents that only limbo targets touched are not kept by any query target; the
	// garbage collector treats them specially.
	resolvedLimbo := model.NewDocumentKeySet()
	for key, targets := range a.pendingDocumentTargetMapping {
		onlyLimbo := true
		for id := range targets {
			td := a.targetDataForActiveTarget(id)
			if td != nil && td.Purpose != model.PurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			resolvedLimbo.Add(key)
		}
	}

	for _, doc := range a.pendingDocumentUpdates {
		doc.SetReadTime(snapshotVersion)
	}

	event := &RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetMismatches:       a.pendingTargetResets,
		DocumentUpdates:        a.pendingDocumentUpdates,
		ResolvedLimboDocuments: resolvedLimbo,
	}
	a.resetPending()
	return event
}

func (a *WatchChangeAggregator) addDocumentToTarget(id model.TargetID, doc *model.MutableDocument) {
	if !a.isActiveTarget(id) {
		return
	}
	ct := changeAdded
	if a.targetContainsDocument(id, doc.Key()) {
		ct = changeModified
	}
	a.ensureTargetState(id).addDocumentChange(doc.Key(), ct)
	a.pendingDocumentUpdates[doc.Key()] = doc
	addToTargetSet(a.pendingDocumentUpdatesByTarget, doc.Key(), id)
	addToTargetSet(a.pendingDocumentTargetMapping, doc.Key(), id)
}

// removeDocumentFromTarget records that key left the target. updated, when not nil,
// replaces the cached document.
func (a *WatchChangeAggregator) removeDocumentFromTarget(id model.TargetID, key model.DocumentKey, updated *model.MutableDocument) {
	if !a.isActiveTarget(id) {
		return
	}
	state := a.ensureTargetState(id)
	if a.targetContainsDocument(id, key) {
		state.addDocumentChange(key, changeRemoved)
	} else {
		// Added and removed within the same event.
		state.removeDocumentChange(key)
	}
	addToTargetSet(a.pendingDocumentTargetMapping, key, id)
	if updated != nil {
		a.pendingDocumentUpdates[key] = updated
	}
}

func addToTargetSet(m map[model.DocumentKey]map[model.TargetID]struct{}, key model.DocumentKey, id model.TargetID) {
	set, ok := m[key]
	if !ok {
		set = map[model.TargetID]struct{}{}
		m[key] = set
	}
	set[id] = struct{}{}
}

// RemoveTarget forgets a target the client stopped listening to.
func (a *WatchChangeAggregator) RemoveTarget(id model.TargetID) {
	delete(a.targetStates, id)
}

// RecordPendingTargetRequest notes a watch or unwatch request sent for id. Changes for
// the target are ignored until the server answers it.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(id model.TargetID) {
	a.ensureTargetState(id).pendingResponses++
}

func (a *WatchChangeAggregator) currentDocumentCountForTarget(id model.TargetID) int {
	change := a.ensureTargetState(id).toTargetChange()
	return a.metadata.GetRemoteKeysForTarget(id).Len() +
		change.AddedDocuments.Len() - change.RemovedDocuments.Len()
}

func (a *WatchChangeAggregator) ensureTargetState(id model.TargetID) *targetState {
	state, ok := a.targetStates[id]
	if !ok {
		state = newTargetState()
		a.targetStates[id] = state
	}
	return state
}

func (a *WatchChangeAggregator) isActiveTarget(id model.TargetID) bool {
	if a.targetDataForActiveTarget(id) == nil {
		a.logger.Debug("ignoring change for inactive target", "target", id)
		return false
	}
	return true
}

func (a *WatchChangeAggregator) targetDataForActiveTarget(id model.TargetID) *model.TargetData {
	if state, ok := a.targetStates[id]; ok && state.isPending() {
		return nil
	}
	return a.metadata.GetTargetDataForTarget(id)
}

// resetTarget drops the pending state of a target and removes every document the server
// reported for it. Documents the server resends before the next snapshot are re-added.
func (a *WatchChangeAggregator) resetTarget(id model.TargetID) {
	a.targetStates[id] = newTargetState()
	for key := range a.metadata.GetRemoteKeysForTarget(id) {
		a.removeDocumentFromTarget(id, key, nil)
	}
}

func (a *WatchChangeAggregator) targetContainsDocument(id model.TargetID, key model.DocumentKey) bool {
	return a.metadata.GetRemoteKeysForTarget(id).Has(key)
}
