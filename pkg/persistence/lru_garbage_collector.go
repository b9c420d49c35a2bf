package persistence

import (
	"container/heap"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
)

// LruParams configures the LRU garbage collector.
type LruParams struct {
	// CacheSizeCollectionThreshold is the cache byte size below which nothing is
	// collected. constants.CacheSizeUnlimited disables collection.
	CacheSizeCollectionThreshold int64
	// PercentileToCollect is the share of sequence numbers removed per run.
	PercentileToCollect int
	// MaximumSequenceNumbersToCollect caps a single run.
	MaximumSequenceNumbersToCollect int
}

func DefaultLruParams() LruParams {
	return LruParams{
		CacheSizeCollectionThreshold:    constants.DefaultCacheSizeBytes,
		PercentileToCollect:             constants.DefaultCollectionPercentile,
		MaximumSequenceNumbersToCollect: constants.DefaultMaxSequenceNumbersToCollect,
	}
}

// LruParamsWithCacheSize uses the defaults with a custom threshold.
func LruParamsWithCacheSize(cacheSize int64) LruParams {
	p := DefaultLruParams()
	p.CacheSizeCollectionThreshold = cacheSize
	return p
}

func DisabledLruParams() LruParams {
	return LruParamsWithCacheSize(constants.CacheSizeUnlimited)
}

// LruResults reports one collection run.
type LruResults struct {
	DidRun                   bool
	SequenceNumbersCollected int
	TargetsRemoved           int
	DocumentsRemoved         int
}

// LruGarbageCollector removes the least recently used targets and orphaned documents
// once the cache grows past its threshold.
type LruGarbageCollector struct {
	delegate LruDelegate
	params   LruParams
	logger   logger.Logger
}

func NewLruGarbageCollector(delegate LruDelegate, params LruParams, log logger.Logger) *LruGarbageCollector {
	if log == nil {
		log = logger.Discard
	}
	return &LruGarbageCollector{delegate: delegate, params: params, logger: log}
}

func (gc *LruGarbageCollector) Params() LruParams {
	return gc.params
}

// CalculateTargetCount returns how many sequence numbers percentile percent of the cache
// amounts to.
func (gc *LruGarbageCollector) CalculateTargetCount(txn *Transaction, percentile int) (int, error) {
	count, err := gc.delegate.SequenceNumberCount(txn)
	if err != nil {
		return 0, err
	}
	return percentile * count / 100, nil
}

// NthSequenceNumber returns the n-th smallest sequence number in use, or
// model.ListenSequenceInvalid when n is 0.
func (gc *LruGarbageCollector) NthSequenceNumber(txn *Transaction, n int) (model.ListenSequenceNumber, error) {
	if n == 0 {
		return model.ListenSequenceInvalid, nil
	}
	buf := &sequenceBuffer{max: n}
	err := gc.delegate.ForEachTarget(txn, func(td *model.TargetData) {
		buf.add(td.SequenceNumber)
	})
	if err != nil {
		return 0, err
	}
	if err := gc.delegate.ForEachOrphanedDocumentSequenceNumber(txn, buf.add); err != nil {
		return 0, err
	}
	return buf.maxValue(), nil
}

// Collect runs a collection if the cache is over its threshold. Targets in
// activeTargetIDs are never removed.
func (gc *LruGarbageCollector) Collect(txn *Transaction, activeTargetIDs map[model.TargetID]bool) (LruResults, error) {
	if gc.params.CacheSizeCollectionThreshold == constants.CacheSizeUnlimited {
		gc.logger.Debug("garbage collection skipped; disabled")
		return LruResults{}, nil
	}
	size, err := gc.delegate.ByteSize(txn)
	if err != nil {
		return LruResults{}, err
	}
	if size < gc.params.CacheSizeCollectionThreshold {
		gc.logger.Debug("garbage collection skipped; cache below threshold",
			"size", size, "threshold", gc.params.CacheSizeCollectionThreshold)
		return LruResults{}, nil
	}
	return gc.runGarbageCollection(txn, activeTargetIDs)
}

func (gc *LruGarbageCollector) runGarbageCollection(txn *Transaction, activeTargetIDs map[model.TargetID]bool) (LruResults, error) {
	n, err := gc.CalculateTargetCount(txn, gc.params.PercentileToCollect)
	if err != nil {
		return LruResults{}, err
	}
	if n > gc.params.MaximumSequenceNumbersToCollect {
		gc.logger.Debug("capping sequence numbers to collect", "requested", n, "max", gc.params.MaximumSequenceNumbersToCollect)
		n = gc.params.MaximumSequenceNumbersToCollect
	}
	upperBound, err := gc.NthSequenceNumber(txn, n)
	if err != nil {
		return LruResults{}, err
	}
	targets, err := gc.delegate.RemoveTargets(txn, upperBound, activeTargetIDs)
	if err != nil {
		return LruResults{}, err
	}
	docs, err := gc.delegate.RemoveOrphanedDocuments(txn, upperBound)
	if err != nil {
		return LruResults{}, err
	}
	gc.logger.Debug("garbage collection finished",
		"sequenceNumbers", n, "upperBound", upperBound, "targetsRemoved", targets, "documentsRemoved", docs)
	return LruResults{DidRun: true, SequenceNumbersCollected: n, TargetsRemoved: targets, DocumentsRemoved: docs}, nil
}

// sequenceBuffer keeps the max smallest sequence numbers seen in a max-heap.
type sequenceBuffer struct {
	max  int
	heap seqHeap
}

func (b *sequenceBuffer) add(seq model.ListenSequenceNumber) {
	if len(b.heap) < b.max {
		heap.Push(&b.heap, seq)
		return
	}
	if seq < b.heap[0] {
		b.heap[0] = seq
		heap.Fix(&b.heap, 0)
	}
}

func (b *sequenceBuffer) maxValue() model.ListenSequenceNumber {
	if len(b.heap) == 0 {
		return model.ListenSequenceInvalid
	}
	return b.heap[0]
}

type seqHeap []model.ListenSequenceNumber

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i] > h[j] }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *seqHeap) Push(x any) { *h = append(*h, x.(model.ListenSequenceNumber)) }

func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
