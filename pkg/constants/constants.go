package constants

import "time"

var (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
)

const (
	// DefaultCacheSizeBytes is the remote-cache size above which LRU collection runs.
	DefaultCacheSizeBytes int64 = 40 * 1024 * 1024
	// MinimumCacheSizeBytes is the smallest accepted non-disabled cache size.
	MinimumCacheSizeBytes int64 = 1 * 1024 * 1024
	// CacheSizeUnlimited disables LRU collection.
	CacheSizeUnlimited int64 = -1

	DefaultCollectionPercentile        = 10
	DefaultMaxSequenceNumbersToCollect = 1000

	DefaultMaxConcurrentLimboResolutions = 100

	// DefaultMaxPendingWrites bounds the write pipeline of the remote store.
	DefaultMaxPendingWrites = 10

	DefaultIndexAutoCreationMinCollectionSize = 100
	DefaultRelativeIndexReadCostPerDocument   = 8.0

	DefaultProjectID  = "(default)"
	DefaultDatabaseID = "(default)"
)

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultHealthCheckDelay     = 10 * time.Second
	DefaultOnlineStateTimeout   = 10 * time.Second
	DefaultBackoffInitialDelay  = 1 * time.Second
	DefaultBackoffMaxDelay      = 60 * time.Second
	DefaultBackoffFactor        = 1.5
	DefaultBackoffJitterFactor  = 0.5
	DefaultLruInitialGCDelay    = 1 * time.Minute
	DefaultLruRegularGCDelay    = 5 * time.Minute
	DefaultBackfillInitialDelay = 15 * time.Second
	DefaultBackfillRegularDelay = 1 * time.Minute
	DefaultBackfillMaxDocuments = 50
	DefaultWSTimeout            = 30 * time.Second

	// ResumeTokenMaxAge forces a target-data write even without document changes.
	ResumeTokenMaxAge = 5 * time.Minute
)
