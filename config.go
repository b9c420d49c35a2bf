package docsync

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/remote"
)

// PersistenceMode selects how the local cache keeps documents nobody listens to.
type PersistenceMode int

const (
	// PersistenceLRU keeps unused targets and documents until the cache grows past
	// CacheSizeBytes and collects the least recently used ones.
	PersistenceLRU PersistenceMode = iota
	// PersistenceEager drops documents as soon as no target or pending write holds them.
	PersistenceEager
)

func (m PersistenceMode) String() string {
	switch m {
	case PersistenceLRU:
		return "lru"
	case PersistenceEager:
		return "eager"
	}
	return "unknown"
}

// Environment variables read by NewConfig.
const (
	EnvLogLevel       = "DOCSYNC_LOG_LEVEL"
	EnvCacheSizeBytes = "DOCSYNC_CACHE_SIZE_BYTES"
	EnvPersistence    = "DOCSYNC_PERSISTENCE"
)

// QueryEngineConfig tunes local query execution.
type QueryEngineConfig struct {
	// IndexAutoCreation creates client-side indexes for collections queried often
	// enough that an index would be cheaper than a scan.
	IndexAutoCreation bool
	// MinCollectionSize is the smallest collection auto creation considers.
	MinCollectionSize int
	// RelativeIndexReadCostPerDocument weighs an indexed read against a scanned one.
	RelativeIndexReadCostPerDocument float64
}

// Config holds everything NewClient needs.
type Config struct {
	URL url.URL
	// BaseURL is the scheme and host of the service, such as "ws://localhost:8080".
	BaseURL    string
	ProjectID  string
	DatabaseID string

	// Auth supplies the bearer token and the current user. Nil means unauthenticated.
	Auth credentials.Provider
	// AppCheck supplies the app attestation token, if any.
	AppCheck credentials.Provider

	// Connection opens the streams. Nil uses a WebSocket connection to BaseURL.
	Connection remote.Connection
	Logger     logger.Logger

	Persistence PersistenceMode
	// CacheSizeBytes is the LRU collection threshold. constants.CacheSizeUnlimited
	// disables collection.
	CacheSizeBytes                  int64
	PercentileToCollect             int
	MaximumSequenceNumbersToCollect int

	MaxConcurrentLimboResolutions int
	Remote                        remote.Options
	QueryEngine                   QueryEngineConfig
}

// NewConfig creates a Config for the service at u, such as
// "ws://localhost:8080?project=demo&database=main". Project and database default to
// "(default)". The log level, cache size and persistence mode can be overridden with
// DOCSYNC_LOG_LEVEL, DOCSYNC_CACHE_SIZE_BYTES and DOCSYNC_PERSISTENCE.
func NewConfig(u *url.URL) *Config {
	q := u.Query()
	level := logger.ParseLevel(GetEnvOrDefault(EnvLogLevel, "info"))
	return &Config{
		URL:                             *u,
		BaseURL:                         fmt.Sprintf("%s://%s", u.Scheme, u.Host),
		ProjectID:                       valueOrDefault(q.Get("project"), constants.DefaultProjectID),
		DatabaseID:                      valueOrDefault(q.Get("database"), constants.DefaultDatabaseID),
		Logger:                          logger.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})),
		Persistence:                     persistenceModeFromEnv(),
		CacheSizeBytes:                  GetEnvInt64OrDefault(EnvCacheSizeBytes, constants.DefaultCacheSizeBytes),
		PercentileToCollect:             constants.DefaultCollectionPercentile,
		MaximumSequenceNumbersToCollect: constants.DefaultMaxSequenceNumbersToCollect,
		MaxConcurrentLimboResolutions:   constants.DefaultMaxConcurrentLimboResolutions,
		Remote:                          remote.DefaultOptions(),
		QueryEngine: QueryEngineConfig{
			MinCollectionSize:                constants.DefaultIndexAutoCreationMinCollectionSize,
			RelativeIndexReadCostPerDocument: constants.DefaultRelativeIndexReadCostPerDocument,
		},
	}
}

// NewConfigFromString parses rawURL and calls NewConfig.
func NewConfigFromString(rawURL string) (*Config, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return nil, err
	}
	return NewConfig(u), nil
}

// Validate reports settings NewClient cannot work with.
func (c *Config) Validate() error {
	if c.Connection == nil && c.BaseURL == "" {
		return constants.ErrNoBaseURL
	}
	switch c.URL.Scheme {
	case "", constants.WebsocketScheme, constants.WebsocketSecureScheme:
	default:
		if c.Connection == nil {
			return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, c.URL.Scheme)
		}
	}
	if c.ProjectID == "" || c.DatabaseID == "" {
		return fmt.Errorf("%w: project and database are required", ErrInvalidConfig)
	}
	if c.CacheSizeBytes != 0 && c.CacheSizeBytes != constants.CacheSizeUnlimited && c.CacheSizeBytes < constants.MinimumCacheSizeBytes {
		return fmt.Errorf("%w: cache size must be at least %d bytes", ErrInvalidConfig, constants.MinimumCacheSizeBytes)
	}
	if c.PercentileToCollect < 0 || c.PercentileToCollect > 100 {
		return fmt.Errorf("%w: percentile to collect must be between 0 and 100", ErrInvalidConfig)
	}
	if c.MaxConcurrentLimboResolutions < 0 {
		return fmt.Errorf("%w: negative limbo resolution limit", ErrInvalidConfig)
	}
	switch c.Persistence {
	case PersistenceLRU, PersistenceEager:
	default:
		return fmt.Errorf("%w: unknown persistence mode %d", ErrInvalidConfig, c.Persistence)
	}
	return nil
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func persistenceModeFromEnv() PersistenceMode {
	if GetEnvOrDefault(EnvPersistence, "lru") == "eager" {
		return PersistenceEager
	}
	return PersistenceLRU
}
