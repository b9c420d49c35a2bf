package docsync

import (
	"context"
	"fmt"
	"io"

	"github.com/gofrs/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/docsync/docsync.go/internal/async"
	"github.com/docsync/docsync.go/pkg/bundle"
	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/core"
	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/local"
	"github.com/docsync/docsync.go/pkg/logger"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/persistence"
	"github.com/docsync/docsync.go/pkg/remote"
	"github.com/docsync/docsync.go/pkg/remote/wsconn"
	"github.com/docsync/docsync.go/pkg/wire"
)

// Client is an offline-first client for one database. Queries are answered from the
// local cache and kept current by the server. Writes apply locally at once and are sent
// to the server in order.
//
// Every component runs on a single async queue. Client methods hand work to the queue
// and wait for it, so they are safe for concurrent use.
type Client struct {
	id         uuid.UUID
	cfg        Config
	logger     logger.Logger
	queue      *async.Queue
	serializer *wire.Serializer
	conn       remote.Connection
	auth       credentials.Provider
	appCheck   credentials.Provider

	// Set by initialize on the queue.
	initialized  bool
	persistence  *persistence.MemoryPersistence
	localStore   *local.LocalStore
	remoteStore  *remote.RemoteStore
	syncEngine   *core.SyncEngine
	eventManager *core.EventManager
	schedulers   []local.Scheduler
}

// NewClient starts a client. It returns once the local store is ready for the first
// user reported by cfg.Auth; the network is enabled in the background.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard
	}

	c := &Client{
		id:         id,
		cfg:        *cfg,
		logger:     log,
		queue:      async.NewQueue(log),
		serializer: wire.NewSerializer(wire.DatabaseID{ProjectID: cfg.ProjectID, Database: cfg.DatabaseID}),
		conn:       cfg.Connection,
		auth:       cfg.Auth,
		appCheck:   cfg.AppCheck,
	}
	if c.auth == nil {
		c.auth = credentials.EmptyProvider{}
	}
	if c.appCheck == nil {
		c.appCheck = credentials.EmptyProvider{}
	}
	if c.conn == nil {
		c.conn = wsconn.New(cfg.BaseURL, wsconn.WithLogger(log))
	}

	ready := async.NewFuture[struct{}]()
	c.auth.Start(c.queue, func(user credentials.User) {
		if !c.initialized {
			c.initialized = true
			if err := c.initialize(user); err != nil {
				ready.Reject(err)
				return
			}
			ready.Resolve(struct{}{})
			return
		}
		if err := c.remoteStore.HandleCredentialChange(user); err != nil {
			c.logger.Error("switching user failed", "user", user.String(), "error", err)
		}
	})
	c.appCheck.Start(c.queue, nil)

	if _, err := await(ctx, c, ready); err != nil {
		_ = c.Terminate(context.Background())
		return nil, err
	}
	c.logger.Info("client started", "clientID", c.id.String(), "project", cfg.ProjectID, "database", cfg.DatabaseID)
	return c, nil
}

// initialize builds the components for user, bottom up.
func (c *Client) initialize(user credentials.User) error {
	c.queue.VerifyOperationInProgress()

	var gc *persistence.LruGarbageCollector
	switch c.cfg.Persistence {
	case PersistenceEager:
		c.persistence = persistence.NewMemoryEagerPersistence(c.serializer, c.logger)
	default:
		params := c.cfg.lruParams()
		c.persistence = persistence.NewMemoryLRUPersistence(params, c.serializer, c.logger)
		gc = persistence.NewLruGarbageCollector(c.persistence.LruDelegate(), params, c.logger)
	}
	if err := c.persistence.Start(); err != nil {
		return fmt.Errorf("starting persistence: %w", err)
	}

	qe := local.NewQueryEngine(c.logger)
	qe.SetIndexAutoCreationEnabled(c.cfg.QueryEngine.IndexAutoCreation)
	if c.cfg.QueryEngine.MinCollectionSize > 0 {
		qe.SetIndexAutoCreationMinCollectionSize(c.cfg.QueryEngine.MinCollectionSize)
	}
	if c.cfg.QueryEngine.RelativeIndexReadCostPerDocument > 0 {
		qe.SetRelativeIndexReadCostPerDocument(c.cfg.QueryEngine.RelativeIndexReadCostPerDocument)
	}
	c.localStore = local.NewLocalStore(c.persistence, qe, user, c.logger)
	if err := c.localStore.Start(); err != nil {
		return fmt.Errorf("starting local store: %w", err)
	}

	c.remoteStore = remote.NewRemoteStore(c.queue, c.localStore, c.conn, c.auth, c.appCheck, c.serializer,
		func(state remote.OnlineState) { c.syncEngine.ApplyOnlineStateChange(state) },
		c.cfg.remoteOptions(), c.logger)
	c.syncEngine = core.NewSyncEngine(c.queue, c.localStore, c.remoteStore, user, c.cfg.MaxConcurrentLimboResolutions, c.logger)
	c.remoteStore.SetRemoteSyncer(c.syncEngine)
	c.eventManager = core.NewEventManager(c.syncEngine)

	if gc != nil {
		c.schedulers = append(c.schedulers, local.NewLruGarbageCollectorScheduler(c.queue, c.localStore, gc, c.logger))
	}
	c.schedulers = append(c.schedulers, local.NewIndexBackfiller(c.queue, c.localStore, c.logger))
	for _, s := range c.schedulers {
		s.Start()
	}

	c.remoteStore.Start()
	c.logger.Debug("client initialized", "user", user.String(), "persistence", c.cfg.Persistence.String())
	return nil
}

// ClientID identifies this client instance in logs.
func (c *Client) ClientID() string {
	return c.id.String()
}

// await waits for f. Work that can no longer finish because the client was terminated
// fails with ErrClientTerminated.
func await[T any](ctx context.Context, c *Client, f *async.Future[T]) (T, error) {
	select {
	case <-f.Done():
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.queue.Done():
		select {
		case <-f.Done():
		default:
			var zero T
			return zero, constants.ErrClientTerminated
		}
	}
	v, err, _ := f.Result()
	return v, terminatedError(err)
}

// call runs fn on the queue and waits for its result.
func call[T any](ctx context.Context, c *Client, fn func() (T, error)) (T, error) {
	return await(ctx, c, async.Run(c.queue, fn))
}

func (c *Client) do(ctx context.Context, fn func() error) error {
	_, err := call(ctx, c, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Listen calls fn with a snapshot of query now and after every change to its results.
// fn runs on a goroutine owned by the listener, never concurrently with itself. A listen
// the server rejects calls fn once with the error and stops.
func (c *Client) Listen(ctx context.Context, query model.Query, opts core.ListenOptions, fn func(*QuerySnapshot, error)) (*ListenerRegistration, error) {
	d := newDispatcher()
	l := core.NewQueryListener(query, opts, func(snap *core.ViewSnapshot, err error) {
		if err != nil {
			d.dispatch(func() { fn(nil, err) })
			return
		}
		qs := newQuerySnapshot(snap, opts.IncludeMetadataChanges)
		d.dispatch(func() { fn(qs, nil) })
	})
	err := c.do(ctx, func() error {
		if err := c.eventManager.Listen(l); err != nil {
			c.logger.Debug("listen failed", "query", query.String(), "error", err)
		}
		return nil
	})
	if err != nil {
		d.mute()
		return nil, err
	}
	return &ListenerRegistration{remove: func() {
		d.mute()
		c.queue.EnqueueAndForget(func() {
			if err := c.eventManager.Unlisten(l); err != nil {
				c.logger.Warn("unlisten failed", "query", query.String(), "error", err)
			}
		})
	}}, nil
}

// PendingWrite is a batch applied to the local cache and waiting for the server.
type PendingWrite struct {
	client *Client
	result *async.Future[model.SnapshotVersion]
}

// Wait blocks until the server acknowledges the batch and returns its commit version,
// or returns the server's rejection. The local effects of a rejected batch are rolled
// back.
func (w *PendingWrite) Wait(ctx context.Context) (model.SnapshotVersion, error) {
	return await(ctx, w.client, w.result)
}

// Write applies mutations as one batch. It returns once the batch is visible to local
// queries, whether or not the client is online.
func (c *Client) Write(ctx context.Context, mutations ...model.Mutation) (*PendingWrite, error) {
	if len(mutations) == 0 {
		return nil, status.Error(codes.InvalidArgument, "a write needs at least one mutation")
	}
	f, err := call(ctx, c, func() (*async.Future[model.SnapshotVersion], error) {
		return c.syncEngine.Write(mutations), nil
	})
	if err != nil {
		return nil, err
	}
	if _, err, done := f.Result(); done && err != nil {
		return nil, err
	}
	return &PendingWrite{client: c, result: f}, nil
}

// WaitForPendingWrites blocks until every write made before the call has been
// acknowledged or rejected by the server. It fails with ErrUserChanged if the user
// changes first.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	f, err := call(ctx, c, func() (*async.Future[struct{}], error) {
		return c.syncEngine.WaitForPendingWrites(), nil
	})
	if err != nil {
		return err
	}
	_, err = await(ctx, c, f)
	return err
}

// GetDocumentFromCache returns the cached version of key, including pending local
// writes. A document the cache knows to be deleted is returned as a NoDocument. A
// document the cache knows nothing about fails with codes.Unavailable.
func (c *Client) GetDocumentFromCache(ctx context.Context, key model.DocumentKey) (*model.MutableDocument, error) {
	doc, err := call(ctx, c, func() (*model.MutableDocument, error) {
		return c.localStore.ReadDocument(key)
	})
	if err != nil {
		return nil, err
	}
	if !doc.IsFoundDocument() && !doc.IsNoDocument() {
		return nil, status.Errorf(codes.Unavailable, "document %s is not in the cache", key)
	}
	return doc, nil
}

// GetDocumentsFromCache runs query against the local cache only.
func (c *Client) GetDocumentsFromCache(ctx context.Context, query model.Query) (*QuerySnapshot, error) {
	return call(ctx, c, func() (*QuerySnapshot, error) {
		result, err := c.localStore.ExecuteQuery(query, true)
		if err != nil {
			return nil, err
		}
		view := core.NewView(query, result.RemoteKeys)
		change := view.ApplyChanges(view.ComputeDocChanges(result.Documents, nil), false, nil)
		return newQuerySnapshot(change.Snapshot, false), nil
	})
}

// EnableNetwork reconnects after DisableNetwork.
func (c *Client) EnableNetwork(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.remoteStore.EnableNetwork()
		return nil
	})
}

// DisableNetwork closes the streams. Listeners keep receiving snapshots from the cache
// and writes queue up until EnableNetwork.
func (c *Client) DisableNetwork(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.remoteStore.DisableNetwork()
		return nil
	})
}

// OnlineState reports whether the client believes it can reach the server.
func (c *Client) OnlineState(ctx context.Context) (remote.OnlineState, error) {
	return call(ctx, c, func() (remote.OnlineState, error) {
		return c.remoteStore.OnlineState(), nil
	})
}

type bundleLoad struct {
	progress []bundle.Progress
	err      error
}

// LoadBundle reads a bundle from r into the cache. onProgress, if set, is called from
// the calling goroutine with every progress report. The final progress is returned.
func (c *Client) LoadBundle(ctx context.Context, r io.Reader, onProgress func(bundle.Progress)) (bundle.Progress, error) {
	b, err := bundle.ReadAll(r)
	if err != nil {
		return bundle.Progress{State: bundle.TaskError}, err
	}
	res, err := call(ctx, c, func() (bundleLoad, error) {
		var out bundleLoad
		out.err = c.syncEngine.LoadBundle(b, c.serializer, func(p bundle.Progress) {
			out.progress = append(out.progress, p)
		})
		return out, nil
	})
	if err != nil {
		return bundle.Progress{State: bundle.TaskError}, err
	}
	last := bundle.Progress{State: bundle.TaskError}
	for _, p := range res.progress {
		if onProgress != nil {
			onProgress(p)
		}
		last = p
	}
	return last, res.err
}

// GetNamedQuery returns a query saved by a loaded bundle, or nil when there is none.
func (c *Client) GetNamedQuery(ctx context.Context, name string) (*model.NamedQuery, error) {
	return call(ctx, c, func() (*model.NamedQuery, error) {
		return c.syncEngine.GetNamedQuery(name)
	})
}

// ConfigureFieldIndexes replaces the client-side indexes local queries may use.
func (c *Client) ConfigureFieldIndexes(ctx context.Context, indexes []*model.FieldIndex) error {
	return c.do(ctx, func() error {
		return c.localStore.ConfigureFieldIndexes(indexes)
	})
}

// SetIndexAutoCreationEnabled turns automatic client-side index creation on or off.
func (c *Client) SetIndexAutoCreationEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() error {
		c.localStore.SetIndexAutoCreationEnabled(enabled)
		return nil
	})
}

// AddSnapshotsInSyncListener calls fn once now and again every time all active
// listeners have received the snapshots of the same change. fn runs on its own
// goroutine. Call the returned function to remove it.
func (c *Client) AddSnapshotsInSyncListener(ctx context.Context, fn func()) (func(), error) {
	d := newDispatcher()
	remove, err := call(ctx, c, func() (func(), error) {
		return c.eventManager.AddSnapshotsInSyncListener(func() { d.dispatch(fn) }), nil
	})
	if err != nil {
		d.mute()
		return nil, err
	}
	return func() {
		d.mute()
		c.queue.EnqueueAndForget(remove)
	}, nil
}

// Terminate stops the client and releases its cache. Writes still waiting for the
// server are abandoned. Every later call fails with ErrClientTerminated. Terminate
// may be called more than once.
func (c *Client) Terminate(ctx context.Context) error {
	c.queue.Shutdown(func() {
		for _, s := range c.schedulers {
			s.Stop()
		}
		if c.remoteStore != nil {
			c.remoteStore.Shutdown()
		}
		c.auth.Shutdown()
		c.appCheck.Shutdown()
		if c.persistence != nil {
			if err := c.persistence.Shutdown(); err != nil {
				c.logger.Warn("shutting down persistence failed", "error", err)
			}
		}
		c.logger.Info("client terminated", "clientID", c.id.String())
	})
	select {
	case <-c.queue.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cfg *Config) lruParams() persistence.LruParams {
	params := persistence.LruParamsWithCacheSize(cfg.CacheSizeBytes)
	if cfg.CacheSizeBytes == 0 {
		params = persistence.DefaultLruParams()
	}
	if cfg.PercentileToCollect > 0 {
		params.PercentileToCollect = cfg.PercentileToCollect
	}
	if cfg.MaximumSequenceNumbersToCollect > 0 {
		params.MaximumSequenceNumbersToCollect = cfg.MaximumSequenceNumbersToCollect
	}
	return params
}

// remoteOptions fills in the stream timers when the config left them unset.
func (cfg *Config) remoteOptions() remote.Options {
	opts := cfg.Remote
	if opts.Stream == (remote.StreamOptions{}) {
		opts.Stream = remote.DefaultStreamOptions()
	}
	return opts
}
