// Package docsync is an offline-first client for a document database.
//
// A [Client] keeps a local cache of the documents its queries touched. Listeners see
// results from the cache at once and receive new snapshots as the server streams
// changes. Writes apply to the cache immediately, are sent to the server in order, and
// roll back if the server rejects them. While offline, reads keep working and writes
// queue up.
//
// # Connecting
//
// The service is reached over two WebSocket streams, Listen and Write. Create a
// [Config] from the service URL and start a client:
//
//	cfg, err := docsync.NewConfigFromString("ws://localhost:8080?project=demo&database=main")
//	if err != nil {
//		return err
//	}
//	client, err := docsync.NewClient(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Terminate(context.Background())
//
// # Listening
//
// [Client.Listen] calls its callback with a [QuerySnapshot] on a goroutine owned by the
// listener. FromCache tells whether the results are known to match the server, and
// HasPendingWrites whether they include writes the server has not acknowledged.
//
// # Cache
//
// The cache is kept in memory. In LRU mode, targets nobody listens to stay cached until
// the cache grows past [Config.CacheSizeBytes]; in eager mode they are dropped at once.
// Bundles built ahead of time can populate the cache with [Client.LoadBundle].
package docsync
