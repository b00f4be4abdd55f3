// Package broker defines the stream-broker seam the processor
// autoscaler reads consumer-group backlog from, and the minimal
// cache-key pass-through spec §6.5 exposes.
package broker

import "context"

// Broker is the capability a processor controller needs from the
// configured stream broker: consumer-group backlog depth for a named
// stream, and a namespace-scoped key/value cache used by the thin
// cache passthrough endpoints (spec §6.5).
type Broker interface {
	// Backlog reports the number of pending (delivered but not yet
	// acknowledged) entries for consumerGroup on stream.
	Backlog(ctx context.Context, stream, consumerGroup string) (int64, error)

	CacheGet(ctx context.Context, namespace, key string) (string, bool, error)
	CacheList(ctx context.Context, namespace, prefix string) ([]string, error)
	CacheDelete(ctx context.Context, namespace, key string) error

	Close() error
}
