// Package stopstore persists durable "stop requested" markers keyed by
// stream identifier. The stop endpoint always writes a marker here so that a
// polling consumer without access to the in-memory cancel registry can still
// observe the request.
package stopstore

import "context"

// Key returns the cache key for a stream identifier.
func Key(id string) string {
	return "streaming:stop:" + id
}

// Store defines persistence behaviour for stop markers. Markers expire after
// a store-configured TTL.
type Store interface {
	MarkStopped(ctx context.Context, id string) error
	IsStopped(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context, id string) error
	Close() error
}
