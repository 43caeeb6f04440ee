package state

import "context"

// Store is a flat string key/value store. Keys are namespaced by prefix:
// "order:" for tracked orders and "placed:" for submission idempotency.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}
