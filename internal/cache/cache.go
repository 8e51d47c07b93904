// Package cache provides response caching for the gateway.
//
// Two backends are available:
//   - RedisCache  — Redis-backed, recommended for multi-replica deployments.
//   - MemoryCache — in-process TTL cache, zero external dependencies.
//
// Both implement the Cache interface, with the entry TTL fixed at
// construction. NewNone returns an inert cache for deployments that disable
// caching entirely.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Cache stores completed backend payloads keyed by request digest.
// Implementations degrade gracefully: Get reports a miss on any storage
// error and Set failures are logged, never surfaced.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Close() error
}

// Key derives the cache key for one invocation: SHA-256 over the backend
// model id and the serialized request body.
func Key(modelID string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// noneCache discards everything.
type noneCache struct{}

// NewNone returns a cache that never stores and never hits.
func NewNone() Cache { return noneCache{} }

func (noneCache) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (noneCache) Set(context.Context, string, []byte)        {}
func (noneCache) Close() error                               { return nil }
