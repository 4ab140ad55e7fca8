// Package cache provides the key-value layer shared by sessions, metadata
// and OAuth tokens.
//
// A Store is a plain byte store with per-key TTL. Two implementations are
// provided:
//
// - MemoryStore, an in-process map with lazy expiry, for single instances and tests
// - RedisStore, backed by github.com/redis/go-redis/v9, for shared state across processes
//
// The Manager layers typed, expiring entries on top of a Store. Entries are
// stored as JSON together with their absolute expiry, so an entry read after
// its expiry is deleted and reported as a miss even if the backend has not
// evicted it yet.
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create manager over a Redis store
//	manager := cache.NewManager(cache.NewRedisStore(redisClient))
//
//	// Build a key scoped to one execution
//	key := cache.Key{
//		Kind:        cache.KindMetadata,
//		Scope:       "workflow-42",
//		Host:        "https://sap.example.com",
//		ServicePath: "/sap/opu/odata/sap/API_SALES_ORDER_SRV/",
//	}
//
//	// Read a typed entry
//	md, err := cache.GetEntry[*odata.Metadata](ctx, manager, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch $metadata and store it
//		_ = cache.SetEntry(ctx, manager, key, parsed, time.Hour)
//	}
//
// # Scope Isolation
//
// Keys carry a Scope segment. Callers that run several independent
// executions against the same Store use distinct scopes so that sessions and
// caches never leak between them.
//
// # Metrics
//
// The package exports Prometheus counters for hits and misses by key kind
// and for backend errors by operation.
package cache
