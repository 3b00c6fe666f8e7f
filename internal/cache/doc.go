/*
Package cache provides the multi-tier response cache.

A Service unifies three tiers behind one API. Reads fall through the tiers in
priority order and promote hits back into memory; writes go to one tier or,
for the hybrid tier, to memory and durable storage together.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│          API client / prefetch              │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               cache.Service                 │  ← This Package
	│  GenerateKey · Set · Lookup · Get[T]        │
	│  Delete · Clear · InvalidatePattern         │
	│  Stats · Preload · Sweep                    │
	└─────────────────────────────────────────────┘
	          │               │              │
	┌───────────────┐ ┌──────────────┐ ┌──────────────┐
	│ memory (LRU)  │ │   durable    │ │   session    │
	│ 100 entries   │ │  StoreTier   │ │  StoreTier   │
	└───────────────┘ └──────────────┘ └──────────────┘
	                          │              │
	                  ┌──────────────────────────────┐
	                  │  types.Storage: file, redis, │
	                  │  s3 or in-process memory     │
	                  └──────────────────────────────┘

# Entries

Every tier stores codec entries: the JSON payload, gzip-compressed when that
makes it smaller, with creation and expiry times and access bookkeeping. An
entry is served only while now is before its expiry.

# Store Tiers

Durable and session tiers write under a namespace, "cache:" by default, so
only keys owned by the cache are listed, swept or cleared. When a write hits
the store's quota, expired entries are swept and the write is retried once.

# Failure Handling

Cache operations never return storage failures. They are logged at warn
level, counted in Stats and metrics, and passed to the hook registered with
WithStorageErrorHandler. A lookup that cannot read an entry is a miss.

# Usage Example

	svc := cache.NewService(cache.DefaultConfig(),
		cache.WithDurableStore(fileStore),
		cache.WithLogger(logger))

	key := svc.GenerateKey("/api/universities", map[string]any{"country": "CA"})
	svc.Set(ctx, key, universities, 10*time.Minute, types.TierHybrid)

	if cached, ok := cache.Get[[]University](ctx, svc, key); ok {
		render(cached)
	}

	svc.InvalidatePattern(ctx, "^/api/bookmarks")
*/
package cache
