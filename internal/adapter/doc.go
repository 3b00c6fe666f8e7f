/*
Package adapter assembles a running reqcache instance from a Configuration.

It is the single place where configuration turns into components:

	config.Configuration
	        │
	        ▼
	┌───────────────────────────────────────────────┐
	│                    Adapter                    │
	│                                               │
	│  logging ──► metrics.Collector (recorder)     │
	│                   ▲ /health                   │
	│              health.Tracker ◄── store probes  │
	│                                               │
	│  durable store (file | redis | s3 | memory)   │
	│  session store (memory)                       │
	│        └──────► cache.Service ◄── janitor     │
	│                      ▲                        │
	│                 api.Client (retry, dedup,     │
	│                      ▲      breaker, auth)    │
	│                prefetch.Prefetcher            │
	└───────────────────────────────────────────────┘

New validates the configuration and builds everything, connecting to
network-backed durable stores. Absorbed storage failures and upstream
exchanges feed the health tracker. Start launches the expiry janitor, the
store health probes and the metrics server; Stop halts them and releases
stores and the log file.

Tests and embedding applications can swap pieces in with WithDurableStore,
WithSessionStore, WithLogger, WithCacheOptions and WithAPIOptions.
*/
package adapter
