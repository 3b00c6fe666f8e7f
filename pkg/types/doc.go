/*
Package types holds the contracts shared by the reqcache packages.

	┌──────────────────────────────────────────────┐
	│          HTTP client (pkg/api)               │
	└──────────────────────────────────────────────┘
	                     │
	┌──────────────────────────────────────────────┐
	│        Cache service (internal/cache)        │
	└──────────────────────────────────────────────┘
	        │                 │                │
	┌───────┴─────┐  ┌────────┴──────┐  ┌──────┴────────┐
	│ memory LRU  │  │ durable store │  │ session store │
	└─────────────┘  └───────────────┘  └───────────────┘
	                         │                │
	               ┌─────────┴────────────────┴─────────┐
	               │ Storage: memory, file, redis, s3   │
	               └────────────────────────────────────┘

Storage is the raw key/value contract the durable and session tiers are built
on. MetricsRecorder decouples the cache and client from Prometheus; use
NoopRecorder when metrics are disabled.
*/
package types
