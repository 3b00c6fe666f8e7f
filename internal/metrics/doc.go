/*
Package metrics exports cache and upstream-client metrics to Prometheus.

# Overview

Collector implements types.MetricsRecorder. The cache service and the API
client report events to it; it keeps them in a private Prometheus registry
plus a small per-method request summary for debugging.

	┌─────────────┐
	│  Collector  │  ← types.MetricsRecorder
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼───────┐
	│  Prometheus  │         │  HTTP Endpoints │
	│   Registry   │         │  /metrics       │
	│              │         │  /health        │
	│ - Counters   │         │  /debug/requests│
	│ - Histograms │         └─────────────────┘
	│ - Gauges     │
	└──────────────┘

Creating and serving:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "reqcache",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

Handler can instead be mounted on an existing mux.

# Prometheus Metrics

Counters:
  - reqcache_cache_requests_total{tier,result}: lookups per tier, hit or miss
  - reqcache_cache_evictions_total{tier}: capacity evictions
  - reqcache_cache_expirations_total{tier}: entries removed after expiry
  - reqcache_cache_storage_errors_total{operation,tier}: absorbed storage failures
  - reqcache_http_requests_total{method,status}: upstream requests; status is
    "network_error" when no response arrived
  - reqcache_http_retries_total{method,attempt}: scheduled retries
  - reqcache_http_dedup_joins_total: requests that joined an in-flight call

Histograms:
  - reqcache_http_request_duration_seconds{method}

Gauges:
  - reqcache_cache_entries{tier}: updated by the cache janitor

Keep labels low-cardinality. Cache keys and URLs are never used as labels.

# Thread Safety

All Collector methods are safe for concurrent use.
*/
package metrics
