/*
Package config provides configuration for the request cache with YAML file and
environment variable sources.

# Configuration Sources

Sources apply in order, each overriding the one before:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (REQCACHE_*)                      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│            (NewDefault)                     │
	└─────────────────────────────────────────────┘

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("reqcache.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

# Sections

	global:
	  log_level: INFO          # DEBUG, INFO, WARN, ERROR
	  log_format: text         # text or json

	cache:
	  memory_capacity: 100     # entries held by the memory tier
	  default_ttl: 5m
	  compression_threshold: 1024
	  namespace: "cache:"      # prefix for keys in durable and session stores
	  sweep_interval: 1m       # 0 disables the janitor
	  preload_concurrency: 4
	  policies:
	    default: {ttl: 5m, tier: memory}
	    rules:
	      /api/universities: {ttl: 1h, tier: hybrid}

	durable:
	  backend: file            # file, redis, s3 or memory
	  quota: 5MB
	  file: {directory: /var/cache/reqcache}
	  redis: {addr: localhost:6379, key_prefix: "reqcache:"}
	  s3: {bucket: my-bucket, prefix: reqcache/, region: us-east-1}

	session:
	  quota: 5MB

	http:
	  base_url: https://api.example.edu
	  timeout: 30s
	  get_retry: {max_attempts: 3, base_delay: 1s}
	  mutation_retry: {max_attempts: 2, base_delay: 1s}
	  dedup_grace: 50ms
	  invalidate_on_failure: false
	  circuit_breaker: {enabled: false, failure_threshold: 5, timeout: 60s}

	metrics:
	  enabled: false
	  port: 9090
	  path: /metrics

# Environment Variables

Every field has a variable named after its path, for example:

	REQCACHE_LOG_LEVEL=DEBUG
	REQCACHE_CACHE_DEFAULT_TTL=10m
	REQCACHE_DURABLE_BACKEND=redis
	REQCACHE_DURABLE_REDIS_ADDR=redis:6379
	REQCACHE_HTTP_BASE_URL=https://api.example.edu
	REQCACHE_HTTP_GET_RETRY_MAX_ATTEMPTS=5
	REQCACHE_METRICS_CUSTOM_LABELS=env:prod,region:ca

Policy rules can only be set from a file.
*/
package config
