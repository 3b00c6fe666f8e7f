package reqcache

import (
	"context"

	"github.com/unisearch/reqcache/internal/adapter"
	"github.com/unisearch/reqcache/internal/cache"
	"github.com/unisearch/reqcache/internal/config"
	"github.com/unisearch/reqcache/internal/prefetch"
	"github.com/unisearch/reqcache/pkg/api"
	"github.com/unisearch/reqcache/pkg/health"
	"github.com/unisearch/reqcache/pkg/types"
)

type (
	// System is a fully wired reqcache instance.
	System = adapter.Adapter
	// Option customizes how New assembles a System.
	Option = adapter.Option

	Configuration = config.Configuration
	Cache         = cache.Service
	Client        = api.Client
	Prefetcher    = prefetch.Prefetcher
	HealthTracker = health.Tracker
	HealthReport  = health.Report

	GetOptions    = api.GetOptions
	MutateOptions = api.MutateOptions
	Tier          = types.Tier
	Policy        = types.Policy
	PolicySet     = types.PolicySet
	CacheStats    = types.CacheStats
	Storage       = types.Storage
)

const (
	TierMemory  = types.TierMemory
	TierDurable = types.TierDurable
	TierSession = types.TierSession
	TierHybrid  = types.TierHybrid
	TierAll     = types.TierAll
)

var (
	WithLogger       = adapter.WithLogger
	WithDurableStore = adapter.WithDurableStore
	WithSessionStore = adapter.WithSessionStore
	WithCacheOptions = adapter.WithCacheOptions
	WithAPIOptions   = adapter.WithAPIOptions
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Configuration {
	return config.NewDefault()
}

// LoadConfig reads a YAML file, if path is not empty, then applies
// REQCACHE_* environment overrides.
func LoadConfig(path string) (*Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// New builds a System from cfg. A nil cfg uses the defaults.
func New(ctx context.Context, cfg *Configuration, opts ...Option) (*System, error) {
	return adapter.New(ctx, cfg, opts...)
}

// Get fetches path through the system's cache-aware client.
func Get[T any](ctx context.Context, s *System, path string, opts GetOptions) (api.Result[T], error) {
	return api.Get[T](ctx, s.Client(), path, opts)
}

// Post sends body to path and invalidates opts.InvalidateCache on success.
func Post[T any](ctx context.Context, s *System, path string, body any, opts MutateOptions) (api.Result[T], error) {
	return api.Post[T](ctx, s.Client(), path, body, opts)
}

// Put sends body to path and invalidates opts.InvalidateCache on success.
func Put[T any](ctx context.Context, s *System, path string, body any, opts MutateOptions) (api.Result[T], error) {
	return api.Put[T](ctx, s.Client(), path, body, opts)
}

// Delete issues a DELETE for path and invalidates opts.InvalidateCache on success.
func Delete[T any](ctx context.Context, s *System, path string, body any, opts MutateOptions) (api.Result[T], error) {
	return api.Delete[T](ctx, s.Client(), path, body, opts)
}
