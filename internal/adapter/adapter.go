package adapter

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/unisearch/reqcache/internal/cache"
	"github.com/unisearch/reqcache/internal/config"
	"github.com/unisearch/reqcache/internal/logging"
	"github.com/unisearch/reqcache/internal/metrics"
	"github.com/unisearch/reqcache/internal/prefetch"
	"github.com/unisearch/reqcache/internal/storage"
	redisstore "github.com/unisearch/reqcache/internal/storage/redis"
	s3store "github.com/unisearch/reqcache/internal/storage/s3"
	"github.com/unisearch/reqcache/pkg/api"
	"github.com/unisearch/reqcache/pkg/health"
	"github.com/unisearch/reqcache/pkg/retry"
	"github.com/unisearch/reqcache/pkg/types"
)

// Option customizes how an Adapter is assembled.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	durableStore types.Storage
	sessionStore types.Storage
	cacheOpts    []cache.Option
	apiOpts      []api.Option
}

// WithLogger uses l instead of building a logger from the configuration.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDurableStore replaces the configured durable backend.
func WithDurableStore(s types.Storage) Option {
	return func(o *options) { o.durableStore = s }
}

// WithSessionStore replaces the in-process session store.
func WithSessionStore(s types.Storage) Option {
	return func(o *options) { o.sessionStore = s }
}

// WithCacheOptions appends options passed to cache.NewService.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *options) { o.cacheOpts = append(o.cacheOpts, opts...) }
}

// WithAPIOptions appends options passed to api.New, e.g. an Authenticator.
func WithAPIOptions(opts ...api.Option) Option {
	return func(o *options) { o.apiOpts = append(o.apiOpts, opts...) }
}

// Adapter wires the cache, its stores, the HTTP client, prefetching and
// metrics together from one Configuration.
type Adapter struct {
	config *config.Configuration
	logger *slog.Logger

	cache      *cache.Service
	client     *api.Client
	prefetcher *prefetch.Prefetcher
	metrics    *metrics.Collector
	health     *health.Tracker

	closers []io.Closer

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// New validates cfg and builds every component. Network-backed durable
// stores are connected here, so ctx bounds that work.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := validateBaseURL(cfg.HTTP.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &Adapter{config: cfg}

	if o.logger == nil {
		logger, closer, err := logging.New(logging.Options{
			Level:  cfg.Global.LogLevel,
			Format: cfg.Global.LogFormat,
			File:   cfg.Global.LogFile,
			Rotation: logging.RotationConfig{
				MaxSizeMB:  cfg.Global.LogMaxSizeMB,
				MaxBackups: cfg.Global.LogMaxBackups,
				Compress:   cfg.Global.LogCompress,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up logging: %w", err)
		}
		o.logger = logger
		a.closers = append(a.closers, closer)
	}
	a.logger = o.logger

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      cfg.Metrics.Path,
		Labels:    cfg.Metrics.CustomLabels,
		Namespace: cfg.Metrics.Namespace,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	a.metrics = collector
	var recorder types.MetricsRecorder = types.NoopRecorder{}
	if cfg.Metrics.Enabled {
		recorder = collector
	}

	durable := o.durableStore
	if durable == nil {
		if durable, err = a.openDurableStore(ctx); err != nil {
			a.closeAll()
			return nil, err
		}
	}
	session := o.sessionStore
	if session == nil {
		quota, _ := config.ParseSize(cfg.Session.Quota)
		session = storage.NewMemory(quota)
	}

	a.health = a.newHealthTracker(durable, session)
	collector.SetHealthTracker(a.health)

	cacheOpts := append([]cache.Option{
		cache.WithDurableStore(durable),
		cache.WithSessionStore(session),
		cache.WithLogger(a.logger),
		cache.WithRecorder(recorder),
		cache.WithStorageErrorHandler(func(_, _ string, tier types.Tier, err error) {
			a.health.RecordError(string(tier), err)
		}),
	}, o.cacheOpts...)
	a.cache = cache.NewService(cache.Config{
		MemoryCapacity:       cfg.Cache.MemoryCapacity,
		DefaultTTL:           cfg.Cache.DefaultTTL,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		CompressionLevel:     cfg.Cache.CompressionLevel,
		Namespace:            cfg.Cache.Namespace,
		PreloadConcurrency:   cfg.Cache.PreloadConcurrency,
	}, cacheOpts...)

	apiOpts := []api.Option{
		api.WithHTTPClient(&http.Client{Timeout: cfg.HTTP.Timeout}),
		api.WithGetRetry(retryConfig(cfg.HTTP.GetRetry)),
		api.WithMutationRetry(retryConfig(cfg.HTTP.MutationRetry)),
		api.WithDedupGrace(cfg.HTTP.DedupGrace),
		api.WithSharedFetchTimeout(cfg.HTTP.SharedFetchTimeout),
		api.WithInvalidateOnFailure(cfg.HTTP.InvalidateOnFailure),
		api.WithPolicies(cfg.Cache.Policies),
		api.WithLogger(a.logger),
		api.WithRecorder(recorder),
		api.WithHealthTracker(a.health),
	}
	if cb := cfg.HTTP.CircuitBreaker; cb.Enabled {
		apiOpts = append(apiOpts, api.WithCircuitBreaker(api.BreakerConfig{
			FailureThreshold: uint32(cb.FailureThreshold),
			Timeout:          cb.Timeout,
		}))
	}
	a.client = api.New(cfg.HTTP.BaseURL, a.cache, append(apiOpts, o.apiOpts...)...)

	a.prefetcher = prefetch.New(a.client,
		prefetch.WithConcurrency(cfg.Cache.PreloadConcurrency),
		prefetch.WithLogger(a.logger),
	)

	return a, nil
}

// openDurableStore builds the raw store named by durable.backend.
func (a *Adapter) openDurableStore(ctx context.Context) (types.Storage, error) {
	cfg := a.config.Durable
	quota, err := config.ParseSize(cfg.Quota)
	if err != nil {
		return nil, fmt.Errorf("invalid durable quota: %w", err)
	}

	switch cfg.Backend {
	case config.BackendFile:
		store, err := storage.NewFile(cfg.File.Directory, quota, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return store, nil

	case config.BackendRedis:
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:      cfg.Redis.Addr,
			DB:        cfg.Redis.DB,
			Password:  cfg.Redis.Password,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Timeout:   cfg.Redis.Timeout,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, store)
		return store, nil

	case config.BackendS3:
		store, err := s3store.New(ctx, s3store.Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			MaxRetries:      cfg.S3.MaxRetries,
			RequestTimeout:  cfg.S3.RequestTimeout,
		}, quota, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open s3 store: %w", err)
		}
		return store, nil

	case config.BackendMemory:
		return storage.NewMemory(quota), nil

	default:
		return nil, fmt.Errorf("unsupported durable backend: %s", cfg.Backend)
	}
}

// newHealthTracker tracks both stores, probed through Usage, and the
// upstream, which is fed by the client.
func (a *Adapter) newHealthTracker(durable, session types.Storage) *health.Tracker {
	hc := a.config.Health
	tracker := health.NewTracker(health.TrackerConfig{
		ErrorThreshold:       hc.ErrorThreshold,
		UnavailableThreshold: hc.UnavailableThreshold,
		CheckInterval:        hc.CheckInterval,
	})
	probe := func(s types.Storage) health.CheckFunc {
		return func(ctx context.Context) error {
			_, err := s.Usage(ctx)
			return err
		}
	}
	tracker.RegisterComponent(health.ComponentDurable, probe(durable))
	tracker.RegisterComponent(health.ComponentSession, probe(session))
	tracker.RegisterComponent(health.ComponentUpstream, nil)

	logger := a.logger.With("component", "health")
	tracker.OnStateChange(func(component string, from, to health.HealthState, err error) {
		if to == health.StateHealthy {
			logger.Info("Component recovered", "name", component, "from", from)
			return
		}
		logger.Warn("Component health changed", "name", component, "from", from, "to", to, "error", err)
	})
	return tracker
}

func retryConfig(rc config.RetryConfig) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = rc.MaxAttempts
	if rc.BaseDelay > 0 {
		cfg.InitialDelay = rc.BaseDelay
	}
	if rc.MaxDelay > 0 {
		cfg.MaxDelay = rc.MaxDelay
	}
	return cfg
}

// Start runs the expiry janitor and, when enabled, the metrics server.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("adapter already started")
	}

	if err := a.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.cache.StartJanitor(runCtx, a.config.Cache.SweepInterval)
	go a.health.StartHealthChecks(runCtx)
	a.started = true

	a.logger.Info("reqcache started",
		"base_url", a.config.HTTP.BaseURL,
		"durable_backend", a.config.Durable.Backend,
		"memory_capacity", a.config.Cache.MemoryCapacity,
		"metrics", a.config.Metrics.Enabled)
	return nil
}

// Stop halts background work and releases stores. Cached data in durable
// stores is left in place. Stop fails if the adapter was never started.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return fmt.Errorf("adapter not started")
	}

	a.cancel()
	a.cancel = nil
	a.prefetcher.Close()

	var errs []error
	if err := a.metrics.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	a.started = false
	a.logger.Info("reqcache stopped")

	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return stderr.Join(errs...)
}

func (a *Adapter) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderr.Join(errs...)
}

// Cache returns the cache service.
func (a *Adapter) Cache() *cache.Service { return a.cache }

// Client returns the HTTP client.
func (a *Adapter) Client() *api.Client { return a.client }

// Prefetcher returns the prefetch helper.
func (a *Adapter) Prefetcher() *prefetch.Prefetcher { return a.prefetcher }

// Metrics returns the metrics collector. It records nothing when metrics
// are disabled.
func (a *Adapter) Metrics() *metrics.Collector { return a.metrics }

// Health returns the component health tracker.
func (a *Adapter) Health() *health.Tracker { return a.health }

// Logger returns the logger components were built with.
func (a *Adapter) Logger() *slog.Logger { return a.logger }

// validateBaseURL accepts an empty URL (callers then pass absolute URLs) or
// an absolute http(s) URL.
func validateBaseURL(uri string) error {
	if uri == "" {
		return nil
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("failed to parse URI: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
		if parsed.Host == "" {
			return fmt.Errorf("base URL must include a host")
		}
	default:
		return fmt.Errorf("unsupported scheme: %s (only http:// and https:// supported)", parsed.Scheme)
	}
	return nil
}
