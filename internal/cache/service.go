package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unisearch/reqcache/internal/codec"
	"github.com/unisearch/reqcache/internal/storage"
	"github.com/unisearch/reqcache/pkg/errors"
	"github.com/unisearch/reqcache/pkg/types"
)

// DefaultTTL applies when Set is called without a TTL and none is configured.
const DefaultTTL = 5 * time.Minute

// Config represents cache service configuration
type Config struct {
	MemoryCapacity       int           `yaml:"memory_capacity"`
	DefaultTTL           time.Duration `yaml:"default_ttl"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	CompressionLevel     int           `yaml:"compression_level"`
	Namespace            string        `yaml:"namespace"`
	PreloadConcurrency   int           `yaml:"preload_concurrency"`
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		MemoryCapacity:       DefaultMemoryCapacity,
		DefaultTTL:           DefaultTTL,
		CompressionThreshold: codec.DefaultThreshold,
		Namespace:            DefaultNamespace,
		PreloadConcurrency:   DefaultPreloadConcurrency,
	}
}

// StorageErrorFunc observes failures the cache absorbs. op is one of
// get, set, delete, clear, invalidate or sweep.
type StorageErrorFunc func(op, key string, tier types.Tier, err error)

// Option configures a Service.
type Option func(*Service)

// WithDurableStore sets the raw store behind the durable tier.
func WithDurableStore(s types.Storage) Option {
	return func(svc *Service) { svc.durableStore = s }
}

// WithSessionStore sets the raw store behind the session tier.
func WithSessionStore(s types.Storage) Option {
	return func(svc *Service) { svc.sessionStore = s }
}

// WithClock replaces time.Now, mainly for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r types.MetricsRecorder) Option {
	return func(svc *Service) { svc.recorder = r }
}

// WithStorageErrorHandler registers a hook for absorbed storage failures.
func WithStorageErrorHandler(fn StorageErrorFunc) Option {
	return func(svc *Service) { svc.onStorageError = fn }
}

// tier is the contract shared by the memory LRU and store-backed tiers
type tier interface {
	Get(ctx context.Context, key string) (*codec.Entry, bool, error)
	Put(ctx context.Context, key string, e *codec.Entry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (types.TierStats, error)
}

// counters tracks service-wide statistics
type counters struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	evictions     atomic.Uint64
	expirations   atomic.Uint64
	promotions    atomic.Uint64
	storageErrors atomic.Uint64
}

// Service is the multi-tier cache. Cache operations never return storage
// errors; those are logged, counted and passed to the storage error hook.
type Service struct {
	config Config
	codec  *codec.Codec

	memory  *LRUCache
	durable *StoreTier
	session *StoreTier

	durableStore types.Storage
	sessionStore types.Storage

	now            func() time.Time
	logger         *slog.Logger
	recorder       types.MetricsRecorder
	onStorageError StorageErrorFunc

	// removals is held exclusively by Delete, Clear and invalidation and
	// shared by Lookup write-backs; generation counts removals so a
	// write-back can tell its read has been overtaken.
	removals   sync.RWMutex
	generation atomic.Uint64

	stats counters
}

// NewService creates a cache service. Without explicit stores both the
// durable and session tiers are held in process memory.
func NewService(config Config, opts ...Option) *Service {
	defaults := DefaultConfig()
	if config.MemoryCapacity <= 0 {
		config.MemoryCapacity = defaults.MemoryCapacity
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.CompressionThreshold == 0 {
		config.CompressionThreshold = defaults.CompressionThreshold
	}
	if config.Namespace == "" {
		config.Namespace = defaults.Namespace
	}
	if config.PreloadConcurrency <= 0 {
		config.PreloadConcurrency = defaults.PreloadConcurrency
	}

	s := &Service{
		config: config,
		codec:  codec.New(config.CompressionThreshold, config.CompressionLevel),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "cache")
	if s.recorder == nil {
		s.recorder = types.NoopRecorder{}
	}
	if s.durableStore == nil {
		s.durableStore = storage.NewMemory(0)
	}
	if s.sessionStore == nil {
		s.sessionStore = storage.NewMemory(0)
	}

	s.memory = NewLRUCache(config.MemoryCapacity, func(string) {
		s.stats.evictions.Add(1)
		s.recorder.RecordEviction(types.TierMemory)
	})
	s.durable = s.newStoreTier(types.TierDurable, s.durableStore)
	s.session = s.newStoreTier(types.TierSession, s.sessionStore)

	return s
}

func (s *Service) newStoreTier(name types.Tier, store types.Storage) *StoreTier {
	t := NewStoreTier(name, store, s.config.Namespace, func() time.Time { return s.now() })
	t.onExpire = func() {
		s.stats.expirations.Add(1)
		s.recorder.RecordExpiration(name)
	}
	return t
}

// Config returns the effective configuration
func (s *Service) Config() Config {
	return s.config
}

// GenerateKey builds a cache key; see the package-level GenerateKey.
func (s *Service) GenerateKey(resource string, params map[string]any) string {
	return GenerateKey(resource, params)
}

func (s *Service) tier(name types.Tier) tier {
	switch name {
	case types.TierMemory:
		return s.memory
	case types.TierDurable:
		return s.durable
	case types.TierSession:
		return s.session
	default:
		return nil
	}
}

// Set stores value under key in the given tier. ttl <= 0 uses the default
// TTL. For the hybrid tier memory is written first; a durable failure does
// not undo it.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration, tier types.Tier) {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	if tier == "" {
		tier = types.TierMemory
	}

	payload, err := json.Marshal(value)
	if err != nil {
		s.reportError("set", key, tier, errors.Wrap(errors.ErrCodeSerializationFailed,
			"failed to marshal cache value", err).WithComponent("cache"))
		return
	}

	entry := s.codec.Encode(payload, s.now(), ttl)
	for _, name := range tier.Targets() {
		t := s.tier(name)
		if t == nil {
			s.reportError("set", key, name, errors.NewError(errors.ErrCodeValidationFailed,
				"unknown cache tier").WithComponent("cache"))
			continue
		}
		if err := t.Put(ctx, key, entry); err != nil {
			s.reportError("set", key, name, err)
		}
	}
}

// Lookup returns the raw JSON for key and the tier that served it, trying
// tiers in order (memory, durable, session when order is empty). Expired and
// unreadable entries are deleted and the search continues. A hit outside the
// memory tier is copied into memory with its remaining TTL.
func (s *Service) Lookup(ctx context.Context, key string, order ...types.Tier) ([]byte, types.Tier, bool) {
	if len(order) == 0 {
		order = types.DefaultReadOrder
	}

	now := s.now()
	gen := s.generation.Load()
	for _, name := range order {
		t := s.tier(name)
		if t == nil {
			continue
		}

		e, ok, err := t.Get(ctx, key)
		if err != nil {
			s.reportError("get", key, name, err)
			if errors.IsCode(err, errors.ErrCodeSerializationFailed) {
				s.dropEntry(ctx, t, name, key)
			}
			s.recorder.RecordCacheRequest(name, false)
			continue
		}
		if !ok {
			s.recorder.RecordCacheRequest(name, false)
			continue
		}
		if e.Expired(now) {
			s.dropEntry(ctx, t, name, key)
			s.stats.expirations.Add(1)
			s.recorder.RecordExpiration(name)
			s.recorder.RecordCacheRequest(name, false)
			continue
		}

		payload, err := s.codec.Decode(e)
		if err != nil {
			s.reportError("get", key, name, errors.Wrap(errors.ErrCodeSerializationFailed,
				"failed to decode cache entry", err).WithComponent("cache"))
			s.dropEntry(ctx, t, name, key)
			s.recorder.RecordCacheRequest(name, false)
			continue
		}

		s.writeBack(ctx, t, name, key, e, now, gen)

		s.stats.hits.Add(1)
		s.recorder.RecordCacheRequest(name, true)
		return payload, name, true
	}

	s.stats.misses.Add(1)
	return nil, "", false
}

// writeBack stores the access bookkeeping for a hit and promotes it into
// memory. Nothing is written when a removal started after the read began,
// so a deleted or invalidated key is never recreated.
func (s *Service) writeBack(ctx context.Context, t tier, name types.Tier, key string, e *codec.Entry, now time.Time, gen uint64) {
	s.removals.RLock()
	defer s.removals.RUnlock()

	if s.generation.Load() != gen {
		return
	}
	if name == types.TierMemory {
		s.memory.Touch(key, now)
		return
	}

	e.Touch(now)
	if err := t.Put(ctx, key, e); err != nil {
		s.reportError("get", key, name, err)
	}
	if err := s.memory.Put(ctx, key, e); err == nil {
		s.stats.promotions.Add(1)
	}
}

// beginRemoval blocks write-backs until the returned func is called.
func (s *Service) beginRemoval() func() {
	s.removals.Lock()
	s.generation.Add(1)
	return s.removals.Unlock
}

// Get looks up key and decodes the cached JSON into T. A value that does not
// decode into T is treated as a miss and removed from the tier that served it.
func Get[T any](ctx context.Context, s *Service, key string, order ...types.Tier) (T, bool) {
	var v T
	payload, from, ok := s.Lookup(ctx, key, order...)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		s.reportError("get", key, from, errors.Wrap(errors.ErrCodeSerializationFailed,
			"cached value has unexpected shape", err).WithComponent("cache"))
		s.Delete(ctx, key, from)
		var zero T
		return zero, false
	}
	return v, true
}

func (s *Service) dropEntry(ctx context.Context, t tier, name types.Tier, key string) {
	if err := t.Delete(ctx, key); err != nil {
		s.reportError("delete", key, name, err)
	}
}

// Delete removes key from tier, or from every tier when tier is empty or
// TierAll. Deleting an absent key is a no-op.
func (s *Service) Delete(ctx context.Context, key string, tier types.Tier) {
	defer s.beginRemoval()()
	for _, name := range tier.Targets() {
		if t := s.tier(name); t != nil {
			s.dropEntry(ctx, t, name, key)
		}
	}
}

// Clear removes all entries from tier, or from every tier when tier is empty
// or TierAll.
func (s *Service) Clear(ctx context.Context, tier types.Tier) {
	defer s.beginRemoval()()
	for _, name := range tier.Targets() {
		t := s.tier(name)
		if t == nil {
			continue
		}
		if err := t.Clear(ctx); err != nil {
			s.reportError("clear", "", name, err)
		}
	}
	s.logger.Debug("Cache cleared", "tier", tier)
}

// InvalidatePattern deletes every key in every tier matching the regular
// expression pattern. It returns the number of entries removed; the only
// error is an invalid pattern.
func (s *Service) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeValidationFailed, "invalid invalidation pattern", err).
			WithComponent("cache").
			WithDetail("pattern", pattern)
	}
	return s.InvalidateRegexp(ctx, re), nil
}

// InvalidateRegexp is InvalidatePattern for a compiled expression.
func (s *Service) InvalidateRegexp(ctx context.Context, re *regexp.Regexp) int {
	defer s.beginRemoval()()
	removed := 0
	for _, name := range types.DefaultReadOrder {
		t := s.tier(name)
		keys, err := t.Keys(ctx)
		if err != nil {
			s.reportError("invalidate", "", name, err)
			continue
		}
		for _, key := range keys {
			if !re.MatchString(key) {
				continue
			}
			if err := t.Delete(ctx, key); err != nil {
				s.reportError("invalidate", key, name, err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cache entries invalidated", "pattern", re.String(), "removed", removed)
	}
	return removed
}

// Stats returns per-tier usage and service-wide counters. It does not
// modify cache state.
func (s *Service) Stats(ctx context.Context) types.CacheStats {
	stats := types.CacheStats{
		Tiers:         make(map[types.Tier]types.TierStats, len(types.DefaultReadOrder)),
		Hits:          s.stats.hits.Load(),
		Misses:        s.stats.misses.Load(),
		Evictions:     s.stats.evictions.Load(),
		Expirations:   s.stats.expirations.Load(),
		Promotions:    s.stats.promotions.Load(),
		StorageErrors: s.stats.storageErrors.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	for _, name := range types.DefaultReadOrder {
		ts, err := s.tier(name).Stats(ctx)
		if err != nil {
			s.logger.Warn("Failed to read tier stats", "tier", name, "error", err)
		}
		stats.Tiers[name] = ts
	}
	return stats
}

// Sweep removes expired entries from every tier and returns how many were removed.
func (s *Service) Sweep(ctx context.Context) int {
	removed := s.sweepMemory()
	for _, t := range []*StoreTier{s.durable, s.session} {
		n, err := t.Sweep(ctx)
		if err != nil {
			s.reportError("sweep", "", t.name, err)
		}
		removed += n
	}
	return removed
}

func (s *Service) sweepMemory() int {
	removed := s.memory.RemoveExpired(s.now())
	for i := 0; i < removed; i++ {
		s.stats.expirations.Add(1)
		s.recorder.RecordExpiration(types.TierMemory)
	}
	return removed
}

func (s *Service) reportError(op, key string, tier types.Tier, err error) {
	s.stats.storageErrors.Add(1)
	s.recorder.RecordStorageError(op, tier)
	s.logger.Warn("Cache storage operation failed",
		"op", op,
		"key", key,
		"tier", tier,
		"error", err)
	if s.onStorageError != nil {
		s.onStorageError(op, key, tier, err)
	}
}
