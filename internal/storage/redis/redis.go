// Package redis backs the durable cache tier with a Redis server.
package redis

import (
	"bufio"
	"context"
	stderr "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unisearch/reqcache/pkg/errors"
	"github.com/unisearch/reqcache/pkg/types"
)

// Config holds connection settings
type Config struct {
	Addr      string        `yaml:"addr"`
	DB        int           `yaml:"db"`
	Password  string        `yaml:"password"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Store implements types.Storage on Redis strings. Items never carry a Redis
// TTL; expiry is owned by the cache entries themselves.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ types.Storage = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := &goredis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}
	s := NewWithClient(goredis.NewClient(opts), cfg.KeyPrefix, logger)
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		_ = s.rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	s.logger.Info("redis store connected", "addr", cfg.Addr, "db", cfg.DB)
	return s, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb goredis.UniversalClient, keyPrefix string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rdb:    rdb,
		prefix: keyPrefix,
		logger: logger.With("component", "redis-store"),
	}
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.rdb.Close()
}

// GetItem reads key
func (s *Store) GetItem(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if stderr.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrCodeStorageRead, "redis GET failed", err).
			WithComponent("redis-store").WithContext("key", key)
	}
	return b, true, nil
}

// SetItem writes key. Redis maxmemory rejections surface as QUOTA_EXCEEDED.
func (s *Store) SetItem(ctx context.Context, key string, value []byte) error {
	err := s.rdb.Set(ctx, s.prefix+key, value, 0).Err()
	if err == nil {
		return nil
	}
	if isOOM(err) {
		return errors.Wrap(errors.ErrCodeQuotaExceeded, "redis maxmemory reached", err).
			WithComponent("redis-store").WithContext("key", key)
	}
	return errors.Wrap(errors.ErrCodeStorageWrite, "redis SET failed", err).
		WithComponent("redis-store").WithContext("key", key)
}

// RemoveItem deletes key
func (s *Store) RemoveItem(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "redis DEL failed", err).
			WithComponent("redis-store").WithContext("key", key)
	}
	return nil
}

// Keys scans for keys under prefix
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(s.prefix+prefix) + "*"
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "redis SCAN failed", err).
			WithComponent("redis-store")
	}
	return keys, nil
}

// Usage reports server memory against maxmemory
func (s *Store) Usage(ctx context.Context) (types.StorageUsage, error) {
	info, err := s.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return types.StorageUsage{}, errors.Wrap(errors.ErrCodeStorageRead, "redis INFO failed", err).
			WithComponent("redis-store")
	}
	return parseMemoryInfo(info), nil
}

func isOOM(err error) bool {
	return strings.HasPrefix(err.Error(), "OOM ")
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^', '-':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseMemoryInfo extracts used_memory and maxmemory from INFO memory output.
func parseMemoryInfo(info string) types.StorageUsage {
	var usage types.StorageUsage
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		name, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch name {
		case "used_memory":
			usage.Bytes = n
		case "maxmemory":
			usage.Quota = n
		}
	}
	return usage
}
