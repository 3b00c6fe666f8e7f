package types

import (
	"context"
	"time"
)

// Storage is a raw key/value store in the style of browser web storage.
// Durable and session tiers are built on top of it.
type Storage interface {
	// GetItem returns the stored value and whether the key exists.
	GetItem(ctx context.Context, key string) ([]byte, bool, error)
	// SetItem stores value under key. Implementations with a quota return an
	// error carrying errors.ErrCodeQuotaExceeded when the write does not fit.
	SetItem(ctx context.Context, key string, value []byte) error
	// RemoveItem deletes key. Removing an absent key is not an error.
	RemoveItem(ctx context.Context, key string) error
	// Keys lists every key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Usage reports stored bytes and the quota, if one applies.
	Usage(ctx context.Context) (StorageUsage, error)
}

// MetricsRecorder receives cache and client events
type MetricsRecorder interface {
	RecordCacheRequest(tier Tier, hit bool)
	RecordEviction(tier Tier)
	RecordExpiration(tier Tier)
	RecordStorageError(operation string, tier Tier)
	UpdateTierEntries(tier Tier, entries int64)
	RecordHTTPRequest(method string, status int, duration time.Duration)
	RecordRetry(method string, attempt int)
	RecordDedupJoin()
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

func (NoopRecorder) RecordCacheRequest(Tier, bool) {}
func (NoopRecorder) RecordEviction(Tier) {}
func (NoopRecorder) RecordExpiration(Tier) {}
func (NoopRecorder) RecordStorageError(string, Tier) {}
func (NoopRecorder) UpdateTierEntries(Tier, int64) {}
func (NoopRecorder) RecordHTTPRequest(string, int, time.Duration) {}
func (NoopRecorder) RecordRetry(string, int) {}
func (NoopRecorder) RecordDedupJoin() {}
