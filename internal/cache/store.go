package cache

import (
	"context"
	"strings"
	"time"

	"github.com/unisearch/reqcache/internal/codec"
	"github.com/unisearch/reqcache/pkg/errors"
	"github.com/unisearch/reqcache/pkg/types"
)

// DefaultNamespace prefixes every key the cache writes to a raw store.
const DefaultNamespace = "cache:"

// StoreTier adapts a raw key/value store into a cache tier. Keys are written
// under a namespace so unrelated data in the same store is never enumerated,
// swept or cleared.
type StoreTier struct {
	name      types.Tier
	store     types.Storage
	namespace string
	now       func() time.Time

	// onExpire runs for each entry removed by a sweep
	onExpire func()
}

// NewStoreTier wraps store as the named tier.
func NewStoreTier(name types.Tier, store types.Storage, namespace string, now func() time.Time) *StoreTier {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if now == nil {
		now = time.Now
	}
	return &StoreTier{name: name, store: store, namespace: namespace, now: now}
}

// Get reads and parses the entry for key.
func (t *StoreTier) Get(ctx context.Context, key string) (*codec.Entry, bool, error) {
	data, ok, err := t.store.GetItem(ctx, t.namespace+key)
	if err != nil || !ok {
		return nil, false, err
	}
	e, err := codec.Unmarshal(data)
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrCodeSerializationFailed, "corrupt cache entry", err).
			WithComponent("cache").
			WithContext("key", key).
			WithContext("tier", string(t.name))
	}
	return e, true, nil
}

// Put writes the entry. When the store is over quota, expired entries are
// swept and the write is retried once.
func (t *StoreTier) Put(ctx context.Context, key string, e *codec.Entry) error {
	data, err := codec.Marshal(e)
	if err != nil {
		return errors.Wrap(errors.ErrCodeSerializationFailed, "failed to marshal cache entry", err).
			WithComponent("cache").
			WithContext("key", key)
	}

	err = t.store.SetItem(ctx, t.namespace+key, data)
	if err == nil || !errors.IsCode(err, errors.ErrCodeQuotaExceeded) {
		return err
	}

	if _, sweepErr := t.Sweep(ctx); sweepErr != nil {
		return err
	}
	return t.store.SetItem(ctx, t.namespace+key, data)
}

// Delete removes key; removing an absent key is not an error
func (t *StoreTier) Delete(ctx context.Context, key string) error {
	return t.store.RemoveItem(ctx, t.namespace+key)
}

// Keys lists cache keys without the namespace
func (t *StoreTier) Keys(ctx context.Context) ([]string, error) {
	raw, err := t.store.Keys(ctx, t.namespace)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, t.namespace))
	}
	return keys, nil
}

// Clear removes every namespaced key and nothing else.
func (t *StoreTier) Clear(ctx context.Context) error {
	raw, err := t.store.Keys(ctx, t.namespace)
	if err != nil {
		return err
	}
	for _, k := range raw {
		if err := t.store.RemoveItem(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Sweep removes expired and unreadable entries and returns how many were removed.
func (t *StoreTier) Sweep(ctx context.Context) (int, error) {
	raw, err := t.store.Keys(ctx, t.namespace)
	if err != nil {
		return 0, err
	}

	now := t.now()
	removed := 0
	for _, k := range raw {
		data, ok, err := t.store.GetItem(ctx, k)
		switch {
		case errors.IsCode(err, errors.ErrCodeSerializationFailed):
			// the store itself cannot decode the item
		case err != nil || !ok:
			continue
		default:
			if e, err := codec.Unmarshal(data); err == nil && !e.Expired(now) {
				continue
			}
		}
		if err := t.store.RemoveItem(ctx, k); err != nil {
			return removed, err
		}
		removed++
		if t.onExpire != nil {
			t.onExpire()
		}
	}
	return removed, nil
}

// Stats reports namespaced entries and store usage against its quota.
func (t *StoreTier) Stats(ctx context.Context) (types.TierStats, error) {
	keys, err := t.store.Keys(ctx, t.namespace)
	if err != nil {
		return types.TierStats{Tier: t.name}, err
	}
	usage, err := t.store.Usage(ctx)
	if err != nil {
		return types.TierStats{Tier: t.name}, err
	}

	stats := types.TierStats{
		Tier:     t.name,
		Entries:  int64(len(keys)),
		Bytes:    usage.Bytes,
		Capacity: usage.Quota,
	}
	if usage.Quota > 0 {
		stats.UsagePercent = float64(usage.Bytes) / float64(usage.Quota) * 100
	}
	return stats, nil
}
