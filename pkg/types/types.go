package types

import (
	"fmt"
	"strings"
)

// Tier names a cache storage tier.
type Tier string

const (
	TierMemory  Tier = "memory"
	TierDurable Tier = "durable"
	TierSession Tier = "session"
	// TierHybrid writes to memory and durable; reads try memory first.
	TierHybrid Tier = "hybrid"
	// TierAll scopes Delete and Clear to every tier.
	TierAll Tier = "all"
)

// DefaultReadOrder is the tier order used by lookups that do not name one.
var DefaultReadOrder = []Tier{TierMemory, TierDurable, TierSession}

// ParseTier converts a configuration string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierMemory, TierDurable, TierSession, TierHybrid, TierAll:
		return t, nil
	case "":
		return TierMemory, nil
	default:
		return "", fmt.Errorf("unknown cache tier %q", s)
	}
}

// Targets expands a write tier into the concrete tiers it touches.
func (t Tier) Targets() []Tier {
	switch t {
	case TierHybrid:
		return []Tier{TierMemory, TierDurable}
	case TierAll, "":
		return []Tier{TierMemory, TierDurable, TierSession}
	default:
		return []Tier{t}
	}
}

// StorageUsage reports how much of a raw store is in use.
type StorageUsage struct {
	Bytes int64 `json:"bytes"`
	// Quota is zero when the store has no known limit.
	Quota int64 `json:"quota"`
}

// TierStats describes a single tier.
type TierStats struct {
	Tier         Tier    `json:"tier"`
	Entries      int64   `json:"entries"`
	Bytes        int64   `json:"bytes"`
	Capacity     int64   `json:"capacity"`
	UsagePercent float64 `json:"usage_percent"`
}

// CacheStats represents cache statistics across all tiers
type CacheStats struct {
	Tiers         map[Tier]TierStats `json:"tiers"`
	Hits          uint64             `json:"hits"`
	Misses        uint64             `json:"misses"`
	Evictions     uint64             `json:"evictions"`
	Expirations   uint64             `json:"expirations"`
	Promotions    uint64             `json:"promotions"`
	StorageErrors uint64             `json:"storage_errors"`
	HitRate       float64            `json:"hit_rate"`
}
