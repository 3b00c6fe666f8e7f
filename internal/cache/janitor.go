package cache

import (
	"context"
	"time"

	"github.com/unisearch/reqcache/pkg/types"
)

// StartJanitor sweeps expired entries every interval until ctx is done.
// Each pass publishes tier entry gauges.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runJanitorPass(ctx)
			}
		}
	}()
}

func (s *Service) runJanitorPass(ctx context.Context) {
	removed := s.Sweep(ctx)
	stats := s.Stats(ctx)
	for _, name := range types.DefaultReadOrder {
		s.recorder.UpdateTierEntries(name, stats.Tiers[name].Entries)
	}
	s.logger.Debug("Cache sweep completed",
		"removed", removed,
		"memory_entries", stats.Tiers[types.TierMemory].Entries,
		"durable_entries", stats.Tiers[types.TierDurable].Entries,
		"session_entries", stats.Tiers[types.TierSession].Entries,
		"hit_rate", stats.HitRate)
}
