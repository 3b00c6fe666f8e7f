package cache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unisearch/reqcache/pkg/types"
)

// DefaultPreloadConcurrency bounds concurrent fetchers in Preload.
const DefaultPreloadConcurrency = 4

// PreloadRequest describes one value to fetch and cache.
type PreloadRequest struct {
	Key   string
	Fetch func(ctx context.Context) (any, error)
	TTL   time.Duration
	Tier  types.Tier
}

// PreloadResult is the outcome of one PreloadRequest. Err is nil on success.
type PreloadResult struct {
	Key string
	Err error
}

// Preload runs every fetcher and caches the successful results. Failures
// are isolated to their own request; results are returned in input order.
func (s *Service) Preload(ctx context.Context, requests []PreloadRequest) []PreloadResult {
	results := make([]PreloadResult, len(requests))

	var g errgroup.Group
	g.SetLimit(s.config.PreloadConcurrency)

	for i, req := range requests {
		results[i].Key = req.Key
		g.Go(func() error {
			results[i].Err = s.preloadOne(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.logger.Debug("Preload finished", "requests", len(requests), "failed", failed)
	return results
}

func (s *Service) preloadOne(ctx context.Context, req PreloadRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("preload %q panicked: %v", req.Key, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Fetch == nil {
		return fmt.Errorf("preload %q: no fetcher", req.Key)
	}
	value, err := req.Fetch(ctx)
	if err != nil {
		return err
	}
	s.Set(ctx, req.Key, value, req.TTL, req.Tier)
	return nil
}
