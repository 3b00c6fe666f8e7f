package prefetch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unisearch/reqcache/pkg/api"
)

const (
	// DefaultHoverDelay is how long a hover must last before it prefetches.
	DefaultHoverDelay = 150 * time.Millisecond
	// DefaultConcurrency bounds PrefetchAll.
	DefaultConcurrency = 4
	// DefaultTimeout bounds each background prefetch.
	DefaultTimeout = 30 * time.Second
)

// Target is a GET to warm.
type Target struct {
	Path   string
	Params map[string]any
}

// Option configures a Prefetcher.
type Option func(*Prefetcher)

// WithHoverDelay sets the hover debounce.
func WithHoverDelay(d time.Duration) Option {
	return func(p *Prefetcher) { p.hoverDelay = d }
}

// WithConcurrency bounds PrefetchAll.
func WithConcurrency(n int) Option {
	return func(p *Prefetcher) { p.concurrency = n }
}

// WithTimeout bounds each hover-triggered prefetch.
func WithTimeout(d time.Duration) Option {
	return func(p *Prefetcher) { p.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prefetcher) { p.logger = l }
}

// Prefetcher issues cache-warming GETs through an api.Client.
type Prefetcher struct {
	client      *api.Client
	hoverDelay  time.Duration
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a Prefetcher. Close stops pending hovers.
func New(client *api.Client, opts ...Option) *Prefetcher {
	p := &Prefetcher{
		client:      client,
		hoverDelay:  DefaultHoverDelay,
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultConcurrency
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "prefetch")
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Prefetch loads path into the cache. A cached response is not refetched.
// The error is also logged, so callers may ignore it.
func (p *Prefetcher) Prefetch(ctx context.Context, path string, params map[string]any) error {
	res, err := api.Get[json.RawMessage](ctx, p.client, path, api.GetOptions{Params: params})
	if err != nil {
		p.logger.Debug("Prefetch failed", "path", path, "error", err)
		return err
	}
	p.logger.Debug("Prefetched", "path", path, "from_cache", res.FromCache)
	return nil
}

// PrefetchAll warms every target concurrently and returns how many succeeded.
// One failure does not stop the others.
func (p *Prefetcher) PrefetchAll(ctx context.Context, targets []Target) int {
	var succeeded atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, target := range targets {
		g.Go(func() error {
			if err := p.Prefetch(ctx, target.Path, target.Params); err == nil {
				succeeded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(succeeded.Load())
}

// Hover schedules a prefetch of path after the hover delay. Repeated hovers
// over the same target before it fires are ignored.
func (p *Prefetcher) Hover(path string, params map[string]any) {
	key := p.client.RequestKey(path, params)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return
	}
	if _, pending := p.timers[key]; pending {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(p.hoverDelay, func() {
		p.mu.Lock()
		if p.timers[key] != timer {
			p.mu.Unlock()
			return
		}
		delete(p.timers, key)
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		defer cancel()
		_ = p.Prefetch(ctx, path, params)
	})
	p.timers[key] = timer
}

// Leave cancels a hover prefetch that has not fired yet.
func (p *Prefetcher) Leave(path string, params map[string]any) {
	key := p.client.RequestKey(path, params)

	p.mu.Lock()
	defer p.mu.Unlock()
	if timer, ok := p.timers[key]; ok {
		timer.Stop()
		delete(p.timers, key)
	}
}

// Pending returns the number of scheduled hover prefetches.
func (p *Prefetcher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Close cancels scheduled hovers and in-progress hover prefetches.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	for key, timer := range p.timers {
		timer.Stop()
		delete(p.timers, key)
	}
	p.mu.Unlock()
	p.cancel()
}

// Progressive delivers the cached response for path, if any, and then the
// fresh one. When nothing is cached the network result is delivered once.
// A failed refresh after a cached delivery returns the error; the cached
// value has already been handed to onUpdate.
func Progressive[T any](ctx context.Context, p *Prefetcher, path string, params map[string]any, onUpdate func(api.Result[T])) error {
	first, err := api.Get[T](ctx, p.client, path, api.GetOptions{Params: params})
	if err != nil {
		return err
	}
	onUpdate(first)
	if !first.FromCache {
		return nil
	}

	fresh, err := api.Get[T](ctx, p.client, path, api.GetOptions{Params: params, ForceRefresh: true})
	if err != nil {
		p.logger.Debug("Progressive refresh failed", "path", path, "error", err)
		return err
	}
	onUpdate(fresh)
	return nil
}
