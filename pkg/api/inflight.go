package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// DefaultDedupGrace is how long a settled request stays joinable.
const DefaultDedupGrace = 50 * time.Millisecond

// DefaultSharedFetchTimeout bounds a deduplicated fetch, which no single
// caller can cancel.
const DefaultSharedFetchTimeout = 2 * time.Minute

type call struct {
	done chan struct{}
	val  json.RawMessage
	err  error
}

// inflight deduplicates identical GET requests. Unlike singleflight, a
// settled call remains in the table for the grace period so that callers
// arriving just after it completes share its result.
type inflight struct {
	mu      sync.Mutex
	calls   map[string]*call
	grace   time.Duration
	timeout time.Duration
}

func newInflight(grace, timeout time.Duration) *inflight {
	return &inflight{calls: make(map[string]*call), grace: grace, timeout: timeout}
}

// do runs fn once per key. Callers that find a pending or recently settled
// call wait for it and get shared=true. fn runs detached from every
// caller's cancellation, so a caller that gives up only stops its own wait.
func (g *inflight) do(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	g.mu.Lock()
	c, shared := g.calls[key]
	if !shared {
		c = &call{done: make(chan struct{})}
		g.calls[key] = c
		go g.run(ctx, key, c, fn)
	}
	g.mu.Unlock()

	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-ctx.Done():
		return nil, shared, transportError(ctx.Err())
	}
}

func (g *inflight) run(ctx context.Context, key string, c *call, fn func(ctx context.Context) (json.RawMessage, error)) {
	ctx = context.WithoutCancel(ctx)
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	defer g.settle(key, c)
	c.val, c.err = fn(ctx)
}

func (g *inflight) settle(key string, c *call) {
	remove := func() {
		g.mu.Lock()
		if g.calls[key] == c {
			delete(g.calls, key)
		}
		g.mu.Unlock()
	}
	// Without a grace period the call must be gone before anyone sees its
	// result, or a caller's next request could join it.
	if g.grace <= 0 {
		remove()
		close(c.done)
		return
	}
	close(c.done)
	time.AfterFunc(g.grace, remove)
}

// pending reports how many keys are registered, settled or not.
func (g *inflight) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
