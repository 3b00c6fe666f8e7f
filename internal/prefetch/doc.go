/*
Package prefetch warms the response cache before the data is needed.

Prefetch and PrefetchAll issue cached GETs whose results are discarded.
Hover and Leave debounce pointer-driven prefetching: a hover that lasts
longer than the hover delay fetches its target, a leave before then
cancels it. Progressive hands a cached response to the caller right away
and follows up with a fresh one.

	p := prefetch.New(client)
	defer p.Close()

	p.Hover("/api/universities/42", nil)
	err := prefetch.Progressive(ctx, p, "/api/feed", nil, func(r api.Result[Feed]) {
		render(r.Data, r.FromCache)
	})
*/
package prefetch
