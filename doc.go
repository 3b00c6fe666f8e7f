/*
Package reqcache is a client-side caching and request-coordination layer
for applications talking to a REST API.

Responses are cached across three tiers: a bounded in-process LRU, a
durable store (a directory, Redis or S3) and a session store. Entries carry
a TTL and large payloads are gzip-compressed. Reads try memory first and
promote hits from slower tiers. The HTTP client in front of the cache
deduplicates identical in-flight GETs, retries transient failures with
exponential backoff, refreshes bearer tokens once on 401 and reports every
failure as a classified *errors.ReqCacheError.

	cfg, err := reqcache.LoadConfig("reqcache.yaml")
	if err != nil {
		return err
	}
	sys, err := reqcache.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := sys.Start(ctx); err != nil {
		return err
	}
	defer sys.Stop(ctx)

	res, err := reqcache.Get[[]University](ctx, sys, "/api/universities",
		reqcache.GetOptions{Params: map[string]any{"state": "CA"}})

	_, err = reqcache.Post[Bookmark](ctx, sys, "/api/bookmarks", bm,
		reqcache.MutateOptions{InvalidateCache: []string{"^/api/bookmarks"}})

Cache operations never fail the caller: storage problems are logged,
counted and passed to an optional hook, and the cache degrades to a miss.
*/
package reqcache
