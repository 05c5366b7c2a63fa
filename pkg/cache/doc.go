// Package cache keeps fetched page bodies in Redis so a rerun or a retry of
// failed pages does not download pages that were already fetched.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		Endpoint:    "api.example.com/api/data",
//		QueryParams: url.Values{"pageNumber": []string{"3"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the source
//	}
//
// Entries are indexed per scope, so a full reload drops the pages of one
// source without touching others:
//
//	n, err := manager.Invalidate(ctx, "https://api.example.com")
//
// # Transport
//
// NewTransport wraps an http.RoundTripper so that successful GET responses
// are stored and served from Redis until they expire. It plugs into
// client.Config.Transport:
//
//	cfg.Transport = cache.NewTransport(manager, 15*time.Minute, nil)
//
// Expiry comes from the response's Cache-Control max-age or Expires header
// when present, else from the transport's TTL.
//
// # Metrics
//
//   - ingest_cache_hits_total{layer="redis"} - cache hits
//   - ingest_cache_misses_total - cache misses
//   - ingest_cache_size_bytes{layer="redis"} - bytes written and served
//   - ingest_cache_errors_total{operation} - cache operation errors
package cache
