package cache

import (
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix starts every page cache key.
const KeyPrefix = "ingest:page"

// CacheKey identifies a cached response.
type CacheKey struct {
	// Endpoint is host plus path, e.g. "api.example.com/api/data"
	Endpoint string

	// QueryParams are the request's query parameters
	QueryParams url.Values

	// Scope separates callers that see different data for the same URL
	// (e.g. different credentials). Empty for a single tenant.
	Scope string
}

// KeyForURL builds the key for a request URL.
func KeyForURL(u *url.URL, scope string) CacheKey {
	return CacheKey{
		Endpoint:    u.Host + u.Path,
		QueryParams: u.Query(),
		Scope:       scope,
	}
}

// String generates a deterministic cache key string.
// Format: ingest:page:endpoint:query1=val1:query2=val2a,val2b[:scope=name]
//
// Example:
//
//	ingest:page:api.example.com/api/data:pageNumber=3:pageSize=1000
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, key+"="+strings.Join(k.QueryParams[key], ","))
		}
	}

	if k.Scope != "" {
		parts = append(parts, "scope="+k.Scope)
	}

	return strings.Join(parts, ":")
}
