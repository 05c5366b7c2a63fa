package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTTL is the fallback TTL when the response sets no expiry
	DefaultTTL = 15 * time.Minute

	// HeaderCache marks responses served from the cache.
	HeaderCache = "X-Ingest-Cache"
)

// ResponseToEntry converts an HTTP response to a CacheEntry. It reads the
// body and restores it for the caller. ttl applies when the response sets
// no Cache-Control max-age or Expires.
func ResponseToEntry(resp *http.Response, ttl time.Duration) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	now := time.Now()
	return &CacheEntry{
		Data:       body,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		CachedAt:   now,
		Expires:    parseExpiry(resp.Header, now, ttl),
	}, nil
}

// parseExpiry prefers Cache-Control max-age, then Expires, then ttl.
// no-store yields an already expired entry.
func parseExpiry(headers http.Header, now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	for _, directive := range strings.Split(headers.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		switch {
		case directive == "no-store":
			return now
		case strings.HasPrefix(directive, "max-age="):
			if secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age=")); err == nil {
				return now.Add(time.Duration(secs) * time.Second)
			}
		}
	}

	if expiresStr := headers.Get("Expires"); expiresStr != "" {
		if expires, err := http.ParseTime(expiresStr); err == nil {
			if expires.Before(now) {
				return now
			}
			return expires
		}
	}

	return now.Add(ttl)
}

// EntryToResponse rebuilds an HTTP response for req from a cache entry.
func EntryToResponse(entry *CacheEntry, req *http.Request) *http.Response {
	header := entry.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderCache, "HIT")

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: int64(len(entry.Data)),
		Request:       req,
	}
}

// Transport serves GET requests from the page cache and stores successful
// responses. Cache failures never fail a request; they fall through to the
// wrapped transport.
type Transport struct {
	manager *Manager
	ttl     time.Duration
	base    http.RoundTripper
	scope   string
}

// NewTransport wraps base (nil means http.DefaultTransport).
func NewTransport(manager *Manager, ttl time.Duration, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{manager: manager, ttl: ttl, base: base}
}

// WithScope returns a copy of t that keys entries under scope.
func (t *Transport) WithScope(scope string) *Transport {
	cp := *t
	cp.scope = scope
	return &cp
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	key := KeyForURL(req.URL, t.scope)

	if entry, err := t.manager.Get(ctx, key); err == nil {
		return EntryToResponse(entry, req), nil
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		return resp, err
	}

	entry, err := ResponseToEntry(resp, t.ttl)
	if err != nil {
		return nil, err
	}
	// The request context may already be near its deadline; the write is
	// best-effort.
	_ = t.manager.Set(context.WithoutCancel(ctx), key, entry)
	return resp, nil
}
