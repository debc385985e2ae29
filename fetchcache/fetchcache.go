// Package fetchcache implements fetch_json: a cached HTTP GET that decodes
// a JSON response, honoring upstream Cache-Control headers.
//
// Grounded on the original implementation's store_cache.rs fetch_json_url
// (cache check, GET, Cache-Control parsing, write-through, JSON decode)
// and on the teacher's mail/mail.go context-timeout-wrapped dispatch idiom.
package fetchcache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/caasmo/idbroker/brokererr"
	"github.com/caasmo/idbroker/metrics"
	"github.com/caasmo/idbroker/store"
)

const negativeCacheValue = "err:"

// Fetcher performs cached, JSON-decoding HTTP GETs. A zero value is not
// usable; construct with New.
type Fetcher struct {
	client          *http.Client
	cache           store.CacheStore
	defaultTTL      time.Duration
	negativeTTL     time.Duration
	maxDocSize      int64
	group           singleflight.Group
}

// New builds a Fetcher. defaultTTL is the floor cache lifetime honored even
// when the upstream sends no (or a smaller) max-age; negativeTTL is how
// long a failed fetch is cached to avoid hammering a down upstream
// (resolves spec.md §9's negative-caching open question); maxDocSize
// bounds the response body read.
func New(client *http.Client, cache store.CacheStore, defaultTTL, negativeTTL time.Duration, maxDocSize int64) *Fetcher {
	return &Fetcher{
		client:      client,
		cache:       cache,
		defaultTTL:  defaultTTL,
		negativeTTL: negativeTTL,
		maxDocSize:  maxDocSize,
	}
}

// FetchJSON runs the cache-or-fetch-then-decode pipeline for cacheKey/url,
// coalescing concurrent callers for the same cacheKey with singleflight.
func (f *Fetcher) FetchJSON(ctx context.Context, url, cacheKey string) (map[string]any, error) {
	raw, err, _ := f.group.Do(cacheKey, func() (any, error) {
		return f.fetchJSONUncoalesced(ctx, url, cacheKey)
	})
	if err != nil {
		return nil, err
	}
	return raw.(map[string]any), nil
}

func (f *Fetcher) fetchJSONUncoalesced(ctx context.Context, url, cacheKey string) (map[string]any, error) {
	if cached, hit, err := f.cache.GetCache(ctx, cacheKey); err != nil {
		return nil, brokererr.InternalWrap(err, "cache lookup failed for %s", cacheKey)
	} else if hit {
		if strings.HasPrefix(cached, negativeCacheValue) {
			return nil, brokererr.Providerf("cached failure for %s: %s", url, strings.TrimPrefix(cached, negativeCacheValue))
		}
		return decodeJSON(cached)
	}

	body, maxAge, err := f.get(ctx, url)
	if err != nil {
		if writeErr := f.cache.SetCache(ctx, cacheKey, negativeCacheValue+err.Error(), f.negativeTTL); writeErr != nil {
			return nil, brokererr.InternalWrap(writeErr, "negative cache write failed for %s", cacheKey)
		}
		return nil, err
	}

	ttl := f.defaultTTL
	if maxAge > ttl {
		ttl = maxAge
	}
	if err := f.cache.SetCache(ctx, cacheKey, body, ttl); err != nil {
		return nil, brokererr.InternalWrap(err, "cache write failed for %s", cacheKey)
	}

	return decodeJSON(body)
}

func (f *Fetcher) get(ctx context.Context, url string) (body string, maxAge time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, brokererr.Providerf("fetch failed: %v: %s", err, url)
	}

	start := time.Now()
	defer func() { metrics.UpstreamFetchDuration.Observe(time.Since(start).Seconds()) }()

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, brokererr.Providerf("fetch failed (%v): %s", err, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, brokererr.Providerf("fetch failed (%d): %s", resp.StatusCode, url)
	}

	maxAge = parseMaxAge(resp.Header.Get("Cache-Control"))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxDocSize))
	if err != nil {
		return "", 0, brokererr.ProviderWrap(err, "read response body: %s", url)
	}
	if !utf8.Valid(raw) {
		return "", 0, brokererr.Providerf("invalid UTF-8: %s", url)
	}

	return string(raw), maxAge, nil
}

func parseMaxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		const prefix = "max-age="
		if !strings.HasPrefix(directive, prefix) {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimPrefix(directive, prefix))
		if err != nil || seconds < 0 {
			continue
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func decodeJSON(body string) (map[string]any, error) {
	var v map[string]any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, brokererr.Providerf("invalid JSON: %v", err)
	}
	return v, nil
}
