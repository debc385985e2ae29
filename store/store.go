// Package store defines the broker's persistence capability union
// (SessionStore + CacheStore + LimitStore) and provides a Redis-backed
// implementation plus an in-memory implementation for tests and
// single-process deployments.
//
// Grounded on the original implementation's store/redis.rs, store_cache.rs
// and store_limits.rs; the Redis client-construction idiom (ParseURL +
// NewClient + Ping) is adopted from
// _examples/virtengine-virtengine/pkg/ratelimit/redis_limiter.go, which is
// the only place in the retrieval pack that wires github.com/redis/go-redis/v9.
package store

import (
	"context"
	"time"
)

// Session is the broker's in-flight login-attempt record, keyed by
// SessionId and stored with a TTL.
type Session struct {
	Kind       string `json:"kind"` // "email" or "oidc"
	Email      string `json:"email"`
	ClientID   string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	Nonce      string `json:"nonce"`
	Code       string `json:"code,omitempty"`      // email loop only
	ProviderDomain string `json:"provider_domain,omitempty"` // oidc only
	OAuthState string `json:"oauth_state,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// Store is the capability union every backend must satisfy.
type Store interface {
	SessionStore
	CacheStore
	LimitStore
}

// SessionStore manages in-flight login sessions.
type SessionStore interface {
	PutSession(ctx context.Context, id string, s *Session, ttl time.Duration) error
	GetSession(ctx context.Context, id string) (*Session, bool, error)
	DeleteSession(ctx context.Context, id string) error
}

// CacheStore caches raw text values (discovery documents, JWKS, etc).
type CacheStore interface {
	GetCache(ctx context.Context, key string) (string, bool, error)
	SetCache(ctx context.Context, key, value string, ttl time.Duration) error
}

// LimitStore implements the incr-and-test rate limit primitive.
type LimitStore interface {
	// IncrAndTest increments the counter at key; if this is the first
	// increment it sets the key to expire after window. It returns true
	// when the post-increment count is within maxCount.
	IncrAndTest(ctx context.Context, key string, window time.Duration, maxCount int64) (bool, error)
}
