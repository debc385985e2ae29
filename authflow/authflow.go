// Package authflow implements the broker's top-level state machine: an
// incoming auth request is validated, rate-limited, and dispatched to
// either oidcbridge or emailloop; a later confirmation re-enters the flow,
// verifies the pending session, and produces a signed id_token for the
// relying party.
//
// Grounded on the original implementation's lib.rs (AuthHandler,
// ConfirmHandler, CallbackHandler, create_jwt, return_to_relier) and on the
// teacher's core/app.go option-pattern wiring for how the top-level type
// is assembled from its collaborators.
package authflow

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caasmo/idbroker/abuse"
	"github.com/caasmo/idbroker/brokererr"
	"github.com/caasmo/idbroker/emailloop"
	"github.com/caasmo/idbroker/keyring"
	"github.com/caasmo/idbroker/oidcbridge"
	"github.com/caasmo/idbroker/provider"
	"github.com/caasmo/idbroker/store"
)

// Request is the validated set of parameters an auth request carries, per
// spec.md §4.8's entry contract.
type Request struct {
	ClientID    string
	RedirectURI string
	Email       string
	Nonce       string
}

// ParseRequest validates and normalizes the four required auth-request
// parameters. login_hint's domain is lowercased; the local part is kept
// exactly as submitted.
func ParseRequest(clientID, redirectURI, loginHint, nonce string) (Request, error) {
	if clientID == "" {
		return Request{}, brokererr.Inputf("missing request parameter client_id")
	}
	if redirectURI == "" {
		return Request{}, brokererr.Inputf("missing request parameter redirect_uri")
	}
	if _, err := url.Parse(redirectURI); err != nil {
		return Request{}, brokererr.Inputf("redirect_uri is not a valid URL")
	}
	if loginHint == "" {
		return Request{}, brokererr.Inputf("missing request parameter login_hint")
	}
	email, err := normalizeEmail(loginHint)
	if err != nil {
		return Request{}, err
	}
	if nonce == "" {
		return Request{}, brokererr.Inputf("missing request parameter nonce")
	}

	return Request{ClientID: clientID, RedirectURI: redirectURI, Email: email, Nonce: nonce}, nil
}

func normalizeEmail(addr string) (string, error) {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", brokererr.Inputf("login_hint is not a valid email address")
	}
	local, domain := addr[:at], addr[at+1:]
	if strings.ContainsAny(domain, " \t\n") {
		return "", brokererr.Inputf("login_hint is not a valid email address")
	}
	return local + "@" + strings.ToLower(domain), nil
}

// SessionID computes spec.md §3's SessionId: URL-safe base64 of SHA-256
// over email || client_id || 16 random bytes. The 16 random bytes come
// from a fresh UUIDv4's raw bytes (google/uuid, already a CSPRNG-backed
// 16-byte value, so no separate randomness source is needed here).
func SessionID(email, clientID string) string {
	randBytes := uuid.New()
	h := sha256.New()
	h.Write([]byte(email))
	h.Write([]byte(clientID))
	h.Write(randBytes[:])
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Dispatch is the outcome of an auth request: either a 303 redirect to an
// upstream provider (oidc path) or a session id for the rendered
// confirmation page (email path).
type Dispatch struct {
	RedirectURL string // set when the oidc path was taken
	SessionID   string // set when the email path was taken
	ClientID    string
}

// Flow wires together the registry, bridge, loop, store, and keyring a
// running broker needs to drive the whole state machine.
type Flow struct {
	registry   *provider.Registry
	bridge     *oidcbridge.Bridge
	loop       *emailloop.Loop
	limiter    store.LimitStore
	ring       *keyring.KeyRing
	abuse      *abuse.Monitor
	issuer     string
	sessionTTL time.Duration
	tokenTTL   time.Duration
	rlWindow   time.Duration
	rlMaxCount int64
}

// New builds a Flow. abuseMonitor may be nil, disabling abuse tracking.
func New(registry *provider.Registry, bridge *oidcbridge.Bridge, loop *emailloop.Loop, limiter store.LimitStore, ring *keyring.KeyRing, abuseMonitor *abuse.Monitor, issuer string, sessionTTL, tokenTTL, rlWindow time.Duration, rlMaxCount int64) *Flow {
	return &Flow{
		registry:   registry,
		bridge:     bridge,
		loop:       loop,
		limiter:    limiter,
		ring:       ring,
		abuse:      abuseMonitor,
		issuer:     issuer,
		sessionTTL: sessionTTL,
		tokenTTL:   tokenTTL,
		rlWindow:   rlWindow,
		rlMaxCount: rlMaxCount,
	}
}

// AbuseSnapshot returns the current top-K rate-limited email domains, or
// nil if no abuse monitor was configured.
func (f *Flow) AbuseSnapshot() []abuse.DomainCount {
	if f.abuse == nil {
		return nil
	}
	return f.abuse.Snapshot()
}

// Begin takes a req already validated by ParseRequest, enforces the
// per-email rate limit, computes the session id, and dispatches to OidcBridge or EmailLoop depending on
// whether req.Email's domain has a delegated provider configured.
func (f *Flow) Begin(ctx context.Context, req Request, renderEmailBody func(link, code, clientID string) (html, text string)) (Dispatch, error) {
	within, err := f.limiter.IncrAndTest(ctx, rateLimitKey(req.Email), f.rlWindow, f.rlMaxCount)
	if err != nil {
		return Dispatch{}, brokererr.InternalWrap(err, "rate limit check")
	}
	if !within {
		if f.abuse != nil {
			f.abuse.Observe(req.Email)
		}
		return Dispatch{}, brokererr.Inputf("rate limit exceeded")
	}

	sessionID := SessionID(req.Email, req.ClientID)
	sess := &store.Session{
		Email:       req.Email,
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		Nonce:       req.Nonce,
		CreatedAt:   time.Now().Unix(),
	}

	if _, ok := f.registry.ResolveForEmail(req.Email); ok {
		redirectURL, err := f.bridge.Request(ctx, sessionID, sess, f.sessionTTL)
		if err != nil {
			return Dispatch{}, err
		}
		return Dispatch{RedirectURL: redirectURL, ClientID: req.ClientID}, nil
	}

	id, err := f.loop.Request(ctx, sessionID, emailDomain(req.Email), sess, f.sessionTTL, renderEmailBody)
	if err != nil {
		return Dispatch{}, err
	}
	return Dispatch{SessionID: id, ClientID: req.ClientID}, nil
}

// Confirm completes the email-loop path for a /confirm request.
func (f *Flow) Confirm(ctx context.Context, sessionID, code string) (idToken, redirectURI string, err error) {
	return f.loop.Verify(ctx, f.ring, sessionID, code, f.issuer, f.tokenTTL)
}

// Callback completes the oidc path for a /callback request.
func (f *Flow) Callback(ctx context.Context, sessionID, code string) (idToken, redirectURI string, err error) {
	return f.bridge.Callback(ctx, f.ring, sessionID, code, f.issuer, f.tokenTTL)
}

func rateLimitKey(email string) string {
	return "addr:" + strings.ToLower(email)
}

func emailDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	return addr[at+1:]
}
