// Package oidcbridge implements the delegated-OIDC authentication path:
// the broker redirects the user agent to a configured upstream provider,
// then on callback exchanges the authorization code for the upstream's
// id_token, verifies it, and issues the broker's own id_token in its
// place.
//
// Grounded end to end on the original implementation's handlers/callback.rs
// (discovery fetch, token exchange, JWKS fetch, kid/signature/claim
// verification) and on the teacher's core/handler_auth_login_oauth2.go for
// the golang.org/x/oauth2 usage idiom (oauth2.Config, context.WithTimeout
// around Exchange).
package oidcbridge

import (
	"context"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/caasmo/idbroker/brokererr"
	"github.com/caasmo/idbroker/idtoken"
	"github.com/caasmo/idbroker/keyring"
	"github.com/caasmo/idbroker/provider"
	"github.com/caasmo/idbroker/store"
	"github.com/caasmo/idbroker/upstreamjwt"
)

// Bridge drives the delegated-OIDC flow against the configured provider
// registry.
type Bridge struct {
	registry      *provider.Registry
	store         store.Store
	publicURL     string
	tokenExchange time.Duration
}

// New builds a Bridge. tokenExchange bounds the Authorization Code Grant
// exchange with the upstream token endpoint, mirroring the teacher's own
// oauth2TokenExchangeTimeout.
func New(registry *provider.Registry, st store.Store, publicURL string, tokenExchange time.Duration) *Bridge {
	return &Bridge{
		registry:      registry,
		store:         st,
		publicURL:     publicURL,
		tokenExchange: tokenExchange,
	}
}

func (b *Bridge) redirectURL() string {
	return b.publicURL + "/callback"
}

func (b *Bridge) oauth2Config(p provider.Provider, d provider.Discovery) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.Secret,
		RedirectURL:  b.redirectURL(),
		Scopes:       []string{"openid", "email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  d.AuthorizationEndpoint,
			TokenURL: d.TokenEndpoint,
		},
	}
}

// Request resolves the upstream provider for sess.Email, fetches its
// discovery document, stores sess as an oidc-kind session keyed by
// sessionID, and returns the URL the user agent should be redirected to.
// Per spec, the upstream-facing `state` (and `nonce`) are the broker's own
// session id — it is never round-tripped for nonce validation, only used
// to correlate the callback back to this session.
func (b *Bridge) Request(ctx context.Context, sessionID string, sess *store.Session, sessionTTL time.Duration) (authorizeURL string, err error) {
	p, ok := b.registry.ResolveForEmail(sess.Email)
	if !ok {
		return "", brokererr.Inputf("no delegated provider configured for %s", sess.Email)
	}

	discovery, err := b.registry.Discover(ctx, p)
	if err != nil {
		return "", err
	}

	sess.Kind = "oidc"
	sess.ProviderDomain = p.Domain
	sess.OAuthState = sessionID

	if err := b.store.PutSession(ctx, sessionID, sess, sessionTTL); err != nil {
		return "", brokererr.InternalWrap(err, "store oidc session")
	}

	cfg := b.oauth2Config(p, discovery)
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", sessionID),
		oauth2.SetAuthURLParam("login_hint", sess.Email),
	}
	return cfg.AuthCodeURL(sessionID, opts...), nil
}

// Callback completes the flow for the session identified by the
// "state" value the upstream provider echoed back: it exchanges code
// for the upstream id_token, verifies it against the provider's JWKS,
// validates its claims, and signs a fresh broker id_token in its place.
func (b *Bridge) Callback(ctx context.Context, ring *keyring.KeyRing, sessionID, code, issuer string, tokenTTL time.Duration) (idToken, redirectURI string, err error) {
	sess, ok, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", "", brokererr.InternalWrap(err, "get oidc session")
	}
	if !ok {
		return "", "", brokererr.Inputf("unknown or expired session")
	}
	if sess.Kind != "oidc" {
		return "", sess.RedirectURI, brokererr.Inputf("session is not an oidc session")
	}

	p, ok := b.registry.ResolveForEmail(sess.Email)
	if !ok {
		return "", sess.RedirectURI, brokererr.Inputf("no delegated provider configured for %s", sess.Email)
	}

	discovery, err := b.registry.Discover(ctx, p)
	if err != nil {
		return "", sess.RedirectURI, err
	}

	cfg := b.oauth2Config(p, discovery)

	exchangeCtx, cancel := context.WithTimeout(ctx, b.tokenExchange)
	defer cancel()

	token, err := cfg.Exchange(exchangeCtx, code)
	if err != nil {
		return "", sess.RedirectURI, brokererr.ProviderWrap(err, "exchanging code with %s", p.Domain)
	}

	upstreamIDToken, ok := token.Extra("id_token").(string)
	if !ok || upstreamIDToken == "" {
		return "", sess.RedirectURI, brokererr.Providerf("token response from %s missing id_token", p.Domain)
	}

	jwksJSON, err := b.registry.JWKS(ctx, discovery)
	if err != nil {
		return "", sess.RedirectURI, err
	}

	claims, err := upstreamjwt.Verify(upstreamIDToken, jwksJSON)
	if err != nil {
		return "", sess.RedirectURI, brokererr.ProviderWrap(err, "verifying id_token from %s", p.Domain)
	}

	if err := upstreamjwt.ValidateClaims(claims, p.ClientID, sess.Email, p.IssuerDomain, time.Now()); err != nil {
		return "", sess.RedirectURI, brokererr.ProviderWrap(err, "validating claims from %s", p.Domain)
	}

	now := time.Now()
	idc := idtoken.ClaimSet{
		Issuer:    issuer,
		Audience:  sess.ClientID,
		Email:     sess.Email,
		Nonce:     sess.Nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(tokenTTL),
	}

	signed, err := idtoken.Sign(ring, idc)
	if err != nil {
		return "", sess.RedirectURI, brokererr.InternalWrap(err, "sign id_token")
	}

	if err := b.store.DeleteSession(ctx, sessionID); err != nil {
		return "", sess.RedirectURI, brokererr.InternalWrap(err, "delete oidc session")
	}

	return signed, sess.RedirectURI, nil
}

// ParseCallbackQuery extracts the state and code parameters a
// /callback request carries, matching the original implementation's
// UrlEncodedQuery handling in handlers/callback.rs.
func ParseCallbackQuery(rawQuery string) (state, code string, err error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", "", brokererr.Inputf("invalid callback query")
	}
	state = values.Get("state")
	code = values.Get("code")
	if state == "" || code == "" {
		return "", "", brokererr.Inputf("callback missing state or code")
	}
	return state, code, nil
}
