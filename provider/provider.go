// Package provider maps an email domain to a configured upstream OIDC
// provider and resolves its discovery document and JWKS through
// fetchcache.
//
// Grounded on the original implementation's config.rs Provider struct and
// handlers/callback.rs's discovery handling.
package provider

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/net/idna"

	"github.com/caasmo/idbroker/brokererr"
	"github.com/caasmo/idbroker/fetchcache"
)

// Provider is one upstream OIDC provider, keyed by the email domain it
// serves. Immutable after the registry is built at config load.
type Provider struct {
	Domain       string
	ClientID     string
	Secret       string
	DiscoveryURL string
	IssuerDomain string
}

// Discovery is the subset of an OIDC discovery document the broker needs.
type Discovery struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
	Issuer                string
}

// Registry resolves email domains to Providers and their discovery
// documents, fetched and cached through a Fetcher.
type Registry struct {
	byDomain map[string]Provider
	fetcher  *fetchcache.Fetcher
}

// New builds a Registry from a domain->Provider map.
func New(providers map[string]Provider, fetcher *fetchcache.Fetcher) *Registry {
	byDomain := make(map[string]Provider, len(providers))
	for domain, p := range providers {
		byDomain[normalizeDomain(domain)] = p
	}
	return &Registry{byDomain: byDomain, fetcher: fetcher}
}

func normalizeDomain(domain string) string {
	ascii, err := idna.ToASCII(strings.ToLower(domain))
	if err != nil {
		return strings.ToLower(domain)
	}
	return ascii
}

// ResolveForEmail looks up the provider registered for addr's domain, by
// exact lowercased (and IDNA-normalized) domain match. The local part of
// addr is not touched.
func (r *Registry) ResolveForEmail(addr string) (Provider, bool) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return Provider{}, false
	}
	domain := normalizeDomain(addr[at+1:])
	p, ok := r.byDomain[domain]
	return p, ok
}

// Discover fetches and parses p's discovery document.
func (r *Registry) Discover(ctx context.Context, p Provider) (Discovery, error) {
	origin := originOf(p.DiscoveryURL)
	doc, err := r.fetcher.FetchJSON(ctx, p.DiscoveryURL, "configuration:"+origin)
	if err != nil {
		return Discovery{}, err
	}

	d := Discovery{
		AuthorizationEndpoint: stringField(doc, "authorization_endpoint"),
		TokenEndpoint:         stringField(doc, "token_endpoint"),
		JWKSURI:               stringField(doc, "jwks_uri"),
		Issuer:                stringField(doc, "issuer"),
	}
	if d.AuthorizationEndpoint == "" || d.TokenEndpoint == "" || d.JWKSURI == "" || d.Issuer == "" {
		return Discovery{}, brokererr.Providerf("discovery document for %s missing required fields", p.DiscoveryURL)
	}
	return d, nil
}

// JWKS fetches the upstream JWKS document for d's jwks_uri, as raw JSON
// bytes suitable for upstreamjwt.Verify.
func (r *Registry) JWKS(ctx context.Context, d Discovery) ([]byte, error) {
	origin := originOf(d.JWKSURI)
	doc, err := r.fetcher.FetchJSON(ctx, d.JWKSURI, "key-set:"+origin)
	if err != nil {
		return nil, err
	}
	return reencode(doc)
}

func reencode(doc map[string]any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, brokererr.InternalWrap(err, "re-encode jwks")
	}
	return raw, nil
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func originOf(rawURL string) string {
	const schemeSep = "://"
	i := strings.Index(rawURL, schemeSep)
	if i < 0 {
		return rawURL
	}
	rest := rawURL[i+len(schemeSep):]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}
