// Package emailloop implements the one-time-code email confirmation path:
// the fallback used when the login email's domain has no delegated OIDC
// provider configured.
//
// Grounded end to end on the original implementation's email.rs. The MX
// lookup is made non-blocking with github.com/miekg/dns's context-aware
// client, resolving spec.md §9's open question about the original's
// blocking DNS call.
package emailloop

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"net/url"
	"time"

	"github.com/miekg/dns"

	"github.com/caasmo/idbroker/brokererr"
	"github.com/caasmo/idbroker/idtoken"
	"github.com/caasmo/idbroker/keyring"
	"github.com/caasmo/idbroker/mailer"
	"github.com/caasmo/idbroker/metrics"
	"github.com/caasmo/idbroker/store"
)

// codeAlphabet is the 48-character confusion-resistant alphabet spec.md
// mandates: all digits except 0,1,5,8; lowercase letters except
// b,i,l,o,s,u; uppercase letters except B,D,I,O.
const codeAlphabet = "234679acdefghjkmnpqrtvwxyzACEFGHJKLMNPQRSTUVWXYZ"

const codeLength = 6

// DNSResolver performs the MX lookup the email loop's request step needs.
// Satisfied by the default miekg/dns-backed resolver New builds, and by
// test or alternative-transport fakes via NewWithResolver.
type DNSResolver interface {
	HasMXRecord(ctx context.Context, domain string) (bool, error)
}

// dnsClientResolver adapts *dns.Client into a DNSResolver.
type dnsClientResolver struct {
	client *dns.Client
	server string
}

// HasMXRecord performs the broker's only DNS responsibility: confirming
// the domain can receive mail. It is non-blocking — bounded by ctx and the
// dns.Client's own Timeout — unlike the original's
// `app.dns.lock().unwrap().query_mx(...).wait()`.
func (r *dnsClientResolver) HasMXRecord(ctx context.Context, domain string) (bool, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return false, fmt.Errorf("emailloop: mx lookup for %s: %w", domain, err)
	}
	for _, rr := range resp.Answer {
		if _, ok := rr.(*dns.MX); ok {
			return true, nil
		}
	}
	return false, nil
}

// Loop drives the email one-time-code flow.
type Loop struct {
	store        store.Store
	mailer       mailer.Mailer
	resolver     DNSResolver
	publicURL    string
	fetchTimeout time.Duration
}

// New builds a Loop. dnsServer is the resolver to query (e.g.
// "8.8.8.8:53"); fetchTimeout bounds both the MX lookup and the mail
// dispatch.
func New(st store.Store, m mailer.Mailer, dnsServer, publicURL string, fetchTimeout time.Duration) *Loop {
	resolver := &dnsClientResolver{client: &dns.Client{Timeout: fetchTimeout}, server: dnsServer}
	return NewWithResolver(st, m, resolver, publicURL, fetchTimeout)
}

// NewWithResolver builds a Loop with a caller-supplied DNSResolver, for
// tests or alternative DNS transports.
func NewWithResolver(st store.Store, m mailer.Mailer, resolver DNSResolver, publicURL string, fetchTimeout time.Duration) *Loop {
	return &Loop{
		store:        st,
		mailer:       m,
		resolver:     resolver,
		publicURL:    publicURL,
		fetchTimeout: fetchTimeout,
	}
}

func generateCode() (string, error) {
	// Rejection sampling: bytes at or above the largest multiple of the
	// alphabet size are discarded so every symbol is equally likely.
	limit := 256 - 256%len(codeAlphabet)
	buf := make([]byte, codeLength)
	code := make([]byte, 0, codeLength)
	for len(code) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("emailloop: generate code: %w", err)
		}
		for _, b := range buf {
			if int(b) < limit && len(code) < codeLength {
				code = append(code, codeAlphabet[int(b)%len(codeAlphabet)])
			}
		}
	}
	return string(code), nil
}

// Request runs the 7-step email-loop request contract: MX check, code
// generation, session storage, confirm URL, templated bodies, mail
// dispatch, and returning the session id.
func (l *Loop) Request(ctx context.Context, sessionID, domain string, sess *store.Session, sessionTTL time.Duration, renderBody func(link, code, clientID string) (html, text string)) (string, error) {
	hasMX, err := l.resolver.HasMXRecord(ctx, domain)
	if err != nil {
		return "", brokererr.InternalWrap(err, "mx lookup failed for %s", domain)
	}
	if !hasMX {
		return "", brokererr.Inputf("Could not find any mailservers for %s", domain)
	}

	code, err := generateCode()
	if err != nil {
		return "", brokererr.InternalWrap(err, "code generation failed")
	}
	sess.Kind = "email"
	sess.Code = code

	if err := l.store.PutSession(ctx, sessionID, sess, sessionTTL); err != nil {
		return "", brokererr.InternalWrap(err, "store session")
	}

	link := fmt.Sprintf("%s/confirm?session=%s&code=%s",
		l.publicURL, url.QueryEscape(sessionID), url.QueryEscape(code))

	html, text := renderBody(link, code, sess.ClientID)

	ctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()

	sendStart := time.Now()
	ok, err := l.mailer.Send(ctx, mailer.Message{
		To:       sess.Email,
		Subject:  "Finish logging in to " + sess.ClientID,
		HTMLBody: html,
		TextBody: text,
	})
	metrics.MailDispatchDuration.Observe(time.Since(sendStart).Seconds())
	if err != nil {
		return "", brokererr.ProviderWrap(err, "sending confirmation mail to %s", sess.Email)
	}
	if !ok {
		return "", brokererr.Providerf("mailer declined to send to %s", sess.Email)
	}

	return sessionID, nil
}

// Verify checks submittedCode against the stored session in constant
// time, and on success deletes the session and returns the session's
// redirect_uri alongside a freshly signed id_token.
func (l *Loop) Verify(ctx context.Context, ring *keyring.KeyRing, sessionID, submittedCode, issuer string, tokenTTL time.Duration) (idToken, redirectURI string, err error) {
	sess, ok, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", "", brokererr.InternalWrap(err, "get session")
	}
	if !ok {
		return "", "", brokererr.Inputf("unknown or expired session")
	}
	if sess.Kind != "email" {
		return "", sess.RedirectURI, brokererr.Inputf("session is not an email-loop session")
	}

	if subtle.ConstantTimeCompare([]byte(sess.Code), []byte(submittedCode)) != 1 {
		return "", sess.RedirectURI, brokererr.Inputf("incorrect code")
	}

	now := time.Now()
	claims := idtoken.ClaimSet{
		Issuer:    issuer,
		Audience:  sess.ClientID,
		Email:     sess.Email,
		Nonce:     sess.Nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(tokenTTL),
	}

	token, err := idtoken.Sign(ring, claims)
	if err != nil {
		return "", sess.RedirectURI, brokererr.InternalWrap(err, "sign id_token")
	}

	if err := l.store.DeleteSession(ctx, sessionID); err != nil {
		return "", sess.RedirectURI, brokererr.InternalWrap(err, "delete session")
	}

	return token, sess.RedirectURI, nil
}
