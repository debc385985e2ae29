package brokerhttp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/caasmo/idbroker/authflow"
	"github.com/caasmo/idbroker/emailloop"
	"github.com/caasmo/idbroker/fetchcache"
	"github.com/caasmo/idbroker/keyring"
	"github.com/caasmo/idbroker/mailer"
	"github.com/caasmo/idbroker/oidcbridge"
	"github.com/caasmo/idbroker/provider"
	"github.com/caasmo/idbroker/router"
	"github.com/caasmo/idbroker/store"
)

type alwaysMX struct{}

func (alwaysMX) HasMXRecord(ctx context.Context, domain string) (bool, error) { return true, nil }

type noopMailer struct{}

func (noopMailer) Send(ctx context.Context, msg mailer.Message) (bool, error) { return true, nil }

func testRing(t *testing.T) *keyring.KeyRing {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return keyring.New([]*keyring.NamedKey{{ID: "broker-kid", Key: priv}})
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := store.NewMemoryStore()
	loop := emailloop.NewWithResolver(st, noopMailer{}, alwaysMX{}, "https://idbroker.example", time.Second)
	fetcher := fetchcache.New(http.DefaultClient, st, time.Minute, time.Second, 1<<20)
	registry := provider.New(map[string]provider.Provider{}, fetcher)
	bridge := oidcbridge.New(registry, st, "https://idbroker.example", 5*time.Second)
	flow := authflow.New(registry, bridge, loop, st, testRing(t), nil, "https://idbroker.example",
		time.Minute, time.Minute, time.Minute, 100)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := New(flow, testRing(t), "https://idbroker.example", logger,
		func(link, code, clientID string) (string, string) { return "html:" + link, "text:" + code })

	r := router.New()
	handlers.Mount(r)
	return httptest.NewServer(handlers.Handler(r))
}

func TestDiscoveryDocument(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("GET discovery: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"issuer":"https://idbroker.example"`) {
		t.Errorf("discovery document missing issuer: %s", body)
	}
}

func TestKeysEndpoint(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/keys.json")
	if err != nil {
		t.Fatalf("GET keys.json: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"keys"`) {
		t.Errorf("keys.json missing keys field: %s", body)
	}
}

func TestAuthEmailPathReturnsConfirmPage(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	form := url.Values{
		"client_id":    {"rp-client"},
		"redirect_uri": {"https://rp.example/cb"},
		"login_hint":   {"alice@nodomain.example"},
		"nonce":        {"nonce1"},
	}
	resp, err := http.PostForm(srv.URL+"/auth", form)
	if err != nil {
		t.Fatalf("POST /auth: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "rp-client") {
		t.Errorf("confirm page missing client id: %s", body)
	}
}

func TestAuthMissingFieldReturns400(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/auth?client_id=rp-client")
	if err != nil {
		t.Fatalf("GET /auth: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"error"`) {
		t.Errorf("body missing error field (no redirect_uri was yet known): %s", body)
	}
}

func TestConfirmUnknownSessionReturns400(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/confirm?session=missing&code=ABC123")
	if err != nil {
		t.Fatalf("GET /confirm: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"error":"unknown or expired session"`) {
		t.Errorf("body = %s, want json error", body)
	}
}

// TestConfirmWrongCodeReturnsJSONError is spec.md §8 scenario S2: a wrong
// code must produce a plain JSON error, not a redirect/form forward to
// the session's redirect_uri, even though that redirect_uri is known.
func TestConfirmWrongCodeReturnsJSONError(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	form := url.Values{
		"client_id":    {"rp-client"},
		"redirect_uri": {"https://rp.example/cb"},
		"login_hint":   {"alice@nodomain.example"},
		"nonce":        {"nonce1"},
	}
	resp, err := http.PostForm(srv.URL+"/auth", form)
	if err != nil {
		t.Fatalf("POST /auth: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	const marker = `name="session" value="`
	i := strings.Index(string(body), marker)
	if i < 0 {
		t.Fatalf("confirm page missing session id: %s", body)
	}
	rest := string(body)[i+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		t.Fatalf("could not parse session id from confirm page: %s", body)
	}
	sessionID := rest[:end]

	resp2, err := http.Get(srv.URL + "/confirm?session=" + sessionID + "&code=WRONG1")
	if err != nil {
		t.Fatalf("GET /confirm: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp2.StatusCode)
	}
	body2, _ := io.ReadAll(resp2.Body)
	if strings.TrimSpace(string(body2)) != `{"error":"incorrect code"}` {
		t.Errorf("body = %s, want {\"error\":\"incorrect code\"}", body2)
	}
}

// TestAuthRateLimitedForwardsErrorToRedirectURI exercises the other half
// of spec.md §7: once redirect_uri has been parsed out of the current
// /auth request, a later Input failure (here, the rate limiter) is
// forwarded to the RP as an error/error_description form post rather than
// answered with a bare JSON body.
func TestAuthRateLimitedForwardsErrorToRedirectURI(t *testing.T) {
	st := store.NewMemoryStore()
	loop := emailloop.NewWithResolver(st, noopMailer{}, alwaysMX{}, "https://idbroker.example", time.Second)
	fetcher := fetchcache.New(http.DefaultClient, st, time.Minute, time.Second, 1<<20)
	registry := provider.New(map[string]provider.Provider{}, fetcher)
	bridge := oidcbridge.New(registry, st, "https://idbroker.example", 5*time.Second)
	flow := authflow.New(registry, bridge, loop, st, testRing(t), nil, "https://idbroker.example",
		time.Minute, time.Minute, time.Minute, 1)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := New(flow, testRing(t), "https://idbroker.example", logger,
		func(link, code, clientID string) (string, string) { return "html:" + link, "text:" + code })
	r := router.New()
	handlers.Mount(r)
	srv := httptest.NewServer(handlers.Handler(r))
	defer srv.Close()

	form := url.Values{
		"client_id":    {"rp-client"},
		"redirect_uri": {"https://rp.example/cb"},
		"login_hint":   {"bob@nodomain.example"},
		"nonce":        {"n"},
	}
	if _, err := http.PostForm(srv.URL+"/auth", form); err != nil {
		t.Fatalf("POST /auth (1st): %v", err)
	}

	resp, err := http.PostForm(srv.URL+"/auth", form)
	if err != nil {
		t.Fatalf("POST /auth (2nd, rate limited): %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (error forwarded as a form post)", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `https://rp.example/cb`) {
		t.Errorf("forwarded error form missing redirect target: %s", body)
	}
	if !strings.Contains(string(body), `name="error"`) || !strings.Contains(string(body), `name="error_description"`) {
		t.Errorf("forwarded error form missing error fields: %s", body)
	}
}

func TestDebugAbuseEndpoint(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/abuse")
	if err != nil {
		t.Fatalf("GET /debug/abuse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
