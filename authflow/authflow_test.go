package authflow

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caasmo/idbroker/emailloop"
	"github.com/caasmo/idbroker/fetchcache"
	"github.com/caasmo/idbroker/keyring"
	"github.com/caasmo/idbroker/mailer"
	"github.com/caasmo/idbroker/oidcbridge"
	"github.com/caasmo/idbroker/provider"
	"github.com/caasmo/idbroker/store"
)

type alwaysMX struct{}

func (alwaysMX) HasMXRecord(ctx context.Context, domain string) (bool, error) { return true, nil }

type fakeMailer struct{ sent int }

func (f *fakeMailer) Send(ctx context.Context, msg mailer.Message) (bool, error) {
	f.sent++
	return true, nil
}

func testKeyRing(t *testing.T) *keyring.KeyRing {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return keyring.New([]*keyring.NamedKey{{ID: "broker-kid", Key: priv}})
}

// newTestFlow builds a Flow with an in-memory store, a fake mailer, and an
// always-succeeding MX check. If providerDomain is non-empty, a delegated
// provider is registered for it, discoverable at providerDiscoveryURL.
func newTestFlow(t *testing.T, providerDomain, providerDiscoveryURL string) (*Flow, *store.MemoryStore, *fakeMailer) {
	t.Helper()
	st := store.NewMemoryStore()
	m := &fakeMailer{}
	loop := emailloop.NewWithResolver(st, m, alwaysMX{}, "https://idbroker.example", time.Second)

	providers := map[string]provider.Provider{}
	if providerDomain != "" {
		providers[providerDomain] = provider.Provider{
			Domain:       providerDomain,
			ClientID:     "upstream-client",
			Secret:       "shh",
			DiscoveryURL: providerDiscoveryURL,
		}
	}
	fetcher := fetchcache.New(http.DefaultClient, st, time.Minute, time.Second, 1<<20)
	registry := provider.New(providers, fetcher)
	bridge := oidcbridge.New(registry, st, "https://idbroker.example", 5*time.Second)

	flow := New(registry, bridge, loop, st, testKeyRing(t), nil, "https://idbroker.example",
		time.Minute, time.Minute, time.Minute, 3)
	return flow, st, m
}

func noopRender(link, code, clientID string) (string, string) {
	return "html", "text"
}

func TestParseRequestValid(t *testing.T) {
	req, err := ParseRequest("rp-client", "https://rp.example/cb", "Alice@Example.com", "nonce1")
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.Email != "Alice@example.com" {
		t.Errorf("Email = %q, want local part preserved, domain lowercased", req.Email)
	}
}

func TestParseRequestMissingFields(t *testing.T) {
	cases := []struct {
		name, clientID, redirectURI, loginHint, nonce string
	}{
		{"client_id", "", "https://rp.example/cb", "a@b.com", "n"},
		{"redirect_uri", "c", "", "a@b.com", "n"},
		{"login_hint", "c", "https://rp.example/cb", "", "n"},
		{"nonce", "c", "https://rp.example/cb", "a@b.com", ""},
		{"bad email", "c", "https://rp.example/cb", "not-an-email", "n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseRequest(tc.clientID, tc.redirectURI, tc.loginHint, tc.nonce); err == nil {
				t.Errorf("expected error for missing/invalid %s", tc.name)
			}
		})
	}
}

func TestSessionIDDistinctAcrossCalls(t *testing.T) {
	a := SessionID("alice@example.com", "client1")
	b := SessionID("alice@example.com", "client1")
	if a == b {
		t.Error("SessionID should differ across calls due to random component")
	}
	if len(a) != 43 {
		t.Errorf("len(SessionID) = %d, want 43 (32 raw bytes base64-url-encoded)", len(a))
	}
}

func TestBeginEmailPath(t *testing.T) {
	flow, st, m := newTestFlow(t, "", "")
	req, err := ParseRequest("rp-client", "https://rp.example/cb", "alice@nodomain.example", "nonce1")
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}

	dispatch, err := flow.Begin(context.Background(), req, noopRender)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if dispatch.SessionID == "" {
		t.Fatal("expected SessionID to be set for the email path")
	}
	if dispatch.RedirectURL != "" {
		t.Errorf("RedirectURL should be empty for the email path, got %q", dispatch.RedirectURL)
	}
	if m.sent != 1 {
		t.Errorf("mailer sent = %d, want 1", m.sent)
	}

	stored, ok, err := st.GetSession(context.Background(), dispatch.SessionID)
	if err != nil || !ok {
		t.Fatalf("GetSession() = %v, %v, %v", stored, ok, err)
	}
	if stored.Kind != "email" {
		t.Errorf("stored.Kind = %q, want email", stored.Kind)
	}
}

func TestBeginOidcPath(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"keys":[]}`)
	})
	mux.HandleFunc("/discovery", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"authorization_endpoint":%q,"token_endpoint":%q,"jwks_uri":%q,"issuer":%q}`,
			srvURL+"/authorize", srvURL+"/token", srvURL+"/jwks", srvURL)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	flow, st, _ := newTestFlow(t, "upstream.example", srv.URL+"/discovery")

	req, err := ParseRequest("rp-client", "https://rp.example/cb", "bob@upstream.example", "nonce1")
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}

	dispatch, err := flow.Begin(context.Background(), req, noopRender)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if dispatch.RedirectURL == "" {
		t.Fatal("expected RedirectURL to be set for the oidc path")
	}
	if dispatch.SessionID != "" {
		t.Errorf("SessionID should be empty for the oidc path, got %q", dispatch.SessionID)
	}
	if _, ok, _ := st.GetSession(context.Background(), SessionID("bob@upstream.example", "rp-client")); ok {
		t.Skip("session id is randomized; presence already implied by Request() not erroring")
	}
}

func TestBeginRateLimited(t *testing.T) {
	flow, _, _ := newTestFlow(t, "", "")
	req, err := ParseRequest("rp-client", "https://rp.example/cb", "alice@nodomain.example", "nonce1")
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := flow.Begin(context.Background(), req, noopRender); err != nil {
			t.Fatalf("Begin() call %d error = %v", i, err)
		}
	}
	if _, err := flow.Begin(context.Background(), req, noopRender); err == nil {
		t.Fatal("expected rate limit error on 4th request")
	}
}

func TestRenderForwardForm(t *testing.T) {
	html, err := RenderForwardForm("https://rp.example/cb", []FormParam{{Name: "id_token", Value: "abc.def.ghi"}})
	if err != nil {
		t.Fatalf("RenderForwardForm() error = %v", err)
	}
	if !contains(html, "https://rp.example/cb") || !contains(html, "abc.def.ghi") {
		t.Errorf("rendered form missing expected content: %s", html)
	}
}

func TestRenderConfirmPage(t *testing.T) {
	html, err := RenderConfirmPage("sess1", "rp-client")
	if err != nil {
		t.Fatalf("RenderConfirmPage() error = %v", err)
	}
	if !contains(html, "sess1") || !contains(html, "rp-client") {
		t.Errorf("rendered confirm page missing expected content: %s", html)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
