// Package brokerhttp wires authflow.Flow, keyring.KeyRing, and
// provider.Registry onto the broker's HTTP surface: the auth/confirm/
// callback trio, the OIDC discovery document, the JWKS endpoint, and the
// ambient debug/metrics endpoints.
//
// Grounded on the teacher's core/handler_auth_login_oauth2.go (handler
// shape: parse params, validate, call into domain logic, translate the
// result into an HTTP response) and router/router.go (httprouter
// wrapping).
package brokerhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/caasmo/idbroker/authflow"
	"github.com/caasmo/idbroker/brokererr"
	"github.com/caasmo/idbroker/keyring"
	"github.com/caasmo/idbroker/metrics"
	"github.com/caasmo/idbroker/router"
)

// renderEmailBodyFunc renders the html/text bodies of the one-time-code
// mail. It is supplied by the caller of New (cmd/idbrokerd passes its
// renderEmailBody), so tests can swap it; Handlers has no default.
type renderEmailBodyFunc func(link, code, clientID string) (html, text string)

// Handlers bundles the broker's top-level state machine and signing
// material into the request handlers mounted on a router.Router.
type Handlers struct {
	flow       *authflow.Flow
	ring       *keyring.KeyRing
	publicURL  string
	logger     *slog.Logger
	renderBody renderEmailBodyFunc
}

// New builds Handlers. renderBody is called by the email-loop path to
// produce the one-time-code mail's html/text bodies.
func New(flow *authflow.Flow, ring *keyring.KeyRing, publicURL string, logger *slog.Logger, renderBody func(link, code, clientID string) (html, text string)) *Handlers {
	return &Handlers{flow: flow, ring: ring, publicURL: publicURL, logger: logger, renderBody: renderBody}
}

// Mount registers every broker endpoint on r.
func (h *Handlers) Mount(r *router.Router) {
	r.Get("/auth", http.HandlerFunc(h.handleAuth))
	r.Post("/auth", http.HandlerFunc(h.handleAuth))
	r.Get("/confirm", http.HandlerFunc(h.handleConfirm))
	r.Get("/callback", http.HandlerFunc(h.handleCallback))
	r.Get("/.well-known/openid-configuration", http.HandlerFunc(h.handleDiscovery))
	r.Get("/keys.json", http.HandlerFunc(h.handleKeys))
	r.Get("/debug/abuse", http.HandlerFunc(h.handleDebugAbuse))
	r.Get("/metrics", metrics.Handler())
}

// Handler returns the final handler to serve: r wrapped in the
// request-logging middleware chain. It does not mount any endpoint; call
// Mount on r first.
func (h *Handlers) Handler(r *router.Router) http.Handler {
	return router.NewChain(r).WithMiddleware(h.logRequest).Handler()
}

func (h *Handlers) handleAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeJSONError(w, brokererr.Inputf("malformed request"))
		return
	}
	req, err := authflow.ParseRequest(
		r.Form.Get("client_id"),
		r.Form.Get("redirect_uri"),
		r.Form.Get("login_hint"),
		r.Form.Get("nonce"),
	)
	if err != nil {
		// redirect_uri itself may be missing or malformed here, so it is
		// not yet a safe forwarding target.
		h.writeJSONError(w, err)
		return
	}

	dispatch, err := h.flow.Begin(r.Context(), req, h.renderBody)
	if err != nil {
		metrics.AuthRequestsTotal.WithLabelValues("unknown", "error").Inc()
		h.writeRequestError(w, req.RedirectURI, err)
		return
	}

	if dispatch.RedirectURL != "" {
		metrics.AuthRequestsTotal.WithLabelValues("oidc", "ok").Inc()
		http.Redirect(w, r, dispatch.RedirectURL, http.StatusSeeOther)
		return
	}

	metrics.AuthRequestsTotal.WithLabelValues("email", "ok").Inc()
	page, err := authflow.RenderConfirmPage(dispatch.SessionID, dispatch.ClientID)
	if err != nil {
		h.writeGenericError(w, err)
		return
	}
	writeHTML(w, http.StatusOK, page)
}

func (h *Handlers) handleConfirm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	idToken, redirectURI, err := h.flow.Confirm(r.Context(), q.Get("session"), q.Get("code"))
	if err != nil {
		h.writeSessionError(w, redirectURI, err)
		return
	}
	h.writeForwardForm(w, redirectURI, idToken)
}

func (h *Handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	idToken, redirectURI, err := h.flow.Callback(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		h.writeSessionError(w, redirectURI, err)
		return
	}
	h.writeForwardForm(w, redirectURI, idToken)
}

func (h *Handlers) writeForwardForm(w http.ResponseWriter, redirectURI, idToken string) {
	page, err := authflow.RenderForwardForm(redirectURI, []authflow.FormParam{{Name: "id_token", Value: idToken}})
	if err != nil {
		h.writeGenericError(w, err)
		return
	}
	writeHTML(w, http.StatusOK, page)
}

// discoveryDocument is the OIDC discovery document shape per spec.md §6.
type discoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	ScopesSupported                  []string `json:"scopes_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	ResponseModesSupported           []string `json:"response_modes_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

func (h *Handlers) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := discoveryDocument{
		Issuer:                           h.publicURL,
		AuthorizationEndpoint:            h.publicURL + "/auth",
		JWKSURI:                          h.publicURL + "/keys.json",
		ScopesSupported:                  []string{"openid", "email"},
		ClaimsSupported:                  []string{"aud", "email", "email_verified", "exp", "iat", "iss", "sub"},
		ResponseTypesSupported:           []string{"id_token"},
		ResponseModesSupported:           []string{"form_post"},
		GrantTypesSupported:              []string{"implicit"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		h.logger.Error("encode discovery document", "error", err)
	}
}

func (h *Handlers) handleKeys(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(h.ring.PublishJWKS())
}

func (h *Handlers) handleDebugAbuse(w http.ResponseWriter, r *http.Request) {
	snapshot := h.flow.AbuseSnapshot()
	for _, d := range snapshot {
		metrics.AbuseTopDomainCount.WithLabelValues(d.Domain).Set(float64(d.Count))
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("encode abuse snapshot", "error", err)
	}
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

// errorCode maps a brokererr.Kind to the OIDC error code forwarded to the
// RP in the error/error_description form fields.
func errorCode(kind brokererr.Kind) string {
	if kind == brokererr.Provider {
		return "temporarily_unavailable"
	}
	return "invalid_request"
}

func statusForKind(kind brokererr.Kind) int {
	switch kind {
	case brokererr.Input:
		return http.StatusBadRequest
	case brokererr.Provider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeRequestError handles a /auth failure after redirect_uri has been
// parsed out of the current request: Internal errors never leave the
// broker, everything else is forwarded to the RP as an error/
// error_description form post per spec.md §7.
func (h *Handlers) writeRequestError(w http.ResponseWriter, redirectURI string, err error) {
	if brokererr.KindOf(err) == brokererr.Internal {
		h.writeGenericError(w, err)
		return
	}
	h.forwardError(w, redirectURI, err)
}

// writeSessionError handles a /confirm or /callback failure. redirectURI,
// when non-empty, comes from a session the caller has not yet proven
// ownership of by presenting a correct code or exchanging a valid
// authorization code; forwarding Input errors there (e.g. "incorrect
// code") would turn the endpoint into an error-redirect oracle, so Input
// errors always render as JSON — see spec.md §8 scenario S2. Provider
// errors (upstream/mail failures after the session was already resolved)
// are forwarded, matching §7's "surfaced to RP" language for that kind.
func (h *Handlers) writeSessionError(w http.ResponseWriter, redirectURI string, err error) {
	switch brokererr.KindOf(err) {
	case brokererr.Internal:
		h.writeGenericError(w, err)
	case brokererr.Provider:
		if redirectURI != "" {
			h.forwardError(w, redirectURI, err)
			return
		}
		h.writeJSONError(w, err)
	default:
		h.writeJSONError(w, err)
	}
}

func (h *Handlers) forwardError(w http.ResponseWriter, redirectURI string, err error) {
	h.logger.Error("request failed", "error", err, "redirect_uri", redirectURI)
	page, rerr := authflow.RenderForwardForm(redirectURI, []authflow.FormParam{
		{Name: "error", Value: errorCode(brokererr.KindOf(err))},
		{Name: "error_description", Value: err.Error()},
	})
	if rerr != nil {
		h.writeGenericError(w, rerr)
		return
	}
	writeHTML(w, http.StatusOK, page)
}

// writeJSONError is used whenever no redirect_uri is yet known, or is
// deliberately not trusted as a forwarding target (see writeSessionError).
func (h *Handlers) writeJSONError(w http.ResponseWriter, err error) {
	status := statusForKind(brokererr.KindOf(err))
	h.logger.Error("request failed", "status", status, "error", err)
	msg := err.Error()
	var be *brokererr.Error
	if errors.As(err, &be) {
		msg = be.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}

// writeGenericError covers Internal-kind failures: logged in full, never
// described to the caller.
func (h *Handlers) writeGenericError(w http.ResponseWriter, err error) {
	h.logger.Error("internal error", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
