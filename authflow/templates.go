package authflow

import (
	"bytes"
	"embed"
	"html/template"

	"github.com/caasmo/idbroker/brokererr"
)

//go:embed templates/forward.html.tmpl templates/confirm.html.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html.tmpl"))

// FormParam is one hidden field the forward form POSTs to the RP.
type FormParam struct {
	Name  string
	Value string
}

// RenderForwardForm renders the self-submitting form that POSTs params to
// redirectURI, the mechanism every successful (and every Provider-kind
// failed) completion uses to hand control back to the RP. Grounded on
// lib.rs's return_to_relier.
func RenderForwardForm(redirectURI string, params []FormParam) (string, error) {
	var buf bytes.Buffer
	data := struct {
		RedirectURI string
		Params      []FormParam
	}{redirectURI, params}
	if err := templates.ExecuteTemplate(&buf, "forward.html.tmpl", data); err != nil {
		return "", brokererr.InternalWrap(err, "render forward form")
	}
	return buf.String(), nil
}

// RenderConfirmPage renders the email-loop confirmation page prompting the
// user for the one-time code, grounded on lib.rs's AuthHandler rendering
// of templates.confirm_email.
func RenderConfirmPage(sessionID, clientID string) (string, error) {
	var buf bytes.Buffer
	data := struct {
		SessionID string
		ClientID  string
	}{sessionID, clientID}
	if err := templates.ExecuteTemplate(&buf, "confirm.html.tmpl", data); err != nil {
		return "", brokererr.InternalWrap(err, "render confirm page")
	}
	return buf.String(), nil
}
