// Package mailer defines the SendMail message the email loop dispatches
// and an SMTP backend for it.
//
// Grounded on the original implementation's agents/mailer/mod.rs (tagged
// SendMail{to,subject,html_body,text_body} message, pluggable backend
// variants) and on the teacher's mail/mail.go (mailyak-based SMTP dispatch,
// context+goroutine send, per-auth-method smtp.Auth selection).
package mailer

import "context"

// Message is the broker's mailer-agnostic outgoing email.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

// Mailer sends a Message and reports whether it was accepted for delivery.
// A false return (with no error) or a non-nil error are both treated by
// the caller as a Provider error, per spec.md's EmailLoop contract.
type Mailer interface {
	Send(ctx context.Context, msg Message) (bool, error)
}
