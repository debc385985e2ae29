package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"

	"github.com/domodwyer/mailyak/v3"
)

// SMTPMailer dispatches Messages over SMTP via mailyak, the teacher's own
// SMTP library.
type SMTPMailer struct {
	host        string
	port        int
	username    string
	password    string
	fromName    string
	fromAddress string
	localName   string
	authMethod  string
	useTLS      bool
	useStartTLS bool
}

// SMTPConfig is the subset of brokerconfig.Smtp an SMTPMailer needs.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromName    string
	FromAddress string
	LocalName   string
	AuthMethod  string
	UseTLS      bool
	UseStartTLS bool
}

func NewSMTP(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		host:        cfg.Host,
		port:        cfg.Port,
		username:    cfg.Username,
		password:    cfg.Password,
		fromName:    cfg.FromName,
		fromAddress: cfg.FromAddress,
		localName:   cfg.LocalName,
		authMethod:  cfg.AuthMethod,
		useTLS:      cfg.UseTLS,
		useStartTLS: cfg.UseStartTLS,
	}
}

func (m *SMTPMailer) smtpAuth() smtp.Auth {
	switch m.authMethod {
	case "login":
		return &loginAuth{username: m.username, password: m.password}
	case "cram-md5":
		return smtp.CRAMMD5Auth(m.username, m.password)
	case "none":
		return nil
	default: // "plain" or empty
		return smtp.PlainAuth("", m.username, m.password, m.host)
	}
}

// Send dispatches msg over SMTP, bounded by ctx, using the same
// goroutine+select context-timeout pattern the teacher's
// SendVerificationEmail uses.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) (bool, error) {
	mail, err := mailyak.NewWithTLS(fmt.Sprintf("%s:%d", m.host, m.port), m.smtpAuth(), &tls.Config{
		ServerName:         m.host,
		InsecureSkipVerify: !m.useTLS,
	})
	if err != nil {
		return false, fmt.Errorf("mailer: create smtp client: %w", err)
	}

	mail.To(msg.To)
	if m.fromName != "" {
		mail.FromName(m.fromName)
	}
	mail.From(m.fromAddress)
	mail.Subject(msg.Subject)
	mail.HTML().Set(msg.HTMLBody)
	mail.Plain().Set(msg.TextBody)

	done := make(chan error, 1)
	go func() {
		done <- mail.Send()
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-done:
		if err != nil {
			return false, fmt.Errorf("mailer: send failed: %w", err)
		}
	}

	return true, nil
}

// loginAuth implements the non-standard AUTH LOGIN mechanism some SMTP
// servers expect, which net/smtp does not provide out of the box.
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch string(fromServer) {
	case "Username:":
		return []byte(a.username), nil
	case "Password:":
		return []byte(a.password), nil
	default:
		return nil, errors.New("mailer: unexpected server challenge for LOGIN auth")
	}
}
