package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/ereffner/stimma/internal/config"
)

// Mailer dispatches login links. The auth core only cares whether dispatch
// succeeded; delivery mechanics belong to the transport.
type Mailer interface {
	SendLoginLink(ctx context.Context, email, link string, validFor time.Duration) error
}

// SMTPMailer sends login links over plain SMTP.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
	name string
}

var _ Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer builds a mailer from config. Auth is attached only when a
// username is configured.
func NewSMTPMailer(cfg config.Config) *SMTPMailer {
	m := &SMTPMailer{
		addr: cfg.SMTPAddr,
		from: cfg.SMTPFrom,
		name: cfg.ServiceName,
	}
	if cfg.SMTPUsername != "" {
		host := cfg.SMTPAddr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		m.auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, host)
	}
	return m
}

// SendLoginLink emails the magic link. Errors surface to the caller so the
// login request can report a user-visible failure instead of hanging.
func (m *SMTPMailer) SendLoginLink(ctx context.Context, email, link string, validFor time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	minutes := int(validFor.Minutes())
	body := fmt.Sprintf(
		"From: %s <%s>\r\nTo: %s\r\nSubject: Your login link\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n"+
			"Follow this link to sign in:\r\n\r\n%s\r\n\r\nThe link is valid for %d minutes and can be used once.\r\n",
		m.name, m.from, email, link, minutes,
	)

	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{email}, []byte(body)); err != nil {
		return fmt.Errorf("send login link: %w", err)
	}
	return nil
}
