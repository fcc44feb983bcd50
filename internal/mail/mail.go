// Package mail delivers account mail over SMTP.
package mail

import (
	"context"
	"fmt"
	"strings"

	gomail "github.com/go-mail/mail"

	"github.com/dtroode/vaultkeeper-server/internal/config"
	"github.com/dtroode/vaultkeeper-server/internal/model"
)

// dialer is the part of gomail's Dialer we use, split out for tests.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

var _ model.MailSender = (*Sender)(nil)

// Sender sends account mail through the configured SMTP relay.
type Sender struct {
	cfg    config.SMTP
	dialer dialer
}

// NewSender creates a sender for cfg.
func NewSender(cfg config.SMTP) *Sender {
	return &Sender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (s *Sender) send(ctx context.Context, to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.From, s.cfg.FromName)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendLoginCode mails a login verification code.
func (s *Sender) SendLoginCode(ctx context.Context, to string, code string) error {
	body := fmt.Sprintf(
		"Your two-step login verification code is: %s\n\nUse this code to finish logging in.\nIf you did not try to log in, change your master password.\n",
		code,
	)
	return s.send(ctx, to, "Your Two-step Login Verification Code", body)
}

// SendVerifyCode mails a code confirming ownership of an address.
func (s *Sender) SendVerifyCode(ctx context.Context, to string, code string) error {
	body := fmt.Sprintf(
		"Your email verification code is: %s\n\nEnter this code to confirm your email address.\n",
		code,
	)
	return s.send(ctx, to, "Your Email Verification Code", body)
}

// SendNewDevice mails a notice that an unknown device logged in.
func (s *Sender) SendNewDevice(ctx context.Context, to string, deviceName string, ip string) error {
	body := fmt.Sprintf(
		"A new device logged into your account.\n\nDevice: %s\nIP address: %s\n\nIf this was not you, change your master password immediately.\n",
		deviceName, ip,
	)
	return s.send(ctx, to, "New Device Logged In From "+deviceName, body)
}

// ObscureEmail masks an address for display next to the email second
// factor, e.g. "by***@example.com".
func ObscureEmail(address string) string {
	name, domain, ok := strings.Cut(address, "@")
	if !ok {
		return address
	}

	switch {
	case len(name) <= 2:
		name = strings.Repeat("*", len(name))
	default:
		name = name[:2] + strings.Repeat("*", len(name)-2)
	}

	return name + "@" + domain
}
