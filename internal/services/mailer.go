package services

import (
	"context"
	"fmt"

	"github.com/affine/identity/internal/config"
	"gopkg.in/gomail.v2"
)

// Mailer delivers authentication mail. Rendering and transport details stay
// behind this interface; handlers and services only name the message intent.
type Mailer interface {
	SendSignInCode(ctx context.Context, email, otp string) error
	SendMFACode(ctx context.Context, email, otp, ticket string) error
}

type SMTPMailer struct {
	cfg         config.SMTPConfig
	frontendURL string
	dialer      *gomail.Dialer
}

func NewSMTPMailer(cfg config.SMTPConfig, frontendURL string) *SMTPMailer {
	return &SMTPMailer{
		cfg:         cfg,
		frontendURL: frontendURL,
		dialer:      gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (m *SMTPMailer) send(to, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	return m.dialer.DialAndSend(msg)
}

func (m *SMTPMailer) SendSignInCode(ctx context.Context, email, otp string) error {
	link := fmt.Sprintf("%s/magic-link?email=%s&token=%s", m.frontendURL, email, otp)
	body := fmt.Sprintf(
		"Your sign-in code is %s.\n\nOr open this link on the device you signed in from:\n%s\n\nThe code expires shortly. If you did not request it, ignore this email.",
		otp, link,
	)
	return m.send(email, "Sign in to AFFiNE", body)
}

func (m *SMTPMailer) SendMFACode(ctx context.Context, email, otp, ticket string) error {
	link := fmt.Sprintf("%s/admin/verify-mfa?ticket=%s", m.frontendURL, ticket)
	body := fmt.Sprintf(
		"Your administrator verification code is %s.\n\nContinue here:\n%s\n\nThe code expires shortly. If you did not try to sign in, change your password now.",
		otp, link,
	)
	return m.send(email, "Administrator verification code", body)
}

// NoopMailer drops all mail; used in tests and local setups without SMTP.
type NoopMailer struct{}

func (NoopMailer) SendSignInCode(ctx context.Context, email, otp string) error      { return nil }
func (NoopMailer) SendMFACode(ctx context.Context, email, otp, ticket string) error { return nil }
