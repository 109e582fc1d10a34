/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mail sends account mails. The SMTP sender is deliberately thin;
// anything richer (templates, queues) belongs to whoever operates the mail
// infrastructure, not this process.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/vietstack/vpsd/internal/config"
	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/obs/logging"
)

// Mailer delivers account mails.
type Mailer interface {
	SendVerification(ctx context.Context, to, token string) error
	SendPasswordReset(ctx context.Context, to, token string) error
}

// SMTPMailer sends through a plain-auth SMTP relay.
type SMTPMailer struct {
	cfg config.SMTPConfig
}

// NewSMTP creates a mailer for the configured relay.
func NewSMTP(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// SendVerification mails an email-verification token.
func (m *SMTPMailer) SendVerification(ctx context.Context, to, token string) error {
	body := fmt.Sprintf("Welcome to VietStack VPS.\r\n\r\n"+
		"Use this token to verify your email address:\r\n\r\n%s\r\n", token)
	return m.send(ctx, to, "Verify your email address", body)
}

// SendPasswordReset mails a password-reset token.
func (m *SMTPMailer) SendPasswordReset(ctx context.Context, to, token string) error {
	body := fmt.Sprintf("A password reset was requested for your account.\r\n\r\n"+
		"Use this token to set a new password:\r\n\r\n%s\r\n\r\n"+
		"If you did not request this, ignore this mail.\r\n", token)
	return m.send(ctx, to, "Reset your password", body)
}

func (m *SMTPMailer) send(ctx context.Context, to, subject, body string) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg.String())); err != nil {
		return errdefs.NewUpstreamUnavailable("smtp delivery failed", err)
	}
	logging.FromContext(ctx).Info("sent mail", "to", to, "subject", subject)
	return nil
}

// Noop discards all mail. Used in tests and when no relay is configured.
type Noop struct{}

func (Noop) SendVerification(context.Context, string, string) error  { return nil }
func (Noop) SendPasswordReset(context.Context, string, string) error { return nil }
