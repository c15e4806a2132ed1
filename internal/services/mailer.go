package services

import (
	"fmt"
	"time"

	mail "github.com/go-mail/mail"
	"github.com/ledgerline/backend/internal/config"
	"github.com/ledgerline/backend/pkg/logger"
)

// Mailer delivers a single message. Implementations must be safe for
// concurrent use.
type Mailer interface {
	Send(to, subject, body string) error
}

// SMTPMailer delivers through a real SMTP relay.
type SMTPMailer struct {
	dialer *mail.Dialer
	from   string
}

func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		dialer: mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	msg := mail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	return m.dialer.DialAndSend(msg)
}

// LogMailer is the default when SMTP is not configured; it records the
// delivery instead of sending it. Bodies carrying secrets are not logged.
type LogMailer struct{}

func (LogMailer) Send(to, subject, _ string) error {
	logger.Info("mail_logged", map[string]interface{}{
		"to":      to,
		"subject": subject,
	})
	return nil
}

// MailService queues outbound mail fire-and-forget. Delivery failures are
// logged and swallowed: mail must never fail an auth operation.
type MailService struct {
	mailer Mailer
	queue  chan queuedMail
}

type queuedMail struct {
	to      string
	subject string
	body    string
	action  string
}

func NewMailService(mailer Mailer) *MailService {
	s := &MailService{
		mailer: mailer,
		queue:  make(chan queuedMail, 500),
	}
	go s.processQueue()
	return s
}

func (s *MailService) processQueue() {
	for msg := range s.queue {
		if err := s.mailer.Send(msg.to, msg.subject, msg.body); err != nil {
			logger.Error("mail_send_failed", err, map[string]interface{}{
				"action": msg.action,
				"to":     msg.to,
			})
		}
	}
}

func (s *MailService) enqueue(msg queuedMail) {
	select {
	case s.queue <- msg:
	default:
		logger.Warn("mail_queue_full", map[string]interface{}{
			"action":  msg.action,
			"dropped": true,
		})
	}
}

func (s *MailService) QueueMFAOTP(email, name, code string, expiry time.Duration) {
	s.enqueue(queuedMail{
		to:      email,
		subject: "Your login code",
		body: fmt.Sprintf("Hi %s,\n\nYour one-time login code is %s. It expires in %d minutes.\n",
			name, code, int(expiry.Minutes())),
		action: "mfa_otp",
	})
}

func (s *MailService) QueuePasswordReset(email, name, token string) {
	s.enqueue(queuedMail{
		to:      email,
		subject: "Reset your password",
		body: fmt.Sprintf("Hi %s,\n\nUse this token to reset your password: %s\n\nIf you did not request this, ignore this message.\n",
			name, token),
		action: "password_reset",
	})
}

func (s *MailService) QueuePasswordResetSuccess(email, name string) {
	s.enqueue(queuedMail{
		to:      email,
		subject: "Your password was changed",
		body:    fmt.Sprintf("Hi %s,\n\nYour password was just changed. If this was not you, contact support immediately.\n", name),
		action:  "password_reset_success",
	})
}

func (s *MailService) QueueTOTPEnabled(email, name string) {
	s.enqueue(queuedMail{
		to:      email,
		subject: "Authenticator app enabled",
		body: fmt.Sprintf("Hi %s,\n\nAn authenticator app was enabled on your account. Keep your recovery codes somewhere safe; you can disable the authenticator from your security settings.\n",
			name),
		action: "totp_enabled",
	})
}

func (s *MailService) QueueInvitation(email, name, tenantName, token string) {
	s.enqueue(queuedMail{
		to:      email,
		subject: fmt.Sprintf("You have been invited to %s", tenantName),
		body: fmt.Sprintf("Hi %s,\n\nYou have been invited to join %s. Use this token to accept: %s\n",
			name, tenantName, token),
		action: "invitation",
	})
}
