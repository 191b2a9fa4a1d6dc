package mail

import (
	"fmt"
	"net/smtp"
	"os"

	"go.uber.org/zap"
)

// Message kinds the auth flows can send.
const (
	KindVerification  = "verification"
	KindPasswordReset = "password_reset"
)

// Sender delivers auth notification email. Delivery failures must never roll
// back the auth operation that triggered them; callers log and continue.
type Sender interface {
	Send(kind, recipient, token string) error
}

// Config holds SMTP settings. An empty Host selects the logging sender.
type Config struct {
	Host    string
	Port    string
	User    string
	Pass    string
	From    string
	BaseURL string
}

// ConfigFromEnv reads SMTP config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Host:    os.Getenv("SMTP_HOST"),
		Port:    os.Getenv("SMTP_PORT"),
		User:    os.Getenv("SMTP_USER"),
		Pass:    os.Getenv("SMTP_PASS"),
		From:    os.Getenv("EMAIL_FROM"),
		BaseURL: os.Getenv("APP_BASE_URL"),
	}
}

// NewSender returns an SMTP sender when configured, otherwise a sender that
// only logs, so development setups work without a mail relay.
func NewSender(cfg Config, logger *zap.SugaredLogger) Sender {
	if cfg.Host == "" {
		return &logSender{logger: logger}
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.From == "" {
		cfg.From = "no-reply@localhost"
	}
	return &smtpSender{cfg: cfg}
}

type logSender struct {
	logger *zap.SugaredLogger
}

func (s *logSender) Send(kind, recipient, token string) error {
	s.logger.Infow("mail delivery skipped (SMTP not configured)",
		"kind", kind, "recipient", recipient)
	return nil
}

type smtpSender struct {
	cfg Config
}

func (s *smtpSender) Send(kind, recipient, token string) error {
	subject, body := s.compose(kind, token)
	msg := []byte("From: " + s.cfg.From + "\r\n" +
		"To: " + recipient + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" + body + "\r\n")

	addr := s.cfg.Host + ":" + s.cfg.Port
	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, s.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{recipient}, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *smtpSender) compose(kind, token string) (subject, body string) {
	switch kind {
	case KindPasswordReset:
		return "Reset your password",
			"Use the link below to reset your password. It expires in one hour.\r\n" +
				s.cfg.BaseURL + "/reset-password?token=" + token
	default:
		return "Verify your email",
			"Use the link below to verify your email address.\r\n" +
				s.cfg.BaseURL + "/verify-email?token=" + token
	}
}
