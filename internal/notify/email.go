package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/rs/zerolog"
)

// sendTimeout bounds one whole SMTP conversation, dial included, so a
// hung server cannot stall the dispatch barrier.
const sendTimeout = 15 * time.Second

// EmailConfig holds SMTP connection settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailChannel delivers alert emails over SMTP.
type EmailChannel struct {
	cfg     EmailConfig
	timeout time.Duration
	logger  zerolog.Logger
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(cfg EmailConfig, logger zerolog.Logger) *EmailChannel {
	return &EmailChannel{
		cfg:     cfg,
		timeout: sendTimeout,
		logger:  logger.With().Str("component", "email-channel").Logger(),
	}
}

// Send delivers one email. html is the primary body; text is the
// plain-text alternative and may be empty.
func (e *EmailChannel) Send(ctx context.Context, to, subject, html, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := buildMIME(e.cfg.From, to, subject, html, text)
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)

	var auth smtp.Auth
	if e.cfg.Username != "" && e.cfg.Password != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	conn, err := e.dial(addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	// The deadline covers the whole conversation, not just the dial.
	if err := conn.SetDeadline(time.Now().Add(e.timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if e.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close body: %w", err)
	}
	return client.Quit()
}

// dial opens the transport. Port 465 is implicit TLS; everything else
// starts in plaintext and upgrades via STARTTLS when offered.
func (e *EmailChannel) dial(addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: e.timeout}
	if e.cfg.Port == 465 {
		return tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: e.cfg.Host})
	}
	return dialer.Dial("tcp", addr)
}

func buildMIME(from, to, subject, html, text string) []byte {
	boundary := "stockmon-alt"

	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\n", from, to, subject)
	if text == "" {
		body += "Content-Type: text/html; charset=UTF-8\r\n\r\n" + html
		return []byte(body)
	}

	body += fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	body += fmt.Sprintf("--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, text)
	body += fmt.Sprintf("--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, html)
	body += fmt.Sprintf("--%s--\r\n", boundary)
	return []byte(body)
}
