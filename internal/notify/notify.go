// Package notify delivers verification codes and account messages over
// email and SMS.
package notify

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

// Sender delivers a message to a recipient over one channel.
type Sender interface {
	Send(ctx context.Context, recipient, message string) error
}

// EmailSender sends plain-text mail over SMTP.
type EmailSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	subject  string
}

// NewEmailSender creates an SMTP sender. subject is used for every
// message.
func NewEmailSender(host string, port int, username, password, from, subject string) *EmailSender {
	return &EmailSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		subject:  subject,
	}
}

func (s *EmailSender) Send(_ context.Context, recipient, message string) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", s.subject)
	b.WriteString("\r\n")
	b.WriteString(message)
	b.WriteString("\r\n")

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	if err := smtp.SendMail(addr, auth, s.from, []string{recipient}, []byte(b.String())); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", recipient, err)
	}
	return nil
}

// LogSender writes messages to the process log instead of delivering
// them. Used in development and as a fallback when no channel is
// configured.
type LogSender struct {
	Channel string
}

func (s *LogSender) Send(_ context.Context, recipient, message string) error {
	log.Printf("[%s -> %s] %s", s.Channel, recipient, message)
	return nil
}
