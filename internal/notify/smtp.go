package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/me/jobpool/internal/config"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier emails alerts to the operators.
type SMTPNotifier struct {
	cfg      config.SMTP
	sendMail SendMailFunc
	now      func() time.Time
}

// NewSMTPNotifier creates an SMTPNotifier.
func NewSMTPNotifier(cfg config.SMTP) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
}

// Notify sends msg. smtp.SendMail takes no context, so ctx only bounds the
// wait; a stuck delivery keeps its goroutine until the server gives up.
func (n *SMTPNotifier) Notify(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	body := n.format(msg)

	errc := make(chan error, 1)
	go func() {
		errc <- n.sendMail(addr, auth, n.cfg.From, n.cfg.To, body)
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("send mail via %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send mail via %s: %w", addr, ctx.Err())
	}
}

func (n *SMTPNotifier) format(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [jobpool %s] %s\r\n", msg.Level, msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
