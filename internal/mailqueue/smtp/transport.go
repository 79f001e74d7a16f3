// Package smtp delivers queued mail over SMTP.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
)

// Config holds SMTP transport configuration.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is the sender, optionally with a display name: "Sarus <noreply@example.com>".
	From string
	// ImplicitTLS dials TLS directly (port 465) instead of upgrading with STARTTLS.
	ImplicitTLS bool
	// Timeout bounds one delivery attempt, dial to QUIT.
	Timeout time.Duration
	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName string
}

// Transport implements mailqueue.Transport over SMTP. Each Send opens its own
// connection and makes exactly one delivery attempt.
type Transport struct {
	config Config
	from   *mail.Address
	auth   smtp.Auth
	now    func() time.Time
}

var _ mailqueue.Transport = (*Transport)(nil)

// New creates an SMTP transport.
func New(config Config) (*Transport, error) {
	if config.Host == "" {
		return nil, errors.New("smtp transport: host is required")
	}
	if config.From == "" {
		return nil, errors.New("smtp transport: from address is required")
	}
	from, err := mail.ParseAddress(config.From)
	if err != nil {
		return nil, fmt.Errorf("smtp transport: invalid from address: %w", err)
	}

	if config.Port == 0 {
		config.Port = 587
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.LocalName == "" {
		config.LocalName = "localhost"
	}

	var auth smtp.Auth
	if config.Username != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	slog.Info("smtp transport configured",
		"smtp_host", config.Host,
		"smtp_port", config.Port,
		"implicit_tls", config.ImplicitTLS,
		"from_address", from.Address,
		"auth", auth != nil,
	)

	return &Transport{
		config: config,
		from:   from,
		auth:   auth,
		now:    time.Now,
	}, nil
}

// Send delivers msg and returns the Message-ID header it was sent with.
func (t *Transport) Send(ctx context.Context, msg mailqueue.Message) (string, error) {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return "", fmt.Errorf("invalid recipient: %w", err)
	}

	messageID := t.newMessageID()
	data, err := buildMessage(envelope{
		From:      t.from,
		To:        to,
		ReplyTo:   msg.ReplyTo,
		MessageID: messageID,
		Date:      t.now(),
	}, msg)
	if err != nil {
		return "", fmt.Errorf("build message: %w", err)
	}

	if err := t.deliver(ctx, to.Address, data); err != nil {
		return "", err
	}
	return messageID, nil
}

func (t *Transport) newMessageID() string {
	domain := "localhost"
	if at := strings.LastIndex(t.from.Address, "@"); at >= 0 {
		domain = t.from.Address[at+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

func (t *Transport) deliver(ctx context.Context, rcpt string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	addr := net.JoinHostPort(t.config.Host, strconv.Itoa(t.config.Port))
	tlsConfig := &tls.Config{
		ServerName: t.config.Host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := t.dial(ctx, addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// net/smtp has no context support; a deadline plus closing the
	// connection on cancellation unblocks every pending read and write.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, t.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Hello(t.config.LocalName); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if !t.config.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if t.auth != nil {
		if err := client.Auth(t.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(t.from.Address); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(rcpt); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	if err := client.Quit(); err != nil {
		// The message was accepted once DATA closed cleanly.
		slog.Debug("smtp quit failed after delivery", "error", err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if t.config.ImplicitTLS {
		return (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Error classes reported by Classify.
const (
	ClassPermanent = "permanent"
	ClassTransient = "transient"
	ClassNetwork   = "network"
	ClassUnknown   = "unknown"
)

// Classify labels a send error for logs and metrics. It has no effect on
// whether the item is retried.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch {
		case protoErr.Code >= 500:
			return ClassPermanent
		case protoErr.Code >= 400:
			return ClassTransient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassNetwork
	}

	return ClassUnknown
}

// IsPermanent reports whether the server rejected the message with a 5xx reply.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}
