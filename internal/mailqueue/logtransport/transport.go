// Package logtransport provides a development transport that writes messages
// to the log instead of sending them.
package logtransport

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/sarus-health/mailqueue/internal/pkg/ctxlog"
)

// Transport logs every message and reports it as delivered.
type Transport struct {
	domain string
}

var _ mailqueue.Transport = (*Transport)(nil)

// New creates a log transport. domain is used for generated message ids.
func New(domain string) *Transport {
	if domain == "" {
		domain = "localhost"
	}
	return &Transport{domain: domain}
}

// Send logs msg and returns a generated message id.
func (t *Transport) Send(ctx context.Context, msg mailqueue.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := "<" + uuid.NewString() + "@" + t.domain + ">"

	ctxlog.FromContext(ctx).Info("email delivered to log",
		slog.String("message_id", messageID),
		slog.String("to", msg.To),
		slog.String("reply_to", msg.ReplyTo),
		slog.String("subject", msg.Subject),
		slog.Int("text_bytes", len(msg.TextBody)),
		slog.Int("html_bytes", len(msg.HTMLBody)),
		slog.Int("attachments", len(msg.Attachments)),
	)

	return messageID, nil
}
