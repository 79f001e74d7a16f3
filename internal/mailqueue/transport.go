package mailqueue

import (
	"context"
	"strings"

	"github.com/sarus-health/mailqueue/internal/domain"
)

// Message is the payload handed to a transport for one delivery attempt.
type Message struct {
	To          string
	Subject     string
	HTMLBody    string
	TextBody    string
	ReplyTo     string
	Attachments []domain.Attachment
}

// MessageFromItem builds the transport message for a queue item.
func MessageFromItem(item *domain.QueueItem) Message {
	msg := Message{
		To:          item.Recipient,
		Subject:     item.Subject,
		HTMLBody:    item.HTMLBody,
		TextBody:    item.TextBody,
		Attachments: item.Attachments,
	}
	if md := item.SenderMetadata; md != nil && md.Email != "" && !strings.EqualFold(md.Email, item.Recipient) {
		msg.ReplyTo = md.Email
	}
	return msg
}

// Transport delivers one message. Implementations must not retry internally;
// retry policy belongs to the processor.
type Transport interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// Alerter is notified when an item exhausts its delivery attempts.
type Alerter interface {
	ItemExhausted(ctx context.Context, item domain.QueueItem) error
}

// ErrorClassifier labels transport errors for logs and metrics. It does not
// influence retry decisions.
type ErrorClassifier func(err error) string
