package domain

import (
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"
)

// QueueStatus represents the delivery status of a queue item.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusFailed  QueueStatus = "failed"
	QueueStatusSent    QueueStatus = "sent"
)

// IsValid reports whether s is a known status.
func (s QueueStatus) IsValid() bool {
	switch s {
	case QueueStatusPending, QueueStatusFailed, QueueStatusSent:
		return true
	}
	return false
}

// Item validation errors.
var (
	ErrRecipientRequired = errors.New("recipient is required")
	ErrRecipientInvalid  = errors.New("recipient is not a valid email address")
	ErrSubjectRequired   = errors.New("subject is required")
	ErrBodyRequired      = errors.New("html or text body is required")
)

// SenderMetadata describes who triggered a send. Shown to operators only.
type SenderMetadata struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// QueueItem is one outbound email with its own retry state.
type QueueItem struct {
	ID             string          `json:"id"`
	Recipient      string          `json:"recipient"`
	Subject        string          `json:"subject"`
	HTMLBody       string          `json:"html_body,omitempty"`
	TextBody       string          `json:"text_body,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	SenderMetadata *SenderMetadata `json:"sender_metadata,omitempty"`
	Status         QueueStatus     `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	Error          string          `json:"error,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
}

// Validate checks the message payload of a new item.
func (q *QueueItem) Validate() error {
	if strings.TrimSpace(q.Recipient) == "" {
		return ErrRecipientRequired
	}
	if _, err := mail.ParseAddress(q.Recipient); err != nil {
		return ErrRecipientInvalid
	}
	if strings.TrimSpace(q.Subject) == "" {
		return ErrSubjectRequired
	}
	if strings.TrimSpace(q.HTMLBody) == "" && strings.TrimSpace(q.TextBody) == "" {
		return ErrBodyRequired
	}
	return nil
}

// Exhausted reports whether the item has used all of its attempts.
func (q *QueueItem) Exhausted() bool {
	return q.Attempts >= q.MaxAttempts
}

// IsTerminal reports whether no further automatic transitions can happen.
func (q *QueueItem) IsTerminal() bool {
	switch q.Status {
	case QueueStatusSent:
		return true
	case QueueStatusFailed:
		return q.Exhausted()
	}
	return false
}

// IsEligible reports whether the item may be attempted at now.
func (q *QueueItem) IsEligible(now time.Time) bool {
	switch q.Status {
	case QueueStatusPending:
		return !q.Exhausted()
	case QueueStatusFailed:
		if q.Exhausted() || q.NextRetryAt == nil {
			return false
		}
		return !now.Before(*q.NextRetryAt)
	}
	return false
}

// LogValue implements slog.LogValuer.
func (q *QueueItem) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", q.ID),
		slog.String("recipient", q.Recipient),
		slog.String("status", string(q.Status)),
		slog.Int("attempts", q.Attempts),
		slog.Int("max_attempts", q.MaxAttempts),
	)
}

// Clone returns a deep copy of the item.
func (q QueueItem) Clone() QueueItem {
	out := q
	if q.SenderMetadata != nil {
		md := *q.SenderMetadata
		out.SenderMetadata = &md
	}
	if q.LastAttemptAt != nil {
		t := *q.LastAttemptAt
		out.LastAttemptAt = &t
	}
	if q.NextRetryAt != nil {
		t := *q.NextRetryAt
		out.NextRetryAt = &t
	}
	if q.SentAt != nil {
		t := *q.SentAt
		out.SentAt = &t
	}
	if q.Attachments != nil {
		out.Attachments = make([]Attachment, len(q.Attachments))
		for i, a := range q.Attachments {
			a.Content = append([]byte(nil), a.Content...)
			out.Attachments[i] = a
		}
	}
	return out
}
