// Package mattermost posts operator alerts to a Mattermost incoming webhook.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultUsername = "mailqueue"
)

// Config holds Mattermost alerter configuration.
type Config struct {
	WebhookURL string
	Username   string
	IconURL    string
	Channel    string // overrides the webhook's default channel
	Timeout    time.Duration
}

// Alerter notifies operators when a queue item exhausts its attempts.
type Alerter struct {
	config     Config
	httpClient *http.Client
}

var _ mailqueue.Alerter = (*Alerter)(nil)

// New creates a Mattermost alerter.
func New(config Config) (*Alerter, error) {
	if config.WebhookURL == "" {
		return nil, errors.New("mattermost alerter: webhook url is required")
	}
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Alerter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// ItemExhausted posts a message describing the undeliverable item.
func (a *Alerter) ItemExhausted(ctx context.Context, item domain.QueueItem) error {
	payload := webhookPayload{
		Text:     formatAlert(item),
		Username: a.config.Username,
		IconURL:  a.config.IconURL,
		Channel:  a.config.Channel,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, a.config.WebhookURL)
}

func formatAlert(item domain.QueueItem) string {
	var b strings.Builder
	b.WriteString("### Mail delivery failed\n\n")
	b.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Item | `%s` |\n", item.ID)
	fmt.Fprintf(&b, "| Recipient | %s |\n", item.Recipient)
	fmt.Fprintf(&b, "| Subject | %s |\n", escapeCell(item.Subject))
	fmt.Fprintf(&b, "| Attempts | %d/%d |\n", item.Attempts, item.MaxAttempts)
	if item.LastAttemptAt != nil {
		fmt.Fprintf(&b, "| Last attempt | %s |\n", item.LastAttemptAt.UTC().Format(time.RFC3339))
	}
	if item.Error != "" {
		fmt.Fprintf(&b, "| Error | %s |\n", escapeCell(item.Error))
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}

// StatusError is returned when the webhook answers with a non-200 status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mattermost error %d: %s", e.Code, e.Message)
}

func handleResponse(resp *http.Response, webhookURL string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		slog.Debug("mattermost alert sent", "webhook", maskWebhookURL(webhookURL))
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &StatusError{Code: resp.StatusCode, Message: "invalid or expired webhook"}
	case http.StatusNotFound:
		return &StatusError{Code: resp.StatusCode, Message: "webhook not found"}
	case http.StatusTooManyRequests:
		return &StatusError{Code: resp.StatusCode, Message: "rate limited"}
	default:
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
}

// maskWebhookURL hides part of the URL for logging.
func maskWebhookURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}
