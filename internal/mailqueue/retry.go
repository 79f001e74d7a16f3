package mailqueue

import (
	"time"

	"github.com/sarus-health/mailqueue/internal/domain"
)

// RetryPolicy computes retry times with capped exponential backoff.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns the default backoff settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 1 * time.Minute,
		MaxBackoff:     1 * time.Hour,
		Multiplier:     2.0,
	}
}

// Backoff returns the delay after the given failed attempt (1-indexed).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= multiplier
		if p.MaxBackoff > 0 && backoff >= float64(p.MaxBackoff) {
			break
		}
	}

	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	return time.Duration(backoff)
}

// NextRetryAt returns when an item that has failed attempts times may be retried.
func (p RetryPolicy) NextRetryAt(attempts int, now time.Time) time.Time {
	return now.Add(p.Backoff(attempts))
}

// Eligible returns the items that may be attempted at now, preserving order.
func Eligible(items []domain.QueueItem, now time.Time) []domain.QueueItem {
	out := make([]domain.QueueItem, 0, len(items))
	for i := range items {
		if items[i].IsEligible(now) {
			out = append(out, items[i])
		}
	}
	return out
}
