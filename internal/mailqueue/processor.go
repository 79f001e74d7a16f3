package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sarus-health/mailqueue/internal/domain"
)

// Result summarizes one processing pass.
type Result struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Processor runs processing passes over the queue.
type Processor struct {
	store     *Store
	transport Transport
	policy    RetryPolicy
	alerter   Alerter
	classify  ErrorClassifier
	now       func() time.Time

	// mu serializes passes within the process.
	mu sync.Mutex
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.now = now
	}
}

// WithAlerter sets the alerter notified on exhausted items.
func WithAlerter(a Alerter) ProcessorOption {
	return func(p *Processor) {
		p.alerter = a
	}
}

// WithErrorClassifier sets the classifier used to label send errors.
func WithErrorClassifier(c ErrorClassifier) ProcessorOption {
	return func(p *Processor) {
		p.classify = c
	}
}

// NewProcessor creates a new queue processor.
func NewProcessor(store *Store, transport Transport, policy RetryPolicy, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:     store,
		transport: transport,
		policy:    policy,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessQueue attempts every item that is eligible when the pass starts, once
// each, in creation order. A failing item never stops the pass. The only error
// returned is the context error when the pass was cut short; the result then
// covers the items attempted before cancellation.
func (p *Processor) ProcessQueue(ctx context.Context) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	var res Result

	eligible := Eligible(p.store.ListAll(ctx), p.now())
	if len(eligible) == 0 {
		return res, nil
	}

	slog.Debug("processing mail queue", "eligible", len(eligible))

	for i := range eligible {
		if err := ctx.Err(); err != nil {
			slog.Warn("processing pass interrupted",
				"processed", res.Processed,
				"remaining", len(eligible)-i,
				"error", err,
			)
			recordPass(res.Processed, time.Since(start))
			return res, err
		}

		sent, attempted := p.processItem(ctx, eligible[i])
		if !attempted {
			continue
		}
		res.Processed++
		if sent {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	recordPass(res.Processed, time.Since(start))

	slog.Info("processing pass finished",
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"duration", time.Since(start),
	)

	return res, nil
}

// processItem performs one delivery attempt and persists its outcome.
// It reports whether the message was sent and whether an attempt was recorded.
func (p *Processor) processItem(ctx context.Context, item domain.QueueItem) (sent, attempted bool) {
	start := time.Now()
	messageID, sendErr := p.send(ctx, MessageFromItem(&item))
	recordSendDuration(time.Since(start))

	now := p.now()
	var updated domain.QueueItem

	// Backends may run the patch more than once; each run starts clean.
	patch := func(it *domain.QueueItem) {
		attempted = false
		updated = domain.QueueItem{}

		// Another writer may have finished the item while we were sending.
		if it.IsTerminal() {
			updated = *it
			return
		}
		it.Attempts++
		attemptAt := now
		it.LastAttemptAt = &attemptAt

		if sendErr == nil {
			sentAt := now
			it.Status = domain.QueueStatusSent
			it.SentAt = &sentAt
			it.MessageID = messageID
			it.NextRetryAt = nil
			it.Error = ""
		} else {
			it.Status = domain.QueueStatusFailed
			it.Error = sendErr.Error()
			if it.Attempts < it.MaxAttempts {
				next := p.policy.NextRetryAt(it.Attempts, now)
				it.NextRetryAt = &next
			} else {
				it.NextRetryAt = nil
			}
		}
		attempted = true
		updated = it.Clone()
	}

	if err := p.store.Update(ctx, item.ID, patch); err != nil {
		if errors.Is(err, ErrItemNotFound) {
			slog.Warn("queue item removed during delivery", "item_id", item.ID)
		} else {
			slog.Error("failed to record delivery outcome", "item_id", item.ID, "error", err)
		}
		// The send happened even if the outcome could not be stored.
		return sendErr == nil, true
	}

	if !attempted {
		return false, false
	}

	switch {
	case sendErr == nil:
		recordAttempt("sent")
		slog.Debug("queue item sent", "item", &updated, "message_id", messageID)
		return true, true
	case updated.Exhausted():
		recordAttempt("exhausted")
		slog.Warn("queue item exhausted its attempts",
			"item", &updated,
			"error_class", p.errorClass(sendErr),
			"error", sendErr,
		)
		p.alert(ctx, updated)
	default:
		recordAttempt("retry")
		slog.Info("queue item scheduled for retry",
			"item", &updated,
			"next_retry_at", updated.NextRetryAt,
			"error_class", p.errorClass(sendErr),
			"error", sendErr,
		)
	}

	return false, true
}

// send calls the transport, converting a panic into an error so one item
// cannot abort the pass.
func (p *Processor) send(ctx context.Context, msg Message) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return p.transport.Send(ctx, msg)
}

func (p *Processor) errorClass(err error) string {
	if p.classify == nil {
		return "unclassified"
	}
	return p.classify(err)
}

func (p *Processor) alert(ctx context.Context, item domain.QueueItem) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.ItemExhausted(ctx, item); err != nil {
		slog.Error("failed to send exhaustion alert", "item_id", item.ID, "error", err)
	}
}
