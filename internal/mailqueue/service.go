package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sarus-health/mailqueue/internal/domain"
)

// EnqueueInput contains the payload of a new queue item.
type EnqueueInput struct {
	Recipient      string
	Subject        string
	HTMLBody       string
	TextBody       string
	Attachments    []domain.Attachment
	SenderMetadata *domain.SenderMetadata
}

// Service provides queue operations for producers and operators.
type Service struct {
	store       *Store
	processor   *Processor
	maxAttempts int
	now         func() time.Time
}

// NewService creates a queue service. processor may be nil when delivery is
// disabled; Process then returns ErrProcessingDisabled.
func NewService(store *Store, processor *Processor, maxAttempts int) *Service {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Service{
		store:       store,
		processor:   processor,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// ErrProcessingDisabled is returned by Process when no transport is configured.
var ErrProcessingDisabled = errors.New("queue processing is disabled")

// Enqueue validates and appends a new pending item.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (*domain.QueueItem, error) {
	item := &domain.QueueItem{
		ID:             uuid.NewString(),
		Recipient:      in.Recipient,
		Subject:        in.Subject,
		HTMLBody:       in.HTMLBody,
		TextBody:       in.TextBody,
		Attachments:    in.Attachments,
		SenderMetadata: in.SenderMetadata,
		Status:         domain.QueueStatusPending,
		MaxAttempts:    s.maxAttempts,
		CreatedAt:      s.now().UTC(),
	}

	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidItem, err)
	}

	if err := s.store.Append(ctx, item); err != nil {
		return nil, err
	}

	slog.Info("queue item enqueued", "item", item)
	return item, nil
}

// List returns queue items, optionally filtered by status. Backend read errors
// yield an empty list.
func (s *Service) List(ctx context.Context, status string) ([]domain.QueueItem, error) {
	items := s.store.ListAll(ctx)
	if status == "" {
		return items, nil
	}

	st := domain.QueueStatus(status)
	if !st.IsValid() {
		return nil, ErrInvalidStatus
	}

	filtered := make([]domain.QueueItem, 0, len(items))
	for i := range items {
		if items[i].Status == st {
			filtered = append(filtered, items[i])
		}
	}
	return filtered, nil
}

// Get returns a single item.
func (s *Service) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	return s.store.Get(ctx, id)
}

// Remove deletes an item. Returns ErrItemNotFound if it does not exist.
func (s *Service) Remove(ctx context.Context, id string) error {
	removed, err := s.store.Remove(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return ErrItemNotFound
	}
	slog.Info("queue item removed", "item_id", id)
	return nil
}

// Process runs one processing pass now.
func (s *Service) Process(ctx context.Context) (Result, error) {
	if s.processor == nil {
		return Result{}, ErrProcessingDisabled
	}
	return s.processor.ProcessQueue(ctx)
}

// Stats returns queue counts by status.
func (s *Service) Stats(ctx context.Context) Stats {
	return s.store.Stats(ctx)
}
