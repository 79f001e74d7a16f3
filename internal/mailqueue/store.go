package mailqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sarus-health/mailqueue/internal/domain"
)

// Stats contains queue counts by status. Exhausted items are counted
// separately from retryable failures.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Sent      int `json:"sent"`
}

// Store is the queue store used by the processor, the service and the CLI.
//
// Reads through ListAll fail closed: when the backend cannot be read the error
// is logged and counted, and callers see an empty queue. An empty result may
// therefore mean "store unavailable" rather than "nothing queued"; use
// ListAllStrict where the distinction matters.
type Store struct {
	repo Repository
}

// NewStore creates a store on top of a persistence backend.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// Append stores a new item.
func (s *Store) Append(ctx context.Context, item *domain.QueueItem) error {
	if err := s.repo.Append(ctx, item); err != nil {
		return fmt.Errorf("append item: %w", err)
	}
	return nil
}

// ListAll returns every item, or an empty slice if the backend is unreadable.
func (s *Store) ListAll(ctx context.Context) []domain.QueueItem {
	items, err := s.repo.List(ctx)
	if err != nil {
		storeReadErrors.Inc()
		slog.Error("queue store unreadable, treating as empty", "error", err)
		return []domain.QueueItem{}
	}
	return items
}

// ListAllStrict returns every item and surfaces backend errors.
func (s *Store) ListAllStrict(ctx context.Context) ([]domain.QueueItem, error) {
	items, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// Get returns a single item.
func (s *Store) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	return s.repo.Get(ctx, id)
}

// Update applies patch to the item with the given id.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	return s.repo.Update(ctx, id, patch)
}

// Remove deletes an item and reports whether it existed.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	return s.repo.Remove(ctx, id)
}

// Stats counts items by status from a fail-closed read.
func (s *Store) Stats(ctx context.Context) Stats {
	return ComputeStats(s.ListAll(ctx))
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.repo.Close()
}

// ComputeStats counts items by stored status. Exhausted counts failed items
// only; a pending item past its budget stays under Pending.
func ComputeStats(items []domain.QueueItem) Stats {
	var st Stats
	for i := range items {
		st.Total++
		switch items[i].Status {
		case domain.QueueStatusPending:
			st.Pending++
		case domain.QueueStatusSent:
			st.Sent++
		case domain.QueueStatusFailed:
			if items[i].Exhausted() {
				st.Exhausted++
			} else {
				st.Failed++
			}
		}
	}
	return st
}
