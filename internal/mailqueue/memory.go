package mailqueue

import (
	"context"
	"sync"

	"github.com/sarus-health/mailqueue/internal/domain"
)

// MemoryRepository keeps the queue in process memory. Contents are lost on
// restart; it is meant for tests and local development.
type MemoryRepository struct {
	mu    sync.RWMutex
	items []domain.QueueItem
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Append implements Repository.
func (r *MemoryRepository) Append(_ context.Context, item *domain.QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(item.ID) >= 0 {
		return ErrItemExists
	}
	r.items = append(r.items, item.Clone())
	return nil
}

// List implements Repository.
func (r *MemoryRepository) List(_ context.Context) ([]domain.QueueItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.QueueItem, len(r.items))
	for i := range r.items {
		out[i] = r.items[i].Clone()
	}
	return out, nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, id string) (*domain.QueueItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexOf(id)
	if i < 0 {
		return nil, ErrItemNotFound
	}
	item := r.items[i].Clone()
	return &item, nil
}

// Update implements Repository.
func (r *MemoryRepository) Update(_ context.Context, id string, patch Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return ErrItemNotFound
	}
	item := r.items[i].Clone()
	patch(&item)
	item.ID = id
	r.items[i] = item
	return nil
}

// Remove implements Repository.
func (r *MemoryRepository) Remove(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return false, nil
	}
	r.items = append(r.items[:i], r.items[i+1:]...)
	return true, nil
}

// Close implements Repository.
func (r *MemoryRepository) Close() error {
	return nil
}

func (r *MemoryRepository) indexOf(id string) int {
	for i := range r.items {
		if r.items[i].ID == id {
			return i
		}
	}
	return -1
}
