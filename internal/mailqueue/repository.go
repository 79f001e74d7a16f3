// Package mailqueue provides the outbound email queue: persistence, retry scheduling,
// processing passes and the operator administration API.
package mailqueue

import (
	"context"

	"github.com/sarus-health/mailqueue/internal/domain"
)

// Patch mutates a stored item in place. Backends apply it atomically with respect
// to other calls made through the same backend instance.
type Patch func(item *domain.QueueItem)

// Repository defines the persistence contract for queue items.
type Repository interface {
	// Append stores a new item.
	Append(ctx context.Context, item *domain.QueueItem) error
	// List returns every stored item ordered by creation time.
	List(ctx context.Context) ([]domain.QueueItem, error)
	// Get returns one item or ErrItemNotFound.
	Get(ctx context.Context, id string) (*domain.QueueItem, error)
	// Update applies patch to the item with the given id or returns ErrItemNotFound.
	Update(ctx context.Context, id string, patch Patch) error
	// Remove deletes the item and reports whether it existed.
	Remove(ctx context.Context, id string) (bool, error)
	// Close releases backend resources.
	Close() error
}
