// Package repotest provides a behavioural test suite shared by every
// mailqueue.Repository backend.
package repotest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty repository. The suite closes it.
type Factory func(t *testing.T) mailqueue.Repository

// base is truncated to microseconds so every backend round-trips it exactly.
var base = time.Date(2026, 4, 14, 10, 30, 0, 0, time.UTC)

// NewItem returns a pending item created offset after a fixed base time.
func NewItem(id string, offset time.Duration) *domain.QueueItem {
	return &domain.QueueItem{
		ID:          id,
		Recipient:   "info@example.com",
		Subject:     "Yeni iletişim talebi",
		HTMLBody:    "<p>Merhaba</p>",
		TextBody:    "Merhaba",
		Status:      domain.QueueStatusPending,
		MaxAttempts: 3,
		CreatedAt:   base.Add(offset),
	}
}

// Run executes the suite against repositories built by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Helper()

	open := func(t *testing.T) mailqueue.Repository {
		repo := newRepo(t)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	}

	t.Run("EmptyList", func(t *testing.T) {
		repo := open(t)
		items, err := repo.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("AppendListOrder", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		for i, id := range []string{"c", "a", "b"} {
			require.NoError(t, repo.Append(ctx, NewItem(id, time.Duration(i)*time.Second)))
		}

		items, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "c", items[0].ID)
		assert.Equal(t, "a", items[1].ID)
		assert.Equal(t, "b", items[2].ID)
	})

	t.Run("AppendDuplicate", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		require.NoError(t, repo.Append(ctx, NewItem("a", 0)))
		require.ErrorIs(t, repo.Append(ctx, NewItem("a", time.Second)), mailqueue.ErrItemExists)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		last := base.Add(time.Minute)
		next := base.Add(3 * time.Minute)
		item := NewItem("a", 0)
		item.Status = domain.QueueStatusFailed
		item.Attempts = 1
		item.LastAttemptAt = &last
		item.NextRetryAt = &next
		item.Error = "421 try again later"
		item.SenderMetadata = &domain.SenderMetadata{Name: "Zeynep Çelik", Email: "zeynep@example.org", Phone: "+90 212 555 0000"}
		item.Attachments = []domain.Attachment{{Filename: "cv.pdf", ContentType: "application/pdf", Content: []byte{0x25, 0x50, 0x44, 0x46}}}
		require.NoError(t, repo.Append(ctx, item))

		got, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, item.Recipient, got.Recipient)
		assert.Equal(t, item.Subject, got.Subject)
		assert.Equal(t, item.HTMLBody, got.HTMLBody)
		assert.Equal(t, item.TextBody, got.TextBody)
		assert.Equal(t, item.Status, got.Status)
		assert.Equal(t, item.Attempts, got.Attempts)
		assert.Equal(t, item.MaxAttempts, got.MaxAttempts)
		assert.Equal(t, item.Error, got.Error)
		assert.Equal(t, item.SenderMetadata, got.SenderMetadata)
		assert.Equal(t, item.Attachments, got.Attachments)
		assert.True(t, item.CreatedAt.Equal(got.CreatedAt))
		require.NotNil(t, got.LastAttemptAt)
		assert.True(t, last.Equal(*got.LastAttemptAt))
		require.NotNil(t, got.NextRetryAt)
		assert.True(t, next.Equal(*got.NextRetryAt))
		assert.Nil(t, got.SentAt)
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo := open(t)
		_, err := repo.Get(context.Background(), "missing")
		require.ErrorIs(t, err, mailqueue.ErrItemNotFound)
	})

	t.Run("Update", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		require.NoError(t, repo.Append(ctx, NewItem("a", 0)))
		require.NoError(t, repo.Append(ctx, NewItem("b", time.Second)))

		sentAt := base.Add(time.Hour)
		require.NoError(t, repo.Update(ctx, "a", func(it *domain.QueueItem) {
			it.Status = domain.QueueStatusSent
			it.Attempts++
			it.SentAt = &sentAt
			it.MessageID = "<1@example.com>"
			it.ID = "hijacked"
		}))

		got, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.QueueStatusSent, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, "<1@example.com>", got.MessageID)
		require.NotNil(t, got.SentAt)
		assert.True(t, sentAt.Equal(*got.SentAt))

		other, err := repo.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, domain.QueueStatusPending, other.Status)

		items, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "a", items[0].ID)
	})

	t.Run("UpdateClearsOptionalFields", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		next := base.Add(time.Minute)
		item := NewItem("a", 0)
		item.Status = domain.QueueStatusFailed
		item.NextRetryAt = &next
		item.Error = "boom"
		require.NoError(t, repo.Append(ctx, item))

		require.NoError(t, repo.Update(ctx, "a", func(it *domain.QueueItem) {
			it.NextRetryAt = nil
			it.Error = ""
		}))

		got, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, got.NextRetryAt)
		assert.Empty(t, got.Error)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		repo := open(t)
		called := false
		err := repo.Update(context.Background(), "missing", func(*domain.QueueItem) { called = true })
		require.ErrorIs(t, err, mailqueue.ErrItemNotFound)
		assert.False(t, called)
	})

	t.Run("Remove", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		require.NoError(t, repo.Append(ctx, NewItem("a", 0)))
		require.NoError(t, repo.Append(ctx, NewItem("b", time.Second)))

		removed, err := repo.Remove(ctx, "a")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = repo.Remove(ctx, "a")
		require.NoError(t, err)
		assert.False(t, removed)

		items, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "b", items[0].ID)
	})

	t.Run("ConcurrentUpdates", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		require.NoError(t, repo.Append(ctx, NewItem("a", 0)))

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- repo.Update(ctx, "a", func(it *domain.QueueItem) {
					it.Attempts++
					it.Error = fmt.Sprintf("writer %d", i)
				})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, writers, got.Attempts)
	})
}
