// Package filestore persists the mail queue as a JSON file.
//
// Every call loads the whole collection, mutates it in memory and writes it
// back through a temporary file and rename. Calls within a process are
// serialized by a mutex; an advisory lock on <path>.lock serializes them across
// processes sharing the file, such as the server and the CLI.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
)

// Repository is a JSON file backed mailqueue.Repository.
type Repository struct {
	path string
	mu   sync.Mutex
}

// New creates a repository on path, creating the parent directory if needed.
// The file itself is created on first write.
func New(path string) (*Repository, error) {
	if path == "" {
		return nil, errors.New("queue file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &Repository{path: path}, nil
}

// Path returns the queue file path.
func (r *Repository) Path() string {
	return r.path
}

// Append implements mailqueue.Repository.
func (r *Repository) Append(_ context.Context, item *domain.QueueItem) error {
	return r.mutate(func(items []domain.QueueItem) ([]domain.QueueItem, error) {
		for i := range items {
			if items[i].ID == item.ID {
				return nil, mailqueue.ErrItemExists
			}
		}
		return append(items, item.Clone()), nil
	})
}

// List implements mailqueue.Repository.
func (r *Repository) List(_ context.Context) ([]domain.QueueItem, error) {
	var out []domain.QueueItem
	err := r.withLock(func() error {
		items, err := r.load()
		out = items
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get implements mailqueue.Repository.
func (r *Repository) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	items, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ID == id {
			return &items[i], nil
		}
	}
	return nil, mailqueue.ErrItemNotFound
}

// Update implements mailqueue.Repository.
func (r *Repository) Update(_ context.Context, id string, patch mailqueue.Patch) error {
	return r.mutate(func(items []domain.QueueItem) ([]domain.QueueItem, error) {
		for i := range items {
			if items[i].ID == id {
				patch(&items[i])
				items[i].ID = id
				return items, nil
			}
		}
		return nil, mailqueue.ErrItemNotFound
	})
}

// Remove implements mailqueue.Repository.
func (r *Repository) Remove(_ context.Context, id string) (bool, error) {
	removed := false
	err := r.mutate(func(items []domain.QueueItem) ([]domain.QueueItem, error) {
		for i := range items {
			if items[i].ID == id {
				removed = true
				return append(items[:i], items[i+1:]...), nil
			}
		}
		return nil, errUnchanged
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	return removed, err
}

// Close implements mailqueue.Repository.
func (r *Repository) Close() error {
	return nil
}

var errUnchanged = errors.New("unchanged")

// mutate runs fn on the current collection and saves the result. If fn
// returns an error nothing is written.
func (r *Repository) mutate(fn func([]domain.QueueItem) ([]domain.QueueItem, error)) error {
	return r.withLock(func() error {
		items, err := r.load()
		if err != nil {
			return err
		}
		items, err = fn(items)
		if err != nil {
			return err
		}
		return r.save(items)
	})
}

func (r *Repository) withLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := acquire(r.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock queue file: %w", err)
	}
	defer lock.release()

	return fn()
}

// load reads the collection. A missing or empty file is an empty queue.
func (r *Repository) load() ([]domain.QueueItem, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []domain.QueueItem{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	if len(data) == 0 {
		return []domain.QueueItem{}, nil
	}

	var items []domain.QueueItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode queue file %s: %w", r.path, err)
	}
	if items == nil {
		items = []domain.QueueItem{}
	}
	return items, nil
}

// save writes the collection to a temporary file and renames it over the
// queue file so readers never see a partial write.
func (r *Repository) save(items []domain.QueueItem) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}
	tmpName = ""
	return nil
}
