package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/sarus-health/mailqueue/internal/mailqueue/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "data", "mail-queue.json"))
	require.NoError(t, err)
	return repo
}

func TestRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) mailqueue.Repository {
		return newTestRepo(t)
	})
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestRepository_MissingFileIsEmpty(t *testing.T) {
	repo := newTestRepo(t)

	items, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)

	_, err = os.Stat(repo.Path())
	assert.True(t, os.IsNotExist(err), "reads must not create the queue file")
}

func TestRepository_EmptyFileIsEmpty(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, os.WriteFile(repo.Path(), nil, 0o644))

	items, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRepository_CorruptFile(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, os.WriteFile(repo.Path(), []byte(`[{"id": "a",`), 0o644))

	_, err := repo.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode queue file")

	// Writes fail too and leave the file alone.
	err = repo.Append(context.Background(), repotest.NewItem("b", 0))
	require.Error(t, err)
	data, readErr := os.ReadFile(repo.Path())
	require.NoError(t, readErr)
	assert.Equal(t, `[{"id": "a",`, string(data))

	// The store boundary collapses the failure to an empty queue.
	store := mailqueue.NewStore(repo)
	assert.Empty(t, store.ListAll(context.Background()))
}

func TestRepository_FileFormat(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Append(context.Background(), repotest.NewItem("a", 0)))

	data, err := os.ReadFile(repo.Path())
	require.NoError(t, err)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)
	assert.Equal(t, "a", raw[0]["id"])
	assert.Equal(t, "pending", raw[0]["status"])
	assert.EqualValues(t, 3, raw[0]["max_attempts"])
}

func TestRepository_NoTempFilesLeft(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, repotest.NewItem("a", 0)))
	require.NoError(t, repo.Update(ctx, "a", func(it *domain.QueueItem) { it.Attempts = 1 }))
	_, err := repo.Remove(ctx, "a")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(repo.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestRepository_SharedFileAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	first, err := New(path)
	require.NoError(t, err)
	second, err := New(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, first.Append(ctx, repotest.NewItem("a", 0)))
	require.NoError(t, second.Update(ctx, "a", func(it *domain.QueueItem) {
		it.Status = domain.QueueStatusSent
	}))

	got, err := first.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusSent, got.Status)
}
