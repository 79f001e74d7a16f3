package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/sarus-health/mailqueue/internal/mailqueue/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) mailqueue.Repository {
		repo, err := Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
		require.NoError(t, err)
		return repo
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	ctx := context.Background()

	repo, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, repo.Append(ctx, repotest.NewItem("a", 0)))
	require.NoError(t, repo.Close())

	// Schema creation is idempotent and data survives.
	repo, err = Open(ctx, path)
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.Ping(ctx))

	items, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)
}
