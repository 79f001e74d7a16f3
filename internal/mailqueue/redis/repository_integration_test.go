//go:build integration

package redis

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/sarus-health/mailqueue/internal/mailqueue/repotest"
	"github.com/sarus-health/mailqueue/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestRepository(t *testing.T) {
	ctx := context.Background()

	container, err := testutil.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	repotest.Run(t, func(t *testing.T) mailqueue.Repository {
		// A fresh prefix per subtest keeps the keyspaces apart.
		repo, err := Open(ctx, container.URL, fmt.Sprintf("test-%s", uuid.NewString()))
		require.NoError(t, err)
		return repo
	})
}

func TestOpen_Unreachable(t *testing.T) {
	_, err := Open(context.Background(), "redis://127.0.0.1:1/0", "")
	require.Error(t, err)
}
