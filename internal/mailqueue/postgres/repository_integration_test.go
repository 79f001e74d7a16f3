//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/sarus-health/mailqueue/internal/mailqueue/repotest"
	pgutil "github.com/sarus-health/mailqueue/internal/pkg/postgres"
	"github.com/sarus-health/mailqueue/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository(t *testing.T) {
	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	version, err := Migrate(container.ConnectionString)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	// Running again is a no-op.
	version, err = Migrate(container.ConnectionString)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	pool, err := pgutil.Connect(ctx, pgutil.Config{URL: container.ConnectionString, MaxOpenConns: 10, ConnectAttempts: 3})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repotest.Run(t, func(t *testing.T) mailqueue.Repository {
		_, err := pool.Exec(ctx, `TRUNCATE mail_queue RESTART IDENTITY`)
		require.NoError(t, err)
		return NewRepository(pool)
	})
}
