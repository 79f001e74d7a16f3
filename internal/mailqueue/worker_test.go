package mailqueue

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDefaultWorkerConfig(t *testing.T) {
	cfg := DefaultWorkerConfig()

	assert.Equal(t, "@every 1m", cfg.Schedule)
	assert.Equal(t, 15*time.Second, cfg.StatsInterval)
}

func TestNewWorker_InvalidSchedule(t *testing.T) {
	store := NewStore(NewMemoryRepository())
	p := NewProcessor(store, newFakeTransport(), DefaultRetryPolicy())

	tests := []string{"", "every minute", "61 * * * *", "@fortnightly"}
	for _, schedule := range tests {
		t.Run(schedule, func(t *testing.T) {
			_, err := NewWorker(WorkerConfig{Schedule: schedule}, p, store)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid queue schedule")
		})
	}
}

func TestNewWorker_AcceptsCronAndDescriptors(t *testing.T) {
	store := NewStore(NewMemoryRepository())
	p := NewProcessor(store, newFakeTransport(), DefaultRetryPolicy())

	for _, schedule := range []string{"*/5 * * * *", "@hourly", "@every 30s"} {
		w, err := NewWorker(WorkerConfig{Schedule: schedule}, p, store)
		require.NoError(t, err, schedule)
		assert.NotNil(t, w)
	}
}

func TestWorker_RunsScheduledPasses(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := seedStore(t, newPendingItem("a", "one@example.com", 0))
	transport := newFakeTransport()
	p := NewProcessor(store, transport, DefaultRetryPolicy())

	w, err := NewWorker(WorkerConfig{Schedule: "@every 1s", StatsInterval: 50 * time.Millisecond}, p, store)
	require.NoError(t, err)

	w.Start(context.Background())
	w.Start(context.Background()) // second start is a no-op

	require.Eventually(t, func() bool {
		item, err := store.Get(context.Background(), "a")
		return err == nil && item.Status == domain.QueueStatusSent
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(queueSize.WithLabelValues("sent")) == 1
	}, time.Second, 20*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.Equal(t, 1, transport.Calls())
}

func TestWorker_StopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewStore(NewMemoryRepository())
	w, err := NewWorker(DefaultWorkerConfig(), NewProcessor(store, newFakeTransport(), DefaultRetryPolicy()), store)
	require.NoError(t, err)

	w.Stop()
}
