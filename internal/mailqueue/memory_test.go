package mailqueue_test

import (
	"testing"

	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/sarus-health/mailqueue/internal/mailqueue/repotest"
)

func TestMemoryRepository(t *testing.T) {
	repotest.Run(t, func(*testing.T) mailqueue.Repository {
		return mailqueue.NewMemoryRepository()
	})
}
