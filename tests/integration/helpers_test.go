//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/sarus-health/mailqueue/internal/testutil"
	"github.com/stretchr/testify/require"
)

// resetState empties the queue table and the Mailpit inbox.
func resetState(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	_, err := testDB.Exec(ctx, `TRUNCATE mail_queue`)
	require.NoError(t, err)
	require.NoError(t, mailpit.DeleteMessages(ctx))
}

// enqueue queues an item through the operator API.
func enqueue(t *testing.T, client *testutil.Client, body map[string]any) domain.QueueItem {
	t.Helper()

	resp, err := client.POST("/api/v1/admin/mail-queue", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var item domain.QueueItem
	testutil.DecodeData(t, resp, &item)
	return item
}

// process runs a processing pass through the operator API.
func process(t *testing.T, client *testutil.Client) mailqueue.Result {
	t.Helper()

	resp, err := client.POST("/api/v1/admin/mail-queue/process", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result mailqueue.Result
	testutil.DecodeData(t, resp, &result)
	return result
}

// getItem fetches an item through the operator API.
func getItem(t *testing.T, client *testutil.Client, id string) domain.QueueItem {
	t.Helper()

	resp, err := client.GET("/api/v1/admin/mail-queue/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var item domain.QueueItem
	testutil.DecodeData(t, resp, &item)
	return item
}
