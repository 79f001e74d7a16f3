package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/sarus-health/mailqueue/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// setupEnv points the configuration at a file store in a temp dir.
func setupEnv(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	t.Setenv("MAILQUEUE_STORAGE__DRIVER", "file")
	t.Setenv("MAILQUEUE_STORAGE__FILE__PATH", path)
	t.Setenv("MAILQUEUE_EMAIL__TRANSPORT", "log")
	t.Setenv("MAILQUEUE_QUEUE__WORKER_ENABLED", "false")
	t.Setenv("MAILQUEUE_LOG__LEVEL", "error")
	t.Setenv("MAILQUEUE_AUTH__JWT_SECRET", testSecret)
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mailqueue "+version.String()+"\n", out)
}

func TestQueueLifecycle(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "enqueue", "--to", "alice@example.com", "--subject", "Welcome", "--text", "hello")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = run(t, "list", "--json")
	require.NoError(t, err)
	var items []domain.QueueItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, domain.QueueStatusPending, items[0].Status)

	out, err = run(t, "process")
	require.NoError(t, err)
	var result mailqueue.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, mailqueue.Result{Processed: 1, Succeeded: 1}, result)

	out, err = run(t, "list", "--status", "sent")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "alice@example.com")

	out, err = run(t, "stats")
	require.NoError(t, err)
	var stats mailqueue.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Sent)

	out, err = run(t, "remove", id)
	require.NoError(t, err)
	assert.Equal(t, "removed "+id+"\n", out)

	_, err = run(t, "remove", id)
	require.ErrorIs(t, err, mailqueue.ErrItemNotFound)
}

func TestEnqueue_Attachment(t *testing.T) {
	dir := setupEnv(t)

	report := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(report, []byte("%PDF-1.4"), 0o600))

	_, err := run(t, "enqueue", "--to", "bob@example.com", "--subject", "Report",
		"--html", "<p>attached</p>", "--attach", report)
	require.NoError(t, err)

	out, err := run(t, "list", "--json")
	require.NoError(t, err)
	var items []domain.QueueItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	require.Len(t, items[0].Attachments, 1)
	assert.Equal(t, "report.pdf", items[0].Attachments[0].Filename)
	assert.Equal(t, "application/pdf", items[0].Attachments[0].ContentType)
	assert.Equal(t, []byte("%PDF-1.4"), items[0].Attachments[0].Content)
}

func TestEnqueue_Invalid(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "enqueue", "--to", "not-an-address", "--subject", "Hi", "--text", "x")
	require.ErrorIs(t, err, mailqueue.ErrInvalidItem)

	_, err = run(t, "enqueue", "--subject", "Hi", "--text", "x")
	require.Error(t, err)
}

func TestList_InvalidStatus(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "list", "--status", "queued")
	require.ErrorIs(t, err, mailqueue.ErrInvalidStatus)
}

func TestProcess_Disabled(t *testing.T) {
	setupEnv(t)
	t.Setenv("MAILQUEUE_EMAIL__TRANSPORT", "none")

	_, err := run(t, "process")
	require.ErrorIs(t, err, mailqueue.ErrProcessingDisabled)
}

func TestToken(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "token", "--subject", "ops", "--ttl", "1h")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)

	_, err = run(t, "token", "--role", "root")
	require.Error(t, err)
}

func TestToken_ShortSecret(t *testing.T) {
	setupEnv(t)
	t.Setenv("MAILQUEUE_AUTH__JWT_SECRET", "short")

	_, err := run(t, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestMigrate_NonPostgres(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "storage driver file has no migrations\n", out)
}

func TestConfigFlag_MissingFile(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "stats", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config file")
}
