package postgres

import (
	"io/fs"
	"testing"

	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	assert.Contains(t, names, "migrations/000001_create_mail_queue.up.sql")
	assert.Contains(t, names, "migrations/000001_create_mail_queue.down.sql")
}

func TestEncodeJSON(t *testing.T) {
	attachments, metadata, err := encodeJSON(&domain.QueueItem{})
	require.NoError(t, err)
	assert.Nil(t, attachments, "no attachments must map to NULL")
	assert.Nil(t, metadata, "no metadata must map to NULL")

	attachments, metadata, err = encodeJSON(&domain.QueueItem{
		Attachments:    []domain.Attachment{{Filename: "a.txt", ContentType: "text/plain", Content: []byte("hi")}},
		SenderMetadata: &domain.SenderMetadata{Name: "Ali"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"filename":"a.txt","content_type":"text/plain","content":"aGk="}]`, string(attachments))
	assert.JSONEq(t, `{"name":"Ali"}`, string(metadata))
}
