// Package postgres provides PostgreSQL implementation of the mail queue repository.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
	pgutil "github.com/sarus-health/mailqueue/internal/pkg/postgres"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the queue schema migrations to the database at databaseURL.
func Migrate(databaseURL string) (uint, error) {
	return pgutil.Migrate(databaseURL, migrations, "migrations")
}

const uniqueViolation = "23505"

const selectColumns = `
	SELECT id, recipient, subject, html_body, text_body, attachments, sender_metadata,
	       status, attempts, max_attempts, last_attempt_at, next_retry_at, error, message_id,
	       created_at, sent_at
	FROM mail_queue`

// Repository implements mailqueue.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository. The pool is owned by the
// caller; Close does not close it.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Append inserts a new queue item.
func (r *Repository) Append(ctx context.Context, item *domain.QueueItem) error {
	attachments, metadata, err := encodeJSON(item)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO mail_queue (id, recipient, subject, html_body, text_body, attachments, sender_metadata,
		                        status, attempts, max_attempts, last_attempt_at, next_retry_at, error, message_id,
		                        created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.Exec(ctx, query,
		item.ID,
		item.Recipient,
		item.Subject,
		item.HTMLBody,
		item.TextBody,
		attachments,
		metadata,
		string(item.Status),
		item.Attempts,
		item.MaxAttempts,
		item.LastAttemptAt,
		item.NextRetryAt,
		item.Error,
		item.MessageID,
		item.CreatedAt,
		item.SentAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return mailqueue.ErrItemExists
		}
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// List returns all queue items in insertion order.
func (r *Repository) List(ctx context.Context) ([]domain.QueueItem, error) {
	rows, err := r.db.Query(ctx, selectColumns+` ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	items := []domain.QueueItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return items, nil
}

// Get retrieves a queue item by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	item, err := scanItem(r.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mailqueue.ErrItemNotFound
		}
		return nil, err
	}
	return item, nil
}

// Update locks the row, applies patch and writes the result back.
func (r *Repository) Update(ctx context.Context, id string, patch mailqueue.Patch) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	item, err := scanItem(tx.QueryRow(ctx, selectColumns+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mailqueue.ErrItemNotFound
		}
		return err
	}

	patch(item)

	attachments, metadata, err := encodeJSON(item)
	if err != nil {
		return err
	}

	query := `
		UPDATE mail_queue
		SET recipient = $2, subject = $3, html_body = $4, text_body = $5, attachments = $6,
		    sender_metadata = $7, status = $8, attempts = $9, max_attempts = $10,
		    last_attempt_at = $11, next_retry_at = $12, error = $13, message_id = $14, sent_at = $15
		WHERE id = $1
	`
	_, err = tx.Exec(ctx, query,
		id,
		item.Recipient,
		item.Subject,
		item.HTMLBody,
		item.TextBody,
		attachments,
		metadata,
		string(item.Status),
		item.Attempts,
		item.MaxAttempts,
		item.LastAttemptAt,
		item.NextRetryAt,
		item.Error,
		item.MessageID,
		item.SentAt,
	)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Remove deletes a queue item.
func (r *Repository) Remove(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM mail_queue WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete queue item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Close is a no-op; the pool belongs to the caller.
func (r *Repository) Close() error {
	return nil
}

func scanItem(row pgx.Row) (*domain.QueueItem, error) {
	var (
		item                  domain.QueueItem
		status                string
		attachments, metadata []byte
	)
	err := row.Scan(
		&item.ID,
		&item.Recipient,
		&item.Subject,
		&item.HTMLBody,
		&item.TextBody,
		&attachments,
		&metadata,
		&status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.LastAttemptAt,
		&item.NextRetryAt,
		&item.Error,
		&item.MessageID,
		&item.CreatedAt,
		&item.SentAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}

	item.Status = domain.QueueStatus(status)
	item.CreatedAt = item.CreatedAt.UTC()
	for _, t := range []**time.Time{&item.LastAttemptAt, &item.NextRetryAt, &item.SentAt} {
		if *t != nil {
			utc := (*t).UTC()
			*t = &utc
		}
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &item.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", item.ID, err)
		}
	}
	if len(metadata) > 0 {
		item.SenderMetadata = &domain.SenderMetadata{}
		if err := json.Unmarshal(metadata, item.SenderMetadata); err != nil {
			return nil, fmt.Errorf("decode sender metadata of %s: %w", item.ID, err)
		}
	}
	return &item, nil
}

func encodeJSON(item *domain.QueueItem) (attachments, metadata []byte, err error) {
	if len(item.Attachments) > 0 {
		if attachments, err = json.Marshal(item.Attachments); err != nil {
			return nil, nil, fmt.Errorf("encode attachments: %w", err)
		}
	}
	if item.SenderMetadata != nil {
		if metadata, err = json.Marshal(item.SenderMetadata); err != nil {
			return nil, nil, fmt.Errorf("encode sender metadata: %w", err)
		}
	}
	return attachments, metadata, nil
}
