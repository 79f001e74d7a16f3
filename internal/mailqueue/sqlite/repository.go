// Package sqlite provides a SQLite-backed mailqueue.Repository.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
)

//go:embed schema.sql
var schema string

const columns = `id, recipient, subject, html_body, text_body, attachments, sender_metadata,
	status, attempts, max_attempts, last_attempt_at, next_retry_at, error, message_id, created_at, sent_at`

// Repository implements mailqueue.Repository on a SQLite database file.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Repository, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps patch transactions simple.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Ping checks that the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Append implements mailqueue.Repository.
func (r *Repository) Append(ctx context.Context, item *domain.QueueItem) error {
	args, err := encode(item)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO mail_queue (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return mailqueue.ErrItemExists
		}
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// List implements mailqueue.Repository.
func (r *Repository) List(ctx context.Context) ([]domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM mail_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()

	items := []domain.QueueItem{}
	for rows.Next() {
		item, err := scan(rows)
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

// Get implements mailqueue.Repository.
func (r *Repository) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM mail_queue WHERE id = ?`, id)
	item, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailqueue.ErrItemNotFound
	}
	return item, err
}

// Update implements mailqueue.Repository.
func (r *Repository) Update(ctx context.Context, id string, patch mailqueue.Patch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scan(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM mail_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return mailqueue.ErrItemNotFound
	}
	if err != nil {
		return err
	}

	patch(item)
	item.ID = id

	args, err := encode(item)
	if err != nil {
		return err
	}
	// Drop id from the SET list and bind it for the WHERE clause.
	_, err = tx.ExecContext(ctx, `UPDATE mail_queue SET
		recipient = ?, subject = ?, html_body = ?, text_body = ?, attachments = ?, sender_metadata = ?,
		status = ?, attempts = ?, max_attempts = ?, last_attempt_at = ?, next_retry_at = ?,
		error = ?, message_id = ?, created_at = ?, sent_at = ?
		WHERE id = ?`,
		append(args[1:], id)...,
	)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Remove implements mailqueue.Repository.
func (r *Repository) Remove(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM mail_queue WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Close implements mailqueue.Repository.
func (r *Repository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*domain.QueueItem, error) {
	var (
		item                           domain.QueueItem
		status                         string
		attachments, metadata          sql.NullString
		lastAttempt, nextRetry, sentAt sql.NullTime
	)
	err := s.Scan(
		&item.ID, &item.Recipient, &item.Subject, &item.HTMLBody, &item.TextBody, &attachments, &metadata,
		&status, &item.Attempts, &item.MaxAttempts, &lastAttempt, &nextRetry, &item.Error, &item.MessageID,
		&item.CreatedAt, &sentAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}

	item.Status = domain.QueueStatus(status)
	item.CreatedAt = item.CreatedAt.UTC()
	item.LastAttemptAt = timePtr(lastAttempt)
	item.NextRetryAt = timePtr(nextRetry)
	item.SentAt = timePtr(sentAt)

	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &item.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", item.ID, err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		item.SenderMetadata = &domain.SenderMetadata{}
		if err := json.Unmarshal([]byte(metadata.String), item.SenderMetadata); err != nil {
			return nil, fmt.Errorf("decode sender metadata of %s: %w", item.ID, err)
		}
	}
	return &item, nil
}

// encode returns insert arguments in column order.
func encode(item *domain.QueueItem) ([]any, error) {
	var attachments, metadata sql.NullString
	if len(item.Attachments) > 0 {
		b, err := json.Marshal(item.Attachments)
		if err != nil {
			return nil, fmt.Errorf("encode attachments: %w", err)
		}
		attachments = sql.NullString{String: string(b), Valid: true}
	}
	if item.SenderMetadata != nil {
		b, err := json.Marshal(item.SenderMetadata)
		if err != nil {
			return nil, fmt.Errorf("encode sender metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	return []any{
		item.ID, item.Recipient, item.Subject, item.HTMLBody, item.TextBody, attachments, metadata,
		string(item.Status), item.Attempts, item.MaxAttempts, nullTime(item.LastAttemptAt), nullTime(item.NextRetryAt),
		item.Error, item.MessageID, item.CreatedAt.UTC(), nullTime(item.SentAt),
	}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
