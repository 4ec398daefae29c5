package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/thebtf/notigate/pkg/models"
)

// SuppressedStore persists suppressed notifications, one row per notification key.
type SuppressedStore struct {
	store *Store
}

// NewSuppressedStore creates a suppressed-notification store.
func NewSuppressedStore(store *Store) *SuppressedStore {
	return &SuppressedStore{store: store}
}

const suppressedColumns = "id, notification_key, package_name, title, content, timestamp_ms, score"

// Upsert inserts or replaces the record with the same key and returns its id.
func (s *SuppressedStore) Upsert(ctx context.Context, n *models.SuppressedNotification) (int64, error) {
	var id int64
	err := s.store.QueryRowContext(ctx, `
		INSERT INTO suppressed_notifications (notification_key, package_name, title, content, timestamp_ms, score)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(notification_key) DO UPDATE SET
			package_name = excluded.package_name,
			title = excluded.title,
			content = excluded.content,
			timestamp_ms = excluded.timestamp_ms,
			score = excluded.score
		RETURNING id
	`, n.Key, n.PackageName, n.Title, n.Content, n.Timestamp, n.Score).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert suppressed: %w", err)
	}
	return id, nil
}

// List returns records newest first. limit <= 0 returns all.
func (s *SuppressedStore) List(ctx context.Context, limit int) ([]*models.SuppressedNotification, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.store.QueryContext(ctx,
		"SELECT "+suppressedColumns+" FROM suppressed_notifications ORDER BY timestamp_ms DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSuppressedRows(rows)
}

// Get returns the record with id.
func (s *SuppressedStore) Get(ctx context.Context, id int64) (*models.SuppressedNotification, error) {
	row := s.store.QueryRowContext(ctx,
		"SELECT "+suppressedColumns+" FROM suppressed_notifications WHERE id = ?", id)
	n, err := scanSuppressed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

// DeleteByIDs removes the given records and returns the number deleted.
func (s *SuppressedStore) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.store.ExecContext(ctx,
		"DELETE FROM suppressed_notifications WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteAll removes every record.
func (s *SuppressedStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.store.ExecContext(ctx, "DELETE FROM suppressed_notifications")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOlderThan removes records with a timestamp before cutoffMs.
func (s *SuppressedStore) DeleteOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.store.ExecContext(ctx,
		"DELETE FROM suppressed_notifications WHERE timestamp_ms < ?", cutoffMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TrimTo keeps only the newest max records.
func (s *SuppressedStore) TrimTo(ctx context.Context, max int) (int64, error) {
	res, err := s.store.ExecContext(ctx, `
		DELETE FROM suppressed_notifications WHERE id NOT IN (
			SELECT id FROM suppressed_notifications ORDER BY timestamp_ms DESC, id DESC LIMIT ?
		)
	`, max)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of stored records.
func (s *SuppressedStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.store.QueryRowContext(ctx, "SELECT COUNT(*) FROM suppressed_notifications").Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSuppressed(row rowScanner) (*models.SuppressedNotification, error) {
	var n models.SuppressedNotification
	if err := row.Scan(&n.ID, &n.Key, &n.PackageName, &n.Title, &n.Content, &n.Timestamp, &n.Score); err != nil {
		return nil, err
	}
	return &n, nil
}

func scanSuppressedRows(rows *sql.Rows) ([]*models.SuppressedNotification, error) {
	var out []*models.SuppressedNotification
	for rows.Next() {
		n, err := scanSuppressed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
