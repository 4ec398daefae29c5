package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// DocumentStore stores whole documents by key.
type DocumentStore struct {
	store *Store
}

// NewDocumentStore creates a document store backed by store.
func NewDocumentStore(store *Store) *DocumentStore {
	return &DocumentStore{store: store}
}

// LoadDocument returns the document stored under key, or nil when absent.
func (d *DocumentStore) LoadDocument(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := d.store.QueryRowContext(ctx,
		"SELECT body FROM documents WHERE doc_key = ?", key,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// SaveDocument upserts the document under key.
func (d *DocumentStore) SaveDocument(ctx context.Context, key string, data []byte) error {
	_, err := d.store.ExecContext(ctx, `
		INSERT INTO documents (doc_key, body, updated_at_epoch) VALUES (?, ?, ?)
		ON CONFLICT(doc_key) DO UPDATE SET body = excluded.body, updated_at_epoch = excluded.updated_at_epoch
	`, key, data, time.Now().UnixMilli())
	return err
}

// DeleteDocument removes the document under key.
func (d *DocumentStore) DeleteDocument(ctx context.Context, key string) error {
	_, err := d.store.ExecContext(ctx, "DELETE FROM documents WHERE doc_key = ?", key)
	return err
}
