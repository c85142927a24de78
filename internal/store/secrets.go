package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Secret is an encrypted provider credential.
type Secret struct {
	Provider     string
	EncryptedKey string
	KeyPreview   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s *Store) GetSecret(ctx context.Context, provider string) (*Secret, error) {
	query := `SELECT provider, encrypted_key, key_preview, created_at, updated_at FROM secrets WHERE provider = ?`
	var (
		sec              Secret
		created, updated int64
	)
	err := s.queryRow(ctx, query, provider).Scan(&sec.Provider, &sec.EncryptedKey, &sec.KeyPreview, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", provider, err)
	}
	sec.CreatedAt = fromUnix(created)
	sec.UpdatedAt = fromUnix(updated)
	return &sec, nil
}

// PutSecret inserts or replaces the encrypted key of a provider.
func (s *Store) PutSecret(ctx context.Context, provider, encryptedKey, preview string) error {
	ts := toUnix(now())
	query := `INSERT INTO secrets (provider, encrypted_key, key_preview, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET
			encrypted_key = excluded.encrypted_key, key_preview = excluded.key_preview, updated_at = excluded.updated_at`
	if _, err := s.exec(ctx, query, provider, encryptedKey, preview, ts, ts); err != nil {
		return fmt.Errorf("put secret %s: %w", provider, err)
	}
	return nil
}

// DeleteSecret removes a provider key. It reports whether a row existed.
func (s *Store) DeleteSecret(ctx context.Context, provider string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM secrets WHERE provider = ?`, provider)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
