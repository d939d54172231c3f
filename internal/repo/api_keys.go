package repo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// APIKey is a named server credential. Only the SHA-256 of the secret is stored.
type APIKey struct {
	ID        string
	Name      string
	CreatedAt string
	RevokedAt *string
}

func hashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints a new key and returns the one-time plaintext secret.
func (r Repo) CreateAPIKey(ctx context.Context, id, name string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := "ldk_" + hex.EncodeToString(buf)
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,name,key_hash,created_at) VALUES (?,?,?,?)`,
		id, name, hashKey(secret), now)
	if err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return secret, nil
}

// LookupAPIKey resolves a presented secret to its key record.
func (r Repo) LookupAPIKey(ctx context.Context, secret string) (APIKey, error) {
	var k APIKey
	var revoked sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,name,created_at,revoked_at FROM api_keys WHERE key_hash=?`, hashKey(secret)).
		Scan(&k.ID, &k.Name, &k.CreatedAt, &revoked)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	if revoked.Valid {
		k.RevokedAt = &revoked.String
		return k, ErrNotFound
	}
	return k, nil
}

// RevokeAPIKey disables a key by id.
func (r Repo) RevokeAPIKey(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, now, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
