package server

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var errKeyNotFound = errors.New("api key not found")

// APIKey is one hashed credential. The raw key is shown once at creation
// and only its SHA-256 digest is stored.
type APIKey struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints and stores a key for subject, returning the record
// and the raw key.
func CreateAPIKey(ctx context.Context, db *sql.DB, subject, name string) (APIKey, string, error) {
	if strings.TrimSpace(subject) == "" {
		return APIKey{}, "", errors.New("subject required")
	}
	raw := "tp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	rec := APIKey{
		ID:        uuid.NewString(),
		Subject:   subject,
		Name:      name,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	_, err := db.ExecContext(ctx, `INSERT INTO api_keys(id, subject, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		rec.ID, rec.Subject, nullableStr(rec.Name), HashAPIKey(raw), rec.CreatedAt)
	if err != nil {
		return APIKey{}, "", err
	}
	return rec, raw, nil
}

func apiKeyByHash(ctx context.Context, db *sql.DB, hash string) (APIKey, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, subject, COALESCE(name,''), created_at FROM api_keys WHERE key_hash = ? LIMIT 1`, hash)
	var key APIKey
	err := row.Scan(&key.ID, &key.Subject, &key.Name, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, errKeyNotFound
	}
	return key, err
}

// ListAPIKeys returns stored keys, newest first.
func ListAPIKeys(ctx context.Context, db *sql.DB) ([]APIKey, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, subject, COALESCE(name,''), created_at FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []APIKey
	for rows.Next() {
		var key APIKey
		if err := rows.Scan(&key.ID, &key.Subject, &key.Name, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey removes a key by id.
func DeleteAPIKey(ctx context.Context, db *sql.DB, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	_, err := db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
