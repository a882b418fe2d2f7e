package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// KeyRepo wraps trust.db. All writes are serialized by an internal
// mutex on top of the single-connection pool.
type KeyRepo struct {
	db *sql.DB
	mu sync.Mutex
}

func newKeyRepo(db *sql.DB) *KeyRepo {
	return &KeyRepo{db: db}
}

// --- server_keys (remote key cache) ---

// Get returns a cached remote key and its cache expiry.
func (r *KeyRepo) Get(ctx context.Context, serverName, keyID string) (string, time.Time, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT public_key, expires_at_ms FROM server_keys WHERE server_name = ? AND key_id = ?`,
		serverName, keyID)
	var publicKey string
	var expiresAtMs int64
	if err := row.Scan(&publicKey, &expiresAtMs); err != nil {
		if err == sql.ErrNoRows {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, fmt.Errorf("scan server_keys: %w", err)
	}
	return publicKey, time.UnixMilli(expiresAtMs), true, nil
}

// Put upserts a verified remote key.
func (r *KeyRepo) Put(ctx context.Context, serverName, keyID, publicKey string, fetchedAt, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO server_keys (server_name, key_id, public_key, fetched_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(server_name, key_id) DO UPDATE SET
			public_key    = excluded.public_key,
			fetched_at_ms = excluded.fetched_at_ms,
			expires_at_ms = excluded.expires_at_ms
	`, serverName, keyID, publicKey, fetchedAt.UnixMilli(), expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert server_keys: %w", err)
	}
	return nil
}

// PruneExpiredKeys deletes remote-key rows whose cache expiry has
// passed and reports how many were dropped.
func (r *KeyRepo) PruneExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM server_keys WHERE expires_at_ms < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune server_keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune server_keys: rows affected: %w", err)
	}
	return n, nil
}

// --- signing_keys (local identity) ---

// GetLocalKey loads the active signing key row for serverName.
func (r *KeyRepo) GetLocalKey(ctx context.Context, serverName string) (string, string, time.Time, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT key_id, seed_b64, created_at_ms FROM signing_keys WHERE server_name = ? AND is_active = 1`,
		serverName)
	var keyID, seedB64 string
	var createdAtMs int64
	if err := row.Scan(&keyID, &seedB64, &createdAtMs); err != nil {
		if err == sql.ErrNoRows {
			return "", "", time.Time{}, false, nil
		}
		return "", "", time.Time{}, false, fmt.Errorf("scan signing_keys: %w", err)
	}
	return keyID, seedB64, time.UnixMilli(createdAtMs), true, nil
}

// PutLocalKey persists a freshly minted signing key.
func (r *KeyRepo) PutLocalKey(ctx context.Context, serverName, keyID, seedB64 string, createdAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signing_keys (server_name, key_id, seed_b64, created_at_ms, is_active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(server_name) DO UPDATE SET
			key_id        = excluded.key_id,
			seed_b64      = excluded.seed_b64,
			created_at_ms = excluded.created_at_ms,
			is_active     = 1
	`, serverName, keyID, seedB64, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert signing_keys: %w", err)
	}
	return nil
}
