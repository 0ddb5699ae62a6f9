package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/chiquitav2/vnas-orchestrator/pkg/crypto"
	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
)

// KeyStore persists one identity key pair per resource key.
type KeyStore struct {
	store    *Store
	generate func() (*crypto.KeyPair, error)
}

// NewKeyStore creates a key store backed by store.
func NewKeyStore(store *Store) *KeyStore {
	return &KeyStore{store: store, generate: crypto.GenerateKeyPair}
}

// GetOrCreate returns the stored pair for key, creating it on first use.
// Concurrent first calls converge on a single stored pair.
func (k *KeyStore) GetOrCreate(ctx context.Context, key string) (*crypto.KeyPair, error) {
	start := time.Now()
	defer func() { k.store.logger.DBQuery(ctx, "upsert", "identity_keys", time.Since(start)) }()

	kp, err := k.get(ctx, key)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabase, "failed to read key pair", true, err)
	}

	fresh, err := k.generate()
	if err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeInternal, "failed to generate key pair", false, err)
	}

	if _, err := k.store.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO identity_keys (resource_key, public_key, private_key) VALUES (?, ?, ?)`,
		key, fresh.PublicKey, fresh.PrivateKey,
	); err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabase, "failed to store key pair", true, err)
	}

	kp, err = k.get(ctx, key)
	if err != nil {
		return nil, apperrors.NewDatabaseError(apperrors.ErrCodeDatabase, "failed to read key pair", true, err)
	}
	return kp, nil
}

// Delete removes the pair for key. Deleting a missing pair is not an error.
func (k *KeyStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := k.store.db.ExecContext(ctx, `DELETE FROM identity_keys WHERE resource_key = ?`, key)
	k.store.logger.DBQuery(ctx, "delete", "identity_keys", time.Since(start))
	if err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabase, "failed to delete key pair", true, err)
	}
	return nil
}

func (k *KeyStore) get(ctx context.Context, key string) (*crypto.KeyPair, error) {
	var kp crypto.KeyPair
	err := k.store.db.QueryRowContext(ctx,
		`SELECT public_key, private_key FROM identity_keys WHERE resource_key = ?`, key,
	).Scan(&kp.PublicKey, &kp.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &kp, nil
}
