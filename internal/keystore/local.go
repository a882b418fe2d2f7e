package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tessellate-im/tessera/internal/signing"
)

// LocalKeyStore persists the server's own signing identity.
type LocalKeyStore interface {
	GetLocalKey(ctx context.Context, serverName string) (keyID, seedB64 string, createdAt time.Time, ok bool, err error)
	PutLocalKey(ctx context.Context, serverName, keyID, seedB64 string, createdAt time.Time) error
}

// LocalKey is this server's Ed25519 signing identity.
type LocalKey struct {
	ServerName string
	KeyID      string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	CreatedAt  time.Time
}

// LoadOrCreateLocalKey returns the persisted signing key for
// serverName, minting and persisting a fresh one on first start. This
// is the only place a key is generated rather than fetched.
func LoadOrCreateLocalKey(ctx context.Context, store LocalKeyStore, serverName string) (*LocalKey, error) {
	keyID, seedB64, createdAt, ok, err := store.GetLocalKey(ctx, serverName)
	if err != nil {
		return nil, fmt.Errorf("keystore: load local key: %w", err)
	}
	if ok {
		seed, err := base64.StdEncoding.DecodeString(seedB64)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("keystore: stored seed for %s is corrupt", serverName)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &LocalKey{
			ServerName: serverName,
			KeyID:      keyID,
			PrivateKey: priv,
			PublicKey:  priv.Public().(ed25519.PublicKey),
			CreatedAt:  createdAt,
		}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate local key: %w", err)
	}
	keyID = signing.KeyAlgorithm + ":" + newKeyVersion()
	createdAt = time.Now().UTC()
	seedB64 = base64.StdEncoding.EncodeToString(priv.Seed())
	if err := store.PutLocalKey(ctx, serverName, keyID, seedB64, createdAt); err != nil {
		return nil, fmt.Errorf("keystore: persist local key: %w", err)
	}
	log.Printf("[keystore] minted signing key %s for %s", keyID, serverName)

	return &LocalKey{
		ServerName: serverName,
		KeyID:      keyID,
		PrivateKey: priv,
		PublicKey:  pub,
		CreatedAt:  createdAt,
	}, nil
}

// newKeyVersion derives a short random key version. Eight hex chars is
// plenty to never collide within one server's key history.
func newKeyVersion() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// SignedBundle renders and self-signs the /_matrix/key/v2/server
// document for this key, valid for the standard seven-day horizon.
func (k *LocalKey) SignedBundle(now time.Time) (json.RawMessage, error) {
	bundle := KeyBundle{
		ServerName: k.ServerName,
		VerifyKeys: map[string]VerifyKey{
			k.KeyID: {Key: signing.EncodePublicKey(k.PublicKey)},
		},
		ValidUntilTS: now.Add(MaxKeyValidity).UnixMilli(),
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("keystore: marshal key bundle: %w", err)
	}
	signed, err := signing.SignJSON(raw, k.ServerName, k.KeyID, k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: sign key bundle: %w", err)
	}
	return signed, nil
}
