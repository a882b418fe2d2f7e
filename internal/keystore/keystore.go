package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/maypok86/otter"
)

const hotCacheEntries = 4096

// KeyCacheStore persists verified remote keys across restarts. The
// trust core only needs point lookups and upserts.
type KeyCacheStore interface {
	Get(ctx context.Context, serverName, keyID string) (publicKey string, expiresAt time.Time, ok bool, err error)
	Put(ctx context.Context, serverName, keyID, publicKey string, fetchedAt, expiresAt time.Time) error
}

// BundleFetcher retrieves a server's raw key bundle over federation.
type BundleFetcher interface {
	FetchKeyBundle(ctx context.Context, serverName string) (json.RawMessage, error)
}

type hotKey struct {
	publicKey string
	expiresAt time.Time
}

// KeyStore resolves remote public keys. Lookup order: pinned keys,
// in-process hot cache, persistent store, then a verified network
// fetch that repopulates both caches with every key in the bundle.
type KeyStore struct {
	store   KeyCacheStore
	fetcher BundleFetcher
	pinned  PinnedKeys
	hot     otter.Cache[string, hotKey]
	now     func() time.Time
}

func New(store KeyCacheStore, fetcher BundleFetcher, pinned PinnedKeys) *KeyStore {
	hot, err := otter.MustBuilder[string, hotKey](hotCacheEntries).
		Cost(func(_ string, _ hotKey) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("keystore: failed to create hot cache: " + err.Error())
	}
	return &KeyStore{
		store:   store,
		fetcher: fetcher,
		pinned:  pinned,
		hot:     hot,
		now:     time.Now,
	}
}

func cacheKey(serverName, keyID string) string {
	return serverName + "/" + keyID
}

// PublicKey returns the base64 public key for (serverName, keyID),
// fetching and verifying the server's bundle on a cache miss. Cached
// entries expire at half their remaining validity, so a key is
// re-checked against its origin well before it lapses.
func (s *KeyStore) PublicKey(ctx context.Context, serverName, keyID string) (string, error) {
	if key, ok := s.pinned[serverName][keyID]; ok {
		return key, nil
	}

	now := s.now()
	if entry, ok := s.hot.Get(cacheKey(serverName, keyID)); ok && now.Before(entry.expiresAt) {
		return entry.publicKey, nil
	}
	if key, expiresAt, ok, err := s.store.Get(ctx, serverName, keyID); err != nil {
		return "", fmt.Errorf("keystore: read key cache: %w", err)
	} else if ok && now.Before(expiresAt) {
		s.hot.Set(cacheKey(serverName, keyID), hotKey{publicKey: key, expiresAt: expiresAt})
		return key, nil
	}

	return s.fetchAndCache(ctx, serverName, keyID)
}

func (s *KeyStore) fetchAndCache(ctx context.Context, serverName, keyID string) (string, error) {
	_, keys, err := s.fetchBundle(ctx, serverName)
	if err != nil {
		return "", err
	}
	key, ok := keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %s has no key %s", ErrUnknownKey, serverName, keyID)
	}
	return key, nil
}

// Bundle fetches, verifies, and caches serverName's current key
// bundle, returning the raw document for notary responses.
func (s *KeyStore) Bundle(ctx context.Context, serverName string) (json.RawMessage, error) {
	raw, _, err := s.fetchBundle(ctx, serverName)
	return raw, err
}

// fetchBundle pulls a fresh bundle over federation and populates both
// caches with every key it advertises.
func (s *KeyStore) fetchBundle(ctx context.Context, serverName string) (json.RawMessage, map[string]string, error) {
	raw, err := s.fetcher.FetchKeyBundle(ctx, serverName)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: fetch key bundle for %s: %w", serverName, err)
	}
	now := s.now()
	bundle, validUntil, err := VerifyBundle(raw, serverName, now)
	if err != nil {
		return nil, nil, err
	}

	expiresAt := now.Add(validUntil.Sub(now) / 2)
	keys := make(map[string]string, len(bundle.VerifyKeys)+len(bundle.OldVerifyKeys))
	for id, vk := range bundle.VerifyKeys {
		keys[id] = vk.Key
	}
	for id, old := range bundle.OldVerifyKeys {
		keys[id] = old.Key
	}
	for id, key := range keys {
		if err := s.store.Put(ctx, serverName, id, key, now, expiresAt); err != nil {
			return nil, nil, fmt.Errorf("keystore: persist key %s for %s: %w", id, serverName, err)
		}
		s.hot.Set(cacheKey(serverName, id), hotKey{publicKey: key, expiresAt: expiresAt})
	}
	log.Printf("[keystore] cached %d keys for %s until %s", len(keys), serverName, expiresAt.Format(time.RFC3339))
	return raw, keys, nil
}
