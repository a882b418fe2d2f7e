package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testRepo(t *testing.T) *KeyRepo {
	t.Helper()
	repo, closer, err := PersistenceBootstrap(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { closer.Close() })
	return repo
}

func TestServerKeys_PutGetRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := fetched.Add(5 * time.Hour)

	if _, _, ok, err := repo.Get(ctx, "remote.example", "ed25519:a"); err != nil || ok {
		t.Fatalf("empty table: ok=%v err=%v", ok, err)
	}

	if err := repo.Put(ctx, "remote.example", "ed25519:a", "a2V5b25l", fetched, expires); err != nil {
		t.Fatal(err)
	}
	key, expiresAt, ok, err := repo.Get(ctx, "remote.example", "ed25519:a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if key != "a2V5b25l" || !expiresAt.Equal(expires) {
		t.Fatalf("got (%q, %s)", key, expiresAt)
	}

	// Re-fetch replaces the row wholesale.
	if err := repo.Put(ctx, "remote.example", "ed25519:a", "a2V5dHdv", fetched.Add(time.Hour), expires.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	key, expiresAt, _, err = repo.Get(ctx, "remote.example", "ed25519:a")
	if err != nil {
		t.Fatal(err)
	}
	if key != "a2V5dHdv" || !expiresAt.Equal(expires.Add(time.Hour)) {
		t.Fatalf("after upsert got (%q, %s)", key, expiresAt)
	}
}

func TestPruneExpiredKeys(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := repo.Put(ctx, "a.example", "ed25519:a", "a2V5", now.Add(-2*time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := repo.Put(ctx, "b.example", "ed25519:b", "a2V5", now, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	pruned, err := repo.PruneExpiredKeys(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	if _, _, ok, _ := repo.Get(ctx, "a.example", "ed25519:a"); ok {
		t.Fatal("expired row should be gone")
	}
	if _, _, ok, _ := repo.Get(ctx, "b.example", "ed25519:b"); !ok {
		t.Fatal("live row should remain")
	}
}

func TestLocalKey_PersistAndReload(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, _, _, ok, err := repo.GetLocalKey(ctx, "self.example"); err != nil || ok {
		t.Fatalf("empty table: ok=%v err=%v", ok, err)
	}

	if err := repo.PutLocalKey(ctx, "self.example", "ed25519:v1", "c2VlZA==", created); err != nil {
		t.Fatal(err)
	}
	keyID, seed, createdAt, ok, err := repo.GetLocalKey(ctx, "self.example")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if keyID != "ed25519:v1" || seed != "c2VlZA==" || !createdAt.Equal(created) {
		t.Fatalf("got (%q, %q, %s)", keyID, seed, createdAt)
	}
}

func TestBootstrap_Reopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	ctx := context.Background()

	repo, closer, err := PersistenceBootstrap(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.PutLocalKey(ctx, "self.example", "ed25519:v1", "c2VlZA==", time.Now()); err != nil {
		t.Fatal(err)
	}
	closer.Close()

	// Second bootstrap runs migrations as a no-op and sees the row.
	repo, closer, err = PersistenceBootstrap(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	if _, _, _, ok, err := repo.GetLocalKey(ctx, "self.example"); err != nil || !ok {
		t.Fatalf("reopen: ok=%v err=%v", ok, err)
	}
}
