package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ledgerdesk/sessiond/internal/infrastructure/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(context.Background(), config.StorageConfig{
		Path:        filepath.Join(dir, "state.db"),
		KeyPath:     filepath.Join(dir, "state.key"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	})
	return store
}

func TestStore_SessionRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	blob := []byte(`{"authenticated":true,"access_token":"T1"}`)
	if err := store.SaveSession(ctx, blob); err != nil {
		t.Fatalf("SaveSession() error: %v", err)
	}

	got, ok, err := store.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if !ok {
		t.Fatal("LoadSession() ok = false, want true")
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("LoadSession() = %q, want %q", got, blob)
	}
}

func TestStore_LoadSession_Empty(t *testing.T) {
	store := testStore(t)

	_, ok, err := store.LoadSession(context.Background())
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if ok {
		t.Error("LoadSession() ok = true for empty store, want false")
	}
}

func TestStore_ClearSession(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveSession(ctx, []byte("blob")); err != nil {
		t.Fatalf("SaveSession() error: %v", err)
	}
	if err := store.ClearSession(ctx); err != nil {
		t.Fatalf("ClearSession() error: %v", err)
	}

	_, ok, err := store.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if ok {
		t.Error("session blob survived ClearSession")
	}
}

func TestStore_SessionSealedAtRest(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	secret := []byte("access_token=super-secret-token")
	if err := store.SaveSession(ctx, secret); err != nil {
		t.Fatalf("SaveSession() error: %v", err)
	}

	// Read the raw row: the plaintext token must not appear on disk.
	raw, ok, err := store.get(ctx, keySession)
	if err != nil || !ok {
		t.Fatalf("get() = %v, %v", ok, err)
	}
	if bytes.Contains(raw, []byte("super-secret-token")) {
		t.Error("session blob stored in plaintext")
	}
}

func TestStore_SessionBlobWrongKey(t *testing.T) {
	dir := t.TempDir()
	cfg := config.StorageConfig{
		Path:        filepath.Join(dir, "state.db"),
		KeyPath:     filepath.Join(dir, "state.key"),
		BusyTimeout: 5,
	}
	ctx := context.Background()

	store, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := store.SaveSession(ctx, []byte("blob")); err != nil {
		t.Fatalf("SaveSession() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// Reopen with a different key: the blob must read as absent, not error.
	cfg.KeyPath = filepath.Join(dir, "other.key")
	store2, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer store2.Close()

	_, ok, err := store2.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if ok {
		t.Error("blob sealed under another key should be treated as absent")
	}
}

func TestStore_LastActivityRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	if err := store.SaveLastActivity(ctx, at); err != nil {
		t.Fatalf("SaveLastActivity() error: %v", err)
	}

	got, ok, err := store.LoadLastActivity(ctx)
	if err != nil {
		t.Fatalf("LoadLastActivity() error: %v", err)
	}
	if !ok {
		t.Fatal("LoadLastActivity() ok = false, want true")
	}
	if !got.Equal(at) {
		t.Errorf("LoadLastActivity() = %v, want %v", got, at)
	}
}

func TestStore_LastActivity_Empty(t *testing.T) {
	store := testStore(t)

	_, ok, err := store.LoadLastActivity(context.Background())
	if err != nil {
		t.Fatalf("LoadLastActivity() error: %v", err)
	}
	if ok {
		t.Error("LoadLastActivity() ok = true for empty store, want false")
	}
}

func TestStore_HealthCheck(t *testing.T) {
	store := testStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}
}

func TestSealUnseal(t *testing.T) {
	key := make([]byte, keyBytes)
	for i := range key {
		key[i] = byte(i)
	}

	plaintext := []byte("round trip")
	sealed, err := seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal() error: %v", err)
	}

	got, err := unseal(key, sealed)
	if err != nil {
		t.Fatalf("unseal() error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("unseal() = %q, want %q", got, plaintext)
	}

	// Tampering must be detected.
	sealed[len(sealed)-1] ^= 0xff
	if _, err := unseal(key, sealed); err == nil {
		t.Error("unseal() accepted tampered blob")
	}
}
