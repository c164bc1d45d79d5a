package stores

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"
)

func hashOf(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func saveTestRecord(t *testing.T, store *RefreshStore, sessionID string, record *RefreshRecord) {
	t.Helper()
	if err := store.Save(context.Background(), "t1", sessionID, record, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func TestConsumeAndRotate(t *testing.T) {
	rdb, _, done := newTestRedis(t)
	defer done()

	store := NewRefreshStore(rdb, "rt")
	ctx := context.Background()

	secretA := hashOf("secret-a")
	secretB := hashOf("secret-b")

	saveTestRecord(t, store, "sess-1", &RefreshRecord{
		PrincipalID: "alice",
		SecretHash:  secretA,
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	})

	record, err := store.ConsumeAndRotate(ctx, "t1", "sess-1", secretA, [32]byte{}, secretB, time.Hour)
	if err != nil {
		t.Fatalf("ConsumeAndRotate failed: %v", err)
	}
	if record.PrincipalID != "alice" {
		t.Fatalf("wrong principal in consumed record: %q", record.PrincipalID)
	}

	// The next secret is now the live one.
	secretC := hashOf("secret-c")
	if _, err := store.ConsumeAndRotate(ctx, "t1", "sess-1", secretB, [32]byte{}, secretC, time.Hour); err != nil {
		t.Fatalf("rotation chain broken: %v", err)
	}
}

func TestConsumeSecretMismatchKillsRecord(t *testing.T) {
	rdb, _, done := newTestRedis(t)
	defer done()

	store := NewRefreshStore(rdb, "rt")
	ctx := context.Background()

	secretA := hashOf("secret-a")
	secretB := hashOf("secret-b")

	saveTestRecord(t, store, "sess-1", &RefreshRecord{
		PrincipalID: "alice",
		SecretHash:  secretA,
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	})

	if _, err := store.ConsumeAndRotate(ctx, "t1", "sess-1", secretA, [32]byte{}, secretB, time.Hour); err != nil {
		t.Fatalf("legitimate rotation failed: %v", err)
	}

	// The consumed secret presented again is a replay.
	_, err := store.ConsumeAndRotate(ctx, "t1", "sess-1", secretA, [32]byte{}, hashOf("x"), time.Hour)
	if !errors.Is(err, ErrRefreshSecretMismatch) {
		t.Fatalf("expected secret mismatch, got %v", err)
	}

	// The replay destroyed the record; the current secret is dead too.
	_, err = store.ConsumeAndRotate(ctx, "t1", "sess-1", secretB, [32]byte{}, hashOf("y"), time.Hour)
	if !errors.Is(err, ErrRefreshNotFound) {
		t.Fatalf("expected not found after replay, got %v", err)
	}
}

func TestConsumeExpiredRecord(t *testing.T) {
	rdb, _, done := newTestRedis(t)
	defer done()

	store := NewRefreshStore(rdb, "rt")
	ctx := context.Background()

	secret := hashOf("secret")
	saveTestRecord(t, store, "sess-1", &RefreshRecord{
		PrincipalID: "alice",
		SecretHash:  secret,
		ExpiresAt:   time.Now().Add(-time.Minute).Unix(),
	})

	_, err := store.ConsumeAndRotate(ctx, "t1", "sess-1", secret, [32]byte{}, hashOf("next"), time.Hour)
	if !errors.Is(err, ErrRefreshExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestConsumeUnknownSession(t *testing.T) {
	rdb, _, done := newTestRedis(t)
	defer done()

	store := NewRefreshStore(rdb, "rt")

	_, err := store.ConsumeAndRotate(context.Background(), "t1", "sess-missing", hashOf("a"), [32]byte{}, hashOf("b"), time.Hour)
	if !errors.Is(err, ErrRefreshNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConsumeDeviceBinding(t *testing.T) {
	rdb, _, done := newTestRedis(t)
	defer done()

	store := NewRefreshStore(rdb, "rt")
	ctx := context.Background()

	secret := hashOf("secret")
	device := hashOf("device-a")

	saveTestRecord(t, store, "sess-1", &RefreshRecord{
		PrincipalID: "alice",
		SecretHash:  secret,
		DeviceHash:  device,
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	})

	_, err := store.ConsumeAndRotate(ctx, "t1", "sess-1", secret, hashOf("device-b"), hashOf("next"), time.Hour)
	if !errors.Is(err, ErrRefreshDeviceMismatch) {
		t.Fatalf("expected device mismatch, got %v", err)
	}

	// The mismatch destroyed the record.
	_, err = store.ConsumeAndRotate(ctx, "t1", "sess-1", secret, device, hashOf("next"), time.Hour)
	if !errors.Is(err, ErrRefreshNotFound) {
		t.Fatalf("expected not found after mismatch, got %v", err)
	}
}

func TestConsumeBoundDeviceMatches(t *testing.T) {
	rdb, _, done := newTestRedis(t)
	defer done()

	store := NewRefreshStore(rdb, "rt")
	ctx := context.Background()

	secret := hashOf("secret")
	device := hashOf("device-a")

	saveTestRecord(t, store, "sess-1", &RefreshRecord{
		PrincipalID: "alice",
		SecretHash:  secret,
		DeviceHash:  device,
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	})

	record, err := store.ConsumeAndRotate(ctx, "t1", "sess-1", secret, device, hashOf("next"), time.Hour)
	if err != nil {
		t.Fatalf("rotation from bound device failed: %v", err)
	}
	if record.DeviceHash != device {
		t.Fatal("device hash lost across rotation")
	}
}

func TestConsumeBoundRecordRequiresDevice(t *testing.T) {
	rdb, _, done := newTestRedis(t)
	defer done()

	store := NewRefreshStore(rdb, "rt")
	ctx := context.Background()

	secret := hashOf("secret")
	saveTestRecord(t, store, "sess-1", &RefreshRecord{
		PrincipalID: "alice",
		SecretHash:  secret,
		DeviceHash:  hashOf("device-a"),
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	})

	// Presenting no device at all does not slip past the binding.
	_, err := store.ConsumeAndRotate(ctx, "t1", "sess-1", secret, [32]byte{}, hashOf("next"), time.Hour)
	if !errors.Is(err, ErrRefreshDeviceMismatch) {
		t.Fatalf("expected device mismatch, got %v", err)
	}

	// The mismatch destroyed the record.
	_, err = store.ConsumeAndRotate(ctx, "t1", "sess-1", secret, hashOf("device-a"), hashOf("next"), time.Hour)
	if !errors.Is(err, ErrRefreshNotFound) {
		t.Fatalf("expected not found after mismatch, got %v", err)
	}
}

func TestConsumeUnboundRecordIgnoresProvidedDevice(t *testing.T) {
	rdb, _, done := newTestRedis(t)
	defer done()

	store := NewRefreshStore(rdb, "rt")
	ctx := context.Background()

	secret := hashOf("secret")
	saveTestRecord(t, store, "sess-1", &RefreshRecord{
		PrincipalID: "alice",
		SecretHash:  secret,
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	})

	// The record carries no binding, so whatever the presenter supplies
	// is irrelevant.
	if _, err := store.ConsumeAndRotate(ctx, "t1", "sess-1", secret, hashOf("device-a"), hashOf("next"), time.Hour); err != nil {
		t.Fatalf("rotation of unbound record failed: %v", err)
	}
}

func TestDelete(t *testing.T) {
	rdb, _, done := newTestRedis(t)
	defer done()

	store := NewRefreshStore(rdb, "rt")
	ctx := context.Background()

	secret := hashOf("secret")
	saveTestRecord(t, store, "sess-1", &RefreshRecord{
		PrincipalID: "alice",
		SecretHash:  secret,
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	})

	if err := store.Delete(ctx, "t1", "alice", "sess-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, err := store.ConsumeAndRotate(ctx, "t1", "sess-1", secret, [32]byte{}, hashOf("next"), time.Hour)
	if !errors.Is(err, ErrRefreshNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestDeleteAllForPrincipal(t *testing.T) {
	rdb, _, done := newTestRedis(t)
	defer done()

	store := NewRefreshStore(rdb, "rt")
	ctx := context.Background()

	for _, sessionID := range []string{"sess-1", "sess-2"} {
		saveTestRecord(t, store, sessionID, &RefreshRecord{
			PrincipalID: "alice",
			SecretHash:  hashOf(sessionID),
			ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		})
	}
	saveTestRecord(t, store, "sess-b", &RefreshRecord{
		PrincipalID: "bob",
		SecretHash:  hashOf("bob"),
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	})

	if err := store.DeleteAllForPrincipal(ctx, "t1", "alice"); err != nil {
		t.Fatalf("DeleteAllForPrincipal failed: %v", err)
	}

	for _, sessionID := range []string{"sess-1", "sess-2"} {
		_, err := store.ConsumeAndRotate(ctx, "t1", sessionID, hashOf(sessionID), [32]byte{}, hashOf("next"), time.Hour)
		if !errors.Is(err, ErrRefreshNotFound) {
			t.Fatalf("session %s survived: %v", sessionID, err)
		}
	}

	// The other principal is untouched.
	if _, err := store.ConsumeAndRotate(ctx, "t1", "sess-b", hashOf("bob"), [32]byte{}, hashOf("next"), time.Hour); err != nil {
		t.Fatalf("unrelated principal's record destroyed: %v", err)
	}
}

func TestRecordCodec(t *testing.T) {
	record := &RefreshRecord{
		PrincipalID: "alice",
		SecretHash:  hashOf("secret"),
		DeviceHash:  hashOf("device"),
		ExpiresAt:   1893456000,
	}

	encoded, err := encodeRefreshRecord(record)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodeRefreshRecord(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if *decoded != *record {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, record)
	}

	if _, err := encodeRefreshRecord(&RefreshRecord{}); err == nil {
		t.Fatal("record without principal id encoded")
	}
	if _, err := decodeRefreshRecord([]byte{9, 9, 9}); err == nil {
		t.Fatal("garbage blob decoded")
	}
}
