package blob

import (
	"bytes"
	"context"
	"testing"

	"github.com/jacktea/xgblob/pkg/encryption"
	"github.com/jacktea/xgblob/pkg/xerrors"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, encryption.KeySize)
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	opts := encryption.Options{Method: encryption.MethodAES256GCM, Key: testKey()}
	store, err := NewEncryptedStore(inner, opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	plain := []byte("attachment body")
	if err := store.Put(ctx, "b1", "blob-1", plain); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, ok := inner.Raw("b1", "blob-1")
	if !ok {
		t.Fatalf("expected ciphertext in inner store")
	}
	if bytes.Contains(raw, plain) {
		t.Fatalf("plaintext reached the backend")
	}
	if len(raw) != len(plain)+encryption.Overhead(opts.Method) {
		t.Fatalf("unexpected ciphertext length %d", len(raw))
	}
	got, err := store.Get(ctx, "b1", "blob-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch %q", got)
	}
}

func TestEncryptedStoreDetectsTampering(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	store, err := NewEncryptedStore(inner, encryption.Options{Method: encryption.MethodXChaCha20Poly1305, Key: testKey()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Put(ctx, "b1", "blob-1", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, _ := inner.Raw("b1", "blob-1")
	raw[len(raw)-1] ^= 0xff
	if _, err := store.Get(ctx, "b1", "blob-1"); !xerrors.IsCorrupt(err) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestEncryptedStorePassesNotFound(t *testing.T) {
	store, err := NewEncryptedStore(NewMemoryStore(), encryption.Options{Method: encryption.MethodAES256GCM, Key: testKey()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Get(context.Background(), "b1", "missing"); !xerrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEncryptedStoreDisabledReturnsInner(t *testing.T) {
	inner := NewMemoryStore()
	store, err := NewEncryptedStore(inner, encryption.Options{Method: encryption.MethodNone})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store != Store(inner) {
		t.Fatalf("expected inner store when encryption is disabled")
	}
	if _, err := NewEncryptedStore(inner, encryption.Options{Method: encryption.MethodAES256GCM, Key: []byte("short")}); err == nil {
		t.Fatalf("expected key size validation error")
	}
}
