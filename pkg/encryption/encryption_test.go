package encryption

import (
	"bytes"
	"testing"

	"github.com/jacktea/xgblob/pkg/xerrors"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, method := range []Method{MethodAES256GCM, MethodXChaCha20Poly1305} {
		method := method
		t.Run(string(method), func(t *testing.T) {
			opts := Options{
				Method: method,
				Key:    bytes.Repeat([]byte{0x42}, KeySize),
			}
			ciphertext, err := Encrypt([]byte("top-secret"), opts)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			if len(ciphertext) != len("top-secret")+Overhead(method) {
				t.Fatalf("expected ciphertext len %d, got %d", len("top-secret")+Overhead(method), len(ciphertext))
			}
			plaintext, err := Decrypt(ciphertext, opts)
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if string(plaintext) != "top-secret" {
				t.Fatalf("unexpected plaintext %q", plaintext)
			}
		})
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	opts := Options{Method: MethodAES256GCM, Key: bytes.Repeat([]byte{0x01}, KeySize)}
	a, err := Encrypt([]byte("same"), opts)
	if err != nil {
		t.Fatalf("encrypt a: %v", err)
	}
	b, err := Encrypt([]byte("same"), opts)
	if err != nil {
		t.Fatalf("encrypt b: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two encryptions of the same plaintext must differ")
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	opts := Options{Method: MethodXChaCha20Poly1305, Key: bytes.Repeat([]byte{0x7f}, KeySize)}
	ciphertext, err := Encrypt([]byte("stream-data"), opts)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	for i := range ciphertext {
		tampered := append([]byte(nil), ciphertext...)
		tampered[i] ^= 0x01
		if _, err := Decrypt(tampered, opts); !xerrors.IsCorrupt(err) {
			t.Fatalf("byte %d: expected corruption error, got %v", i, err)
		}
	}
}

func TestDecryptRejectsShortInput(t *testing.T) {
	opts := Options{Method: MethodAES256GCM, Key: bytes.Repeat([]byte{0x11}, KeySize)}
	if _, err := Decrypt([]byte("short"), opts); !xerrors.IsCorrupt(err) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	ciphertext, err := Encrypt([]byte("payload"), Options{Method: MethodAES256GCM, Key: bytes.Repeat([]byte{0x01}, KeySize)})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, err = Decrypt(ciphertext, Options{Method: MethodAES256GCM, Key: bytes.Repeat([]byte{0x02}, KeySize)})
	if !xerrors.IsCorrupt(err) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestValidateRejectsBadKey(t *testing.T) {
	err := (Options{Method: MethodAES256GCM, Key: []byte("short")}).Validate()
	if err == nil {
		t.Fatalf("expected validation failure for short key")
	}
	if err := (Options{Method: "rot13", Key: bytes.Repeat([]byte{1}, KeySize)}).Validate(); err == nil {
		t.Fatalf("expected validation failure for unknown method")
	}
}

func TestDisabledIsPassthrough(t *testing.T) {
	out, err := Encrypt([]byte("plain"), Options{Method: MethodNone})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if string(out) != "plain" {
		t.Fatalf("expected passthrough, got %q", out)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a, err := DeriveKey("correct horse", "deployment-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveKey("correct horse", "deployment-1")
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	c, err := DeriveKey("correct horse", "deployment-2")
	if err != nil {
		t.Fatalf("derive other salt: %v", err)
	}
	if len(a) != KeySize || !bytes.Equal(a, b) {
		t.Fatalf("derived keys differ or have wrong size")
	}
	if bytes.Equal(a, c) {
		t.Fatalf("salt must change the derived key")
	}
	if _, err := DeriveKey("", "salt"); err == nil {
		t.Fatalf("expected error for empty passphrase")
	}
}
