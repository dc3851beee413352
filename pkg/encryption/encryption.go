package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/jacktea/xgblob/pkg/xerrors"
)

// Method enumerates supported encryption algorithms.
type Method string

const (
	// MethodNone skips encryption entirely.
	MethodNone Method = "none"
	// MethodAES256GCM encrypts data using AES-256-GCM with a random 12-byte nonce prefix.
	MethodAES256GCM Method = "aes-256-gcm"
	// MethodXChaCha20Poly1305 encrypts data using XChaCha20-Poly1305 with a random 24-byte nonce prefix.
	MethodXChaCha20Poly1305 Method = "xchacha20-poly1305"
)

// KeySize is the symmetric key length for every supported method.
const KeySize = 32

// pbkdf2Iterations is fixed: changing it invalidates every blob encrypted
// under a passphrase-derived key.
const pbkdf2Iterations = 65536

// ErrAuthentication is returned (wrapped as a corruption error) when a
// ciphertext fails tag verification.
var ErrAuthentication = errors.New("encryption: message authentication failed")

// Options describes how to encrypt or decrypt payloads.
type Options struct {
	Method Method
	Key    []byte
}

// Enabled reports whether encryption should run.
func (o Options) Enabled() bool {
	return o.Method != "" && o.Method != MethodNone
}

// Validate ensures the configuration is usable for the selected method.
func (o Options) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case MethodAES256GCM, MethodXChaCha20Poly1305:
		if len(o.Key) != KeySize {
			return fmt.Errorf("encryption: %s requires %d-byte key, got %d", o.Method, KeySize, len(o.Key))
		}
	default:
		return fmt.Errorf("encryption: unsupported method %q", o.Method)
	}
	return nil
}

// ParseMethod maps a configuration string onto a Method. The empty string
// selects AES-256-GCM.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "":
		return MethodAES256GCM, nil
	case MethodNone, MethodAES256GCM, MethodXChaCha20Poly1305:
		return Method(s), nil
	default:
		return "", fmt.Errorf("encryption: unsupported method %q", s)
	}
}

// DeriveKey stretches an operator passphrase into a KeySize key with
// PBKDF2-HMAC-SHA256. The salt must be stable for the lifetime of the data.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("encryption: passphrase required")
	}
	if salt == "" {
		return nil, errors.New("encryption: salt required")
	}
	return pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, KeySize, sha256.New), nil
}

// Encrypt returns data encrypted according to opts, laid out as nonce || ciphertext || tag.
func Encrypt(data []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return data, nil
	}
	aead, err := newAEAD(opts)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("encryption: nonce: %w", err)
	}
	return aead.Seal(out, out[:aead.NonceSize()], data, nil), nil
}

// Decrypt reverses Encrypt using opts. Truncated input and tag mismatches are
// reported as xerrors.KindCorrupt.
func Decrypt(ciphertext []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return ciphertext, nil
	}
	aead, err := newAEAD(opts)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, xerrors.Wrap(xerrors.KindCorrupt, "encryption.Decrypt", "",
			fmt.Errorf("ciphertext is %d bytes, minimum is %d", len(ciphertext), aead.NonceSize()+aead.Overhead()))
	}
	nonce := ciphertext[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, ciphertext[aead.NonceSize():], nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindCorrupt, "encryption.Decrypt", "", ErrAuthentication)
	}
	return plaintext, nil
}

// Overhead returns the number of bytes added by the given method (nonce + tag).
func Overhead(method Method) int {
	switch method {
	case MethodAES256GCM:
		return 12 + 16
	case MethodXChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	default:
		return 0
	}
}

func newAEAD(opts Options) (cipher.AEAD, error) {
	switch opts.Method {
	case MethodAES256GCM:
		block, err := aes.NewCipher(opts.Key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case MethodXChaCha20Poly1305:
		return chacha20poly1305.NewX(opts.Key)
	default:
		return nil, fmt.Errorf("encryption: unsupported method %q", opts.Method)
	}
}
