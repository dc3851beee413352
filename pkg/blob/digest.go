package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// DigestAlgorithm selects the content hash used for content-addressed ids.
type DigestAlgorithm string

const (
	DigestSHA256 DigestAlgorithm = "sha256"
	DigestBLAKE3 DigestAlgorithm = "blake3"
)

// ParseDigestAlgorithm maps a configuration string onto an algorithm. The
// empty string selects SHA-256.
func ParseDigestAlgorithm(s string) (DigestAlgorithm, error) {
	switch DigestAlgorithm(strings.ToLower(s)) {
	case "", DigestSHA256:
		return DigestSHA256, nil
	case DigestBLAKE3:
		return DigestBLAKE3, nil
	default:
		return "", fmt.Errorf("blob: unknown digest algorithm %q", s)
	}
}

// Digest returns the content-addressed id of data.
func Digest(alg DigestAlgorithm, data []byte) ID {
	switch alg {
	case DigestBLAKE3:
		sum := blake3.Sum256(data)
		return ID(hex.EncodeToString(sum[:]))
	default:
		sum := sha256.Sum256(data)
		return ID(hex.EncodeToString(sum[:]))
	}
}
