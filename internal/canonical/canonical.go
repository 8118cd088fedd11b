// Package canonical provides deterministic JSON encoding and signature
// verification for mandate payloads. All signed material passes through
// Canonicalize so that independently produced encodings hash identically.
package canonical

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize renders v as RFC 8785 canonical JSON: lexicographically sorted
// keys, no insignificant whitespace, UTF-8, shortest-form numbers.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// CanonicalizeRaw canonicalizes an already-serialized JSON document.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// HashSHA256 returns the SHA-256 digest of b.
func HashSHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// HashHex returns the lowercase hex SHA-256 digest of b.
func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:])
}

// RequestHash canonicalizes v and returns its hex digest. Used by the
// idempotency store to detect payload drift under a reused key.
func RequestHash(v any) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashHex(canon), nil
}
