// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of proposal envelopes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// Struct json tags are honored; key order, number formatting and escaping
// follow the RFC.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform: %w", err)
	}
	return out, nil
}

// CanonicalHash returns "sha256:<hex>" over the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of data, prefixed with the algorithm.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
