// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content-addressed hashing. The idempotency key for an
// order submission is derived here: logically identical payloads hash to the
// same key regardless of field order across transport encodings.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 canonical JSON form of v. Map keys are
// sorted by UTF-8 bytes and number formatting is normalized, so the output is
// byte-for-byte stable for equal values.
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

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey derives the dedup key for an order submission from the
// owning head and the canonicalized payload. The key is a fixed-length hex
// string, unique per head per logical payload.
func IdempotencyKey(headID string, payload any) (string, error) {
	b, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(headID))
	sum.Write([]byte{':'})
	sum.Write(b)
	return hex.EncodeToString(sum.Sum(nil)), nil
}
