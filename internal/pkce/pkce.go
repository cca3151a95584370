// Package pkce generates Proof Key for Code Exchange pairs (RFC 7636)
// for the OAuth authorization-code flow.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// verifierBytes is the number of random bytes drawn for the code
// verifier. 48 bytes encode to a 64-character verifier, comfortably
// above the 43-character RFC minimum.
const verifierBytes = 48

// Pair holds a code verifier and its S256 challenge. A pair is
// single-use: generated when authorization starts, consumed once at
// code exchange, and discarded afterwards.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generate draws a cryptographically random verifier and derives its
// challenge as base64url(SHA-256(verifier)), both unpadded. It fails
// only if the secure random source fails, which is not retryable.
func Generate() (Pair, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return Pair{}, fmt.Errorf("generating PKCE verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(buf)

	return Pair{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
	}, nil
}

// Challenge computes the S256 code challenge for a verifier.
func Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
