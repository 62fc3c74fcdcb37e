// Package canonical computes content hashes over canonicalized JSON.
//
// Two semantically identical payloads that differ only in key order or
// insignificant whitespace must produce the same digest, so payloads are
// first transformed to RFC 8785 (JCS) canonical form before hashing.
// Digests are lowercase hex.
package canonical

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Algorithm identifies a supported digest algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "SHA-256"
	SHA512 Algorithm = "SHA-512"
)

// Supported reports whether alg is a digest algorithm this package can compute.
func Supported(alg Algorithm) bool {
	return alg == SHA256 || alg == SHA512
}

// Canonicalize returns the RFC 8785 canonical form of the given JSON document.
func Canonicalize(content []byte) ([]byte, error) {
	out, err := jcs.Transform(content)
	if err != nil {
		return nil, fmt.Errorf("canonicalize content: %w", err)
	}
	return out, nil
}

// Hash canonicalizes content and returns the lowercase hex digest under alg.
func Hash(content []byte, alg Algorithm) (string, error) {
	canon, err := Canonicalize(content)
	if err != nil {
		return "", err
	}
	switch alg {
	case SHA256:
		sum := sha256.Sum256(canon)
		return hex.EncodeToString(sum[:]), nil
	case SHA512:
		sum := sha512.Sum512(canon)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", alg)
	}
}

// Verify recomputes the digest of content and compares it against expected.
// The comparison is constant-time so verification cannot leak prefix matches.
func Verify(content []byte, alg Algorithm, expected string) (bool, error) {
	computed, err := Hash(content, alg)
	if err != nil {
		return false, err
	}
	if len(computed) != len(expected) {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
}
