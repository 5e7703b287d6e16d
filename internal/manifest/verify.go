package manifest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrIntegrityFailure is returned when a downloaded artifact fails the
// hash or signature check. The artifact must be discarded; a fresh
// download of the same release is safe to attempt.
var ErrIntegrityFailure = errors.New("integrity failure")

// Verifier checks downloaded artifacts against a manifest using a pinned
// trusted public key. The key is supplied at construction so tests and
// deployments can each pin their own trust root; there is no process-wide
// key registry.
type Verifier struct {
	publicKey ed25519.PublicKey
}

// NewVerifier returns a Verifier pinned to the given ed25519 public key.
func NewVerifier(publicKey ed25519.PublicKey) (*Verifier, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	return &Verifier{publicKey: publicKey}, nil
}

// NewVerifierFromBase64 builds a Verifier from a base64-encoded public
// key, the form it takes in configuration.
func NewVerifierFromBase64(encoded string) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return NewVerifier(raw)
}

// Verify recomputes the content hash over data and requires an exact
// match against the manifest's artifact hash, then validates the detached
// ed25519 signature over the artifact bytes. Both checks must pass; a
// manifest whose artifact carries no signature fails verification rather
// than passing silently. Verify is pure over the supplied bytes and never
// touches storage.
func (v *Verifier) Verify(data []byte, m *Manifest) error {
	if m.Artifact == nil {
		return fmt.Errorf("%w: manifest has no artifact", ErrIntegrityFailure)
	}

	if int64(len(data)) != m.Artifact.Size {
		return fmt.Errorf("%w: size mismatch: expected %d bytes, got %d", ErrIntegrityFailure, m.Artifact.Size, len(data))
	}

	sum := sha256.Sum256(data)
	computed := "sha256:" + hex.EncodeToString(sum[:])
	if computed != m.Artifact.Hash {
		return fmt.Errorf("%w: hash mismatch: expected %s, got %s", ErrIntegrityFailure, m.Artifact.Hash, computed)
	}

	if m.Artifact.Signature == "" {
		return fmt.Errorf("%w: artifact has no signature", ErrIntegrityFailure)
	}
	sig, err := base64.StdEncoding.DecodeString(m.Artifact.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature: %v", ErrIntegrityFailure, err)
	}
	if !ed25519.Verify(v.publicKey, data, sig) {
		return fmt.Errorf("%w: signature verification failed", ErrIntegrityFailure)
	}

	return nil
}
