// Package keyring holds the server's Ed25519 signing material: one primary
// signing key plus any number of fallback verifying keys. Fallbacks let the
// primary rotate without invalidating access tokens signed by the demoted key.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrUnknownSignature is returned when no key in the ring accepts a signature.
var ErrUnknownSignature = errors.New("keyring: verification failed for all known keys")

// Ring is immutable after construction and safe for concurrent use.
type Ring struct {
	keyID     string
	primary   ed25519.PrivateKey
	verifiers []ed25519.PublicKey
}

// New builds a ring around an existing primary key. Fallback verifying keys
// are tried in order after the primary.
func New(keyID string, primary ed25519.PrivateKey, fallbacks ...ed25519.PublicKey) (*Ring, error) {
	if len(primary) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keyring: primary key must be %d bytes, got %d", ed25519.PrivateKeySize, len(primary))
	}
	verifiers := make([]ed25519.PublicKey, 0, len(fallbacks)+1)
	verifiers = append(verifiers, primary.Public().(ed25519.PublicKey))
	verifiers = append(verifiers, fallbacks...)
	return &Ring{keyID: keyID, primary: primary, verifiers: verifiers}, nil
}

// Generate creates a ring with a fresh ephemeral primary. Tokens signed by
// an ephemeral key do not survive a restart.
func Generate(keyID string) (*Ring, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate: %w", err)
	}
	return New(keyID, priv)
}

// KeyID identifies the primary signing key.
func (r *Ring) KeyID() string { return r.keyID }

// Primary exposes the signing key for callers that sign events directly.
func (r *Ring) Primary() ed25519.PrivateKey { return r.primary }

// PublicKey is the verifying half of the primary.
func (r *Ring) PublicKey() ed25519.PublicKey {
	return r.verifiers[0]
}

// Sign signs msg with the primary key.
func (r *Ring) Sign(msg []byte) []byte {
	return ed25519.Sign(r.primary, msg)
}

// Verify accepts msg if any key in the ring (primary first, then fallbacks)
// verifies the signature.
func (r *Ring) Verify(msg, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return ErrUnknownSignature
	}
	for _, pub := range r.verifiers {
		if ed25519.Verify(pub, msg, sig) {
			return nil
		}
	}
	return ErrUnknownSignature
}
