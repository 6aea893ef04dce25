package keyring

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyWithPrimary(t *testing.T) {
	ring, err := Generate("k1")
	require.NoError(t, err)

	msg := []byte("payload")
	sig := ring.Sign(msg)
	assert.NoError(t, ring.Verify(msg, sig))
}

func TestVerifyFallsBackToDemotedKey(t *testing.T) {
	// Sign with an "old" primary, then rotate: the old verifying key is
	// kept as a fallback and signatures from it must still verify.
	old, err := Generate("k1")
	require.NoError(t, err)
	msg := []byte("access token payload")
	sig := old.Sign(msg)

	_, freshPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	rotated, err := New("k2", freshPriv, old.PublicKey())
	require.NoError(t, err)

	assert.NoError(t, rotated.Verify(msg, sig))
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	ring, err := Generate("k1")
	require.NoError(t, err)
	stranger, err := Generate("k9")
	require.NoError(t, err)

	msg := []byte("payload")
	sig := stranger.Sign(msg)
	assert.ErrorIs(t, ring.Verify(msg, sig), ErrUnknownSignature)
}

func TestVerifyRejectsShortSignature(t *testing.T) {
	ring, err := Generate("k1")
	require.NoError(t, err)
	assert.ErrorIs(t, ring.Verify([]byte("payload"), []byte("short")), ErrUnknownSignature)
}
