package mls

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndList(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	for _, id := range []string{"charlie", "alice", "bob"} {
		_, err := r.Publish(ctx, id)
		require.NoError(t, err)
	}

	pkgs, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 3)
	assert.Equal(t, "alice", pkgs[0].Identity)
	assert.Equal(t, "bob", pkgs[1].Identity)
	assert.Equal(t, "charlie", pkgs[2].Identity)
}

func TestKeyMaterialEncoding(t *testing.T) {
	r := NewRegistry()
	pkg, err := r.Publish(context.Background(), "alice")
	require.NoError(t, err)

	sig, err := base64.RawURLEncoding.DecodeString(pkg.SignatureKey)
	require.NoError(t, err)
	assert.Len(t, sig, 32, "Ed25519 public key")

	hpke, err := base64.RawURLEncoding.DecodeString(pkg.HPKEKey)
	require.NoError(t, err)
	assert.Len(t, hpke, 32)
}

func TestRotateReplacesMaterial(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	before, err := r.Publish(ctx, "alice")
	require.NoError(t, err)
	after, err := r.Rotate(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, "alice", after.Identity)
	assert.NotEqual(t, before.SignatureKey, after.SignatureKey)
	assert.NotEqual(t, before.HPKEKey, after.HPKEKey)

	pkgs, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, after.SignatureKey, pkgs[0].SignatureKey)
}

func TestRotateUnknownIdentity(t *testing.T) {
	r := NewRegistry()
	_, err := r.Rotate(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}
