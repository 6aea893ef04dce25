package event

import (
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "flat object",
			in:   `{"b":1,"a":2}`,
			want: `{"a":2,"b":1}`,
		},
		{
			name: "nested objects and arrays",
			in:   `{"z":{"y":true,"a":[{"q":1,"b":2}]},"a":null}`,
			want: `{"a":null,"z":{"a":[{"b":2,"q":1}],"y":true}}`,
		},
		{
			name: "whitespace stripped",
			in:   "{ \"a\" : [ 1 , 2 ] }",
			want: `{"a":[1,2]}`,
		},
		{
			name: "no html escaping",
			in:   `{"a":"<b> & 'c'"}`,
			want: `{"a":"<b> & 'c'"}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanonicalJSON([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestCanonicalJSONRejectsNonIntegral(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"a":1.5}`))
	require.Error(t, err)
	_, err = CanonicalJSON([]byte(`{"a":1e3}`))
	require.Error(t, err)
}

func TestBuildDerivesIDFromHash(t *testing.T) {
	e, err := Build("openguild.test", "room-1", "m.room.message", "alice",
		json.RawMessage(`{"body":"hi"}`), nil, nil)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(e.EventID, "$"))
	hash, err := e.CanonicalHash()
	require.NoError(t, err)
	assert.Equal(t, EventIDFromHash(hash), e.EventID)
}

func TestHashExcludesEventIDAndSignatures(t *testing.T) {
	e, err := Build("openguild.test", "room-1", "m.room.message", "alice",
		json.RawMessage(`{"body":"hi"}`), []string{"$prev"}, nil)
	require.NoError(t, err)

	before, err := e.CanonicalHash()
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, e.Sign("openguild.test", "k1", priv))

	after, err := e.CanonicalHash()
	require.NoError(t, err)
	assert.Equal(t, before, after, "signing must not change the hash")

	// A second signature from another server must not break verification
	// of the first.
	_, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, e.Sign("peer.example", "k9", priv2))
	assert.NoError(t, e.Verify("openguild.test", "k1", pub))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e, err := Build("openguild.test", "room-1", "m.room.message", "alice",
		json.RawMessage(`{"body":"hello"}`), nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.Sign("openguild.test", "primary", priv))
	require.NoError(t, e.Verify("openguild.test", "primary", pub))
}

func TestVerifyFailures(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e, err := Build("openguild.test", "room-1", "m.room.message", "alice",
		json.RawMessage(`{"body":"hello"}`), nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Sign("openguild.test", "primary", priv))

	t.Run("missing entry", func(t *testing.T) {
		err := e.Verify("unknown.example", "primary", pub)
		assert.ErrorIs(t, err, ErrSignatureVerification)
	})
	t.Run("wrong key", func(t *testing.T) {
		err := e.Verify("openguild.test", "primary", otherPub)
		assert.ErrorIs(t, err, ErrSignatureVerification)
	})
	t.Run("corrupt encoding", func(t *testing.T) {
		mutated := *e
		mutated.Signatures = map[string]map[string]string{
			"openguild.test": {"ed25519:primary": "not base64!!"},
		}
		err := mutated.Verify("openguild.test", "primary", pub)
		assert.ErrorIs(t, err, ErrSignatureVerification)
	})
	t.Run("tampered content", func(t *testing.T) {
		mutated := *e
		mutated.Content = json.RawMessage(`{"body":"evil"}`)
		err := mutated.Verify("openguild.test", "primary", pub)
		assert.ErrorIs(t, err, ErrSignatureVerification)
	})
}

func TestHashStableAcrossJSONRoundTrip(t *testing.T) {
	e, err := Build("openguild.test", "room-1", "m.room.message", "alice",
		json.RawMessage(`{"z":1,"a":{"nested":true}}`), nil, nil)
	require.NoError(t, err)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))

	h1, err := e.CanonicalHash()
	require.NoError(t, err)
	h2, err := decoded.CanonicalHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, e.EventID, decoded.EventID)
}
