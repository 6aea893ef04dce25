package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openguild/openguild/internal/keyring"
)

// ErrInvalidToken covers every access-token failure mode: malformed
// structure, bad encoding, unknown signature, expired claims. Deviant input
// must produce an authentication failure, never an internal error.
var ErrInvalidToken = errors.New("auth: invalid access token")

// Claims is the signed access-token payload. Timestamps are Unix
// milliseconds, matching the event wire convention.
type Claims struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	IssuedAt  int64     `json:"issued_at"`
	ExpiresAt int64     `json:"expires_at"`
}

// signAccessToken serializes claims and signs the payload bytes with the
// ring's primary key. Wire form: b64url(payload) "." b64url(signature),
// both unpadded.
func signAccessToken(ring *keyring.Ring, claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	sig := ring.Sign(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// verifyAccessToken parses and verifies the token against the ring. Expiry
// is checked against now.
func verifyAccessToken(ring *keyring.Ring, token string, now time.Time) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, ErrInvalidToken
	}
	if err := ring.Verify(payload, sig); err != nil {
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt <= now.UnixMilli() {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// EncodeRefreshToken renders the 16 refresh-id bytes as a 22-character
// unpadded base64url string.
func EncodeRefreshToken(refreshID uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString(refreshID[:])
}

// DecodeRefreshToken reverses EncodeRefreshToken. Anything that does not
// decode to exactly 16 bytes is rejected.
func DecodeRefreshToken(token string) (uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 16 {
		return uuid.UUID{}, ErrInvalidToken
	}
	var id uuid.UUID
	copy(id[:], raw)
	return id, nil
}
