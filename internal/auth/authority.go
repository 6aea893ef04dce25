// Package auth is the session and refresh-token authority: credential
// verification, signed access tokens with key rotation, and refresh-token
// rotation bound to a device identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openguild/openguild/internal/keyring"
	"github.com/openguild/openguild/internal/storage"
)

const (
	// AccessTokenTTL is the access-session lifetime.
	AccessTokenTTL = 12 * time.Hour
	// RefreshTokenTTL is the refresh-session lifetime.
	RefreshTokenTTL = 30 * 24 * time.Hour
)

// Device identifies the client presenting credentials. DeviceID keys the
// one-live-refresh-token-per-device invariant.
type Device struct {
	DeviceID   string  `json:"device_id"`
	DeviceName *string `json:"device_name,omitempty"`
	UserAgent  *string `json:"user_agent,omitempty"`
	IPAddress  *string `json:"ip_address,omitempty"`
}

// TokenPair is what a successful login or refresh hands back.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Authority issues and verifies tokens. A nil TokenPair with a nil error
// means authentication failed; the HTTP shell maps that to 401.
type Authority struct {
	users    storage.UserStore
	sessions storage.SessionStore
	ring     *keyring.Ring
	now      func() time.Time
	log      *logrus.Entry
}

// NewAuthority wires the authority to its stores and signing keys.
func NewAuthority(users storage.UserStore, sessions storage.SessionStore, ring *keyring.Ring) *Authority {
	return &Authority{
		users:    users,
		sessions: sessions,
		ring:     ring,
		now:      time.Now,
		log:      logrus.WithField("component", "auth"),
	}
}

// Register creates an account with an Argon2id password hash. Password
// length is validated at the HTTP boundary.
func (a *Authority) Register(ctx context.Context, username, password string) (*storage.User, error) {
	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	return a.users.CreateUser(ctx, username, hash)
}

// Login authenticates and mints a fresh session plus refresh token. The
// refresh upsert displaces any prior token on the same (user, device) pair.
func (a *Authority) Login(ctx context.Context, identifier, secret string, device Device) (*TokenPair, error) {
	user, err := a.users.UserByUsername(ctx, identifier)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	match, err := argon2id.ComparePasswordAndHash(secret, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("auth: compare password: %w", err)
	}
	if !match {
		return nil, nil
	}
	return a.mint(ctx, user.UserID, device)
}

// Refresh rotates a refresh token: the presented token must be live, and
// afterwards only the newly minted one resolves. Returns nil,nil for any
// dead, unknown or malformed token.
func (a *Authority) Refresh(ctx context.Context, token string) (*TokenPair, error) {
	refreshID, err := DecodeRefreshToken(token)
	if err != nil {
		return nil, nil
	}

	record, err := a.sessions.RefreshByID(ctx, refreshID)
	if errors.Is(err, storage.ErrRefreshNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := a.now()
	if !record.Live(now) {
		return nil, nil
	}
	if err := a.sessions.TouchRefresh(ctx, refreshID, now); err != nil {
		return nil, err
	}

	device := Device{
		DeviceID:   record.DeviceID,
		DeviceName: record.DeviceName,
		UserAgent:  record.UserAgent,
		IPAddress:  record.IPAddress,
	}
	return a.mint(ctx, record.UserID, device)
}

// VerifyAccess validates a bearer access token and returns its claims.
// Every failure mode is ErrInvalidToken.
func (a *Authority) VerifyAccess(token string) (*Claims, error) {
	return verifyAccessToken(a.ring, token, a.now())
}

// Revoke marks a refresh token revoked. Reports false when the token does
// not decode or the id is unknown; revoking twice is idempotent.
func (a *Authority) Revoke(ctx context.Context, token string) (bool, error) {
	refreshID, err := DecodeRefreshToken(token)
	if err != nil {
		return false, nil
	}
	return a.sessions.RevokeRefresh(ctx, refreshID, a.now())
}

func (a *Authority) mint(ctx context.Context, userID uuid.UUID, device Device) (*TokenPair, error) {
	now := a.now()

	session := storage.Session{
		SessionID: uuid.New(),
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(AccessTokenTTL),
	}
	access, err := signAccessToken(a.ring, Claims{
		SessionID: session.SessionID,
		UserID:    userID,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: session.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("auth: sign access token: %w", err)
	}
	if err := a.sessions.InsertSession(ctx, session); err != nil {
		return nil, err
	}

	refresh := storage.RefreshSession{
		RefreshID:  uuid.New(),
		UserID:     userID,
		SessionID:  session.SessionID,
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
		UserAgent:  device.UserAgent,
		IPAddress:  device.IPAddress,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(RefreshTokenTTL),
	}
	if err := a.sessions.UpsertRefresh(ctx, refresh); err != nil {
		return nil, err
	}

	a.log.WithFields(logrus.Fields{
		"user_id":   userID,
		"device_id": device.DeviceID,
	}).Debug("minted session")

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  session.ExpiresAt,
		RefreshToken:     EncodeRefreshToken(refresh.RefreshID),
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}
