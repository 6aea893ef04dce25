// Package mls publishes per-identity MLS key packages: an Ed25519 signature
// key plus an HPKE public value, rotated on demand. Group state is out of
// scope; this registry only makes public material discoverable.
package mls

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknownIdentity is returned when rotating an identity that never
// published a key package.
var ErrUnknownIdentity = errors.New("mls: unknown identity")

// hpkeKeySize is the byte length of the published HPKE public value.
const hpkeKeySize = 32

// KeyPackage is the public half of an identity's key material. Key fields
// are base64url-nopad encoded.
type KeyPackage struct {
	Identity     string    `json:"identity"`
	SignatureKey string    `json:"signature_key"`
	HPKEKey      string    `json:"hpke_key"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Registry stores key packages in memory, keyed by identity.
type Registry struct {
	mu       sync.RWMutex
	packages map[string]KeyPackage
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		packages: make(map[string]KeyPackage),
		now:      time.Now,
	}
}

// Publish creates or replaces the identity's key package with fresh
// material.
func (r *Registry) Publish(_ context.Context, identity string) (*KeyPackage, error) {
	pkg, err := r.mint(identity)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.packages[identity] = *pkg
	r.mu.Unlock()
	return pkg, nil
}

// Rotate replaces an existing identity's material. Unknown identities fail
// with ErrUnknownIdentity.
func (r *Registry) Rotate(_ context.Context, identity string) (*KeyPackage, error) {
	r.mu.RLock()
	_, known := r.packages[identity]
	r.mu.RUnlock()
	if !known {
		return nil, ErrUnknownIdentity
	}

	pkg, err := r.mint(identity)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, still := r.packages[identity]; !still {
		return nil, ErrUnknownIdentity
	}
	r.packages[identity] = *pkg
	return pkg, nil
}

// List returns all key packages sorted by identity ascending.
func (r *Registry) List(_ context.Context) ([]KeyPackage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]KeyPackage, 0, len(r.packages))
	for _, pkg := range r.packages {
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (r *Registry) mint(identity string) (*KeyPackage, error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mls: generate signature key: %w", err)
	}
	hpke := make([]byte, hpkeKeySize)
	if _, err := rand.Read(hpke); err != nil {
		return nil, fmt.Errorf("mls: generate hpke key: %w", err)
	}
	return &KeyPackage{
		Identity:     identity,
		SignatureKey: base64.RawURLEncoding.EncodeToString(pub),
		HPKEKey:      base64.RawURLEncoding.EncodeToString(hpke),
		UpdatedAt:    r.now().UTC(),
	}, nil
}
