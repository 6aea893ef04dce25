// Package event implements the canonical event format shared by local writes
// and federation: deterministic serialization, BLAKE3 content hashing,
// hash-derived event IDs and Ed25519 signatures.
package event

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lukechampine.com/blake3"
)

// ErrSignatureVerification covers every way a signature check can fail:
// missing entry, bad encoding, wrong length, or a cryptographic mismatch.
// Callers must not be able to distinguish these cases.
var ErrSignatureVerification = errors.New("event: signature verification failed")

// SigningKeyPrefix namespaces key identifiers inside the signatures map.
const SigningKeyPrefix = "ed25519:"

// Event is the canonical event envelope. Events are immutable after Build;
// Sign only appends to the signatures map and never alters the hash, because
// the hashed view excludes both event_id and signatures.
type Event struct {
	EventID      string                       `json:"event_id"`
	OriginServer string                       `json:"origin_server"`
	RoomID       string                       `json:"room_id"`
	EventType    string                       `json:"event_type"`
	Sender       string                       `json:"sender"`
	OriginTS     int64                        `json:"origin_ts"`
	Content      json.RawMessage              `json:"content"`
	PrevEvents   []string                     `json:"prev_events"`
	AuthEvents   []string                     `json:"auth_events"`
	Signatures   map[string]map[string]string `json:"signatures,omitempty"`
}

// hashView is the event without the derived and additive fields. Hashing the
// full struct would be circular (event_id derives from the hash) and signing
// would mutate the hash (signatures are appended after hashing).
type hashView struct {
	OriginServer string          `json:"origin_server"`
	RoomID       string          `json:"room_id"`
	EventType    string          `json:"event_type"`
	Sender       string          `json:"sender"`
	OriginTS     int64           `json:"origin_ts"`
	Content      json.RawMessage `json:"content"`
	PrevEvents   []string        `json:"prev_events"`
	AuthEvents   []string        `json:"auth_events"`
}

// Build constructs a local event: origin_ts is set to the current wall clock
// in milliseconds and event_id is derived from the canonical hash.
func Build(origin, roomID, eventType, sender string, content json.RawMessage, prevEvents, authEvents []string) (*Event, error) {
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	e := &Event{
		OriginServer: origin,
		RoomID:       roomID,
		EventType:    eventType,
		Sender:       sender,
		OriginTS:     time.Now().UnixMilli(),
		Content:      content,
		PrevEvents:   prevEvents,
		AuthEvents:   authEvents,
	}
	hash, err := e.CanonicalHash()
	if err != nil {
		return nil, err
	}
	e.EventID = EventIDFromHash(hash)
	return e, nil
}

// CanonicalHash is the BLAKE3 digest of the canonical serialization of the
// event without event_id and signatures.
func (e *Event) CanonicalHash() ([32]byte, error) {
	view := hashView{
		OriginServer: e.OriginServer,
		RoomID:       e.RoomID,
		EventType:    e.EventType,
		Sender:       e.Sender,
		OriginTS:     e.OriginTS,
		Content:      e.Content,
		PrevEvents:   e.PrevEvents,
		AuthEvents:   e.AuthEvents,
	}
	// nil and empty slices must hash identically; a peer that round-trips
	// the event through its own JSON library may turn one into the other.
	if view.PrevEvents == nil {
		view.PrevEvents = []string{}
	}
	if view.AuthEvents == nil {
		view.AuthEvents = []string{}
	}
	if len(view.Content) == 0 {
		view.Content = json.RawMessage(`{}`)
	}

	raw, err := json.Marshal(view)
	if err != nil {
		return [32]byte{}, fmt.Errorf("event: marshal hash view: %w", err)
	}
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(canonical), nil
}

// EventIDFromHash derives the textual event ID from a canonical hash.
func EventIDFromHash(hash [32]byte) string {
	return "$" + base64.RawURLEncoding.EncodeToString(hash[:])
}

// Sign appends an Ed25519 signature over the canonical hash under
// signatures[serverName]["ed25519:"+keyID].
func (e *Event) Sign(serverName, keyID string, priv ed25519.PrivateKey) error {
	hash, err := e.CanonicalHash()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(priv, hash[:])

	if e.Signatures == nil {
		e.Signatures = make(map[string]map[string]string)
	}
	if e.Signatures[serverName] == nil {
		e.Signatures[serverName] = make(map[string]string)
	}
	e.Signatures[serverName][SigningKeyPrefix+keyID] = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify re-derives the canonical hash and checks the signature stored under
// signatures[serverName]["ed25519:"+keyID] against the given verifying key.
func (e *Event) Verify(serverName, keyID string, pub ed25519.PublicKey) error {
	hash, err := e.CanonicalHash()
	if err != nil {
		return err
	}
	encoded, ok := e.Signatures[serverName][SigningKeyPrefix+keyID]
	if !ok {
		return ErrSignatureVerification
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrSignatureVerification
	}
	if !ed25519.Verify(pub, hash[:], sig) {
		return ErrSignatureVerification
	}
	return nil
}
