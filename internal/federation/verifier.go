// Package federation admits events pushed by peer servers. Every event must
// come from a configured trusted origin, claim that origin as its own, carry
// an ID matching its canonical hash, and be signed by the peer's configured
// Ed25519 key. Anything else is rejected with a reason; rejections are data,
// not errors.
package federation

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/sirupsen/logrus"

	"github.com/openguild/openguild/internal/event"
)

// Rejection reasons surfaced in the transaction response.
const (
	ReasonUntrustedOrigin    = "untrusted origin"
	ReasonOriginMismatch     = "origin mismatch: event origin_server differs from transaction origin"
	ReasonEventIDMismatch    = "event id mismatch: id does not match canonical hash"
	ReasonMissingSignature   = "missing signature for origin key"
	ReasonInvalidSigEncoding = "invalid signature encoding"
	ReasonSignatureFailed    = "signature verification failed"
)

// TrustedPeer is a federation origin whose verifying key is configured.
type TrustedPeer struct {
	ServerName   string
	KeyID        string
	VerifyingKey ed25519.PublicKey
}

// Rejection pairs an event with the reason it was refused.
type Rejection struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// Evaluation is the outcome of verifying one transaction.
type Evaluation struct {
	Origin   string
	Accepted []*event.Event
	Rejected []Rejection
}

// Verifier checks incoming transactions against the trust set, which is
// loaded once from configuration and immutable afterwards.
type Verifier struct {
	peers map[string]TrustedPeer
	log   *logrus.Entry
}

// NewVerifier builds a verifier over the configured peers. An empty trust
// set produces a disabled verifier.
func NewVerifier(peers []TrustedPeer) *Verifier {
	m := make(map[string]TrustedPeer, len(peers))
	for _, p := range peers {
		m[p.ServerName] = p
	}
	return &Verifier{
		peers: m,
		log:   logrus.WithField("component", "federation"),
	}
}

// Enabled reports whether any peer is trusted. With no peers the federation
// endpoint answers "disabled" without evaluating anything.
func (v *Verifier) Enabled() bool { return len(v.peers) > 0 }

// Evaluate admits or rejects each event of a transaction independently.
func (v *Verifier) Evaluate(origin string, events []*event.Event) Evaluation {
	eval := Evaluation{Origin: origin}

	peer, trusted := v.peers[origin]
	for _, e := range events {
		if reason := v.check(origin, peer, trusted, e); reason != "" {
			eval.Rejected = append(eval.Rejected, Rejection{EventID: e.EventID, Reason: reason})
			v.log.WithFields(logrus.Fields{
				"origin":   origin,
				"event_id": e.EventID,
				"reason":   reason,
			}).Warn("rejected federation event")
			continue
		}
		eval.Accepted = append(eval.Accepted, e)
	}
	return eval
}

func (v *Verifier) check(origin string, peer TrustedPeer, trusted bool, e *event.Event) string {
	if !trusted {
		return ReasonUntrustedOrigin
	}
	if e.OriginServer != origin {
		return ReasonOriginMismatch
	}

	hash, err := e.CanonicalHash()
	if err != nil {
		return ReasonEventIDMismatch
	}
	if event.EventIDFromHash(hash) != e.EventID {
		return ReasonEventIDMismatch
	}

	encoded, ok := e.Signatures[origin][event.SigningKeyPrefix+peer.KeyID]
	if !ok {
		return ReasonMissingSignature
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ReasonInvalidSigEncoding
	}
	if !ed25519.Verify(peer.VerifyingKey, hash[:], sig) {
		return ReasonSignatureFailed
	}
	return ""
}
