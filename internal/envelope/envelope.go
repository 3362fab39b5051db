// Package envelope defines the canonical message container that transits
// the mesh, its deterministic signing-byte encoding, and Ed25519
// verification over that encoding.
package envelope

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// Envelope is the canonical message structure signed by a producer AE and
// verified by the gateway before it reaches the bus.
type Envelope struct {
	Producer  string            `json:"producer"`
	Subject   string            `json:"subject"`
	Payload   []byte            `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
	Signature []byte            `json:"signature"`
}

// SigningBytes returns the deterministic, bit-for-bit reproducible encoding
// that is signed and verified. It is the concatenation of length-prefixed
// UTF-8 fields in a fixed order: producer, subject, timestamp (RFC3339 UTC),
// payload, sorted labels. The signature field itself is excluded.
func (e Envelope) SigningBytes() []byte {
	var out []byte
	out = appendField(out, []byte(e.Producer))
	out = appendField(out, []byte(e.Subject))
	out = appendField(out, []byte(e.Timestamp.UTC().Format(time.RFC3339)))
	out = appendField(out, e.Payload)
	out = appendField(out, []byte(sortedLabelsString(e.Labels)))
	return out
}

func appendField(out []byte, field []byte) []byte {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(field)))
	out = append(out, lenBuf[:]...)
	return append(out, field...)
}

// sortedLabelsString renders labels as "k1=v1,k2=v2" with keys sorted, so
// two envelopes with the same label set produce identical signing bytes
// regardless of map iteration order. Empty or nil labels render as "".
func sortedLabelsString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []byte
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, k...)
		out = append(out, '=')
		out = append(out, labels[k]...)
	}
	return string(out)
}

// Verify checks sig against message bytes using a constant-time Ed25519
// verification. It has no side effects.
func Verify(pubkey ed25519.PublicKey, messageBytes []byte, sig []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubkey, messageBytes, sig)
}

// Sign produces a signature over the envelope's canonical signing bytes.
// Provided for tests and for AE-side client helpers; the gateway itself
// only ever verifies.
func Sign(priv ed25519.PrivateKey, e Envelope) []byte {
	return ed25519.Sign(priv, e.SigningBytes())
}

// VerifySelf verifies the envelope's own Signature field against Producer's
// public key, recomputing the canonical signing bytes fresh.
func VerifySelf(pubkey ed25519.PublicKey, e Envelope) bool {
	return Verify(pubkey, e.SigningBytes(), e.Signature)
}

// ValidateShape reports a schema violation in the envelope, independent of
// signature verification.
func ValidateShape(e Envelope) error {
	if e.Producer == "" {
		return fmt.Errorf("envelope missing producer")
	}
	if e.Subject == "" {
		return fmt.Errorf("envelope missing subject")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("envelope missing timestamp")
	}
	if len(e.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("envelope signature has wrong length: %d", len(e.Signature))
	}
	return nil
}
