// Package pipeline implements the verified-emit pipeline, the orchestrator
// that composes session validation, envelope schema, keyring trust,
// policy, and signature checks in the exact order the security model
// requires before handing a message to the bus.
//
// Each stage on failure short-circuits with a distinct *gwerr.Error and an
// audit record. The ordering is load-bearing: signature verification is
// CPU-bound and must never run before the cheaper trust/policy checks,
// bounding compute spent on hostile input.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/atomic-mesh/abi-gateway/internal/audit"
	"github.com/atomic-mesh/abi-gateway/internal/bus"
	"github.com/atomic-mesh/abi-gateway/internal/decisionlog"
	"github.com/atomic-mesh/abi-gateway/internal/envelope"
	"github.com/atomic-mesh/abi-gateway/internal/gwerr"
	"github.com/atomic-mesh/abi-gateway/internal/keyring"
	"github.com/atomic-mesh/abi-gateway/internal/policy"
	"github.com/atomic-mesh/abi-gateway/internal/session"
)

// Pipeline wires together the components an emit request must pass through.
type Pipeline struct {
	Sessions *session.Issuer
	Idle     *session.IdleTracker
	Keyring  *keyring.Store
	Policy   *policy.Engine
	Bus      *bus.Bus
	Audit    *audit.Log
}

// EmitRequest is the raw input to the pipeline: the bearer token presented
// by the caller and the envelope body to be published.
type EmitRequest struct {
	BearerToken string
	Envelope    envelope.Envelope
}

// Emit runs the ten-stage verified-emit sequence from the source
// specification. On success it returns nil after the envelope has been
// published to the bus and an Accepted audit record has been written.
func (p *Pipeline) Emit(req EmitRequest) error {
	// Stage 1: extract bearer grant.
	if req.BearerToken == "" {
		return p.deny("", "emit", gwerr.New(gwerr.Unauthenticated, "missing bearer grant"))
	}

	// Stage 2: validate grant.
	claims, err := p.Sessions.Validate(req.BearerToken)
	if err != nil {
		return p.deny("", "emit", err)
	}
	if err := p.Idle.Touch(claims.ID, claims.Profile); err != nil {
		return p.deny(claims.Subject, "emit", err)
	}

	// Stage 3: parse/validate envelope shape.
	if err := envelope.ValidateShape(req.Envelope); err != nil {
		return p.deny(claims.Subject, "emit", gwerr.Wrap(gwerr.BadRequest, "malformed envelope", err))
	}

	// Stage 4: producer must equal the grant's subject.
	if req.Envelope.Producer != claims.Subject {
		return p.deny(claims.Subject, "emit", gwerr.Newf(gwerr.SubjectMismatch, "envelope producer %q does not match grant subject %q", req.Envelope.Producer, claims.Subject))
	}

	// Stage 5: load keyring record; keyring roles are authoritative over
	// roles asserted by the session grant.
	rec, err := p.Keyring.Get(claims.Subject)
	if err != nil || !rec.Usable() {
		return p.deny(claims.Subject, "emit", gwerr.New(gwerr.NotTrusted, "principal not trusted"))
	}

	// Stage 6: policy check.
	decision := p.Policy.Current().CanPublish(claims.Subject, req.Envelope.Subject)
	if !decision.Allowed() {
		return p.deny(claims.Subject, "emit", gwerr.Newf(gwerr.Forbidden, "%s", decision))
	}

	// Stage 7: recompute canonical signing bytes; verify signature.
	if !envelope.Verify(rec.PublicKey, req.Envelope.SigningBytes(), req.Envelope.Signature) {
		return p.deny(claims.Subject, "emit", gwerr.New(gwerr.BadSignature, "signature verification failed"))
	}

	// Stage 8: publish to bus. Best-effort against subscribers, but
	// guaranteed from the producer's viewpoint once stages 1-7 pass.
	p.Bus.Publish(req.Envelope)

	// Stage 9: append audit record with decision = Accepted.
	digest := envelopeDigest(req.Envelope)
	if err := p.Audit.Append(audit.Record{
		Actor:    claims.Subject,
		Action:   "emit",
		Subject:  req.Envelope.Subject,
		Digest:   digest,
		Decision: "Accepted",
	}); err != nil {
		return gwerr.Wrap(gwerr.Internal, "audit write failed", err)
	}

	decisionlog.Decision("emit_accepted", map[string]any{
		"ae_id":   claims.Subject,
		"subject": req.Envelope.Subject,
	})

	// Stage 10: caller returns success acknowledgement.
	return nil
}

// deny writes a denial audit record and returns the classified error.
func (p *Pipeline) deny(actor, action string, err error) error {
	gerr, _ := gwerr.As(err)
	reason := err.Error()
	if gerr != nil {
		reason = gerr.Reason
	}
	if actor == "" {
		actor = "unknown"
	}
	_ = p.Audit.Append(audit.Record{
		Actor:    actor,
		Action:   action,
		Decision: "Denied",
		Reason:   reason,
	})
	decisionlog.Decision(action+"_denied", map[string]any{
		"ae_id":  actor,
		"reason": reason,
	})
	return err
}

func envelopeDigest(e envelope.Envelope) string {
	sum := sha256.Sum256(e.SigningBytes())
	return hex.EncodeToString(sum[:])
}
