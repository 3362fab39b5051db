// Package session implements bearer session grant issue + validate:
// HMAC-SHA256 signed JWS tokens over claims {sub, iat, exp, roles,
// profile}, with TTLs resolved from a fixed profile table.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/atomic-mesh/abi-gateway/internal/gwerr"
)

// Claims is the JSON payload carried by a session grant.
type Claims struct {
	Subject string   `json:"sub"`
	IssuedAt int64   `json:"iat"`
	Expiry   int64   `json:"exp"`
	Roles    []string `json:"roles"`
	Profile  string   `json:"profile"`
	ID       string   `json:"jti"`
}

// Profile names a session-behavior ruleset: session lifetime and idle
// timeout. The rule set is not enumerated by the source specification;
// this table is grounded on the original implementation's profile table
// and is the binding resolution of that open question. The original also
// carried a per-profile access_ttl_sec, but never consulted it anywhere in
// session issuance or the idle/lifetime gate, so it is not ported here.
type Profile struct {
	SessionLifetime time.Duration
	MaxIdle         time.Duration
}

// Profiles is the fixed, in-process table of named profiles. Requesting an
// unrecognized name is a BadRequest error, never a silent fallback.
var Profiles = map[string]Profile{
	"default": {
		SessionLifetime: 24 * time.Hour,
		MaxIdle:         10 * time.Minute,
	},
	"tactical_ae": {
		SessionLifetime: 24 * time.Hour,
		MaxIdle:         10 * time.Minute,
	},
	"backend_daemon": {
		SessionLifetime: 30 * 24 * time.Hour,
		MaxIdle:         24 * time.Hour,
	},
}

// Issuer issues and validates session grants using a symmetric secret.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an Issuer. secret must be non-empty; config.Load
// already enforces this is a fatal startup condition if absent.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("session: secret must not be empty")
	}
	return &Issuer{secret: secret}, nil
}

// Issue creates a signed bearer grant for subject under the named profile.
func (iss *Issuer) Issue(subject string, roles []string, profile string, jti string) (string, error) {
	p, ok := Profiles[profile]
	if !ok {
		return "", gwerr.Newf(gwerr.BadRequest, "unknown session profile: %s", profile)
	}

	now := time.Now().UTC()
	claims := Claims{
		Subject:  subject,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(p.SessionLifetime).Unix(),
		Roles:    roles,
		Profile:  profile,
		ID:       jti,
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: iss.secret}, nil)
	if err != nil {
		return "", fmt.Errorf("session: create signer: %w", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("session: marshal claims: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("session: sign: %w", err)
	}
	token, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("session: serialize: %w", err)
	}
	return token, nil
}

// Validate parses and verifies a grant, returning its Claims. Failures are
// classified as Malformed (structurally invalid), BadSignature (signature
// verification failed), or Expired (signature valid but exp has passed) —
// all surfaced as gwerr.Unauthenticated per the pipeline's stage 2.
func (iss *Issuer) Validate(token string) (Claims, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Claims{}, gwerr.Wrap(gwerr.Unauthenticated, "malformed session grant", err)
	}

	payload, err := jws.Verify(iss.secret)
	if err != nil {
		return Claims{}, gwerr.Wrap(gwerr.Unauthenticated, "bad session grant signature", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, gwerr.Wrap(gwerr.Unauthenticated, "malformed session grant claims", err)
	}
	if claims.Subject == "" || claims.Expiry == 0 {
		return Claims{}, gwerr.New(gwerr.Unauthenticated, "malformed session grant claims")
	}
	if time.Now().Unix() >= claims.Expiry {
		return Claims{}, gwerr.New(gwerr.Unauthenticated, "session grant expired")
	}
	return claims, nil
}
