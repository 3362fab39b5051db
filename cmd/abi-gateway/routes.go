package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atomic-mesh/abi-gateway/internal/audit"
	"github.com/atomic-mesh/abi-gateway/internal/capability"
	"github.com/atomic-mesh/abi-gateway/internal/decisionlog"
	"github.com/atomic-mesh/abi-gateway/internal/envelope"
	"github.com/atomic-mesh/abi-gateway/internal/gwerr"
	"github.com/atomic-mesh/abi-gateway/internal/keyring"
	"github.com/atomic-mesh/abi-gateway/internal/pipeline"
)

// routes builds the full HTTP surface over g.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", g.handleRegister)
	mux.HandleFunc("POST /verify", g.handleVerify)
	mux.HandleFunc("POST /emit", g.handleEmit)
	mux.HandleFunc("POST /capabilities", g.handleCapabilities)
	mux.HandleFunc("GET /subscribe/{topic}", g.handleSubscribe)
	mux.HandleFunc("GET /admin/keys", g.handleAdminKeysList)
	mux.HandleFunc("POST /admin/keys", g.handleAdminKeysUpsert)
	mux.HandleFunc("POST /admin/keys/revoke", g.handleAdminKeysRevoke)
	mux.HandleFunc("GET /audit/tail", g.handleAuditTail)
	return withRequestID(mux)
}

// registerRequest is the body of POST /register: an AE announcing itself
// and requesting an admission challenge.
type registerRequest struct {
	AEID string `json:"ae_id"`
}

type registerResponse struct {
	Nonce string `json:"nonce"`
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSONBody(r, &req, g.cfg.MaxRequestBodyBytes); err != nil {
		writeJSONBodyError(w, err)
		return
	}
	if strings.TrimSpace(req.AEID) == "" {
		writeJSONBodyError(w, gwerr.New(gwerr.BadRequest, "ae_id is required"))
		return
	}

	if _, err := g.keys.Get(req.AEID); err != nil {
		writeGatewayError(w, gwerr.New(gwerr.NotFound, "unknown ae_id: enroll via /admin/keys first"))
		return
	}

	nonce, err := g.nonces.Issue(req.AEID)
	if err != nil {
		writeGatewayError(w, gwerr.Wrap(gwerr.Internal, "nonce issuance failed", err))
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{Nonce: base64.StdEncoding.EncodeToString(nonce[:])})
}

// verifyRequest is the body of POST /verify: the AE's signature over its
// issued nonce, proving possession of the enrolled private key.
type verifyRequest struct {
	AEID        string `json:"ae_id"`
	SignedNonce string `json:"signed_nonce"` // base64 Ed25519 signature over the raw nonce bytes
}

type verifyResponse struct {
	Grant string `json:"grant"`
}

func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSONBody(r, &req, g.cfg.MaxRequestBodyBytes); err != nil {
		writeJSONBodyError(w, err)
		return
	}

	rec, err := g.keys.Get(req.AEID)
	if err != nil {
		writeGatewayError(w, gwerr.New(gwerr.Unauthenticated, "unknown ae_id"))
		return
	}
	if rec.State == keyring.Revoked {
		writeGatewayError(w, gwerr.New(gwerr.Unauthenticated, "ae_id is revoked"))
		return
	}
	if !rec.Expiry.IsZero() && time.Now().After(rec.Expiry) {
		writeGatewayError(w, gwerr.New(gwerr.Unauthenticated, "ae_id enrollment has expired"))
		return
	}

	sig, err := base64.StdEncoding.DecodeString(req.SignedNonce)
	if err != nil {
		writeGatewayError(w, gwerr.New(gwerr.BadRequest, "signed_nonce is not valid base64"))
		return
	}

	// The wire protocol only carries the AE's signature over the nonce, never
	// the raw nonce value itself, so noncecache.Consume's "caller supplies the
	// candidate value" shape can't apply here — Peek the outstanding value to
	// verify against, then Delete unconditionally to burn the challenge.
	nonce, outstanding := g.nonces.Peek(req.AEID)
	g.nonces.Delete(req.AEID) // burn the challenge whether or not it verifies
	if !outstanding {
		writeGatewayError(w, gwerr.New(gwerr.Unauthenticated, "nonce expired or not outstanding"))
		return
	}

	if !ed25519.Verify(ed25519.PublicKey(rec.PublicKey), nonce[:], sig) {
		g.audit.Append(audit.Record{
			Actor:    req.AEID,
			Action:   "admission.verify",
			Decision: "Denied",
			Reason:   "signature verification failed",
		})
		writeGatewayError(w, gwerr.New(gwerr.Unauthenticated, "signature verification failed"))
		return
	}

	if _, err := g.keys.SetState(req.AEID, keyring.Trusted); err != nil {
		writeGatewayError(w, gwerr.Wrap(gwerr.Internal, "trust state update failed", err))
		return
	}

	jti := newRequestID()
	grant, err := g.sess.Issue(req.AEID, rec.Roles, "tactical_ae", jti)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	g.audit.Append(audit.Record{
		Actor:    req.AEID,
		Action:   "admission.verify",
		Decision: "Accepted",
	})
	decisionlog.Decision("admission_verified", map[string]any{"ae_id": req.AEID})

	writeJSON(w, http.StatusOK, verifyResponse{Grant: grant})
}

func (g *Gateway) handleEmit(w http.ResponseWriter, r *http.Request) {
	var wire wireEnvelope
	if err := readJSONBody(r, &wire, g.cfg.MaxRequestBodyBytes); err != nil {
		writeJSONBodyError(w, err)
		return
	}
	env, err := wire.toEnvelope()
	if err != nil {
		writeJSONBodyError(w, err)
		return
	}

	err = g.pipe.Emit(pipeline.EmitRequest{BearerToken: bearerToken(r), Envelope: env})
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// wireEnvelope is the JSON wire shape for POST /emit: byte fields travel as
// base64 strings and the timestamp as RFC3339.
type wireEnvelope struct {
	Producer  string            `json:"producer"`
	Subject   string            `json:"subject"`
	Payload   string            `json:"payload"`
	Timestamp string            `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
	Signature string            `json:"signature"`
}

func (w wireEnvelope) toEnvelope() (envelope.Envelope, error) {
	payload, err := base64.StdEncoding.DecodeString(w.Payload)
	if err != nil {
		return envelope.Envelope{}, gwerr.Wrap(gwerr.BadRequest, "payload is not valid base64", err)
	}
	sig, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil {
		return envelope.Envelope{}, gwerr.Wrap(gwerr.BadRequest, "signature is not valid base64", err)
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return envelope.Envelope{}, gwerr.Wrap(gwerr.BadRequest, "timestamp is not RFC3339", err)
	}
	return envelope.Envelope{
		Producer:  w.Producer,
		Subject:   w.Subject,
		Payload:   payload,
		Timestamp: ts,
		Labels:    w.Labels,
		Signature: sig,
	}, nil
}

// capabilitiesRequest is the body of POST /capabilities.
type capabilitiesRequest struct {
	Publishes  []string       `json:"publishes"`
	Subscribes []string       `json:"subscribes"`
	Meta       map[string]any `json:"meta,omitempty"`
}

func (g *Gateway) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	claims, err := g.sess.Validate(bearerToken(r))
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if err := g.idle.Touch(claims.ID, claims.Profile); err != nil {
		writeGatewayError(w, err)
		return
	}
	rec, err := g.keys.Get(claims.Subject)
	if err != nil || !rec.Usable() {
		writeGatewayError(w, gwerr.New(gwerr.NotTrusted, "principal not trusted"))
		return
	}

	var req capabilitiesRequest
	if err := readJSONBody(r, &req, g.cfg.MaxRequestBodyBytes); err != nil {
		writeJSONBodyError(w, err)
		return
	}

	if err := g.caps.Put(capability.Declaration{
		AEID:       claims.Subject,
		Publishes:  req.Publishes,
		Subscribes: req.Subscribes,
		Meta:       req.Meta,
	}); err != nil {
		writeGatewayError(w, gwerr.Wrap(gwerr.Internal, "capability write failed", err))
		return
	}

	g.audit.Append(audit.Record{
		Actor:    claims.Subject,
		Action:   "capability.declare",
		Decision: "Accepted",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (g *Gateway) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	stream, claims, err := g.bridge.Admit(bearerToken(r), topic)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if err := g.idle.Touch(claims.ID, claims.Profile); err != nil {
		stream.Close()
		writeGatewayError(w, err)
		return
	}
	_ = g.bridge.Serve(w, r, stream, topic)
}

// --- Admin routes. The configured access mode adds a shortcut: loopback
// admits requests from 127.0.0.1/::1, token admits a matching X-Admin-Token
// header, hybrid admits either. A request the shortcut does not admit needs
// a valid bearer grant whose subject holds the "admin" role in the keyring. ---

func (g *Gateway) authorizeAdmin(w http.ResponseWriter, r *http.Request) (claimsSubject string, ok bool) {
	if g.cfg.AdminAccessMode == "loopback" || g.cfg.AdminAccessMode == "hybrid" {
		if isLoopback(r.RemoteAddr) {
			return "loopback", true
		}
	}
	if g.cfg.AdminAccessMode == "token" || g.cfg.AdminAccessMode == "hybrid" {
		if token := r.Header.Get("X-Admin-Token"); token != "" && g.cfg.AdminToken != "" && token == g.cfg.AdminToken {
			return "admin-token", true
		}
	}

	claims, err := g.sess.Validate(bearerToken(r))
	if err != nil {
		writeGatewayError(w, err)
		return "", false
	}
	if !g.isAdmin(claims.Subject) {
		writeGatewayError(w, gwerr.New(gwerr.Forbidden, "admin role required"))
		return "", false
	}
	return claims.Subject, true
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx >= 0 {
		host = remoteAddr[:idx]
	}
	host = strings.Trim(host, "[]")
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

type adminKeyRecord struct {
	AEID      string    `json:"ae_id"`
	PublicKey string    `json:"public_key"`
	Roles     []string  `json:"roles"`
	State     string    `json:"state"`
	Expiry    time.Time `json:"expiry,omitempty"`
}

func (g *Gateway) handleAdminKeysList(w http.ResponseWriter, r *http.Request) {
	actor, ok := g.authorizeAdmin(w, r)
	if !ok {
		return
	}
	recs, err := g.keys.List()
	if err != nil {
		writeGatewayError(w, gwerr.Wrap(gwerr.Internal, "keyring list failed", err))
		return
	}
	out := make([]adminKeyRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, adminKeyRecord{
			AEID:      rec.AEID,
			PublicKey: base64.StdEncoding.EncodeToString(rec.PublicKey),
			Roles:     rec.Roles,
			State:     string(rec.State),
			Expiry:    rec.Expiry,
		})
	}
	decisionlog.Decision("admin_keys_list", map[string]any{"actor": actor})
	writeJSON(w, http.StatusOK, out)
}

type adminKeysUpsertRequest struct {
	AEID      string    `json:"ae_id"`
	PublicKey string    `json:"public_key"`
	Roles     []string  `json:"roles"`
	Expiry    time.Time `json:"expiry,omitempty"`
}

func (g *Gateway) handleAdminKeysUpsert(w http.ResponseWriter, r *http.Request) {
	actor, ok := g.authorizeAdmin(w, r)
	if !ok {
		return
	}
	var req adminKeysUpsertRequest
	if err := readJSONBody(r, &req, g.cfg.MaxRequestBodyBytes); err != nil {
		writeJSONBodyError(w, err)
		return
	}
	pub, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		writeJSONBodyError(w, gwerr.Wrap(gwerr.BadRequest, "public_key is not valid base64", err))
		return
	}
	rec, err := g.keys.Upsert(req.AEID, ed25519.PublicKey(pub), req.Roles, req.Expiry, true)
	if err != nil {
		writeGatewayError(w, gwerr.Wrap(gwerr.Conflict, "keyring upsert refused", err))
		return
	}
	decisionlog.Decision("admin_keys_upsert", map[string]any{"actor": actor, "ae_id": req.AEID})
	writeJSON(w, http.StatusOK, adminKeyRecord{
		AEID:      rec.AEID,
		PublicKey: base64.StdEncoding.EncodeToString(rec.PublicKey),
		Roles:     rec.Roles,
		State:     string(rec.State),
		Expiry:    rec.Expiry,
	})
}

type adminKeysRevokeRequest struct {
	AEID string `json:"ae_id"`
}

func (g *Gateway) handleAdminKeysRevoke(w http.ResponseWriter, r *http.Request) {
	actor, ok := g.authorizeAdmin(w, r)
	if !ok {
		return
	}
	var req adminKeysRevokeRequest
	if err := readJSONBody(r, &req, g.cfg.MaxRequestBodyBytes); err != nil {
		writeJSONBodyError(w, err)
		return
	}
	rec, err := g.keys.SetState(req.AEID, keyring.Revoked)
	if err != nil {
		writeGatewayError(w, gwerr.Wrap(gwerr.BadRequest, "revoke failed", err))
		return
	}
	decisionlog.Decision("admin_keys_revoke", map[string]any{"actor": actor, "ae_id": req.AEID})
	writeJSON(w, http.StatusOK, adminKeyRecord{AEID: rec.AEID, State: string(rec.State)})
}

func (g *Gateway) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authorizeAdmin(w, r); !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, g.audit.Tail(limit))
}
