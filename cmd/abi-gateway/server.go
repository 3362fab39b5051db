package main

import (
	"time"

	"github.com/atomic-mesh/abi-gateway/config"
	"github.com/atomic-mesh/abi-gateway/internal/audit"
	"github.com/atomic-mesh/abi-gateway/internal/bus"
	"github.com/atomic-mesh/abi-gateway/internal/capability"
	"github.com/atomic-mesh/abi-gateway/internal/keyring"
	"github.com/atomic-mesh/abi-gateway/internal/noncecache"
	"github.com/atomic-mesh/abi-gateway/internal/pipeline"
	"github.com/atomic-mesh/abi-gateway/internal/policy"
	"github.com/atomic-mesh/abi-gateway/internal/policyfile"
	"github.com/atomic-mesh/abi-gateway/internal/session"
	"github.com/atomic-mesh/abi-gateway/internal/ssebridge"
)

// Gateway wires together every component into the HTTP surface.
type Gateway struct {
	cfg config.Config

	audit   *audit.Log
	keys    *keyring.Store
	nonces  *noncecache.Cache
	caps    *capability.Store
	sess    *session.Issuer
	idle    *session.IdleTracker
	policyW *policyfile.Watcher
	engine  *policy.Engine
	bus     *bus.Bus
	pipe    *pipeline.Pipeline
	bridge  *ssebridge.Bridge
}

// NewGateway opens every durable store and wires the policy engine,
// pipeline, and SSE bridge. Call Close to release resources.
func NewGateway(cfg config.Config) (*Gateway, error) {
	auditLog, err := audit.Open(cfg.AuditLog, cfg.AuditTailMax)
	if err != nil {
		return nil, err
	}

	keys, err := keyring.Open(cfg.DataDir+"/keyring", auditLog)
	if err != nil {
		return nil, err
	}

	sess, err := session.NewIssuer(cfg.SessionSecret)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:    cfg,
		audit:  auditLog,
		keys:   keys,
		nonces: noncecache.New(cfg.NonceTTL),
		sess:   sess,
		idle:   session.NewIdleTracker(),
		bus:    bus.New(cfg.BusQueueDepth),
	}

	caps, err := capability.Open(cfg.DataDir+"/capability", cfg.SessionSecret, g.onCapabilityWrite)
	if err != nil {
		return nil, err
	}
	g.caps = caps

	policyW, err := policyfile.NewWatcher(cfg.PolicyFile, cfg.PolicyPollInterval, auditLog, g.onPolicyReload)
	if err != nil {
		return nil, err
	}
	g.policyW = policyW

	engine, err := policy.NewEngine(policyW.Snapshot(), caps)
	if err != nil {
		return nil, err
	}
	g.engine = engine
	policyW.Start()

	g.pipe = &pipeline.Pipeline{
		Sessions: sess,
		Idle:     g.idle,
		Keyring:  keys,
		Policy:   engine,
		Bus:      g.bus,
		Audit:    auditLog,
	}
	g.bridge = &ssebridge.Bridge{
		Sessions:  sess,
		Keyring:   keys,
		Policy:    engine,
		Bus:       g.bus,
		Heartbeat: cfg.SSEHeartbeat,
	}

	return g, nil
}

func (g *Gateway) onPolicyReload(doc policyfile.Document) {
	if g.engine != nil {
		g.engine.OnStaticReload(doc)
	}
}

func (g *Gateway) onCapabilityWrite(aeID string) {
	if g.engine != nil {
		g.engine.OnDynamicWrite(aeID)
	}
}

// Close releases every durable resource.
func (g *Gateway) Close() error {
	if g.policyW != nil {
		g.policyW.Stop()
	}
	if g.caps != nil {
		g.caps.Close()
	}
	if g.keys != nil {
		g.keys.Close()
	}
	if g.audit != nil {
		g.audit.Close()
	}
	return nil
}

// isAdmin reports whether the keyring's authoritative role set for ae_id
// includes "admin". Role precedence is keyring over session: this never
// consults the session grant's own roles claim.
func (g *Gateway) isAdmin(aeID string) bool {
	rec, err := g.keys.Get(aeID)
	if err != nil {
		return false
	}
	for _, role := range rec.Roles {
		if role == "admin" {
			return true
		}
	}
	return false
}

func (g *Gateway) shutdownTimeout() time.Duration {
	if g.cfg.ShutdownTimeout <= 0 {
		return 15 * time.Second
	}
	return g.cfg.ShutdownTimeout
}
