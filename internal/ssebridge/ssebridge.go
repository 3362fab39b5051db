// Package ssebridge implements long-lived GET /subscribe/<topic> streams
// bridging the event bus to Server-Sent Events. Admission is itself
// policy-checked: bearer grant valid, subject trusted in keyring,
// can_subscribe(subject, topic) allow — in that order.
package ssebridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atomic-mesh/abi-gateway/internal/bus"
	"github.com/atomic-mesh/abi-gateway/internal/gwerr"
	"github.com/atomic-mesh/abi-gateway/internal/keyring"
	"github.com/atomic-mesh/abi-gateway/internal/policy"
	"github.com/atomic-mesh/abi-gateway/internal/session"
)

// Bridge admits subscribers and serves their event streams.
type Bridge struct {
	Sessions  *session.Issuer
	Keyring   *keyring.Store
	Policy    *policy.Engine
	Bus       *bus.Bus
	Heartbeat time.Duration
}

// Admit performs the three admission checks in order and, on success,
// returns a bus subscription stream ready to be served.
func (b *Bridge) Admit(bearerToken, topic string) (*bus.Stream, *session.Claims, error) {
	if bearerToken == "" {
		return nil, nil, gwerr.New(gwerr.Unauthenticated, "missing bearer grant")
	}
	claims, err := b.Sessions.Validate(bearerToken)
	if err != nil {
		return nil, nil, err
	}

	rec, err := b.Keyring.Get(claims.Subject)
	if err != nil || !rec.Usable() {
		return nil, nil, gwerr.New(gwerr.NotTrusted, "principal not trusted")
	}

	decision := b.Policy.Current().CanSubscribe(claims.Subject, topic)
	if !decision.Allowed() {
		return nil, nil, gwerr.Newf(gwerr.Forbidden, "%s", decision)
	}

	return b.Bus.Subscribe(topic), &claims, nil
}

// Serve writes SSE framing for stream to w until the request context is
// canceled (client disconnect) or the stream is otherwise closed,
// interleaving a ": ping\n\n" heartbeat comment at the configured
// interval. It always releases the bus subscription on return.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, stream *bus.Stream, subject string) error {
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return gwerr.New(gwerr.Internal, "streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := b.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-stream.Done():
			return nil
		case msg := <-stream.C:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", subject, data); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
