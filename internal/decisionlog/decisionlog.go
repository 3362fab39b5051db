// Package decisionlog writes structured, redacted JSON lines to the
// process log for operator visibility. It is distinct from the durable
// audit log: this is for operators, the audit log is the non-repudiable
// record of record.
package decisionlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

var redactedKeyFragments = []string{
	"grant",
	"secret",
	"signature",
	"password",
	"private",
}

var hashedKeyFragments = []string{
	"ae_id",
	"pubkey",
	"jti",
	"fingerprint",
}

// Decision logs one structured decision event with the given field map.
func Decision(event string, fields map[string]any) {
	payload := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"component": "abi-gateway",
		"kind":      "decision",
		"event":     strings.TrimSpace(event),
	}
	for key, value := range fields {
		normalizedKey := strings.TrimSpace(key)
		if normalizedKey == "" {
			continue
		}
		payload[normalizedKey] = sanitizeDepth(normalizedKey, value, 0)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Printf("decision log marshal failed event=%s err=%v", strings.TrimSpace(event), err)
		return
	}
	log.Print(string(encoded))
}

func sanitizeDepth(key string, value any, depth int) any {
	if depth > 4 {
		return "[truncated]"
	}
	switch typed := value.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(typed))
		for childKey, childValue := range typed {
			out[childKey] = sanitizeDepth(childKey, childValue, depth+1)
		}
		return out
	case []string:
		out := make([]any, 0, len(typed))
		for _, childValue := range typed {
			out = append(out, sanitizeDepth(key, childValue, depth+1))
		}
		return out
	case string:
		return sanitizeString(key, typed)
	case error:
		return sanitizeString(key, typed.Error())
	case time.Duration:
		return typed.Milliseconds()
	case fmt.Stringer:
		return sanitizeString(key, typed.String())
	default:
		return typed
	}
}

func sanitizeString(key, value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalizedKey := strings.ToLower(strings.TrimSpace(key))

	if strings.Contains(normalizedKey, "ip") {
		return maskIP(trimmed)
	}
	if hasFragment(normalizedKey, redactedKeyFragments) {
		return "[redacted]"
	}
	if hasFragment(normalizedKey, hashedKeyFragments) {
		return fingerprint(trimmed)
	}
	if len(trimmed) > 256 {
		return trimmed[:256] + "...(truncated)"
	}
	return trimmed
}

func hasFragment(key string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(key, f) {
			return true
		}
	}
	return false
}

func fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:6])
}

// maskIP masks the host part of an address for logging: /24 for IPv4, /64
// for IPv6.
func maskIP(value string) string {
	host := value
	if h, _, err := net.SplitHostPort(value); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "[redacted]"
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}
	masked := ip.Mask(net.CIDRMask(64, 128))
	return masked.String() + "/64"
}
