package session

import (
	"testing"
	"time"

	"github.com/atomic-mesh/abi-gateway/internal/gwerr"
)

func TestIssueThenValidateRoundTrip(t *testing.T) {
	iss, err := NewIssuer([]byte("test-secret-that-is-long-enough-32"))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	token, err := iss.Issue("pub_ae", []string{"producer"}, "tactical_ae", "jti-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := iss.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "pub_ae" {
		t.Fatalf("expected subject pub_ae, got %s", claims.Subject)
	}
}

func TestIssueRejectsUnknownProfile(t *testing.T) {
	iss, _ := NewIssuer([]byte("test-secret-that-is-long-enough-32"))
	if _, err := iss.Issue("pub_ae", nil, "nonexistent", "jti-1"); gwerr.CodeOf(err) != gwerr.BadRequest {
		t.Fatalf("expected BadRequest for unknown profile, got %v", err)
	}
}

func TestValidateRejectsBadSignature(t *testing.T) {
	iss1, _ := NewIssuer([]byte("secret-one-that-is-long-enough-32"))
	iss2, _ := NewIssuer([]byte("secret-two-that-is-long-enough-32"))

	token, _ := iss1.Issue("pub_ae", nil, "default", "jti-1")
	if _, err := iss2.Validate(token); gwerr.CodeOf(err) != gwerr.Unauthenticated {
		t.Fatalf("expected Unauthenticated for bad signature, got %v", err)
	}
}

func TestValidateRejectsMalformedToken(t *testing.T) {
	iss, _ := NewIssuer([]byte("secret-that-is-long-enough-for-hs256"))
	if _, err := iss.Validate("not-a-jws"); gwerr.CodeOf(err) != gwerr.Unauthenticated {
		t.Fatalf("expected Unauthenticated for malformed token, got %v", err)
	}
}

func TestIdleTrackerExpiresAfterMaxIdle(t *testing.T) {
	tracker := NewIdleTracker()
	if err := tracker.Touch("jti-1", "tactical_ae"); err != nil {
		t.Fatalf("first touch: %v", err)
	}

	// A known jti touched again within the window is not rejected.
	if err := tracker.Touch("jti-1", "tactical_ae"); err != nil {
		t.Fatalf("second touch within window: %v", err)
	}

	// Simulate idleness by backdating the last activity past max_idle.
	tracker.lastSeen["jti-1"] = time.Now().Add(-Profiles["tactical_ae"].MaxIdle - time.Minute)
	if err := tracker.Touch("jti-1", "tactical_ae"); gwerr.CodeOf(err) != gwerr.Unauthenticated {
		t.Fatalf("expected Unauthenticated after max_idle elapsed, got %v", err)
	}
}
