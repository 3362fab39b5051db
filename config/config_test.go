package config

import "testing"

func TestLoadRequiresSessionSecret(t *testing.T) {
	t.Setenv("GATEWAY_SESSION_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when GATEWAY_SESSION_SECRET is unset")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEWAY_SESSION_SECRET", "test-secret")
	t.Setenv("GATEWAY_ADMIN_ACCESS_MODE", "")
	t.Setenv("GATEWAY_POLICY_FILE", "")
	t.Setenv("GATEWAY_AUDIT_LOG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.AdminAccessMode != AdminAccessModeHybrid {
		t.Fatalf("expected default admin access mode hybrid, got %q", cfg.AdminAccessMode)
	}
	if cfg.NonceTTL.Seconds() != 120 {
		t.Fatalf("expected default nonce ttl of 120s, got %v", cfg.NonceTTL)
	}
	if cfg.PolicyFile == "" || cfg.AuditLog == "" {
		t.Fatalf("expected policy file and audit log defaults to be derived from data dir")
	}
}

func TestLoadRejectsInvalidAdminAccessMode(t *testing.T) {
	t.Setenv("GATEWAY_SESSION_SECRET", "test-secret")
	t.Setenv("GATEWAY_ADMIN_ACCESS_MODE", "bogus")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid admin access mode")
	}
}

func TestLoadRequiresAdminTokenInTokenMode(t *testing.T) {
	t.Setenv("GATEWAY_SESSION_SECRET", "test-secret")
	t.Setenv("GATEWAY_ADMIN_ACCESS_MODE", "token")
	t.Setenv("GATEWAY_ADMIN_TOKEN", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when admin access mode is token and admin token is unset")
	}
}
