// Package config loads gateway configuration from the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	AdminAccessModeLoopback = "loopback"
	AdminAccessModeToken    = "token"
	AdminAccessModeHybrid   = "hybrid"
)

type Config struct {
	Addr     string
	DataDir  string
	AuditLog string

	PolicyFile         string
	PolicyPollInterval time.Duration

	SessionSecret   []byte
	NonceTTL        time.Duration
	SSEHeartbeat    time.Duration
	BusQueueDepth   int
	AuditTailMax    int
	ShutdownTimeout time.Duration

	AdminAccessMode string
	AdminToken      string

	MaxRequestBodyBytes int64
}

func Load() (Config, error) {
	cfg := Config{
		Addr:                getEnv("GATEWAY_ADDR", ":8443"),
		DataDir:             getEnv("GATEWAY_DATA_DIR", defaultDataDir()),
		PolicyPollInterval:  time.Second,
		NonceTTL:            120 * time.Second,
		SSEHeartbeat:        15 * time.Second,
		BusQueueDepth:       256,
		AuditTailMax:        1000,
		ShutdownTimeout:     15 * time.Second,
		AdminAccessMode:     AdminAccessModeHybrid,
		AdminToken:          getEnv("GATEWAY_ADMIN_TOKEN", ""),
		MaxRequestBodyBytes: 1 << 20,
	}

	secret := getEnv("GATEWAY_SESSION_SECRET", "")
	if secret == "" {
		return Config{}, fmt.Errorf("GATEWAY_SESSION_SECRET is required")
	}
	cfg.SessionSecret = []byte(secret)

	if cfg.PolicyFile = getEnv("GATEWAY_POLICY_FILE", ""); cfg.PolicyFile == "" {
		cfg.PolicyFile = cfg.DataDir + "/policy.yaml"
	}
	if cfg.AuditLog = getEnv("GATEWAY_AUDIT_LOG", ""); cfg.AuditLog == "" {
		cfg.AuditLog = cfg.DataDir + "/audit.jsonl"
	}

	if seconds, err := getEnvIntMin("GATEWAY_POLICY_POLL_SECONDS", 1, 1); err != nil {
		return Config{}, err
	} else {
		cfg.PolicyPollInterval = time.Duration(seconds) * time.Second
	}
	if seconds, err := getEnvIntMin("GATEWAY_NONCE_TTL_SECONDS", 120, 1); err != nil {
		return Config{}, err
	} else {
		cfg.NonceTTL = time.Duration(seconds) * time.Second
	}
	if seconds, err := getEnvIntMin("GATEWAY_SSE_HEARTBEAT_SECONDS", 15, 1); err != nil {
		return Config{}, err
	} else {
		cfg.SSEHeartbeat = time.Duration(seconds) * time.Second
	}
	if depth, err := getEnvIntMin("GATEWAY_BUS_QUEUE_DEPTH", 256, 1); err != nil {
		return Config{}, err
	} else {
		cfg.BusQueueDepth = depth
	}
	if seconds, err := getEnvIntMin("GATEWAY_SHUTDOWN_TIMEOUT_SECONDS", 15, 0); err != nil {
		return Config{}, err
	} else {
		cfg.ShutdownTimeout = time.Duration(seconds) * time.Second
	}
	if bytes, err := getEnvIntMin("GATEWAY_MAX_REQUEST_BODY_BYTES", int(cfg.MaxRequestBodyBytes), 1); err != nil {
		return Config{}, err
	} else {
		cfg.MaxRequestBodyBytes = int64(bytes)
	}

	switch value := strings.ToLower(strings.TrimSpace(getEnv("GATEWAY_ADMIN_ACCESS_MODE", cfg.AdminAccessMode))); value {
	case AdminAccessModeLoopback, AdminAccessModeToken, AdminAccessModeHybrid:
		cfg.AdminAccessMode = value
	default:
		return Config{}, fmt.Errorf("invalid GATEWAY_ADMIN_ACCESS_MODE value %q: expected loopback|token|hybrid", value)
	}
	if cfg.AdminAccessMode == AdminAccessModeToken && strings.TrimSpace(cfg.AdminToken) == "" {
		return Config{}, fmt.Errorf("GATEWAY_ADMIN_TOKEN is required when GATEWAY_ADMIN_ACCESS_MODE=token")
	}

	return cfg, nil
}

func defaultDataDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
		return xdg + "/abi-gateway"
	}
	if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
		return home + "/.local/share/abi-gateway"
	}
	return "./gateway-data"
}

func getEnv(name, defaultValue string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntMin(name string, defaultValue, min int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, raw, err)
	}
	if value < min {
		return 0, fmt.Errorf("invalid %s value %d: must be >= %d", name, value, min)
	}
	return value, nil
}
