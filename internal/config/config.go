package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AppConfig configures a bridge node.
type AppConfig struct {
	NodeID string

	RedisURL string

	AuditBaseURL    string
	AuditHMACSecret string

	LeaseTTL     time.Duration
	RingCapacity int
	MaxRetries   int

	HTTPTimeout time.Duration

	MetricsAddr string

	// Zero disables the respective feature.
	WatchdogInterval time.Duration
	MaxCommandAge    time.Duration
}

// SinkConfig configures the audit sink service.
type SinkConfig struct {
	ListenAddr      string
	DatabaseURL     string
	MemoryStore     bool
	AuditHMACSecret string
}

// Load reads the bridge node configuration from the environment, applying an
// optional YAML overlay named by CONFIG_FILE first.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		LeaseTTL:     30 * time.Second,
		RingCapacity: 64,
		MaxRetries:   4,
		HTTPTimeout:  10 * time.Second,
	}

	overlay, err := loadOverlay(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
	if err != nil {
		return nil, err
	}

	cfg.NodeID = pick(overlay.NodeID, "NODE_ID")
	cfg.RedisURL = pick(overlay.RedisURL, "REDIS_URL")
	cfg.AuditBaseURL = pick(overlay.AuditBaseURL, "AUDIT_BASE_URL")
	cfg.AuditHMACSecret = pick(overlay.AuditHMACSecret, "AUDIT_HMAC_SECRET")
	cfg.MetricsAddr = pick(overlay.MetricsAddr, "METRICS_ADDR")

	if v := pick(overlay.LeaseTTL, "LEASE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < time.Second {
			return nil, fmt.Errorf("invalid LEASE_TTL %q", v)
		}
		cfg.LeaseTTL = d
	}
	if v := pick(overlay.WatchdogInterval, "WATCHDOG_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid WATCHDOG_INTERVAL %q", v)
		}
		cfg.WatchdogInterval = d
	}
	if v := pick(overlay.MaxCommandAge, "MAX_COMMAND_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid MAX_COMMAND_AGE %q", v)
		}
		cfg.MaxCommandAge = d
	}
	if v := strings.TrimSpace(os.Getenv("RING_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RingCapacity = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRetries = n
		}
	}

	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "node"
		}
		cfg.NodeID = host + "-" + uuid.NewString()[:8]
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.AuditBaseURL == "" {
		return nil, errors.New("AUDIT_BASE_URL is required")
	}
	if cfg.AuditHMACSecret == "" {
		return nil, errors.New("AUDIT_HMAC_SECRET is required")
	}

	return cfg, nil
}

// LoadSink reads the audit sink configuration from the environment.
func LoadSink() (*SinkConfig, error) {
	cfg := &SinkConfig{ListenAddr: ":8090"}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.MemoryStore = strings.EqualFold(strings.TrimSpace(os.Getenv("AUDIT_STORE")), "memory")
	cfg.AuditHMACSecret = strings.TrimSpace(os.Getenv("AUDIT_HMAC_SECRET"))

	if cfg.AuditHMACSecret == "" {
		return nil, errors.New("AUDIT_HMAC_SECRET is required")
	}
	if cfg.DatabaseURL == "" && !cfg.MemoryStore {
		return nil, errors.New("DATABASE_URL is required unless AUDIT_STORE=memory")
	}

	return cfg, nil
}

func pick(overlay, envKey string) string {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	return strings.TrimSpace(overlay)
}
