package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"
)

// overlay is the optional YAML config file shape. The environment always
// wins; the file only fills gaps, which keeps container deployments (env
// only) and bare-metal nodes (file + env secrets) on one code path.
type overlay struct {
	NodeID           string `yaml:"node_id"`
	RedisURL         string `yaml:"redis_url"`
	AuditBaseURL     string `yaml:"audit_base_url"`
	AuditHMACSecret  string `yaml:"audit_hmac_secret"`
	MetricsAddr      string `yaml:"metrics_addr"`
	LeaseTTL         string `yaml:"lease_ttl"`
	WatchdogInterval string `yaml:"watchdog_interval"`
	MaxCommandAge    string `yaml:"max_command_age"`
}

func loadOverlay(path string) (overlay, error) {
	var o overlay
	if path == "" {
		return o, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &o); err != nil {
		return o, fmt.Errorf("parse config file: %w", err)
	}
	return o, nil
}
