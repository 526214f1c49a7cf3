package runtimeconfig

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileOverrides mirrors the subset of Config an operator may override from
// .pi/runtime-config.yaml. Durations are expressed in milliseconds, matching
// the on-disk JSON field naming used throughout the rest of the config.
type fileOverrides struct {
	LeaseTTLMs              *int64 `yaml:"leaseTtlMs"`
	HeartbeatIntervalMs     *int64 `yaml:"heartbeatIntervalMs"`
	PendingTTLMs            *int64 `yaml:"pendingTtlMs"`
	LockTimeoutMs           *int64 `yaml:"lockTimeoutMs"`
	LockStaleMs             *int64 `yaml:"lockStaleMs"`
	RateLimitFastFailMs     *int64 `yaml:"rateLimitFastFailThresholdMs"`
	BreakerCooldownMs       *int64 `yaml:"breakerCooldownMs"`
	BreakerFailureThreshold *int   `yaml:"breakerFailureThreshold"`
	BreakerSuccessThreshold *int   `yaml:"breakerSuccessThreshold"`
	HeartbeatTimeoutMs      *int64 `yaml:"heartbeatTimeoutMs"`
	MCPDefaultTimeoutMs     *int64 `yaml:"mcpDefaultTimeoutMs"`
	MCPMaxConnections       *int   `yaml:"mcpMaxConnections"`
	MaxTotalRequests        *int   `yaml:"maxTotalRequests"`
	MaxTotalLLM             *int   `yaml:"maxTotalLlm"`
}

// LoadFile applies overrides from a YAML file on top of the current
// process-wide Config. Missing file is not an error (defaults stand); a
// parse failure is returned so the caller can log a warning and continue
// with defaults rather than fail startup.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Default(), err
	}

	var ov fileOverrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return Default(), err
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = load()
	}
	cfg := *global

	applyMs(&cfg.LeaseTTL, ov.LeaseTTLMs)
	applyMs(&cfg.HeartbeatInterval, ov.HeartbeatIntervalMs)
	applyMs(&cfg.PendingTTL, ov.PendingTTLMs)
	applyMs(&cfg.LockTimeout, ov.LockTimeoutMs)
	applyMs(&cfg.LockStale, ov.LockStaleMs)
	applyMs(&cfg.RateLimitFastFailThresh, ov.RateLimitFastFailMs)
	applyMs(&cfg.BreakerCooldown, ov.BreakerCooldownMs)
	applyMs(&cfg.HeartbeatTimeout, ov.HeartbeatTimeoutMs)
	applyMs(&cfg.MCPDefaultTimeout, ov.MCPDefaultTimeoutMs)
	if ov.BreakerFailureThreshold != nil {
		cfg.BreakerFailureThreshold = *ov.BreakerFailureThreshold
	}
	if ov.BreakerSuccessThreshold != nil {
		cfg.BreakerSuccessThreshold = *ov.BreakerSuccessThreshold
	}
	if ov.MCPMaxConnections != nil {
		cfg.MCPMaxConnections = *ov.MCPMaxConnections
	}
	if ov.MaxTotalRequests != nil {
		cfg.MaxTotalRequests = *ov.MaxTotalRequests
	}
	if ov.MaxTotalLLM != nil {
		cfg.MaxTotalLLM = *ov.MaxTotalLLM
	}

	global = &cfg
	return global, nil
}

func applyMs(dst *time.Duration, ms *int64) {
	if ms != nil {
		*dst = time.Duration(*ms) * time.Millisecond
	}
}
