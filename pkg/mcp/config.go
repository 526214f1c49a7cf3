package mcp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ServerConfig is one entry of mcp-servers.json's `servers` array.
type ServerConfig struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	TimeoutMs   int    `json:"timeout,omitempty"`
}

// fileConfig is the on-disk shape of .pi/mcp-servers.json.
type fileConfig struct {
	Version string         `json:"version"`
	Servers []ServerConfig `json:"servers"`
}

const (
	minTimeoutMs     = 1000
	maxTimeoutMs     = 300000
	defaultTimeoutMs = 30000
)

// ParseServerConfig validates and normalizes raw mcp-servers.json bytes.
// On a parse failure, callers should catch the error, log a warning, and
// fall back to an empty server list rather than propagate it further up.
func ParseServerConfig(raw []byte) ([]ServerConfig, error) {
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("mcp-servers.json: invalid JSON: %w", err)
	}

	seen := make(map[string]bool, len(fc.Servers))
	out := make([]ServerConfig, 0, len(fc.Servers))
	for _, s := range fc.Servers {
		if !idPattern.MatchString(s.ID) {
			return nil, fmt.Errorf("mcp-servers.json: invalid id %q", s.ID)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("mcp-servers.json: duplicate id %q", s.ID)
		}
		seen[s.ID] = true

		if s.URL == "" {
			return nil, fmt.Errorf("mcp-servers.json: server %q missing url", s.ID)
		}

		if s.TimeoutMs == 0 {
			s.TimeoutMs = defaultTimeoutMs
		}
		if s.TimeoutMs < minTimeoutMs || s.TimeoutMs > maxTimeoutMs {
			return nil, fmt.Errorf("mcp-servers.json: server %q timeout %dms out of range [%d,%d]", s.ID, s.TimeoutMs, minTimeoutMs, maxTimeoutMs)
		}

		out = append(out, s)
	}
	return out, nil
}

// TimeoutDuration returns the server's configured timeout as a Duration.
func (s ServerConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}
