package config

import (
	"slices"

	"github.com/danieliser/code-mode/internal/mcp"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked. Server topology
// (adding/removing an entry in [Config.Servers]) is reported via
// ServersChanged but is deliberately not auto-applied: standing up or
// tearing down a tool server is the Registry's job and requires an explicit
// caller-driven Reconcile, not a background poll goroutine.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SecurityChanged bool
	NewSecurity     SecurityPolicy

	ServersChanged bool
	AddedServers   []string
	RemovedServers []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !securityEqual(old.Security, new.Security) {
		d.SecurityChanged = true
		d.NewSecurity = new.Security
	}

	oldNames := serverNames(old.Servers)
	newNames := serverNames(new.Servers)
	for name := range newNames {
		if !oldNames[name] {
			d.AddedServers = append(d.AddedServers, name)
			d.ServersChanged = true
		}
	}
	for name := range oldNames {
		if !newNames[name] {
			d.RemovedServers = append(d.RemovedServers, name)
			d.ServersChanged = true
		}
	}
	slices.Sort(d.AddedServers)
	slices.Sort(d.RemovedServers)

	return d
}

func serverNames(servers []mcp.ServerConfig) map[string]bool {
	m := make(map[string]bool, len(servers))
	for _, s := range servers {
		m[s.Name] = true
	}
	return m
}

// securityEqual reports whether two SecurityPolicy values are equivalent for
// hot-reload purposes.
func securityEqual(a, b SecurityPolicy) bool {
	if a.AuditEnabled != b.AuditEnabled || a.Payload != b.Payload {
		return false
	}
	if !slices.Equal(slices.Sorted(slices.Values(a.AllowedServers)), slices.Sorted(slices.Values(b.AllowedServers))) {
		return false
	}
	if len(a.RateLimits) != len(b.RateLimits) {
		return false
	}
	for name, limit := range a.RateLimits {
		if b.RateLimits[name] != limit {
			return false
		}
	}
	if len(a.AllowedTools) != len(b.AllowedTools) {
		return false
	}
	for name, tools := range a.AllowedTools {
		bTools, ok := b.AllowedTools[name]
		if !ok {
			return false
		}
		if !slices.Equal(slices.Sorted(slices.Values(tools)), slices.Sorted(slices.Values(bTools))) {
			return false
		}
	}
	return true
}
