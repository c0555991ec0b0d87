// Package config provides the configuration schema, loader, and hot-reload
// watcher for the Tool Broker.
package config

import (
	"fmt"
	"time"

	"github.com/danieliser/code-mode/internal/mcp"
)

// Config is the root configuration structure for the Broker.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig       `yaml:"server"`
	Broker   BrokerSettings     `yaml:"broker"`
	Servers  []mcp.ServerConfig `yaml:"servers"`
	Security SecurityPolicy     `yaml:"security"`
}

// ServerConfig holds network and logging settings for the Broker's own
// diagnostic HTTP surface (health and metrics endpoints — see
// internal/health and internal/observe). It has no bearing on the tool
// servers the Broker connects to; those are described by [Servers].
type ServerConfig struct {
	// ListenAddr is the TCP address the health/metrics server listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated slog verbosity name.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised level names.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// BrokerSettings holds the tuning knobs for the Server Registry and Call
// Dispatcher that are not part of the security policy.
type BrokerSettings struct {
	// FallbackToMock degrades ServerUnavailable/ServerExited/ServerClosed
	// into a [mcp.MockReply] instead of a raised error. Default for
	// development; should be false in production deployments that need
	// hard failures surfaced.
	FallbackToMock bool `yaml:"fallback_to_mock"`

	// ConnectionTimeout bounds how long Initialize waits for a single
	// server to reach ready before marking it error. Default: 10s.
	ConnectionTimeout Duration `yaml:"connection_timeout"`

	// DefaultDeadline is used by Invoke when the caller passes a zero
	// deadline. Default: 30s.
	DefaultDeadline Duration `yaml:"default_deadline"`

	// SettleDelay is the pause between the initialized notification and the
	// first tools/list request, accommodating servers that build their tool
	// registry asynchronously post-handshake. Default: 1s.
	SettleDelay Duration `yaml:"settle_delay"`
}

// Duration wraps [time.Duration] so it can be written in config as a
// "10s"/"1m30s"-style string rather than a raw nanosecond integer; yaml.v3
// has no built-in duration scalar, so this supplies one via UnmarshalYAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string (e.g. "10s", "1m30s") via
// [time.ParseDuration]. A bare integer scalar is also accepted and
// interpreted as a count of nanoseconds, matching time.Duration's own
// underlying representation.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*d = Duration(n)
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"10s\" or an integer count of nanoseconds")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns d as a [time.Duration].
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// SecurityPolicy is the configuration consumed by the Policy Engine
// (internal/policy). See spec §3/§4.5.
type SecurityPolicy struct {
	// AllowedServers is the set of server names permitted at all. A server
	// absent from this list is denied regardless of tool.
	AllowedServers []string `yaml:"allowed_servers"`

	// AllowedTools maps server_name to an explicit set of tool names, or to
	// the single-element wildcard list []string{"*"} to accept every tool
	// on that server.
	AllowedTools map[string][]string `yaml:"allowed_tools"`

	// RateLimits maps server_name to its effective limits. The key "default"
	// supplies values for servers with no specific entry.
	RateLimits map[string]RateLimit `yaml:"rate_limits"`

	// Payload configures payload-size and sanitization rules.
	Payload PayloadPolicy `yaml:"payload"`

	// AuditEnabled turns on audit-ring logging of every invoke decision.
	AuditEnabled bool `yaml:"audit_enabled"`
}

// RateLimit is the admission budget for one server (or the "default" entry).
type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	MaxConcurrent     int `yaml:"max_concurrent"`
}

// PayloadPolicy configures the Policy Engine's payload validation step.
type PayloadPolicy struct {
	// MaxBytes is the maximum encoded length of a call's params. A payload
	// of exactly MaxBytes is accepted; MaxBytes+1 is denied.
	MaxBytes int `yaml:"max_bytes"`

	// SanitizeStrings enables recursive denylist-pattern stripping of every
	// string leaf in params; a call whose sanitized form differs from the
	// original is denied with reason "unsafe content".
	SanitizeStrings bool `yaml:"sanitize_strings"`
}

// WildcardTool is the sentinel entry in AllowedTools that accepts every tool
// on a server.
const WildcardTool = "*"

// IsWildcard reports whether names is the wildcard allow-list.
func IsWildcard(names []string) bool {
	return len(names) == 1 && names[0] == WildcardTool
}
