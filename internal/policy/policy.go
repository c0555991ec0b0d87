// Package policy implements the Tool Broker's Policy Engine (spec §4.5):
// the ordered allow-list, runtime-permission, rate-limit, and payload checks
// that every invoke must pass, plus the audit trail those decisions are
// recorded to.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danieliser/code-mode/internal/config"
	"github.com/danieliser/code-mode/internal/mcp"
)

// Decision is the outcome of [Engine.Decide].
type Decision struct {
	// Allowed is true when every check passed.
	Allowed bool

	// Reason is set when Allowed is false, naming the failing check (e.g.
	// "server not allowed", "tool not allowed", "rate exceeded", "unsafe
	// content").
	Reason string

	// SanitizedParams holds the sanitized form of the call's params when
	// sanitization is enabled and the call is allowed. The Dispatcher should
	// forward these in place of the caller's originals.
	SanitizedParams map[string]any
}

// Engine evaluates calls against a [config.SecurityPolicy] and records every
// decision to an [AuditLog]. Safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	policy config.SecurityPolicy

	countersMu sync.Mutex
	counters   map[string]*RateCounter

	audit *AuditLog
}

// NewEngine constructs an Engine for the given policy with a fresh,
// zero-entry [AuditLog].
func NewEngine(p config.SecurityPolicy) *Engine {
	return &Engine{
		policy:   p,
		counters: make(map[string]*RateCounter),
		audit:    NewAuditLog(),
	}
}

// UpdatePolicy swaps in a new [config.SecurityPolicy], e.g. after a
// hot-reload ([config.ConfigDiff]). Existing per-server rate counters are
// preserved across the swap so in-flight windows are not reset by a reload.
func (e *Engine) UpdatePolicy(p config.SecurityPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
}

// Audit returns the Engine's audit log.
func (e *Engine) Audit() *AuditLog { return e.audit }

func (e *Engine) snapshot() config.SecurityPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

func (e *Engine) counter(server string) *RateCounter {
	e.countersMu.Lock()
	defer e.countersMu.Unlock()
	c, ok := e.counters[server]
	if !ok {
		c = NewRateCounter()
		e.counters[server] = c
	}
	return c
}

// mentionsFileOp reports whether a tool name suggests a file read/write
// operation, per spec §4.5 rule 3.
func mentionsFileOp(tool string) bool {
	lower := strings.ToLower(tool)
	for _, frag := range []string{"file", "read", "write"} {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Decide runs the five ordered checks from spec §4.5, stopping at the first
// denial. On acceptance, the caller must bracket the call with
// [Engine.RequestBegin] / [Engine.RequestEnd]; Decide itself does not
// reserve a concurrency slot.
func (e *Engine) Decide(caller mcp.CallerContext, serverName, toolName string, class mcp.Class, params map[string]any) Decision {
	p := e.snapshot()

	// 1. Server allow-list.
	if !contains(p.AllowedServers, serverName) {
		return Decision{Allowed: false, Reason: "server not allowed"}
	}

	// 2. Tool allow-list.
	allowedTools := p.AllowedTools[serverName]
	if !config.IsWildcard(allowedTools) && !contains(allowedTools, toolName) {
		return Decision{Allowed: false, Reason: "tool not allowed"}
	}

	// 3. Runtime permissions.
	switch class {
	case mcp.ClassExternalNetwork:
		if len(caller.NetworkAllowedHosts) == 0 {
			return Decision{Allowed: false, Reason: "network access not permitted"}
		}
	case mcp.ClassLocalFile:
		if mentionsFileOp(toolName) && len(caller.FSReadPaths) == 0 && len(caller.FSWritePaths) == 0 {
			return Decision{Allowed: false, Reason: "filesystem access not permitted"}
		}
	}

	// 4. Rate limit (token-bucket counter check before concurrency check).
	limit := effectiveRateLimit(p, serverName)
	rc := e.counter(serverName)
	if reason, ok := rc.tryAdmit(time.Now(), limit.RequestsPerMinute, limit.MaxConcurrent); !ok {
		return Decision{Allowed: false, Reason: reason}
	}

	// 5. Payload validation.
	encoded, err := json.Marshal(params)
	if err != nil {
		return Decision{Allowed: false, Reason: fmt.Sprintf("unencodable params: %v", err)}
	}
	if max := p.Payload.MaxBytes; max > 0 && len(encoded) > max {
		return Decision{Allowed: false, Reason: "payload too large"}
	}

	sanitized := params
	if p.Payload.SanitizeStrings {
		sanitized = Sanitize(params)
		if !paramsEqual(params, sanitized) {
			return Decision{Allowed: false, Reason: "unsafe content"}
		}
	}

	return Decision{Allowed: true, SanitizedParams: sanitized}
}

// effectiveRateLimit resolves a server's own rate-limit entry, falling back
// to the "default" entry when none is configured.
func effectiveRateLimit(p config.SecurityPolicy, server string) config.RateLimit {
	if l, ok := p.RateLimits[server]; ok {
		return l
	}
	return p.RateLimits["default"]
}

// RequestBegin reserves a concurrency slot for server. Must be paired with
// [Engine.RequestEnd].
func (e *Engine) RequestBegin(server string) {
	e.counter(server).begin()
}

// RequestEnd releases a concurrency slot for server. Safe to call even if
// RequestBegin was never called; the counter never goes negative.
func (e *Engine) RequestEnd(server string) {
	e.counter(server).end()
}

// RecordAudit appends an [AuditEntry] to the audit log if audit_enabled is
// set in the current policy. runtimeTag is copied verbatim from the calling
// [mcp.CallerContext] (empty if the caller didn't supply one).
func (e *Engine) RecordAudit(runtimeTag, serverName, toolName string, params map[string]any, outcome Outcome, reason string, duration time.Duration) {
	if !e.snapshot().AuditEnabled {
		return
	}
	e.audit.Record(AuditEntry{
		Timestamp:      time.Now(),
		RuntimeTag:     runtimeTag,
		ServerName:     serverName,
		ToolName:       toolName,
		RedactedParams: Redact(params),
		Outcome:        outcome,
		Reason:         reason,
		Duration:       duration,
	})
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// paramsEqual compares two params maps by their JSON encoding. Map key order
// in Go's encoding/json is deterministic (sorted), so this is a reliable
// equality check for the sanitization round-trip (spec §4.5, §8).
func paramsEqual(a, b map[string]any) bool {
	ea, erra := json.Marshal(a)
	eb, errb := json.Marshal(b)
	if erra != nil || errb != nil {
		return false
	}
	return string(ea) == string(eb)
}
