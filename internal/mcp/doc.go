// Package mcp defines the interface, wire types, and error taxonomy for the
// code-mode Tool Broker.
//
// The Broker owns the life-cycle of external tool-server subprocesses (or
// HTTP endpoints), multiplexes concurrent tool calls over each server's
// single bidirectional byte stream, enforces a security policy, and
// transparently falls back to synthetic responses when a server is
// unavailable. Sandboxed code-execution environments are the only consumers
// of [Broker.Invoke]; this package says nothing about how that code is run.
//
// Lifecycle:
//
//  1. Call [Broker.Initialize] once with every [ServerConfig] to connect to.
//  2. Use [Broker.Invoke] to call tools on behalf of sandboxed code.
//  3. Call [Broker.Close] to tear down every server connection.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"
	"time"
)

// Broker manages connections to tool servers and routes tool calls through a
// security policy.
//
// Implementations must be safe for concurrent use.
type Broker interface {
	// Initialize brings up every configured server concurrently and waits for
	// each to reach [StatusReady] or [StatusError]. Initialize is idempotent:
	// a second call is a no-op.
	Initialize(ctx context.Context, configs []ServerConfig) error

	// IsReady reports whether the named server is currently [StatusReady].
	IsReady(name string) bool

	// Reconcile brings registered servers in line with configs: servers
	// present in configs but not yet registered are brought up; servers
	// registered but absent from configs are torn down. Servers present in
	// both are left running untouched. Unlike Initialize, Reconcile may be
	// called repeatedly — it is the only way a hot-reloaded config's server
	// topology changes take effect, since topology changes are never
	// applied automatically from a background watcher.
	Reconcile(ctx context.Context, configs []ServerConfig) error

	// Invoke is the Broker's single public entry point. It runs the named
	// tool on the named server with params, enforcing the security policy,
	// concurrency caps, and the supplied deadline. A zero deadline uses the
	// Broker's configured default.
	//
	// A non-nil *ToolResult is returned on success even when
	// [ToolResult.IsError] is true (an application-level tool error). With
	// fallback-to-mock enabled, a server that is not ready, or that exits or
	// is torn down mid-call, also yields a non-nil *ToolResult, with
	// [ToolResult.Mocked] set and a nil error. A Go error is returned for
	// every other outcome — see the error taxonomy in errors.go.
	Invoke(ctx context.Context, caller CallerContext, server, tool string, params map[string]any, deadline time.Duration) (*ToolResult, error)

	// Close shuts down all server connections and releases associated
	// resources. After Close returns, the Broker must not be used again.
	Close() error
}
