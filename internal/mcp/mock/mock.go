// Package mock provides a configurable test double for [mcp.Broker], used
// by higher-level packages (internal/app and its tests) so they don't need
// a real tool-server subprocess to exercise their wiring.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/danieliser/code-mode/internal/mcp"
)

var _ mcp.Broker = (*Broker)(nil)

// Call records one invocation of [Broker.Invoke].
type Call struct {
	Server string
	Tool   string
	Params map[string]any
}

// Broker is an in-memory [mcp.Broker] double. The zero value is usable: by
// default Initialize succeeds and every server it names reports ready, and Invoke
// returns an empty successful [mcp.ToolResult] unless Results or Err is set
// for that server/tool pair.
type Broker struct {
	mu sync.Mutex

	// Results, keyed by "server.tool", overrides the ToolResult returned by
	// Invoke for that pair.
	Results map[string]*mcp.ToolResult

	// Errs, keyed by "server.tool", overrides the error returned by Invoke
	// for that pair.
	Errs map[string]error

	// ReadyServers, when non-nil, restricts IsReady to this set. When it is
	// nil at Initialize, Initialize fills it with every server named in that
	// call; a later Initialize leaves it as it is.
	ReadyServers map[string]bool

	InitErr error

	calls  []Call
	closed bool
}

func key(server, tool string) string { return server + "." + tool }

// Initialize records the call and returns InitErr, marking every configured
// server ready unless ReadyServers was explicitly set.
func (b *Broker) Initialize(_ context.Context, configs []mcp.ServerConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.InitErr != nil {
		return b.InitErr
	}
	if b.ReadyServers == nil {
		b.ReadyServers = make(map[string]bool, len(configs))
		for _, c := range configs {
			b.ReadyServers[c.Name] = true
		}
	}
	return nil
}

// IsReady reports whether name is in ReadyServers.
func (b *Broker) IsReady(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ReadyServers[name]
}

// Reconcile replaces ReadyServers with exactly the servers named in configs,
// mirroring a real Broker's add/remove semantics closely enough for tests
// that exercise hot-reloaded server topology.
func (b *Broker) Reconcile(_ context.Context, configs []mcp.ServerConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ReadyServers = make(map[string]bool, len(configs))
	for _, c := range configs {
		b.ReadyServers[c.Name] = true
	}
	return nil
}

// Invoke records the call and returns the configured Results/Errs override,
// or a default success result.
func (b *Broker) Invoke(_ context.Context, _ mcp.CallerContext, server, tool string, params map[string]any, _ time.Duration) (*mcp.ToolResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Server: server, Tool: tool, Params: params})
	k := key(server, tool)
	err := b.Errs[k]
	res := b.Results[k]
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return &mcp.ToolResult{Content: "{}"}, nil
}

// Close marks the double closed. Idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Calls returns a copy of every recorded Invoke call, in order.
func (b *Broker) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// CallCount returns the number of recorded Invoke calls.
func (b *Broker) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Reset clears recorded calls without touching Results/Errs/ReadyServers.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// Closed reports whether Close has been called.
func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
