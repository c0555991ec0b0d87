package broker

import (
	"context"
	"io"
	"net/http"
	"os/exec"
	"sync"

	"github.com/danieliser/code-mode/internal/mcp"
	"github.com/danieliser/code-mode/internal/resilience"
)

// instance is the runtime state for one configured tool server (spec §3's
// ServerInstance). The Registry owns the authoritative map keyed by
// cfg.Name; the stdio reader goroutine captures only the server name and
// re-resolves through the Registry on each frame, so instance itself never
// holds a reference back to the Registry (spec §9, cyclic-ownership note).
type instance struct {
	cfg mcp.ServerConfig

	mu     sync.RWMutex
	status mcp.Status
	tools  map[string]mcp.ToolSchema
	lastErr error

	pending *pendingTable

	// stdio transport state.
	writeMu    sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	procCtx    context.Context
	procCancel context.CancelFunc

	// http transport state.
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker

	stopCh    chan struct{}
	closeOnce sync.Once

	// exited is closed once by the stdio reader loop after cmd.Wait()
	// returns, so terminateStdio can observe process exit without calling
	// Wait a second time (it is only valid to call once).
	exited chan struct{}
}

func newInstance(cfg mcp.ServerConfig) *instance {
	return &instance{
		cfg:     cfg,
		status:  mcp.StatusStarting,
		tools:   make(map[string]mcp.ToolSchema),
		pending: newPendingTable(),
		stopCh:  make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (i *instance) setStatus(s mcp.Status) {
	i.mu.Lock()
	i.status = s
	i.mu.Unlock()
}

func (i *instance) Status() mcp.Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

func (i *instance) setError(err error) {
	i.mu.Lock()
	i.lastErr = err
	i.status = mcp.StatusError
	i.mu.Unlock()
}

func (i *instance) LastError() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastErr
}

func (i *instance) setTools(tools []mcp.ToolSchema) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tools = make(map[string]mcp.ToolSchema, len(tools))
	for _, t := range tools {
		i.tools[t.Name] = t
	}
}

func (i *instance) Tool(name string) (mcp.ToolSchema, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.tools[name]
	return t, ok
}

// stopped reports whether teardown has begun for this instance.
func (i *instance) stopped() bool {
	select {
	case <-i.stopCh:
		return true
	default:
		return false
	}
}
