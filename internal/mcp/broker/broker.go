// Package broker implements [mcp.Broker]: subprocess/HTTP transport,
// handshake and tool discovery, the Policy Engine's enforcement hooks, and
// the Call Dispatcher that ties them together (spec §2, §4).
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danieliser/code-mode/internal/mcp"
	"github.com/danieliser/code-mode/internal/observe"
	"github.com/danieliser/code-mode/internal/policy"
)

// Settings are the Dispatcher/Registry tuning knobs not owned by the
// security policy (mirrors [config.BrokerSettings] without importing the
// config package, to keep this package usable standalone).
type Settings struct {
	FallbackToMock    bool
	ConnectionTimeout time.Duration
	DefaultDeadline   time.Duration
	SettleDelay       time.Duration
}

var _ mcp.Broker = (*Broker)(nil)

// Broker is the concrete [mcp.Broker] implementation.
type Broker struct {
	settings Settings
	registry *registry
	policy   *policy.Engine
	metrics  *observe.Metrics

	closeOnce sync.Once
	closed    bool
	closedMu  sync.RWMutex

	readyMu           sync.Mutex
	lastReportedReady int64
}

// New constructs a Broker. engine and metrics may be supplied by the
// caller (internal/app wires them from config and internal/observe); metrics
// may be nil, in which case no metrics are recorded.
func New(settings Settings, engine *policy.Engine, metrics *observe.Metrics) *Broker {
	if settings.ConnectionTimeout <= 0 {
		settings.ConnectionTimeout = 10 * time.Second
	}
	if settings.DefaultDeadline <= 0 {
		settings.DefaultDeadline = 30 * time.Second
	}
	if settings.SettleDelay <= 0 {
		settings.SettleDelay = time.Second
	}
	return &Broker{
		settings: settings,
		registry: newRegistry(settings.FallbackToMock),
		policy:   engine,
		metrics:  metrics,
	}
}

// Initialize implements [mcp.Broker.Initialize].
func (b *Broker) Initialize(ctx context.Context, configs []mcp.ServerConfig) error {
	err := b.registry.initialize(ctx, configs, b.settings.ConnectionTimeout, b.settings.SettleDelay)
	b.reportReadyCount(ctx)
	return err
}

// IsReady implements [mcp.Broker.IsReady].
func (b *Broker) IsReady(name string) bool {
	return b.registry.isReady(name)
}

// Reconcile implements [mcp.Broker.Reconcile].
func (b *Broker) Reconcile(ctx context.Context, configs []mcp.ServerConfig) error {
	if b.isClosed() {
		return mcp.ErrServerClosed
	}
	err := b.registry.reconcile(ctx, configs, b.settings.ConnectionTimeout, b.settings.SettleDelay)
	b.reportReadyCount(ctx)
	return err
}

// reportReadyCount publishes the change in ready-server count since the last
// report to the ServersReady UpDownCounter. Reconcile may be called
// repeatedly, so this must report a delta rather than the absolute count —
// otherwise each call would double-count servers that were already ready.
func (b *Broker) reportReadyCount(ctx context.Context) {
	if b.metrics == nil {
		return
	}
	current := int64(b.registry.readyCount())

	b.readyMu.Lock()
	delta := current - b.lastReportedReady
	b.lastReportedReady = current
	b.readyMu.Unlock()

	if delta != 0 {
		b.metrics.ServersReady.Add(ctx, delta)
	}
}

// Invoke implements [mcp.Broker.Invoke] — the Call Dispatcher (spec §4.6).
func (b *Broker) Invoke(ctx context.Context, caller mcp.CallerContext, server, tool string, params map[string]any, deadline time.Duration) (*mcp.ToolResult, error) {
	if b.isClosed() {
		return nil, mcp.ErrServerClosed
	}
	if deadline <= 0 {
		deadline = b.settings.DefaultDeadline
	}

	start := time.Now()
	inst := b.registry.get(server)

	// Step 1: resolve the instance / fallback-to-mock for unready servers.
	if inst == nil || inst.Status() != mcp.StatusReady {
		b.audit(caller.RuntimeTag, server, tool, params, policy.OutcomeError, "server unavailable", time.Since(start))
		if b.settings.FallbackToMock {
			b.recordMocked(ctx, server, tool)
			return &mcp.ToolResult{Mocked: true, Content: mockContentJSON(server, tool, params), DurationMs: time.Since(start).Milliseconds()}, nil
		}
		return nil, mcp.ErrServerUnavailable
	}

	// Step 2: Policy Engine.
	decision := b.policy.Decide(caller, server, tool, inst.cfg.Class, params)
	if !decision.Allowed {
		b.recordDenied(ctx, decision.Reason)
		b.audit(caller.RuntimeTag, server, tool, params, policy.OutcomeDenied, decision.Reason, 0)
		if decision.Reason == "rate exceeded" {
			b.recordRateLimited(ctx, server)
		}
		return nil, &mcp.AccessDeniedError{Server: server, Tool: tool, Reason: decision.Reason}
	}
	effectiveParams := decision.SanitizedParams
	if effectiveParams == nil {
		effectiveParams = params
	}

	// Step 3: reserve a concurrency slot.
	b.policy.RequestBegin(server)
	defer b.policy.RequestEnd(server)

	// Steps 4-6: dispatch and wait.
	raw, err := b.dispatch(ctx, inst, tool, effectiveParams, deadline)
	duration := time.Since(start)

	if err != nil {
		outcome, toolErr := classifyDispatchError(server, tool, err)
		b.audit(caller.RuntimeTag, server, tool, params, policy.OutcomeError, toolErr.Error(), duration)
		b.recordCall(ctx, server, tool, outcome, duration)

		if b.settings.FallbackToMock && shouldDegrade(toolErr) {
			b.recordMocked(ctx, server, tool)
			return &mcp.ToolResult{Mocked: true, Content: mockContentJSON(server, tool, params), DurationMs: duration.Milliseconds()}, nil
		}
		return nil, toolErr
	}

	b.audit(caller.RuntimeTag, server, tool, params, policy.OutcomeSuccess, "", duration)
	b.recordCall(ctx, server, tool, "success", duration)

	return &mcp.ToolResult{
		Content:    extractContent(raw),
		DurationMs: duration.Milliseconds(),
	}, nil
}

// dispatch picks the transport-appropriate send/wait path (step 5-6).
func (b *Broker) dispatch(ctx context.Context, inst *instance, tool string, params map[string]any, deadline time.Duration) ([]byte, error) {
	switch inst.cfg.Transport {
	case mcp.TransportHTTP:
		return dispatchHTTP(ctx, inst, tool, params, deadline)
	default:
		return dispatchStdio(ctx, inst, tool, params, deadline)
	}
}

// classifyDispatchError maps a dispatch-path error into the Dispatcher's
// error taxonomy (spec §7) and a metrics outcome label.
func classifyDispatchError(server, tool string, err error) (outcome string, mapped error) {
	switch {
	case errors.Is(err, mcp.ErrTimeout):
		return "timeout", mcp.ErrTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", mcp.ErrTimeout
	default:
		var remote *mcp.RemoteError
		var exited *mcp.ServerExitedError
		if errors.As(err, &remote) {
			return "error", remote
		}
		if errors.As(err, &exited) {
			return "error", exited
		}
		return "error", fmt.Errorf("broker: %s.%s: %w", server, tool, err)
	}
}

// shouldDegrade reports whether err is one of the three outcomes the spec
// says fallback_to_mock converts into a MockReply: ServerUnavailable,
// ServerExited, ServerClosed. Timeouts and denials are never degraded.
func shouldDegrade(err error) bool {
	if errors.Is(err, mcp.ErrServerUnavailable) || errors.Is(err, mcp.ErrServerClosed) {
		return true
	}
	var exited *mcp.ServerExitedError
	return errors.As(err, &exited)
}

// Close implements [mcp.Broker.Close].
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.closedMu.Lock()
		b.closed = true
		b.closedMu.Unlock()
		b.registry.cleanup()
	})
	return nil
}

func (b *Broker) isClosed() bool {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	return b.closed
}

func (b *Broker) audit(runtimeTag, server, tool string, params map[string]any, outcome policy.Outcome, reason string, duration time.Duration) {
	if b.policy != nil {
		b.policy.RecordAudit(runtimeTag, server, tool, params, outcome, reason, duration)
	}
}

func (b *Broker) recordCall(ctx context.Context, server, tool, outcome string, duration time.Duration) {
	if b.metrics != nil {
		b.metrics.RecordCall(ctx, server, tool, outcome, duration.Seconds())
	}
}

func (b *Broker) recordDenied(ctx context.Context, reason string) {
	if b.metrics != nil {
		b.metrics.RecordDenied(ctx, reason)
	}
}

func (b *Broker) recordRateLimited(ctx context.Context, server string) {
	if b.metrics != nil {
		b.metrics.RecordRateLimited(ctx, server)
	}
}

func (b *Broker) recordMocked(ctx context.Context, server, tool string) {
	if b.metrics != nil {
		b.metrics.RecordMocked(ctx, server)
	}
}
