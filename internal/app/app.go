// Package app wires the Tool Broker's subsystems into a running application.
//
// App owns the full lifecycle: New creates and connects every subsystem
// (observability providers, the Policy Engine, the Broker's server registry,
// the optional config hot-reload watcher, and the diagnostic HTTP surface),
// Run blocks until the context is cancelled, and Shutdown tears everything
// down in order.
//
// For testing, inject a test double via [WithBroker] (typically
// [github.com/danieliser/code-mode/internal/mcp/mock.Broker]) instead of
// letting New build a real one from config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danieliser/code-mode/internal/config"
	"github.com/danieliser/code-mode/internal/health"
	"github.com/danieliser/code-mode/internal/mcp"
	"github.com/danieliser/code-mode/internal/mcp/broker"
	"github.com/danieliser/code-mode/internal/observe"
	"github.com/danieliser/code-mode/internal/policy"
)

// App owns all subsystem lifetimes for the Tool Broker gateway.
type App struct {
	cfg *config.Config

	broker  mcp.Broker
	policy  *policy.Engine
	metrics *observe.Metrics

	watchPath  string
	watcher    *config.Watcher
	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles or
// tune optional features.
type Option func(*App)

// WithBroker injects a [mcp.Broker] instead of constructing one from config.
// Tests should pass an [github.com/danieliser/code-mode/internal/mcp/mock.Broker].
func WithBroker(b mcp.Broker) Option {
	return func(a *App) { a.broker = b }
}

// WithPolicyEngine injects a [policy.Engine] instead of constructing one from
// cfg.Security.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(a *App) { a.policy = e }
}

// WithMetrics injects a [observe.Metrics] instance instead of initialising
// the OTel SDK. Passing this option also skips [observe.InitProvider], so no
// global provider shutdown is registered — tests should build metrics with a
// throwaway [go.opentelemetry.io/otel/sdk/metric.MeterProvider].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigWatcher enables the config hot-reload watcher, polling path for
// changes to the security policy (allow-lists, rate limits, payload rules).
// Server topology changes are reported in the diff but never auto-applied —
// see [config.ConfigDiff].
func WithConfigWatcher(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// New wires every subsystem together. opts may inject test doubles for any
// subsystem; when an option is not provided, New builds the real thing from
// cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ──────────────────────────────────────────────────
	if err := a.initObserve(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Policy engine ──────────────────────────────────────────────────
	if a.policy == nil {
		a.policy = policy.NewEngine(cfg.Security)
	}

	// ── 3. Broker + server registry ───────────────────────────────────────
	if err := a.initBroker(ctx); err != nil {
		return nil, fmt.Errorf("app: init broker: %w", err)
	}

	// ── 4. Config hot-reload watcher (policy only) ────────────────────────
	a.initWatcher()

	// ── 5. Diagnostic HTTP surface (health, readiness, metrics) ───────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObserve brings up the OTel SDK providers unless metrics were injected.
func (a *App) initObserve(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "codemode-broker",
	})
	if err != nil {
		return fmt.Errorf("init otel providers: %w", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(shutdownCtx)
	})

	a.metrics = observe.DefaultMetrics()
	return nil
}

// initBroker constructs the Broker from config (unless injected) and brings
// up every configured server.
func (a *App) initBroker(ctx context.Context) error {
	if a.broker == nil {
		settings := broker.Settings{
			FallbackToMock:    a.cfg.Broker.FallbackToMock,
			ConnectionTimeout: a.cfg.Broker.ConnectionTimeout.Duration(),
			DefaultDeadline:   a.cfg.Broker.DefaultDeadline.Duration(),
			SettleDelay:       a.cfg.Broker.SettleDelay.Duration(),
		}
		a.broker = broker.New(settings, a.policy, a.metrics)
	}
	a.closers = append(a.closers, a.broker.Close)

	if err := a.broker.Initialize(ctx, a.cfg.Servers); err != nil {
		return fmt.Errorf("initialize servers: %w", err)
	}
	for _, srv := range a.cfg.Servers {
		slog.Info("registered tool server", "name", srv.Name, "transport", srv.Transport, "ready", a.broker.IsReady(srv.Name))
	}
	return nil
}

// initWatcher starts the config hot-reload watcher when WithConfigWatcher was
// supplied. Reload failures are logged and the previous config stays active.
func (a *App) initWatcher() {
	if a.watchPath == "" {
		return
	}

	w, err := config.NewWatcher(a.watchPath, a.applyConfigDiff)
	if err != nil {
		slog.Warn("config watcher failed to start, hot-reload disabled", "path", a.watchPath, "err", err)
		return
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
}

// applyConfigDiff is the [config.Watcher] callback. It hot-swaps the Policy
// Engine's security policy; server topology changes are logged but not
// applied — they take effect only through an explicit
// [mcp.Broker.Reconcile] call or a restart.
func (a *App) applyConfigDiff(old, newCfg *config.Config) {
	diff := config.Diff(old, newCfg)
	if diff.SecurityChanged {
		a.policy.UpdatePolicy(diff.NewSecurity)
		slog.Info("security policy hot-reloaded")
	}
	if diff.ServersChanged {
		slog.Warn("server topology changed in config but was not applied — restart the broker to pick up added/removed servers",
			"added", diff.AddedServers, "removed", diff.RemovedServers)
	}
	a.cfg = newCfg
}

// initHTTP builds the diagnostic HTTP surface: /healthz, /readyz, /metrics.
// It only constructs the server; Run is responsible for starting it.
func (a *App) initHTTP() {
	checkers := make([]health.Checker, 0, len(a.cfg.Servers))
	for _, srv := range a.cfg.Servers {
		name := srv.Name
		checkers = append(checkers, health.Checker{
			Name: name,
			Check: func(_ context.Context) error {
				if !a.broker.IsReady(name) {
					return fmt.Errorf("server %q not ready", name)
				}
				return nil
			},
		})
	}
	h := health.New(checkers...)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := http.Handler(mux)
	if a.metrics != nil {
		handler = observe.Middleware(a.metrics)(mux)
	}

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Broker returns the Broker instance. Never nil after New succeeds.
func (a *App) Broker() mcp.Broker { return a.broker }

// PolicyEngine returns the Policy Engine instance. Never nil after New
// succeeds.
func (a *App) PolicyEngine() *policy.Engine { return a.policy }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the diagnostic HTTP server and blocks until ctx is cancelled or
// the server fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("diagnostic http surface listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
			cancel()
		}

		// Closers were appended in dependency order (observability, broker,
		// watcher); tear down in reverse so the broker stops before the
		// metrics provider it was reporting to.
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
