package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danieliser/code-mode/internal/mcp"
)

// registry owns the server_name → *instance mapping (spec §4.1). It is
// created at Broker construction and destroyed at Close.
type registry struct {
	mu             sync.RWMutex
	instances      map[string]*instance
	initOnce       sync.Once
	initErr        error
	fallbackToMock bool
}

func newRegistry(fallbackToMock bool) *registry {
	return &registry{instances: make(map[string]*instance), fallbackToMock: fallbackToMock}
}

// initialize brings up every configured server concurrently and waits for
// each to reach ready or error, bounded by connectionTimeout. A per-server
// startup failure is isolated: with fallback_to_mock the failure is logged
// and the server stays in error; otherwise the whole call fails.
// initialize is idempotent (spec §4.1).
func (r *registry) initialize(ctx context.Context, configs []mcp.ServerConfig, connectionTimeout, settleDelay time.Duration) error {
	r.initOnce.Do(func() {
		g, gctx := errgroup.WithContext(ctx)

		for _, cfg := range configs {
			cfg := cfg
			inst := newInstance(cfg)

			r.mu.Lock()
			r.instances[cfg.Name] = inst
			r.mu.Unlock()

			g.Go(func() error {
				return r.bringUp(gctx, inst, connectionTimeout, settleDelay)
			})
		}

		// With fallback_to_mock, isolate turns a per-server failure into nil,
		// so gctx is never cancelled and sibling bring-ups are unaffected.
		// Without it, the first failure cancels gctx and with it the
		// remaining bring-ups, since initialize then fails as a whole.
		err := g.Wait()
		if err != nil && !r.fallbackToMock {
			r.initErr = err
		}
	})
	return r.initErr
}

// bringUp starts one server's transport and handshake. Failures are always
// recorded on the instance (status=error); whether they propagate to
// initialize's return value depends on fallback_to_mock, checked by the
// caller after g.Wait().
func (r *registry) bringUp(ctx context.Context, inst *instance, connectionTimeout, settleDelay time.Duration) error {
	switch inst.cfg.Transport {
	case mcp.TransportStdio:
		if err := startStdio(ctx, inst); err != nil {
			inst.setError(err)
			return r.isolate(inst.cfg.Name, err)
		}
		if err := runStdioHandshake(ctx, inst, connectionTimeout, settleDelay); err != nil {
			inst.setError(err)
			return r.isolate(inst.cfg.Name, err)
		}
		return nil

	case mcp.TransportHTTP:
		httpInst := newHTTPInstance(inst.cfg)
		r.mu.Lock()
		r.instances[inst.cfg.Name] = httpInst
		r.mu.Unlock()
		go runHTTPHandshake(ctx, httpInst, connectionTimeout)
		return nil

	default:
		err := fmt.Errorf("broker: server %q: unknown transport %q", inst.cfg.Name, inst.cfg.Transport)
		inst.setError(err)
		return r.isolate(inst.cfg.Name, err)
	}
}

// isolate logs a per-server bring-up failure and decides whether it should
// propagate to initialize's caller.
func (r *registry) isolate(name string, err error) error {
	slog.Warn("broker: server failed to start", "server", name, "err", err)
	if r.fallbackToMock {
		return nil
	}
	return fmt.Errorf("broker: server %q: %w", name, err)
}

// get resolves a server by name, or nil if unknown.
func (r *registry) get(name string) *instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[name]
}

// isReady reports whether the named server is currently ready.
func (r *registry) isReady(name string) bool {
	inst := r.get(name)
	return inst != nil && inst.Status() == mcp.StatusReady
}

// readyCount returns the number of servers currently ready, for metrics.
func (r *registry) readyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inst := range r.instances {
		if inst.Status() == mcp.StatusReady {
			n++
		}
	}
	return n
}

// cleanup tears down every server: stdio children are terminated, all
// pending calls are failed with ServerClosed, and the map is cleared (spec
// §4.1). Cleanup completes even if a child is slow to exit — terminateStdio
// enforces its own grace period.
func (r *registry) cleanup() {
	r.mu.Lock()
	instances := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[string]*instance)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			teardownInstance(inst)
		}()
	}
	wg.Wait()
}

// teardownInstance stops one server: its stdio child (if any) is terminated
// with a grace period, every pending call is failed with ServerClosed, and
// its status is set to stopped.
func teardownInstance(inst *instance) {
	close(inst.stopCh)
	if inst.cfg.Transport == mcp.TransportStdio && inst.cmd != nil {
		terminateStdio(inst)
	}
	for _, pc := range inst.pending.drain() {
		pc.resolve(callResult{err: mcp.ErrServerClosed})
	}
	inst.setStatus(mcp.StatusStopped)
}

// reconcile brings registered servers in line with configs: servers present
// in configs but not yet registered are brought up concurrently; servers
// registered but absent from configs are torn down. Servers present in both
// are left running untouched. Unlike initialize, reconcile may be called
// repeatedly (spec §9 — server topology hot-reload).
func (r *registry) reconcile(ctx context.Context, configs []mcp.ServerConfig, connectionTimeout, settleDelay time.Duration) error {
	wanted := make(map[string]mcp.ServerConfig, len(configs))
	for _, cfg := range configs {
		wanted[cfg.Name] = cfg
	}

	r.mu.Lock()
	var stale []*instance
	for name, inst := range r.instances {
		if _, ok := wanted[name]; !ok {
			stale = append(stale, inst)
			delete(r.instances, name)
		}
	}
	var toStart []mcp.ServerConfig
	for name, cfg := range wanted {
		if _, ok := r.instances[name]; !ok {
			toStart = append(toStart, cfg)
		}
	}
	r.mu.Unlock()

	for _, inst := range stale {
		slog.Info("broker: removing server no longer present in config", "server", inst.cfg.Name)
		teardownInstance(inst)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range toStart {
		cfg := cfg
		inst := newInstance(cfg)
		r.mu.Lock()
		r.instances[cfg.Name] = inst
		r.mu.Unlock()

		slog.Info("broker: bringing up server added to config", "server", cfg.Name)
		g.Go(func() error {
			return r.bringUp(gctx, inst, connectionTimeout, settleDelay)
		})
	}

	err := g.Wait()
	if err != nil && !r.fallbackToMock {
		return err
	}
	return nil
}
