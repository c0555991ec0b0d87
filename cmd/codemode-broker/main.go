// Command codemode-broker loads a Tool Broker configuration, brings up the
// configured tool servers, and serves the diagnostic HTTP surface
// (/healthz, /readyz, /metrics).
//
// It also offers a newline-delimited-JSON "invoke" REPL on stdin/stdout as a
// manual smoke-test harness — NOT the HTTP/WebSocket code-execution
// front-end the specification places out of scope. Enable it with
// -invoke-repl when you want to drive tool calls by hand.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danieliser/code-mode/internal/app"
	"github.com/danieliser/code-mode/internal/config"
	"github.com/danieliser/code-mode/internal/mcp"
	"github.com/danieliser/code-mode/internal/mcp/broker"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	invokeREPL := flag.Bool("invoke-repl", false, "read newline-delimited JSON invoke requests from stdin as a manual smoke-test harness")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "codemode-broker: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "codemode-broker: %v\n", err)
		}
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("codemode-broker starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	printStartupSummary(cfg)

	// ── Application wiring ─────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.WithConfigWatcher(*configPath))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("broker ready — press Ctrl+C to shut down")

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- application.Run(ctx) }()

	if *invokeREPL {
		go runInvokeREPL(ctx, application)
	}

	if err := <-runErrCh; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ─── Invoke REPL ─────────────────────────────────────────────────────────────

// invokeRequest is one line of the stdin smoke-test protocol. A caller
// supplies either Params (already named) or Args (a positional vector, as a
// real sandbox binding would produce — run through [broker.MapArguments]
// per spec §4.7 before dispatch). Params takes precedence when both are set.
type invokeRequest struct {
	Server     string         `json:"server"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params"`
	Args       []any          `json:"args"`
	DeadlineMs int64          `json:"deadline_ms"`
}

// invokeResponse is one line of the stdout smoke-test protocol.
type invokeResponse struct {
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	Mocked     bool   `json:"mocked,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// runInvokeREPL reads one invokeRequest per line from stdin and writes one
// invokeResponse per line to stdout, until stdin closes or ctx is cancelled.
func runInvokeREPL(ctx context.Context, a *app.App) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req invokeRequest
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(invokeResponse{Error: fmt.Sprintf("parse request: %v", err)})
			continue
		}

		params := req.Params
		if params == nil && len(req.Args) > 0 {
			params = broker.MapArguments(req.Tool, req.Args)
		}

		deadline := time.Duration(req.DeadlineMs) * time.Millisecond
		res, err := a.Broker().Invoke(ctx, mcp.CallerContext{}, req.Server, req.Tool, params, deadline)
		if err != nil {
			enc.Encode(invokeResponse{Error: err.Error()})
			continue
		}
		enc.Encode(invokeResponse{
			Content:    res.Content,
			IsError:    res.IsError,
			Mocked:     res.Mocked,
			DurationMs: res.DurationMs,
		})
	}
}

// ─── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      codemode-broker — startup        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Tool servers    : %-19d ║\n", len(cfg.Servers))
	for _, srv := range cfg.Servers {
		name := srv.Name
		if len(name) > 19 {
			name = name[:16] + "…"
		}
		fmt.Printf("║    - %-13s %-19s ║\n", string(srv.Transport), name)
	}
	fmt.Printf("║  Fallback mock   : %-19t ║\n", cfg.Broker.FallbackToMock)
	fmt.Printf("║  Audit enabled   : %-19t ║\n", cfg.Security.AuditEnabled)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

// ─── Logger ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
