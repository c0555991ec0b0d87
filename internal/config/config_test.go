package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/danieliser/code-mode/internal/config"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

broker:
  fallback_to_mock: true
  connection_timeout: 10s
  default_deadline: 30s
  settle_delay: 1s

servers:
  - name: files
    transport: stdio
    class: local-file
    command: /usr/local/bin/mcp-files
  - name: web
    transport: http
    class: external-network
    base_url: https://tools.example.com/mcp

security:
  allowed_servers: [files, web]
  allowed_tools:
    files: ["*"]
    web: [fetch]
  rate_limits:
    default:
      requests_per_minute: 60
      max_concurrent: 4
  payload:
    max_bytes: 65536
    sanitize_strings: true
  audit_enabled: true
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogLevelInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogLevelInfo)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("servers: got %d, want 2", len(cfg.Servers))
	}
	if !cfg.Broker.FallbackToMock {
		t.Error("broker.fallback_to_mock: got false, want true")
	}
	if cfg.Security.Payload.MaxBytes != 65536 {
		t.Errorf("security.payload.max_bytes: got %d, want 65536", cfg.Security.Payload.MaxBytes)
	}
	if !config.IsWildcard(cfg.Security.AllowedTools["files"]) {
		t.Error("security.allowed_tools.files: expected wildcard")
	}
	if cfg.Broker.ConnectionTimeout.Duration() != 10*time.Second {
		t.Errorf("broker.connection_timeout: got %v, want 10s", cfg.Broker.ConnectionTimeout.Duration())
	}
	if cfg.Broker.DefaultDeadline.Duration() != 30*time.Second {
		t.Errorf("broker.default_deadline: got %v, want 30s", cfg.Broker.DefaultDeadline.Duration())
	}
	if cfg.Broker.SettleDelay.Duration() != time.Second {
		t.Errorf("broker.settle_delay: got %v, want 1s", cfg.Broker.SettleDelay.Duration())
	}
}

func TestLoadFromReader_InvalidDurationString(t *testing.T) {
	t.Parallel()
	yaml := `
broker:
  connection_timeout: "not-a-duration"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid duration string, got nil")
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
}

func TestLoadFromReader_DefaultsApplied(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Broker.ConnectionTimeout <= 0 {
		t.Error("expected a non-zero default connection_timeout")
	}
	if cfg.Broker.DefaultDeadline <= 0 {
		t.Error("expected a non-zero default default_deadline")
	}
	if cfg.Broker.SettleDelay <= 0 {
		t.Error("expected a non-zero default settle_delay")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_MissingServerName(t *testing.T) {
	t.Parallel()
	yaml := `
servers:
  - transport: stdio
    command: /bin/server
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing server name, got nil")
	}
	if !strings.Contains(err.Error(), "name") {
		t.Errorf("error should mention name, got: %v", err)
	}
}

func TestValidate_DuplicateServerNames(t *testing.T) {
	t.Parallel()
	yaml := `
servers:
  - name: dup
    transport: stdio
    command: /bin/a
  - name: dup
    transport: stdio
    command: /bin/b
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate server names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_StdioMissingCommand(t *testing.T) {
	t.Parallel()
	yaml := `
servers:
  - name: badserver
    transport: stdio
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing stdio command, got nil")
	}
}

func TestValidate_HTTPMissingBaseURL(t *testing.T) {
	t.Parallel()
	yaml := `
servers:
  - name: webserver
    transport: http
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing http base_url, got nil")
	}
}

func TestValidate_InvalidTransport(t *testing.T) {
	t.Parallel()
	yaml := `
servers:
  - name: badtransport
    transport: grpc
    command: /bin/server
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid transport, got nil")
	}
}

func TestValidate_NegativeRateLimit(t *testing.T) {
	t.Parallel()
	yaml := `
security:
  rate_limits:
    default:
      requests_per_minute: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative requests_per_minute, got nil")
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
servers:
  - transport: grpc
  - transport: grpc
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "name") || !strings.Contains(errStr, "transport") {
		t.Errorf("expected both name and transport errors, got: %v", errStr)
	}
}
