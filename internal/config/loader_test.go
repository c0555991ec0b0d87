package config_test

import (
	"strings"
	"testing"

	"github.com/danieliser/code-mode/internal/config"
)

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/broker.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
unknown_top_level_field: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected decode error for unknown field, got nil")
	}
}

func TestValidate_AllowedServersReferencesUnknownServer(t *testing.T) {
	t.Parallel()
	// Referencing a server absent from Servers is a warning, not a hard
	// validation failure — the policy file and the server topology can be
	// authored independently and reconciled later.
	yaml := `
servers:
  - name: files
    transport: stdio
    command: /bin/files
security:
  allowed_servers: [files, ghost]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_WildcardToolAllowList(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Security: config.SecurityPolicy{
			AllowedTools: map[string][]string{
				"files": {"*"},
				"web":   {"fetch", "post"},
			},
		},
	}
	if !config.IsWildcard(cfg.Security.AllowedTools["files"]) {
		t.Error("expected files to be wildcard")
	}
	if config.IsWildcard(cfg.Security.AllowedTools["web"]) {
		t.Error("expected web to not be wildcard")
	}
}

func TestValidate_NegativeMaxBytes(t *testing.T) {
	t.Parallel()
	yaml := `
security:
  payload:
    max_bytes: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative max_bytes, got nil")
	}
	if !strings.Contains(err.Error(), "max_bytes") {
		t.Errorf("error should mention max_bytes, got: %v", err)
	}
}

func TestValidate_NegativeMaxConcurrent(t *testing.T) {
	t.Parallel()
	yaml := `
security:
  rate_limits:
    srv1:
      max_concurrent: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative max_concurrent, got nil")
	}
}
