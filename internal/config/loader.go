package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/danieliser/code-mode/internal/mcp"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-value broker settings with the defaults named
// in their doc comments.
func applyDefaults(cfg *Config) {
	if cfg.Broker.ConnectionTimeout <= 0 {
		cfg.Broker.ConnectionTimeout = Duration(10 * time.Second)
	}
	if cfg.Broker.DefaultDeadline <= 0 {
		cfg.Broker.DefaultDeadline = Duration(30 * time.Second)
	}
	if cfg.Broker.SettleDelay <= 0 {
		cfg.Broker.SettleDelay = Duration(time.Second)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	seenNames := make(map[string]int, len(cfg.Servers))
	for i, srv := range cfg.Servers {
		prefix := fmt.Sprintf("servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := seenNames[srv.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of servers[%d]", prefix, srv.Name, prev))
		} else {
			seenNames[srv.Name] = i
		}

		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, http", prefix, srv.Transport))
			continue
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportHTTP && srv.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required when transport is http", prefix))
		}
	}

	for _, name := range cfg.Security.AllowedServers {
		if _, ok := seenNames[name]; !ok {
			slog.Warn("security.allowed_servers references an unknown server", "server", name)
		}
	}

	for name, limit := range cfg.Security.RateLimits {
		prefix := fmt.Sprintf("security.rate_limits[%s]", name)
		if limit.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Errorf("%s.requests_per_minute must be >= 0", prefix))
		}
		if limit.MaxConcurrent < 0 {
			errs = append(errs, fmt.Errorf("%s.max_concurrent must be >= 0", prefix))
		}
	}

	if cfg.Security.Payload.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("security.payload.max_bytes must be >= 0"))
	}

	return errors.Join(errs...)
}
