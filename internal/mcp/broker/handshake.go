package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danieliser/code-mode/internal/mcp"
)

// clientName/clientVersion identify the Broker to tool servers during the
// initialize handshake (spec §6).
const (
	clientName    = "code-mode-broker"
	clientVersion = "0.1.0"
)

// runStdioHandshake performs the initialize/initialized/tools-list sequence
// required before a stdio server transitions starting → ready (spec §4.4).
// Tool discovery failure is non-fatal: the server still becomes ready, just
// without local schema guidance for argument mapping.
func runStdioHandshake(ctx context.Context, i *instance, connectionTimeout, settleDelay time.Duration) error {
	hctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err := initializeHandshake(hctx, i); err != nil {
		return err
	}

	if err := i.writeFrame(newNotification("notifications/initialized", struct{}{})); err != nil {
		return fmt.Errorf("broker: send initialized notification to %q: %w", i.cfg.Name, err)
	}

	// Only initialize must succeed before the server is ready (spec §4.4).
	i.setStatus(mcp.StatusReady)

	// tools/list runs after a settle delay and is non-fatal on failure; it
	// does not block the ready transition.
	go discoverTools(i, settleDelay, connectionTimeout)

	return nil
}

// initializeHandshake sends the initialize request and awaits its reply.
func initializeHandshake(ctx context.Context, i *instance) error {
	id := newRequestID()
	pc := i.pending.insert(id)

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}
	if err := i.writeFrame(newRequest(id, "initialize", params)); err != nil {
		i.pending.remove(id)
		return fmt.Errorf("broker: send initialize to %q: %w", i.cfg.Name, err)
	}

	select {
	case <-pc.done:
		res := pc.wait()
		if res.err != nil {
			return fmt.Errorf("broker: initialize %q: %w", i.cfg.Name, res.err)
		}
		return nil
	case <-ctx.Done():
		i.pending.remove(id)
		return fmt.Errorf("broker: initialize %q: %w", i.cfg.Name, ctx.Err())
	}
}

// runHTTPHandshake performs tool discovery for an HTTP server. HTTP servers
// are assumed already listening and ready (spec §4.3), so there is no
// initialize/initialized exchange — discovery goes straight to tools/list,
// with the same non-fatal-failure semantics as the stdio path.
func runHTTPHandshake(ctx context.Context, i *instance, timeout time.Duration) {
	id := newRequestID()
	req := newRequest(id, "tools/list", struct{}{})

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := callHTTP(hctx, i, req)
	if err != nil {
		return
	}
	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return
	}
	schemas := make([]mcp.ToolSchema, 0, len(list.Tools))
	for _, t := range list.Tools {
		schemas = append(schemas, mcp.ToolSchema{Name: t.Name, Description: t.Description, InputShape: t.InputSchema})
	}
	i.setTools(schemas)
}

// discoverTools runs step 3 of the handshake (spec §4.4): wait settleDelay,
// then send tools/list and store the returned schemas. Runs in its own
// goroutine since it must not block the starting → ready transition.
func discoverTools(i *instance, settleDelay, timeout time.Duration) {
	select {
	case <-time.After(settleDelay):
	case <-i.stopCh:
		return
	}

	id := newRequestID()
	pc := i.pending.insert(id)

	if err := i.writeFrame(newRequest(id, "tools/list", struct{}{})); err != nil {
		i.pending.remove(id)
		return
	}

	select {
	case <-pc.done:
		res := pc.wait()
		if res.err != nil {
			return
		}
		var list toolsListResult
		if err := json.Unmarshal(res.raw, &list); err != nil {
			return
		}
		schemas := make([]mcp.ToolSchema, 0, len(list.Tools))
		for _, t := range list.Tools {
			schemas = append(schemas, mcp.ToolSchema{Name: t.Name, Description: t.Description, InputShape: t.InputSchema})
		}
		i.setTools(schemas)
	case <-time.After(timeout):
		i.pending.remove(id)
	case <-i.stopCh:
		i.pending.remove(id)
	}
}
