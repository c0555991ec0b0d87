package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danieliser/code-mode/internal/mcp"
)

// dispatchStdio hands a tools/call request to a stdio server's writer, then
// waits on the pending call's completion signal up to deadline (spec §4.6
// steps 4-6).
func dispatchStdio(ctx context.Context, i *instance, tool string, params map[string]any, deadline time.Duration) (json.RawMessage, error) {
	id := newRequestID()
	pc := i.pending.insert(id)

	req := newRequest(id, "tools/call", toolsCallParams{Name: tool, Arguments: params})
	if err := i.writeFrame(req); err != nil {
		i.pending.remove(id)
		return nil, fmt.Errorf("broker: write tools/call to %q: %w", i.cfg.Name, err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-pc.done:
		res := pc.wait()
		return res.raw, res.err

	case <-timer.C:
		i.pending.remove(id)
		return nil, mcp.ErrTimeout

	case <-ctx.Done():
		i.pending.remove(id)
		return nil, ctx.Err()

	case <-i.stopCh:
		i.pending.remove(id)
		return nil, &mcp.ServerExitedError{Server: i.cfg.Name, Err: mcp.ErrServerClosed}
	}
}

// dispatchHTTP posts a tools/call request and waits for the HTTP round trip,
// bounded by deadline (spec §4.3, §4.6).
func dispatchHTTP(ctx context.Context, i *instance, tool string, params map[string]any, deadline time.Duration) (json.RawMessage, error) {
	hctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req := newRequest(newRequestID(), "tools/call", toolsCallParams{Name: tool, Arguments: params})
	raw, err := callHTTP(hctx, i, req)
	if err != nil {
		if hctx.Err() != nil {
			return nil, mcp.ErrTimeout
		}
		return nil, err
	}
	return raw, nil
}

// extractContent decodes a tools/call result, concatenating structured text
// blocks when present, or returning the raw JSON verbatim otherwise (spec
// §4.6 step 6).
func extractContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var structured toolsCallResult
	if err := json.Unmarshal(raw, &structured); err == nil && len(structured.Content) > 0 {
		out := ""
		for i, block := range structured.Content {
			if i > 0 {
				out += "\n"
			}
			out += block.Text
		}
		return out
	}

	return string(raw)
}
