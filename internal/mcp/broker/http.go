package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/danieliser/code-mode/internal/mcp"
	"github.com/danieliser/code-mode/internal/resilience"
)

// httpRequestTimeout bounds the underlying HTTP client's own timeout,
// distinct from the caller's invoke deadline — the deadline is enforced by
// the Dispatcher via ctx; this is a hard backstop against a hung socket.
const httpRequestTimeout = 60 * time.Second

func newHTTPInstance(cfg mcp.ServerConfig) *instance {
	i := newInstance(cfg)
	i.httpClient = &http.Client{Timeout: httpRequestTimeout}
	i.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: cfg.Name,
	})
	i.setStatus(mcp.StatusReady) // HTTP servers are assumed already listening (spec §4.3)
	return i
}

// callHTTP posts a single JSON-RPC envelope to the server's base URL and
// decodes the response body, guarded by the server's circuit breaker. There
// is no correlation table for HTTP — each request/reply is one round-trip
// (spec §4.3).
func callHTTP(ctx context.Context, i *instance, req rpcRequest) (json.RawMessage, error) {
	var result json.RawMessage

	err := i.breaker.Execute(func() error {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("broker: encode http request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.cfg.BaseURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("broker: build http request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := i.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var frame rpcFrame
		if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
			return fmt.Errorf("%w: %v", mcp.ErrProtocol, err)
		}
		if frame.Error != nil {
			return &mcp.RemoteError{Server: i.cfg.Name, Code: frame.Error.Code, Message: frame.Error.Message}
		}
		result = frame.Result
		return nil
	})

	if err != nil {
		if err == resilience.ErrCircuitOpen {
			i.setError(err)
			return nil, &mcp.ServerExitedError{Server: i.cfg.Name, Err: err}
		}
		return nil, err
	}
	return result, nil
}
