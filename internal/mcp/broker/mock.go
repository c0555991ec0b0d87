package broker

import (
	"encoding/json"

	"github.com/danieliser/code-mode/internal/mcp"
)

// buildMockReply synthesizes a [mcp.MockReply] for server/tool/params, used
// by the Dispatcher whenever fallback_to_mock is active and the server is
// not ready (spec §4.6 step 1, §7 degradation rules).
func buildMockReply(server, tool string, params map[string]any) mcp.MockReply {
	return mcp.MockReply{
		Mocked:     true,
		Server:     server,
		Tool:       tool,
		ParamsEcho: params,
		Note:       "server unavailable; synthetic reply returned under degraded-mode fallback",
	}
}

// mockContentJSON renders a MockReply as the JSON text carried in
// [mcp.ToolResult.Content], so degraded-mode callers see the same structural
// shape ({mocked, server, tool, params_echo, note}) whether they read it as
// a string or re-decode it.
func mockContentJSON(server, tool string, params map[string]any) string {
	reply := buildMockReply(server, tool, params)
	data, err := json.Marshal(reply)
	if err != nil {
		return `{"mocked":true}`
	}
	return string(data)
}
