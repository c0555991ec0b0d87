package broker

import "strconv"

// knownToolArgs is a small table of positional-to-named argument mappings
// for tools whose parameter order sandbox bindings commonly rely on (spec
// §4.7). This mapping is advisory — the server is the ultimate authority on
// argument acceptance.
var knownToolArgs = map[string][]string{
	"store_memory": {"content", "importance", "tags"},
	"read_file":    {"path"},
	"write_file":   {"path", "content"},
	"search":       {"query", "limit"},
}

// MapArguments converts a positional argument vector into a named-parameter
// mapping for tool. Unknown tools fall back to: pass a single map argument
// through unchanged, or synthesize {arg0, arg1, ...} otherwise. Exported so
// sandbox/CLI boundaries that only have a positional argument vector (spec
// §4.7) can build the named params map [Broker.Invoke] expects.
func MapArguments(tool string, positional []any) map[string]any {
	if names, ok := knownToolArgs[tool]; ok {
		out := make(map[string]any, len(names))
		for i, name := range names {
			if i < len(positional) {
				out[name] = positional[i]
			}
		}
		return out
	}

	if len(positional) == 1 {
		if m, ok := positional[0].(map[string]any); ok {
			return m
		}
	}

	out := make(map[string]any, len(positional))
	for i, v := range positional {
		out[argName(i)] = v
	}
	return out
}

func argName(i int) string {
	return "arg" + strconv.Itoa(i)
}
