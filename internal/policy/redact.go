package policy

import "strings"

// sensitiveKeys is the case-insensitive set of param key fragments that must
// never reach the audit ring in the clear (spec §4.5).
var sensitiveKeys = []string{"password", "token", "secret", "key", "auth", "credential"}

// redacted is substituted for any value under a sensitive key.
const redacted = "[REDACTED]"

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of params with every value under a
// sensitive-matching key (recursively, at any nesting depth) replaced by
// "[REDACTED]". The input is never mutated.
func Redact(params map[string]any) map[string]any {
	return redactMap(params).(map[string]any)
}

func redactMap(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if isSensitiveKey(k) {
				out[k] = redacted
			} else {
				out[k] = redactMap(vv)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = redactMap(vv)
		}
		return out
	default:
		return val
	}
}
