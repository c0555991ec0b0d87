package policy

import "regexp"

// unsafePatterns is the fixed denylist from spec §4.5: script tags,
// dangerous URL schemes, and inline event-handler attributes.
var unsafePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)<script[^>]*>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:`),
	regexp.MustCompile(`(?i)vbscript:`),
	regexp.MustCompile(`(?i)\bon[a-z]+\s*=`),
}

// SanitizeString strips every occurrence of an unsafe pattern from s.
// Idempotent: SanitizeString(SanitizeString(s)) == SanitizeString(s).
func SanitizeString(s string) string {
	// Repeat until nothing changes: removing one match can join the text
	// around it into a new match. Every changing pass shortens s, so this
	// terminates.
	for {
		out := s
		for _, re := range unsafePatterns {
			out = re.ReplaceAllString(out, "")
		}
		if out == s {
			return out
		}
		s = out
	}
}

// Sanitize returns a deep copy of params with every string leaf passed
// through [SanitizeString]. The input is never mutated.
func Sanitize(params map[string]any) map[string]any {
	return sanitizeValue(params).(map[string]any)
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = sanitizeValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = sanitizeValue(vv)
		}
		return out
	case string:
		return SanitizeString(val)
	default:
		return val
	}
}
