package audit

import "strings"

// Redacted replaces the value of any argument whose key looks sensitive.
const Redacted = "[REDACTED]"

// redactedKeys are substrings matched against lowercased key names.
var redactedKeys = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"api_key",
	"credentials",
	"privatekey",
	"private_key",
	"authorization",
	"auth",
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range redactedKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Sanitize returns a deep copy of args with every sensitive value
// replaced by [REDACTED]. Nested maps and slices are walked
// recursively. Sanitize is idempotent.
func Sanitize(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if sensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
