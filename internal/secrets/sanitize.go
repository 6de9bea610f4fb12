package secrets

import (
	"encoding/json"
	"regexp"
	"strings"
)

const masked = "***"

// Value patterns for provider keys that must never leave the API boundary.
var keyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),  // OpenAI/Anthropic style, incl. sk-proj- and sk-ant-
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{10,}`), // Google API keys
	regexp.MustCompile(`AKIA[0-9A-Z]{8,}`),       // AWS access key ids
}

var sensitiveFieldFragments = []string{
	"api_key",
	"secret",
	"token",
	"password",
	"credential",
	"private_key",
	"access_key",
}

func isSensitiveField(name string) bool {
	n := strings.ToLower(name)
	for _, frag := range sensitiveFieldFragments {
		if strings.Contains(n, frag) {
			return true
		}
	}
	return false
}

// MaskString replaces any embedded key-shaped substring.
func MaskString(s string) string {
	for _, re := range keyPatterns {
		s = re.ReplaceAllString(s, masked)
	}
	return s
}

// Sanitize walks an already-decoded JSON value and masks secrets in place,
// both by field-name heuristic and by value pattern. Returns the same value
// for chaining.
func Sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if isSensitiveField(k) {
				if s, ok := val.(string); ok && s != "" {
					t[k] = masked
					continue
				}
				// Flow node fields wrap the secret one level down, as
				// {"value": "..."}; mask it whatever string it holds.
				if m, ok := val.(map[string]any); ok {
					if s, ok := m["value"].(string); ok && s != "" {
						m["value"] = masked
					}
				}
			}
			t[k] = Sanitize(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = Sanitize(t[i])
		}
		return t
	case string:
		return MaskString(t)
	default:
		return v
	}
}

// SanitizeJSON masks secrets inside a raw JSON document. Invalid JSON is
// returned unchanged after value-pattern masking so callers never leak.
func SanitizeJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return []byte(MaskString(string(raw)))
	}
	v = Sanitize(v)
	out, err := json.Marshal(v)
	if err != nil {
		return []byte(MaskString(string(raw)))
	}
	return out
}

// TruncateForLog bounds a value before it reaches the logs.
func TruncateForLog(s string, max int) string {
	s = MaskString(s)
	if max > 0 && len(s) > max {
		return s[:max] + "…"
	}
	return s
}
