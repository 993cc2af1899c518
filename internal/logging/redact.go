// Package logging provides log redaction for tool credentials.
package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

// MaskedValue replaces redacted values.
const MaskedValue = "[REDACTED]"

// sensitiveKeys are attribute and parameter names whose values are never logged.
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credentials",
	"private_key",
	"session_id",
	"cookie",
	"x-api-key",
}

// IsSensitiveKey reports whether a key names a credential.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// inlinePatterns catch credentials embedded in free text such as tool
// error bodies or endpoint URLs.
var inlinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)(["':\s]*[=:]\s*["']?)[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.=]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`://[^/@\s:]+:[^/@\s]+@`),
}

// MaskText masks credentials inside a free-form string.
func MaskText(s string) string {
	s = inlinePatterns[0].ReplaceAllString(s, "${1}${2}"+MaskedValue)
	s = inlinePatterns[1].ReplaceAllString(s, "Bearer "+MaskedValue)
	s = inlinePatterns[2].ReplaceAllString(s, "Basic "+MaskedValue)
	s = inlinePatterns[3].ReplaceAllString(s, "://"+MaskedValue+"@")
	return s
}

// MaskParams returns a copy of params with sensitive values masked.
func MaskParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if IsSensitiveKey(k) {
			out[k] = MaskedValue
			continue
		}
		if s, ok := v.(string); ok {
			v = MaskText(s)
		}
		out[k] = v
	}
	return out
}

// ReplaceAttr is an slog.HandlerOptions.ReplaceAttr hook that redacts
// sensitive attributes.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, MaskedValue)
	}
	if a.Value.Kind() == slog.KindString {
		if masked := MaskText(a.Value.String()); masked != a.Value.String() {
			return slog.String(a.Key, masked)
		}
	}
	return a
}

// NewHandler returns the JSON handler used by the binaries.
func NewHandler(w interface{ Write([]byte) (int, error) }, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceAttr,
	})
}

// ParseLevel maps a level name to an slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
