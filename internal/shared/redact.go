package shared

import (
	"maps"
	"regexp"
	"strings"
)

// Redacted replaces every masked value.
const Redacted = "[REDACTED]"

// redaction masks the value group of re; prefixed patterns keep group 1.
type redaction struct {
	re       *regexp.Regexp
	prefixed bool
}

var redactions = []redaction{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)(\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), true},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), true},
	{regexp.MustCompile(`(?i)(token|secret)(\s*[:=]\s*"?)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`), true},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), false},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), false},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`), false},
}

// Redact masks secret-bearing substrings. Worker output tails, history
// details, log values and embedding errors all pass through it.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactions {
		if r.prefixed {
			s = r.re.ReplaceAllString(s, "${1}${2}"+Redacted)
			continue
		}
		s = r.re.ReplaceAllString(s, Redacted)
	}
	return s
}

var secretKeyParts = []string{"token", "secret", "password", "passwd", "authorization", "api_key", "apikey", "credential", "bearer"}

// IsSecretKey reports whether a variable or field name looks like it holds
// a credential.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// RedactEnv returns a copy of a worker environment with credential-named
// variables masked and the rest passed through Redact.
func RedactEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if IsSecretKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = Redact(v)
	}
	return out
}

// RedactDetails masks string values of an event detail map. Non-string
// values are kept as is.
func RedactDetails(details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	out := maps.Clone(details)
	for k, v := range out {
		s, ok := v.(string)
		switch {
		case !ok:
		case IsSecretKey(k):
			out[k] = Redacted
		default:
			out[k] = Redact(s)
		}
	}
	return out
}
