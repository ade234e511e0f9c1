package safety

import (
	"regexp"

	"github.com/basket/go-crew/internal/shared"
)

// Finding is one secret-looking span in a text.
type Finding struct {
	Kind string `json:"kind"`
	// Sample is a truncated prefix, safe to log.
	Sample string `json:"sample"`
}

var secretKinds = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), "api key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "google api key"},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), "openai api key"},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`), "github token"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// FindSecrets reports secret-looking spans in text, at most three per kind.
func FindSecrets(text string) []Finding {
	if text == "" {
		return nil
	}
	var out []Finding
	for _, k := range secretKinds {
		for _, m := range k.re.FindAllString(text, 3) {
			if len(m) > 12 {
				m = m[:9] + "..."
			}
			out = append(out, Finding{Kind: k.kind, Sample: m})
		}
	}
	return out
}

// Scrub returns text with secrets replaced. Kinds the shared redactor does
// not know are masked here.
func Scrub(text string) (string, []Finding) {
	findings := FindSecrets(text)
	if len(findings) == 0 {
		return text, nil
	}
	text = shared.Redact(text)
	for _, k := range secretKinds {
		text = k.re.ReplaceAllString(text, "[REDACTED]")
	}
	return text, findings
}
