package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redaction replaces matches of re with repl, which may keep non-secret
// groups via ${n}.
type redaction struct {
	re   *regexp.Regexp
	repl string
}

var redactions = []redaction{
	// key=value and key: value pairs naming a credential.
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	// Gemini, then Anthropic/OpenAI/OpenRouter keys.
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), redactedPlaceholder},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), redactedPlaceholder},
	// Telegram bot tokens, <bot id>:<secret>.
	{regexp.MustCompile(`\b[0-9]{6,12}:[A-Za-z0-9_\-]{30,}\b`), redactedPlaceholder},
	// Postgres passwords in URL and key=value DSNs.
	{regexp.MustCompile(`(postgres(?:ql)?://[^:/\s]+:)[^@\s]+(@)`), "${1}" + redactedPlaceholder + "${2}"},
	{regexp.MustCompile(`(?i)(password\s*=\s*)(?:'[^']*'|\S+)`), "${1}" + redactedPlaceholder},
}

// Redact replaces secret-bearing substrings of input with [REDACTED].
func Redact(input string) string {
	for _, r := range redactions {
		input = r.re.ReplaceAllString(input, r.repl)
	}
	return input
}

var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "dsn", "credential"}

// SensitiveKey reports whether a field or variable named key holds a
// credential, so its value should never be shown.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
