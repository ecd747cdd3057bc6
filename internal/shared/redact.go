package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretRule replaces a match with its first capture group (when keep is
// set) followed by the placeholder.
type secretRule struct {
	re   *regexp.Regexp
	keep bool
}

// secretRules cover credentials that end up in delivery errors, activity
// summaries and log lines.
var secretRules = []secretRule{
	{re: regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), keep: true},
	{re: regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), keep: true},
	// Telegram bot tokens, bare or inside api.telegram.org/bot<token>/ URLs.
	{re: regexp.MustCompile(`(bot)?\d{8,10}:[A-Za-z0-9_\-]{35}`), keep: true},
	{re: regexp.MustCompile(`(?i)([?&](?:token|access_token)=)[^&\s]+`), keep: true},
}

// Redact replaces secret-bearing substrings with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range secretRules {
		if rule.keep {
			out = rule.re.ReplaceAllString(out, "${1}"+redactedPlaceholder)
		} else {
			out = rule.re.ReplaceAllString(out, redactedPlaceholder)
		}
	}
	return out
}

var sensitiveKeyParts = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue hides value when key names a credential.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return redactedPlaceholder
		}
	}
	return value
}
