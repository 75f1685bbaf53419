package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern pairs a matcher with how much of the match survives.
// keepGroup names the submatch to preserve (the key-like prefix); zero
// means the whole match is replaced.
type secretPattern struct {
	re        *regexp.Regexp
	keepGroup int
}

// secretPatterns covers the secret shapes this daemon actually handles:
// provider API keys, bearer headers, Telegram bot tokens, and the
// UUID-shaped auth token serve writes to disk.
var secretPatterns = []secretPattern{
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), keepGroup: 1},
	{re: regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), keepGroup: 1},
	{re: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`)},
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{re: regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}\b`)},
	{re: regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`), keepGroup: 1},
}

// Redact replaces secret-bearing spans with [REDACTED], keeping key-like
// prefixes so log lines stay attributable. Every string attribute passes
// through here before it reaches a log sink or the bus.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			if p.keepGroup > 0 {
				if sub := p.re.FindStringSubmatch(match); len(sub) > p.keepGroup {
					return sub[p.keepGroup] + redactedPlaceholder
				}
			}
			return redactedPlaceholder
		})
	}
	return out
}

// sensitiveKeyFragments flags env keys whose values must never be logged.
var sensitiveKeyFragments = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue returns [REDACTED] when the key name looks secret.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return redactedPlaceholder
		}
	}
	return value
}
