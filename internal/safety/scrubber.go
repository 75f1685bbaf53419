// Package safety masks secrets in text that leaves the operator's
// machine. The log pipeline has its own redaction; this covers outbound
// copy such as notification messages, where task results can embed tool
// output that printed an env var or a key file.
package safety

import "regexp"

const maskedPlaceholder = "[MASKED]"

// Finding records one masked span for logging. Sample keeps only the
// first characters of the match so the log line cannot re-leak it.
type Finding struct {
	Kind   string
	Sample string
}

type secretShape struct {
	re   *regexp.Regexp
	kind string
}

var secretShapes = []secretShape{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), "api key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), "provider API key"},
	{regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}\b`), "Telegram bot token"},
	{regexp.MustCompile(`-----BEGIN\s+(?:[A-Z]+\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// Scrubber masks secret-shaped spans in outbound text.
type Scrubber struct{}

func NewScrubber() *Scrubber {
	return &Scrubber{}
}

// Scrub returns the text with every secret-shaped span replaced by
// [MASKED], plus one finding per masked span in match order.
func (s *Scrubber) Scrub(text string) (string, []Finding) {
	if text == "" {
		return text, nil
	}
	var findings []Finding
	out := text
	for _, shape := range secretShapes {
		out = shape.re.ReplaceAllStringFunc(out, func(match string) string {
			findings = append(findings, Finding{Kind: shape.kind, Sample: sample(match)})
			return maskedPlaceholder
		})
	}
	return out, findings
}

func sample(match string) string {
	if len(match) > 20 {
		return match[:17] + "..."
	}
	return match
}
