package safety

import (
	"regexp"
	"strings"
)

// ScreenResult reports what a screening pass flagged. Confidence is the
// strongest per-flag score, not an aggregate.
type ScreenResult struct {
	Flagged    bool
	Flags      []string
	Confidence float64
}

type pattern struct {
	re         *regexp.Regexp
	flag       string
	confidence float64
}

var inboundPatterns = []pattern{
	// Prompt injection attempts score high enough to refuse on their own.
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?)`), "prompt-injection", 0.98},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions?|rules?)`), "prompt-injection", 0.98},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s`), "prompt-injection", 0.96},
	{regexp.MustCompile(`(?i)pretend\s+(that\s+)?you\s+(are|have)\s`), "prompt-injection", 0.90},
	{regexp.MustCompile(`(?i)reveal\s+(your\s+)?(system\s+)?prompt`), "prompt-injection", 0.97},
	{regexp.MustCompile(`(?i)\bDAN\s+mode\b`), "prompt-injection", 0.97},
	{regexp.MustCompile(`(?i)\b(fuck|shit|bitch|asshole|cunt)\b`), "profanity", 0.96},
}

var outboundPatterns = []pattern{
	// PII that should never leave the assistant channel.
	{regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "pii-card", 1},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "pii-ssn", 1},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "pii-email", 1},
	{regexp.MustCompile(`\b\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`), "pii-phone", 1},
	{regexp.MustCompile(`(?i)how\s+to\s+(make|build)\s+(a\s+)?(bomb|explosive|weapon)`), "harmful-content", 1},
}

// ScreenInbound checks user text before it reaches a provider. Short text
// without system or ignore keywords bypasses the pass entirely.
func (g *Gate) ScreenInbound(text string) ScreenResult {
	if quickBypass(text) {
		return ScreenResult{}
	}
	return screen(text, inboundPatterns)
}

// ScreenOutbound checks assistant text before finalisation. There is no
// bypass: every completed response is screened.
func (g *Gate) ScreenOutbound(text string) ScreenResult {
	return screen(text, outboundPatterns)
}

func screen(text string, patterns []pattern) ScreenResult {
	var result ScreenResult
	seen := make(map[string]bool)
	for _, p := range patterns {
		if !p.re.MatchString(text) {
			continue
		}
		result.Flagged = true
		if !seen[p.flag] {
			seen[p.flag] = true
			result.Flags = append(result.Flags, p.flag)
		}
		if p.confidence > result.Confidence {
			result.Confidence = p.confidence
		}
	}
	return result
}

// PrimaryFlag returns the first flag for error classification, or empty.
func (r ScreenResult) PrimaryFlag() string {
	if len(r.Flags) == 0 {
		return ""
	}
	return r.Flags[0]
}

// FlagSummary joins flags for log output.
func (r ScreenResult) FlagSummary() string {
	return strings.Join(r.Flags, ",")
}
