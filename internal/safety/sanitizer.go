package safety

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

// invisibleCodepoints are zero-width and bidi-control characters that
// carry no visible meaning but can hide instructions from a human
// reviewer while still being read by the model.
var invisibleCodepoints = map[rune]bool{
	'\u200b': true, // zero-width space
	'\u200c': true, // zero-width non-joiner
	'\u200d': true, // zero-width joiner
	'\u200e': true, // left-to-right mark
	'\u200f': true, // right-to-left mark
	'\u202a': true, // left-to-right embedding
	'\u202b': true, // right-to-left embedding
	'\u202c': true, // pop directional formatting
	'\u202d': true, // left-to-right override
	'\u202e': true, // right-to-left override
	'\u2060': true, // word joiner
	'\ufeff': true, // byte order mark
}

// maxCombiningMarkRun bounds how many combining marks may stack on a
// single base character before the run is collapsed; long chains are a
// known rendering-based obfuscation technique.
const maxCombiningMarkRun = 4

// homoglyphMap normalizes a small set of commonly confused Unicode
// characters to their unambiguous ASCII equivalents.
var homoglyphMap = map[rune]rune{
	'а': 'a', // Cyrillic а
	'е': 'e', // Cyrillic е
	'о': 'o', // Cyrillic о
	'р': 'p', // Cyrillic р
	'с': 'c', // Cyrillic с
	'ѕ': 's', // Cyrillic ѕ
	'і': 'i', // Cyrillic і
	'ӏ': 'l', // Cyrillic palochka
	'‐': '-', '‑': '-', '‒': '-', '–': '-', '—': '-',
	'‘': '\'', '’': '\'', '“': '"', '”': '"',
}

func stripInvisible(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	run := 0
	for _, r := range s {
		if invisibleCodepoints[r] {
			continue
		}
		if unicode.Is(unicode.Mn, r) {
			run++
			if run > maxCombiningMarkRun {
				continue
			}
		} else {
			run = 0
		}
		b.WriteRune(r)
	}
	return b.String()
}

func normalizeHomoglyphs(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if ascii, ok := homoglyphMap[r]; ok {
			b.WriteRune(ascii)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// promptInjectionPatterns catches role-hijack attempts, instruction
// override attempts, and common encoded-payload framing.
var promptInjectionPatterns = []struct {
	name     string
	re       *regexp.Regexp
	severity Severity
}{
	{"role_hijack", regexp.MustCompile(`(?i)\b(you are now|act as|pretend to be|system\s*:\s*|assistant\s*:\s*)\b`), SeverityHigh},
	{"instruction_override", regexp.MustCompile(`(?i)\b(ignore (all |the )?(previous|prior|above) (instructions|prompts|rules)|disregard (all |your )?(instructions|guidelines))\b`), SeverityCritical},
	{"exfiltration_request", regexp.MustCompile(`(?i)\b(reveal|print|output|leak) (your |the )?(system prompt|instructions|api key|secret)\b`), SeverityHigh},
	{"encoded_payload", regexp.MustCompile(`(?i)\bdecode (this|the following) base64\b`), SeverityMedium},
}

const (
	envelopeBegin = "<<<UNTRUSTED-CONTENT-BEGIN>>>"
	envelopeEnd   = "<<<UNTRUSTED-CONTENT-END>>>"
)

// Sanitizer implements stage 3 of the pipeline: it strips invisible
// characters, normalizes homoglyphs, decodes HTML/XML entities, then
// re-scans for prompt-injection patterns, wrapping the result in an
// explicit untrusted-content envelope when a High/Critical pattern fires.
type Sanitizer struct {
	Patterns []struct {
		name     string
		re       *regexp.Regexp
		severity Severity
	}
}

// NewSanitizer returns a Sanitizer preloaded with the builtin
// prompt-injection pattern library.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{Patterns: promptInjectionPatterns}
}

// Apply runs the sanitizer stage.
func (s *Sanitizer) Apply(content string) (string, []Warning, bool) {
	original := content
	out := stripInvisible(content)
	out = normalizeHomoglyphs(out)
	out = html.UnescapeString(out)

	var warnings []Warning
	worst := SeverityLow
	hit := false
	for _, p := range s.Patterns {
		if p.re.MatchString(out) {
			hit = true
			warnings = append(warnings, Warning{
				Stage: "sanitizer", Pattern: p.name, Severity: p.severity,
				Action: ActionWarn, Detail: "prompt-injection pattern matched",
			})
			if severityRank(p.severity) > severityRank(worst) {
				worst = p.severity
			}
		}
	}
	if hit && (worst == SeverityHigh || worst == SeverityCritical) {
		out = envelopeBegin + "\n" + out + "\n" + envelopeEnd
	}
	return out, warnings, out != original
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
