package guard

import "strings"

// maskRune replaces each character of a matched trigger phrase.
const maskRune = '*'

// SanitizeReply masks every occurrence of the configured trigger phrases in
// the generated text, case-insensitively, replacing each character of the
// match with '*'. The Fetch side re-admits messages containing these phrases
// as new work, so masking them breaks the loop at its content entry point.
// Returns the sanitized text and whether anything was masked.
func (g *Guard) SanitizeReply(text string) (string, bool) {
	masked := false
	for _, phrase := range g.cfg.TriggerPhrases {
		if phrase == "" {
			continue
		}
		var changed bool
		text, changed = maskPhrase(text, phrase)
		masked = masked || changed
	}
	return text, masked
}

// maskPhrase masks all case-insensitive occurrences of phrase in text.
func maskPhrase(text, phrase string) (string, bool) {
	lowerText := strings.ToLower(text)
	lowerPhrase := strings.ToLower(phrase)

	var builder strings.Builder
	masked := false
	start := 0
	for {
		idx := strings.Index(lowerText[start:], lowerPhrase)
		if idx < 0 {
			builder.WriteString(text[start:])
			break
		}
		idx += start
		builder.WriteString(text[start:idx])
		builder.WriteString(strings.Repeat(string(maskRune), len(phrase)))
		start = idx + len(phrase)
		masked = true
	}
	if !masked {
		return text, false
	}
	return builder.String(), true
}
