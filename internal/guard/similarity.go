package guard

import (
	"strings"
	"unicode"
)

// minTokenLength drops short filler tokens ("a", "to", "is") before
// computing similarity.
const minTokenLength = 2

// Similarity computes the word-set Jaccard similarity of two texts.
// Texts are lowercased, stripped of non-alphanumerics, split on whitespace,
// and tokens of length <= 2 are dropped. Two empty token sets are identical
// (1.0); exactly one empty set is fully dissimilar (0.0).
func Similarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// tokenSet normalizes text into its comparison token set.
func tokenSet(text string) map[string]struct{} {
	var builder strings.Builder
	builder.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			builder.WriteRune(r)
		} else {
			builder.WriteRune(' ')
		}
	}

	set := make(map[string]struct{})
	for _, tok := range strings.Fields(builder.String()) {
		if len(tok) > minTokenLength {
			set[tok] = struct{}{}
		}
	}
	return set
}
