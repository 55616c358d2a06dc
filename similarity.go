package agora

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Default repetition tunables; a TaskBudget may override both.
const (
	DefaultAdjacentSimilarity = 0.9
	DefaultRepeatThreshold    = 0.6
	repeatWindow              = 8 // trailing root-group messages inspected
)

// tokenize lowercases, NFKC-normalizes (so full-width and half-width
// variants compare equal), strips punctuation and symbols, and splits on
// whitespace.
func tokenize(s string) []string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Fields(s)
}

// jaccard returns intersection-over-union of the two token sets. Two empty
// sets count as identical.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// repeatedRatio measures output repetition over the trailing window of
// messages: the fraction of adjacent pairs whose token Jaccard similarity
// reaches the threshold. Fewer than two messages yield 0.
func repeatedRatio(msgs []Message, threshold float64) float64 {
	if threshold <= 0 {
		threshold = DefaultAdjacentSimilarity
	}
	if len(msgs) > repeatWindow {
		msgs = msgs[len(msgs)-repeatWindow:]
	}
	if len(msgs) < 2 {
		return 0
	}
	tokens := make([][]string, len(msgs))
	for i, m := range msgs {
		tokens[i] = tokenize(m.Content)
	}
	repeats := 0
	for i := 1; i < len(tokens); i++ {
		if jaccard(tokens[i-1], tokens[i]) >= threshold {
			repeats++
		}
	}
	return float64(repeats) / float64(len(tokens)-1)
}
