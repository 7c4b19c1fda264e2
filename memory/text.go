package memory

import (
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// tokenize lowercases s and splits it on anything that is not a letter, digit or apostrophe.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func wordSet(s string) map[string]struct{} {
	words := tokenize(s)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func overlapCount(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

// jaccard is the word-set similarity of two strings.
func jaccard(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := overlapCount(sa, sb)
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// keywordScore is the fraction of query words present in text.
func keywordScore(query, text string) float64 {
	q := wordSet(query)
	if len(q) == 0 {
		return 0
	}
	return float64(overlapCount(q, wordSet(text))) / float64(len(q))
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n < 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// preview cuts s to n runes and marks the cut with an ellipsis.
func preview(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return truncate(s, n) + "..."
}

func clamp01(v float64) float64 {
	return lo.Clamp(v, 0, 1)
}
