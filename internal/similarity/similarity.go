// Package similarity provides the lenient string comparisons used to grade
// transcribed and typed answers.
package similarity

import (
	"math"
	"strings"
	"unicode"
)

// minCommonTokens is the number of shared tokens below which word positions
// are not compared.
const minCommonTokens = 5

// Normalize lower-cases s and trims surrounding whitespace.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Equal reports whether a and b match ignoring case and surrounding whitespace.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Tokens lower-cases s, strips punctuation and splits it into words.
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

// SentenceCount counts non-empty sentences terminated by '.', '!' or '?'.
func SentenceCount(s string) int {
	n := 0
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	}) {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	return n
}

// EditDistanceSimilarity returns 100*(maxLen-distance)/maxLen for the
// normalized inputs, where distance is the Levenshtein distance in runes.
// Two empty strings are a perfect match.
func EditDistanceSimilarity(a, b string) float64 {
	ra := []rune(Normalize(a))
	rb := []rune(Normalize(b))
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 100
	}
	d := levenshtein(ra, rb)
	return 100 * float64(maxLen-d) / float64(maxLen)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// TokenOverlapRatio returns the fraction of expected tokens that appear
// anywhere in candidate. It is 0 when expected has no tokens.
func TokenOverlapRatio(expected, candidate string) float64 {
	exp := Tokens(expected)
	if len(exp) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, t := range Tokens(candidate) {
		have[t] = struct{}{}
	}
	found := 0
	for _, t := range exp {
		if _, ok := have[t]; ok {
			found++
		}
	}
	return float64(found) / float64(len(exp))
}

// WordOrderDivergence compares the relative positions of words shared by a and b.
// See TokenOrderDivergence.
func WordOrderDivergence(a, b string) float64 {
	return TokenOrderDivergence(Tokens(a), Tokens(b))
}

// TokenOrderDivergence returns the mean absolute difference between the
// normalized first positions (index/len) of tokens common to a and b.
// With fewer than five common tokens it returns 1.
func TokenOrderDivergence(a, b []string) float64 {
	posA := firstPositions(a)
	posB := firstPositions(b)

	var sum float64
	common := 0
	for tok, pa := range posA {
		pb, ok := posB[tok]
		if !ok {
			continue
		}
		sum += math.Abs(pa - pb)
		common++
	}
	if common < minCommonTokens {
		return 1
	}
	return sum / float64(common)
}

func firstPositions(tokens []string) map[string]float64 {
	pos := make(map[string]float64, len(tokens))
	for i, t := range tokens {
		if _, seen := pos[t]; !seen {
			pos[t] = float64(i) / float64(len(tokens))
		}
	}
	return pos
}
