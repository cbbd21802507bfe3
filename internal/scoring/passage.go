package scoring

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/langexam/internal/model"
	"github.com/pavelanni/langexam/internal/similarity"
)

const (
	minWordCountRatio  = 0.5
	minKeyWordRatio    = 0.1
	paraphraseKeyRatio = 0.7
	reorderDivergence  = 0.5
)

// PassageResult is the grade for one reconstructed passage.
type PassageResult struct {
	Score float64 `json:"score"`
	Pass  bool    `json:"pass"`
}

// ScorePassages grades part F as the plain mean of the per-passage scores.
func ScorePassages(questions []model.SentenceQuestion, answers []string) float64 {
	if len(questions) == 0 {
		return 0
	}
	var sum float64
	for i, q := range questions {
		sum += ScorePassage(q.Question, answerAt(answers, i)).Score
	}
	return sum / float64(len(questions))
}

// ScorePassage grades a rewrite of original using only words longer than
// three letters. A rewrite that keeps most key words is treated as a
// paraphrase when it regroups sentences or reorders words; a near copy in
// the same order does not pass.
func ScorePassage(original, rewrite string) PassageResult {
	orig := significantWords(original)
	rw := significantWords(rewrite)
	if len(orig) == 0 {
		return PassageResult{}
	}

	wordCountRatio := float64(len(rw)) / float64(len(orig))
	if wordCountRatio < minWordCountRatio {
		return PassageResult{Score: math.Floor(40 * wordCountRatio)}
	}

	keyRatio := keyWordRatio(orig, rw)
	switch {
	case keyRatio < minKeyWordRatio:
		return PassageResult{Score: 40}
	case keyRatio > paraphraseKeyRatio:
		if similarity.SentenceCount(original) != similarity.SentenceCount(rewrite) {
			return PassageResult{Score: 80, Pass: true}
		}
		if similarity.TokenOrderDivergence(orig, rw) > reorderDivergence {
			return PassageResult{Score: 75, Pass: true}
		}
		return PassageResult{Score: 60}
	}

	score := math.Min(math.Floor(70+30*(keyRatio/0.5)), 100)
	return PassageResult{Score: score, Pass: score > 70}
}

func significantWords(s string) []string {
	var out []string
	for _, t := range similarity.Tokens(s) {
		t = strings.ReplaceAll(t, "'", "")
		if utf8.RuneCountInString(t) > 3 {
			out = append(out, t)
		}
	}
	return out
}

// keyWordRatio is the share of distinct original words present in the rewrite.
func keyWordRatio(orig, rw []string) float64 {
	have := make(map[string]struct{}, len(rw))
	for _, w := range rw {
		have[w] = struct{}{}
	}
	unique := make(map[string]struct{}, len(orig))
	found := 0
	for _, w := range orig {
		if _, dup := unique[w]; dup {
			continue
		}
		unique[w] = struct{}{}
		if _, ok := have[w]; ok {
			found++
		}
	}
	return float64(found) / float64(len(unique))
}
