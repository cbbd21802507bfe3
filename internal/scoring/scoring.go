// Package scoring grades each exam part on a 0-100 scale.
//
// Every scorer tolerates short or missing answer lists: an absent answer is
// scored as an empty string and contributes the minimum for that question.
package scoring

import (
	"math"
	"strings"
	"sync"

	"github.com/pavelanni/langexam/internal/model"
	"github.com/pavelanni/langexam/internal/similarity"
)

func answerAt(answers []string, i int) string {
	if i < 0 || i >= len(answers) {
		return ""
	}
	return answers[i]
}

// ScoreSentences averages the edit-distance similarity between each prompt
// and its answer. Parts A and E are graded this way.
func ScoreSentences(questions []model.SentenceQuestion, answers []string) float64 {
	if len(questions) == 0 {
		return 0
	}
	var sum float64
	for i, q := range questions {
		sum += similarity.EditDistanceSimilarity(q.Question, answerAt(answers, i))
	}
	return sum / float64(len(questions))
}

// ScoreRearrange grades part B. An exact match scores 100; otherwise half the
// points come from expected words present in the answer and, when at least one
// word matched, half from edit-distance similarity.
func ScoreRearrange(questions []model.RearrangeQuestion, answers []string) float64 {
	if len(questions) == 0 {
		return 0
	}
	var sum float64
	for i, q := range questions {
		sum += rearrangeScore(q.Rearranged, answerAt(answers, i))
	}
	return math.Round(sum / float64(len(questions)))
}

func rearrangeScore(expected, answer string) float64 {
	if similarity.Equal(expected, answer) {
		return 100
	}
	score := 50 * similarity.TokenOverlapRatio(expected, answer)
	if score > 0 {
		score += 50 * similarity.EditDistanceSimilarity(expected, answer) / 100
	}
	return math.Min(score, 100)
}

// ScoreComprehension grades part C. A question earns 100 when the answer
// contains any of its keywords and 0 otherwise. Questions without keywords
// or without an answer are left out of the average.
func ScoreComprehension(questions []model.ComprehensionQuestion, answers []string) float64 {
	counted, hits := 0, 0
	for i, q := range questions {
		keywords := normalizedKeywords(q.Keywords)
		answer := similarity.Normalize(answerAt(answers, i))
		if len(keywords) == 0 || answer == "" {
			continue
		}
		counted++
		for _, kw := range keywords {
			if strings.Contains(answer, kw) {
				hits++
				break
			}
		}
	}
	if counted == 0 {
		return 0
	}
	return math.Round(100 * float64(hits) / float64(counted))
}

func normalizedKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = similarity.Normalize(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// ScoreBlanks grades part D. An exact fill counts 1; anything else counts
// its edit-distance similarity to the expected word as a fraction.
func ScoreBlanks(questions []model.BlankQuestion, answers []string) float64 {
	if len(questions) == 0 {
		return 0
	}
	var sum float64
	for i, q := range questions {
		sum += blankCredit(q.Answer, answerAt(answers, i))
	}
	return 100 * sum / float64(len(questions))
}

func blankCredit(expected, answer string) float64 {
	if similarity.Equal(expected, answer) {
		return 1
	}
	return similarity.EditDistanceSimilarity(expected, answer) / 100
}

// ScoreAll grades every part and computes the equally weighted total.
// Parts are graded concurrently.
func ScoreAll(questions model.QuestionSet, answers model.Answers) model.Scores {
	var s model.Scores
	var wg sync.WaitGroup
	wg.Go(func() { s.A = ScoreSentences(questions.A, answers[model.PartA]) })
	wg.Go(func() { s.B = ScoreRearrange(questions.B, answers[model.PartB]) })
	wg.Go(func() { s.C = ScoreComprehension(questions.C, answers[model.PartC]) })
	wg.Go(func() { s.D = ScoreBlanks(questions.D, answers[model.PartD]) })
	wg.Go(func() { s.E = ScoreSentences(questions.E, answers[model.PartE]) })
	wg.Go(func() { s.F = ScorePassages(questions.F, answers[model.PartF]) })
	wg.Wait()

	s.Total = (s.A + s.B + s.C + s.D + s.E + s.F) / float64(len(model.Parts))
	return s
}
