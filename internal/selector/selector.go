// Package selector draws the per-attempt question subset from the bank.
package selector

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/pavelanni/langexam/internal/model"
)

// DefaultPerPart is the number of questions drawn for each part.
const DefaultPerPart = 2

// Selector draws random question subsets. It is safe for concurrent use.
type Selector struct {
	mu      sync.Mutex // guards rng
	rng     *rand.Rand
	perPart int
}

// New creates a Selector drawing perPart questions per part from rng.
// A nil rng uses the global source; perPart <= 0 uses DefaultPerPart.
func New(rng *rand.Rand, perPart int) *Selector {
	if perPart <= 0 {
		perPart = DefaultPerPart
	}
	return &Selector{rng: rng, perPart: perPart}
}

// Select returns a uniformly random subset of each part, capped at the
// available count. It fails when any part would be left empty.
func (s *Selector) Select(bank model.QuestionSet) (model.QuestionSet, error) {
	for _, p := range model.Parts {
		if bank.Count(p) == 0 {
			return model.QuestionSet{}, fmt.Errorf("part %s: %w", p, model.ErrNoQuestionsAvailable)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.QuestionSet{
		A: pick(s, bank.A),
		B: pick(s, bank.B),
		C: pick(s, bank.C),
		D: pick(s, bank.D),
		E: pick(s, bank.E),
		F: pick(s, bank.F),
	}, nil
}

// pick returns n distinct items chosen with a partial Fisher-Yates shuffle
// over a copy of items.
func pick[T any](s *Selector, items []T) []T {
	pool := make([]T, len(items))
	copy(pool, items)
	n := min(s.perPart, len(pool))
	for i := 0; i < n; i++ {
		j := i + s.intN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n:n]
}

func (s *Selector) intN(n int) int {
	if s.rng == nil {
		return rand.IntN(n)
	}
	return s.rng.IntN(n)
}
