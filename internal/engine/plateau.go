// Package engine drives generation requests through repeated rounds of
// prompt optimization, candidate synthesis, and multi-judge scoring until a
// stopping rule fires.
//
// The engine is split into a pure decision layer (plateau detection, the
// completion resolver) and an I/O layer (the loop controller and the
// claim-based worker).
package engine

import "github.com/atelier-ai/kiln/internal/model"

// Plateau stopping-rule defaults, used when a request does not set its own.
const (
	DefaultPlateauWindow    = 3
	DefaultPlateauThreshold = 0.02
)

// IsPlateauing reports whether the last windowSize scores have stopped
// improving meaningfully. The rule is relative, not absolute: the spread of
// the window is compared against a fraction of the window's peak score, so
// threshold scales with how well the request is already doing.
//
// With windowSize=3, threshold=0.02: scores [80, 81, 80.5] have spread 1
// against a cutoff of 0.02*81 = 1.62, so they plateau; [60, 85, 90] have
// spread 30 against 1.8, so they do not. Fewer than windowSize scores is
// never a plateau.
func IsPlateauing(scores []float64, windowSize int, threshold float64) bool {
	if windowSize <= 0 {
		windowSize = DefaultPlateauWindow
	}
	if threshold <= 0 {
		threshold = DefaultPlateauThreshold
	}
	if len(scores) < windowSize {
		return false
	}

	window := scores[len(scores)-windowSize:]
	low, high := window[0], window[0]
	for _, s := range window[1:] {
		if s < low {
			low = s
		}
		if s > high {
			high = s
		}
	}
	return high-low < threshold*high
}

// AggregateScores extracts the score series from an iteration history.
func AggregateScores(iterations []model.IterationSnapshot) []float64 {
	scores := make([]float64, len(iterations))
	for i, it := range iterations {
		scores[i] = it.AggregateScore
	}
	return scores
}

// BestIteration returns the iteration with the globally highest aggregate
// score, ties broken by earliest iteration number. ok is false on an empty
// history.
func BestIteration(iterations []model.IterationSnapshot) (best model.IterationSnapshot, ok bool) {
	for _, it := range iterations {
		if !ok || it.AggregateScore > best.AggregateScore {
			best = it
			ok = true
		}
	}
	return best, ok
}

// BestScore returns the highest aggregate score across the history, or 0
// when there is none.
func BestScore(iterations []model.IterationSnapshot) float64 {
	best, ok := BestIteration(iterations)
	if !ok {
		return 0
	}
	return best.AggregateScore
}
