// Package scoring maps a feature vector to a threat score and confidence band.
//
// Two scorers share the Scorer interface: HeuristicScorer sums a fixed rule
// table, ModelScorer asks a trained classifier for class probabilities. The
// choice is made once at startup (see Select) and never changes per request.
package scoring

import (
	"github.com/mbd888/urlsentry/internal/features"
)

// Confidence is the qualitative certainty attached to a score.
type Confidence string

const (
	ConfidenceLow    Confidence = "Low"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceHigh   Confidence = "High"
)

// Mode names the active scoring strategy.
type Mode string

const (
	ModeHeuristic Mode = "heuristic"
	ModeModel     Mode = "model"
)

// Result is the outcome of scoring one vector.
type Result struct {
	ThreatScore float64    `json:"threatScore"`
	Confidence  Confidence `json:"confidence"`
}

// Scorer turns features into a Result. Implementations are safe for
// concurrent use.
type Scorer interface {
	Score(v features.Vector) (Result, error)
	Mode() Mode
}

// Clamp limits a score to [0, 1].
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
