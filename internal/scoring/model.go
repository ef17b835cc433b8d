package scoring

import (
	"fmt"
	"math"

	"github.com/mbd888/urlsentry/internal/features"
)

// Classifier is a trained binary classifier. PredictProba returns the
// probabilities of the benign (index 0) and malicious (index 1) classes for
// an input in features.Names order. Implementations must be immutable.
type Classifier interface {
	PredictProba(x [features.Size]float64) ([2]float64, error)
}

// ModelScorer scores with a Classifier.
type ModelScorer struct {
	clf Classifier
}

// NewModelScorer wraps clf.
func NewModelScorer(clf Classifier) *ModelScorer {
	return &ModelScorer{clf: clf}
}

// Score implements Scorer. The threat score is the malicious-class
// probability; the confidence band comes from the margin between classes.
func (m *ModelScorer) Score(v features.Vector) (Result, error) {
	proba, err := m.clf.PredictProba(v.Array())
	if err != nil {
		return Result{}, fmt.Errorf("predict: %w", err)
	}
	p0, p1 := proba[0], proba[1]
	if math.IsNaN(p0) || math.IsNaN(p1) {
		return Result{}, fmt.Errorf("predict: classifier returned NaN")
	}

	return Result{
		ThreatScore: Clamp(p1),
		Confidence:  marginConfidence(p0, p1),
	}, nil
}

// Mode implements Scorer.
func (m *ModelScorer) Mode() Mode { return ModeModel }

func marginConfidence(p0, p1 float64) Confidence {
	margin := math.Abs(p0 - p1)
	switch {
	case margin > 0.4:
		return ConfidenceHigh
	case margin > 0.2:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
