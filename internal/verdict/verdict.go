// Package verdict maps a continuous threat score to a discrete threat level,
// recommendation text and visit advice.
package verdict

// Level is a discrete threat level.
type Level string

const (
	LevelSafe       Level = "Safe"
	LevelSuspicious Level = "Suspicious"
	LevelHighRisk   Level = "High Risk"
)

// Levels lists every level from least to most severe.
var Levels = []Level{LevelSafe, LevelSuspicious, LevelHighRisk}

// Level boundaries. A score equal to a boundary falls into the lower level.
const (
	SuspiciousAbove = 0.3
	HighRiskAbove   = 0.6
	MaliciousAbove  = 0.5
)

const (
	recommendSafe       = "This URL appears to be safe. Exercise normal caution."
	recommendSuspicious = "This URL shows some suspicious characteristics. Proceed with caution."
	recommendHighRisk   = "This URL shows multiple high-risk indicators. Do not visit this URL."
)

// Classification is the decision derived from a score.
type Classification struct {
	Level          Level
	Recommendation string
	SafeToVisit    bool
}

// Classify decides level, recommendation and safety from score alone.
func Classify(score float64) Classification {
	switch {
	case score > HighRiskAbove:
		return Classification{Level: LevelHighRisk, Recommendation: recommendHighRisk}
	case score > SuspiciousAbove:
		return Classification{Level: LevelSuspicious, Recommendation: recommendSuspicious}
	default:
		return Classification{Level: LevelSafe, Recommendation: recommendSafe, SafeToVisit: true}
	}
}

// IsMalicious reports whether score crosses the malicious threshold. It is
// independent of the level: a Suspicious URL can be malicious.
func IsMalicious(score float64) bool {
	return score > MaliciousAbove
}

// ActionRequired reports whether the user should be prompted to act.
func ActionRequired(score float64) bool {
	return score > SuspiciousAbove
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelSafe, LevelSuspicious, LevelHighRisk:
		return true
	}
	return false
}
