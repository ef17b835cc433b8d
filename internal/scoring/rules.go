package scoring

import (
	"fmt"

	"github.com/mbd888/urlsentry/internal/features"
)

// Rule is one row of the heuristic table. Check reports whether the rule
// fires for v, with the score delta and the human-readable indicator.
type Rule struct {
	Name  string
	Check func(v features.Vector) (delta float64, indicator string, ok bool)
}

// Rules is the heuristic table. Deltas are summed in this order and the
// indicator list is emitted in this order, whichever scorer is active.
var Rules = []Rule{
	{
		Name: "long_url",
		Check: func(v features.Vector) (float64, string, bool) {
			return 0.15, "Unusually long URL", v.URLLength > 80
		},
	},
	{
		Name: "many_dots",
		Check: func(v features.Vector) (float64, string, bool) {
			return 0.1, "Excessive subdomains", v.DotCount > 4
		},
	},
	{
		Name: "ip_host",
		Check: func(v features.Vector) (float64, string, bool) {
			return 0.25, "IP address in URL", v.HasIP
		},
	},
	{
		Name: "no_https",
		Check: func(v features.Vector) (float64, string, bool) {
			return 0.1, "No HTTPS encryption", !v.HasHTTPS
		},
	},
	{
		Name: "suspicious_keywords",
		Check: func(v features.Vector) (float64, string, bool) {
			n := v.SuspiciousKeywords
			return 0.1 * float64(n), fmt.Sprintf("Suspicious keywords detected (%d found)", n), n > 0
		},
	},
	{
		Name: "risky_tld",
		Check: func(v features.Vector) (float64, string, bool) {
			return 0.2, "High-risk TLD detected", v.TLDRiskScore > 0
		},
	},
	{
		Name: "deep_subdomains",
		Check: func(v features.Vector) (float64, string, bool) {
			return 0.1, "Excessive subdomain depth", v.SubdomainCount > 3
		},
	},
	{
		Name: "high_entropy",
		Check: func(v features.Vector) (float64, string, bool) {
			return 0.15, "High URL entropy (obfuscation indicator)", v.Entropy > 5.0
		},
	},
}

// Indicators lists the indicator of every rule that fires for v, in table
// order. It may be empty.
func Indicators(v features.Vector) []string {
	var out []string
	for _, r := range Rules {
		if _, ind, ok := r.Check(v); ok {
			out = append(out, ind)
		}
	}
	return out
}

// HeuristicScorer scores by summing the deltas of every firing rule.
// Its confidence is always Medium.
type HeuristicScorer struct{}

// NewHeuristicScorer returns the rule-table scorer.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

// Score implements Scorer. It never fails.
func (HeuristicScorer) Score(v features.Vector) (Result, error) {
	score := 0.0
	for _, r := range Rules {
		if delta, _, ok := r.Check(v); ok {
			score += delta
		}
	}
	return Result{ThreatScore: Clamp(score), Confidence: ConfidenceMedium}, nil
}

// Mode implements Scorer.
func (HeuristicScorer) Mode() Mode { return ModeHeuristic }
