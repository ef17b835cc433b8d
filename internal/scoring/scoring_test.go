package scoring

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/urlsentry/internal/features"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Heuristic ---

func TestHeuristic_RiskyTLDWithKeywords(t *testing.T) {
	v := features.NewDefaultExtractor().Extract("http://192.168.1.1.xyz/verify-account-update")

	res, err := NewHeuristicScorer().Score(v)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.ThreatScore, 1e-9)
	assert.Greater(t, res.ThreatScore, 0.6, "summed in table order the score lands just above 0.6")
	assert.Equal(t, ConfidenceMedium, res.Confidence)

	assert.Equal(t, []string{
		"No HTTPS encryption",
		"Suspicious keywords detected (3 found)",
		"High-risk TLD detected",
	}, Indicators(v))
}

func TestHeuristic_CleanURL(t *testing.T) {
	v := features.NewDefaultExtractor().Extract("https://www.example.com")

	res, err := NewHeuristicScorer().Score(v)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.ThreatScore)
	assert.Empty(t, Indicators(v))
}

func TestHeuristic_ClampsToOne(t *testing.T) {
	v := features.Vector{
		URLLength:          200,
		DotCount:           10,
		HasIP:              true,
		HasHTTPS:           false,
		SuspiciousKeywords: 5,
		TLDRiskScore:       1,
		SubdomainCount:     6,
		Entropy:            6,
	}

	res, err := NewHeuristicScorer().Score(v)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.ThreatScore)
	assert.Len(t, Indicators(v), len(Rules))
}

func TestHeuristic_KeywordsAndNoHTTPS(t *testing.T) {
	res, err := NewHeuristicScorer().Score(features.Vector{SuspiciousKeywords: 1, HasHTTPS: false})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, res.ThreatScore, 1e-12)
}

func TestHeuristic_Monotonic(t *testing.T) {
	base := features.Vector{HasHTTPS: true, URLLength: 20, Entropy: 3}
	s := NewHeuristicScorer()
	baseRes, _ := s.Score(base)

	mutations := map[string]func(*features.Vector){
		"long":       func(v *features.Vector) { v.URLLength = 81 },
		"dots":       func(v *features.Vector) { v.DotCount = 5 },
		"ip":         func(v *features.Vector) { v.HasIP = true },
		"no_https":   func(v *features.Vector) { v.HasHTTPS = false },
		"keywords":   func(v *features.Vector) { v.SuspiciousKeywords = 2 },
		"tld":        func(v *features.Vector) { v.TLDRiskScore = 1 },
		"subdomains": func(v *features.Vector) { v.SubdomainCount = 4 },
		"entropy":    func(v *features.Vector) { v.Entropy = 5.01 },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			v := base
			mutate(&v)
			res, err := s.Score(v)
			require.NoError(t, err)
			assert.Greater(t, res.ThreatScore, baseRes.ThreatScore)
		})
	}
}

func TestHeuristic_Thresholds(t *testing.T) {
	s := NewHeuristicScorer()
	atLimit := features.Vector{HasHTTPS: true, URLLength: 80, DotCount: 4, SubdomainCount: 3, Entropy: 5.0}
	res, _ := s.Score(atLimit)
	assert.Equal(t, 0.0, res.ThreatScore)
}

func TestHeuristic_Mode(t *testing.T) {
	assert.Equal(t, ModeHeuristic, NewHeuristicScorer().Mode())
}

// --- Model ---

type stubClassifier struct {
	proba [2]float64
	err   error
	got   [features.Size]float64
}

func (s *stubClassifier) PredictProba(x [features.Size]float64) ([2]float64, error) {
	s.got = x
	return s.proba, s.err
}

func TestModelScorer_ConfidenceBands(t *testing.T) {
	tests := []struct {
		p0, p1 float64
		want   Confidence
	}{
		{0.05, 0.95, ConfidenceHigh},
		{0.8, 0.2, ConfidenceHigh},
		{0.35, 0.65, ConfidenceMedium},
		{0.45, 0.55, ConfidenceLow},
		{0.5, 0.5, ConfidenceLow},
	}

	for _, tt := range tests {
		m := NewModelScorer(&stubClassifier{proba: [2]float64{tt.p0, tt.p1}})
		res, err := m.Score(features.Vector{})
		require.NoError(t, err)
		assert.Equal(t, tt.p1, res.ThreatScore)
		assert.Equal(t, tt.want, res.Confidence, "p0=%v p1=%v", tt.p0, tt.p1)
	}
}

func TestModelScorer_FeedsFixedOrder(t *testing.T) {
	stub := &stubClassifier{proba: [2]float64{1, 0}}
	v := features.Vector{URLLength: 7, DotCount: 1, HasIP: true, Entropy: 2.5}

	_, err := NewModelScorer(stub).Score(v)
	require.NoError(t, err)
	assert.Equal(t, v.Array(), stub.got)
}

func TestModelScorer_Clamps(t *testing.T) {
	m := NewModelScorer(&stubClassifier{proba: [2]float64{-0.2, 1.2}})
	res, err := m.Score(features.Vector{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.ThreatScore)
}

func TestModelScorer_Error(t *testing.T) {
	boom := errors.New("boom")
	m := NewModelScorer(&stubClassifier{err: boom})
	_, err := m.Score(features.Vector{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ModeModel, m.Mode())
}

// --- Artifacts ---

const forestJSON = `{
  "kind": "random_forest",
  "features": ["url_length","dot_count","has_ip","has_https","suspicious_keywords","tld_risk_score","subdomain_count","entropy"],
  "trees": [
    {"nodes": [
      {"feature": 4, "threshold": 0.5, "left": 1, "right": 2},
      {"left": -1, "right": -1, "value": [40, 2]},
      {"left": -1, "right": -1, "value": [1, 9]}
    ]}
  ]
}`

func TestParseArtifact_Forest(t *testing.T) {
	clf, err := ParseArtifact([]byte(forestJSON))
	require.NoError(t, err)

	p, err := clf.PredictProba(features.Vector{SuspiciousKeywords: 0}.Array())
	require.NoError(t, err)
	assert.InDelta(t, 40.0/42.0, p[0], 1e-12)
	assert.InDelta(t, 2.0/42.0, p[1], 1e-12)

	p, err = clf.PredictProba(features.Vector{SuspiciousKeywords: 3}.Array())
	require.NoError(t, err)
	assert.InDelta(t, 0.9, p[1], 1e-12)

	res, err := NewModelScorer(clf).Score(features.Vector{SuspiciousKeywords: 3})
	require.NoError(t, err)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
}

func TestParseArtifact_ForestAveragesTrees(t *testing.T) {
	doc := `{
	  "kind": "random_forest",
	  "features": ["url_length","dot_count","has_ip","has_https","suspicious_keywords","tld_risk_score","subdomain_count","entropy"],
	  "trees": [
	    {"nodes": [{"left": -1, "right": -1, "value": [3, 1]}]},
	    {"nodes": [{"left": -1, "right": -1, "value": [1, 3]}]},
	    {"nodes": [{"left": -1, "right": -1, "value": [0, 5]}]}
	  ]
	}`
	clf, err := ParseArtifact([]byte(doc))
	require.NoError(t, err)

	p, err := clf.PredictProba([features.Size]float64{})
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, p[1], 1e-12)
	assert.InDelta(t, 1.0/3.0, p[0], 1e-12)
}

func TestParseArtifact_Logistic(t *testing.T) {
	doc := `{
	  "kind": "logistic",
	  "features": ["url_length","dot_count","has_ip","has_https","suspicious_keywords","tld_risk_score","subdomain_count","entropy"],
	  "coef": [0, 0, 0, 0, 1, 0, 0, 0],
	  "intercept": 0
	}`
	clf, err := ParseArtifact([]byte(doc))
	require.NoError(t, err)

	p, err := clf.PredictProba([features.Size]float64{})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p[1], 1e-12)

	p, err = clf.PredictProba(features.Vector{SuspiciousKeywords: 10}.Array())
	require.NoError(t, err)
	assert.Greater(t, p[1], 0.99)
	assert.InDelta(t, 1.0, p[0]+p[1], 1e-12)
}

func TestParseArtifact_Rejects(t *testing.T) {
	names := `["url_length","dot_count","has_ip","has_https","suspicious_keywords","tld_risk_score","subdomain_count","entropy"]`
	tests := map[string]string{
		"not json":        `{`,
		"unknown kind":    `{"kind":"svm","features":` + names + `}`,
		"feature order":   `{"kind":"logistic","features":["dot_count","url_length","has_ip","has_https","suspicious_keywords","tld_risk_score","subdomain_count","entropy"],"coef":[0,0,0,0,0,0,0,0]}`,
		"feature count":   `{"kind":"logistic","features":["url_length"],"coef":[0]}`,
		"no trees":        `{"kind":"random_forest","features":` + names + `,"trees":[]}`,
		"empty tree":      `{"kind":"random_forest","features":` + names + `,"trees":[{"nodes":[]}]}`,
		"backward child":  `{"kind":"random_forest","features":` + names + `,"trees":[{"nodes":[{"feature":0,"threshold":1,"left":0,"right":1},{"left":-1,"right":-1,"value":[1,1]}]}]}`,
		"child overflow":  `{"kind":"random_forest","features":` + names + `,"trees":[{"nodes":[{"feature":0,"threshold":1,"left":1,"right":5},{"left":-1,"right":-1,"value":[1,1]}]}]}`,
		"bad feature idx": `{"kind":"random_forest","features":` + names + `,"trees":[{"nodes":[{"feature":8,"threshold":1,"left":1,"right":2},{"left":-1,"right":-1,"value":[1,1]},{"left":-1,"right":-1,"value":[1,1]}]}]}`,
		"empty leaf":      `{"kind":"random_forest","features":` + names + `,"trees":[{"nodes":[{"left":-1,"right":-1,"value":[0,0]}]}]}`,
		"short leaf":      `{"kind":"random_forest","features":` + names + `,"trees":[{"nodes":[{"left":-1,"right":-1,"value":[1]}]}]}`,
		"short coef":      `{"kind":"logistic","features":` + names + `,"coef":[1,2]}`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseArtifact([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidArtifact)
		})
	}
}

// --- Selection ---

func TestSelect(t *testing.T) {
	dir := t.TempDir()
	logger := discardLogger()

	t.Run("empty path", func(t *testing.T) {
		assert.Equal(t, ModeHeuristic, Select("", logger).Mode())
	})

	t.Run("missing file", func(t *testing.T) {
		assert.Equal(t, ModeHeuristic, Select(filepath.Join(dir, "nope.json"), logger).Mode())
	})

	t.Run("invalid artifact", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"kind":"svm"}`), 0o600))
		assert.Equal(t, ModeHeuristic, Select(path, logger).Mode())
	})

	t.Run("valid artifact", func(t *testing.T) {
		path := filepath.Join(dir, "model.json")
		require.NoError(t, os.WriteFile(path, []byte(forestJSON), 0o600))
		assert.Equal(t, ModeModel, Select(path, logger).Mode())
	})
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-1))
	assert.Equal(t, 1.0, Clamp(2))
	assert.Equal(t, 0.42, Clamp(0.42))
}
