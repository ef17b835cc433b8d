// Package analysis orchestrates one URL assessment: feature extraction,
// scoring, external signal fusion and classification into a Verdict.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/urlsentry/internal/features"
	"github.com/mbd888/urlsentry/internal/logging"
	"github.com/mbd888/urlsentry/internal/metrics"
	"github.com/mbd888/urlsentry/internal/scoring"
	"github.com/mbd888/urlsentry/internal/signals"
	"github.com/mbd888/urlsentry/internal/traces"
	"github.com/mbd888/urlsentry/internal/verdict"
)

// ErrProcessing is the only error Analyze returns. Callers must not expose
// its wrapped detail.
var ErrProcessing = errors.New("analysis failed")

// IndicatorNone is the sole indicator when nothing else fired.
const IndicatorNone = "No specific threat indicators detected"

// Verdict is the complete, immutable outcome of one analysis.
type Verdict struct {
	URL            string             `json:"url"`
	ThreatScore    float64            `json:"threatScore"` // unrounded; decisions use this
	ThreatLevel    verdict.Level      `json:"threatLevel"`
	Confidence     scoring.Confidence `json:"confidence"`
	IsMalicious    bool               `json:"isMalicious"`
	Indicators     []string           `json:"indicators"`
	Recommendation string             `json:"recommendation"`
	ActionRequired bool               `json:"actionRequired"`
	SafeToVisit    bool               `json:"safeToVisit"`
	Features       features.Vector    `json:"features"`
	External       signals.External   `json:"-"`
}

// MarshalJSON rounds threatScore to two decimals and flattens the external
// signals into googleSafeBrowsing and virusTotal.
func (v Verdict) MarshalJSON() ([]byte, error) {
	type plain Verdict
	return json.Marshal(struct {
		plain
		ThreatScore  float64        `json:"threatScore"`
		SafeBrowsing signals.Signal `json:"googleSafeBrowsing"`
		VirusTotal   signals.Signal `json:"virusTotal"`
	}{
		plain:        plain(v),
		ThreatScore:  Round2(v.ThreatScore),
		SafeBrowsing: v.External.SafeBrowsing,
		VirusTotal:   v.External.VirusTotal,
	})
}

// Round2 rounds to two decimals, ties to even: an exact 0.125 from an
// eight-tree forest becomes 0.12.
func Round2(x float64) float64 {
	return math.RoundToEven(x*100) / 100
}

// SignalFuser merges external signals into a base result.
type SignalFuser interface {
	Fuse(ctx context.Context, base scoring.Result, indicators []string, rawURL string) (scoring.Result, []string, signals.External)
}

// Engine runs analyses. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	extractor *features.Extractor
	scorer    scoring.Scorer
	fuser     SignalFuser
}

// NewEngine wires an engine. The scorer is fixed for the engine's lifetime.
func NewEngine(extractor *features.Extractor, scorer scoring.Scorer, fuser SignalFuser) *Engine {
	return &Engine{extractor: extractor, scorer: scorer, fuser: fuser}
}

// Mode reports the active scoring mode.
func (e *Engine) Mode() scoring.Mode {
	return e.scorer.Mode()
}

// Analyze assesses rawURL. Any input yields a verdict; only an internal fault
// (scorer error or panic) yields ErrProcessing, and never a partial verdict.
func (e *Engine) Analyze(ctx context.Context, rawURL string) (v *Verdict, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "analysis.Analyze",
		traces.URLHost(features.Host(rawURL)),
		traces.ScoringMode(string(e.scorer.Mode())),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("analysis panicked", "panic", r, "stack", string(debug.Stack()))
			v, err = nil, fmt.Errorf("%w: panic: %v", ErrProcessing, r)
		}
		if err != nil {
			metrics.AnalysisFailuresTotal.Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "processing failed")
		}
	}()

	vec := e.extractor.Extract(rawURL)

	base, err := e.scorer.Score(vec)
	if err != nil {
		logging.L(ctx).Error("scoring failed", "mode", e.scorer.Mode(), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrProcessing, err)
	}

	res, indicators, ext := e.fuser.Fuse(ctx, base, scoring.Indicators(vec), rawURL)
	res.ThreatScore = scoring.Clamp(res.ThreatScore)
	if len(indicators) == 0 {
		indicators = []string{IndicatorNone}
	}

	cls := verdict.Classify(res.ThreatScore)
	v = &Verdict{
		URL:            rawURL,
		ThreatScore:    res.ThreatScore,
		ThreatLevel:    cls.Level,
		Confidence:     res.Confidence,
		IsMalicious:    verdict.IsMalicious(res.ThreatScore),
		Indicators:     indicators,
		Recommendation: cls.Recommendation,
		ActionRequired: verdict.ActionRequired(res.ThreatScore),
		SafeToVisit:    cls.SafeToVisit,
		Features:       vec,
		External:       ext,
	}

	span.SetAttributes(traces.ThreatLevel(string(cls.Level)))
	metrics.AnalysesTotal.WithLabelValues(string(cls.Level)).Inc()
	metrics.ThreatScore.Observe(res.ThreatScore)
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	return v, nil
}
