package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/urlsentry/internal/circuitbreaker"
	"github.com/mbd888/urlsentry/internal/logging"
	"github.com/mbd888/urlsentry/internal/metrics"
	"github.com/mbd888/urlsentry/internal/scoring"
	"github.com/mbd888/urlsentry/internal/traces"
)

// Fusion constants.
const (
	BlocklistBoost      = 0.30
	IndicatorBlocklist  = "Flagged by Google Safe Browsing"
	IndicatorReputation = "Analyzed by VirusTotal"
)

// Defaults for Fuser.
const (
	DefaultSafeBrowsingTimeout = 5 * time.Second
	DefaultVirusTotalTimeout   = 10 * time.Second
	DefaultCacheTTL            = 15 * time.Minute
)

// Lookup outcomes recorded in metrics.
const (
	outcomeOK            = "ok"
	outcomeCacheHit      = "cache_hit"
	outcomeNotConfigured = "not_configured"
	outcomeCircuitOpen   = "circuit_open"
	outcomeTimeout       = "timeout"
	outcomeError         = "error"
)

// Fuser consults the blocklist and reputation providers concurrently and
// merges their answers into a scoring result.
type Fuser struct {
	blocklist         Provider
	reputation        Provider
	blocklistTimeout  time.Duration
	reputationTimeout time.Duration
	breaker           *circuitbreaker.Breaker
	cache             Cache
	cacheTTL          time.Duration
}

// Option configures a Fuser.
type Option func(*Fuser)

// WithTimeouts sets per-provider deadlines. Non-positive values keep the default.
func WithTimeouts(blocklist, reputation time.Duration) Option {
	return func(f *Fuser) {
		if blocklist > 0 {
			f.blocklistTimeout = blocklist
		}
		if reputation > 0 {
			f.reputationTimeout = reputation
		}
	}
}

// WithBreaker sets the circuit breaker shared by both providers (keyed by name).
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(f *Fuser) { f.breaker = b }
}

// WithCache enables response caching.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(f *Fuser) {
		f.cache = c
		if ttl > 0 {
			f.cacheTTL = ttl
		}
	}
}

// NewFuser creates a Fuser. Either provider may be unconfigured.
func NewFuser(blocklist, reputation Provider, opts ...Option) *Fuser {
	f := &Fuser{
		blocklist:         blocklist,
		reputation:        reputation,
		blocklistTimeout:  DefaultSafeBrowsingTimeout,
		reputationTimeout: DefaultVirusTotalTimeout,
		breaker:           circuitbreaker.New(5, 30*time.Second),
		cacheTTL:          DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fuse gathers both signals and applies them to base. The indicator slice
// passed in is not modified.
func (f *Fuser) Fuse(ctx context.Context, base scoring.Result, indicators []string, rawURL string) (scoring.Result, []string, External) {
	var ext External

	var g errgroup.Group
	g.Go(func() error {
		ext.SafeBrowsing = f.lookup(ctx, f.blocklist, f.blocklistTimeout, rawURL)
		return nil
	})
	g.Go(func() error {
		ext.VirusTotal = f.lookup(ctx, f.reputation, f.reputationTimeout, rawURL)
		return nil
	})
	_ = g.Wait()

	res, out := Apply(base, indicators, ext)
	return res, out, ext
}

// Apply merges gathered signals into a result. It is pure.
func Apply(base scoring.Result, indicators []string, ext External) (scoring.Result, []string) {
	res := base
	out := make([]string, len(indicators), len(indicators)+2)
	copy(out, indicators)

	if ext.SafeBrowsing.Enabled && ext.SafeBrowsing.Matched {
		res.ThreatScore = min(res.ThreatScore+BlocklistBoost, 1.0)
		res.Confidence = scoring.ConfidenceHigh
		out = append(out, IndicatorBlocklist)
	}
	if ext.VirusTotal.Enabled {
		out = append(out, IndicatorReputation)
	}
	return res, out
}

func (f *Fuser) lookup(ctx context.Context, p Provider, timeout time.Duration, rawURL string) (sig Signal) {
	if p == nil || !p.Configured() {
		metrics.ProviderLookupsTotal.WithLabelValues(providerName(p), outcomeNotConfigured).Inc()
		return notConfigured()
	}

	name := p.Name()
	logger := logging.L(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("provider lookup panicked", "provider", name, "panic", r)
			metrics.ProviderLookupsTotal.WithLabelValues(name, outcomeError).Inc()
			sig = failed(fmt.Errorf("%s: internal error", name))
		}
	}()

	key := CacheKey(name, rawURL)
	if f.cache != nil {
		cached, ok, err := f.cache.Get(ctx, key)
		if err != nil {
			logger.Warn("signal cache read failed", "provider", name, "error", err)
		} else if ok {
			metrics.ProviderLookupsTotal.WithLabelValues(name, outcomeCacheHit).Inc()
			return cached
		}
	}

	if f.breaker != nil && !f.breaker.Allow(name) {
		metrics.ProviderLookupsTotal.WithLabelValues(name, outcomeCircuitOpen).Inc()
		return Signal{Enabled: false, Error: ErrTextCircuitOpen}
	}

	ctx, span := traces.StartSpan(ctx, "signals.lookup", traces.Provider(name))
	defer span.End()

	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	sig, err := p.Lookup(lookupCtx, rawURL)
	metrics.ProviderLookupDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := outcomeError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(lookupCtx.Err(), context.DeadlineExceeded) {
			outcome = outcomeTimeout
		}
		// A caller that went away says nothing about provider health.
		if f.breaker != nil && ctx.Err() == nil {
			f.breaker.RecordFailure(name)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		metrics.ProviderLookupsTotal.WithLabelValues(name, outcome).Inc()
		logger.Warn("provider lookup failed", "provider", name, "outcome", outcome, "error", err)
		return failed(err)
	}

	if f.breaker != nil {
		f.breaker.RecordSuccess(name)
	}
	metrics.ProviderLookupsTotal.WithLabelValues(name, outcomeOK).Inc()

	if f.cache != nil {
		if err := f.cache.Set(ctx, key, sig, f.cacheTTL); err != nil {
			logger.Warn("signal cache write failed", "provider", name, "error", err)
		}
	}
	return sig
}

// Providers returns the configured state of each provider, for health output.
func (f *Fuser) Providers() map[string]bool {
	return map[string]bool{
		providerName(f.blocklist):  f.blocklist != nil && f.blocklist.Configured(),
		providerName(f.reputation): f.reputation != nil && f.reputation.Configured(),
	}
}

func providerName(p Provider) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}

// Breaker exposes the provider circuit breaker for health output.
func (f *Fuser) Breaker() *circuitbreaker.Breaker {
	return f.breaker
}
