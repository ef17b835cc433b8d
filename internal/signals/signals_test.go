package signals

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/urlsentry/internal/circuitbreaker"
	"github.com/mbd888/urlsentry/internal/scoring"
)

// ---------------------------------------------------------------------------
// Provider clients
// ---------------------------------------------------------------------------

func TestSafeBrowsing_RequestShape(t *testing.T) {
	var got sbRequest
	var gotKey, gotPath, gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-Goog-Api-Key")
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	sb := NewSafeBrowsing("sb-key", WithBaseURL(ts.URL))
	sig, err := sb.Lookup(context.Background(), "http://evil.example/")
	require.NoError(t, err)

	assert.Equal(t, "/v4/threatMatches:find", gotPath)
	assert.Equal(t, "sb-key", gotKey)
	assert.Empty(t, gotQuery, "key travels in a header, never the URL")
	assert.Equal(t, "ransomware-early-warning", got.Client.ClientID)
	assert.Equal(t, "1.0.0", got.Client.ClientVersion)
	assert.Equal(t, []string{"MALWARE", "SOCIAL_ENGINEERING", "UNWANTED_SOFTWARE"}, got.ThreatInfo.ThreatTypes)
	assert.Equal(t, []string{"ANY_PLATFORM"}, got.ThreatInfo.PlatformTypes)
	assert.Equal(t, []string{"URL"}, got.ThreatInfo.ThreatEntryTypes)
	assert.Equal(t, []sbEntry{{URL: "http://evil.example/"}}, got.ThreatInfo.ThreatEntries)

	assert.True(t, sig.Enabled)
	assert.False(t, sig.Matched)
	assert.JSONEq(t, `[]`, string(sig.Matches))
}

func TestSafeBrowsing_Match(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"matches":[{"threatType":"MALWARE","threat":{"url":"http://evil.example/"}}]}`))
	}))
	defer ts.Close()

	sig, err := NewSafeBrowsing("k", WithBaseURL(ts.URL)).Lookup(context.Background(), "http://evil.example/")
	require.NoError(t, err)
	assert.True(t, sig.Enabled)
	assert.True(t, sig.Matched)
	assert.Contains(t, string(sig.Matches), "MALWARE")
}

func TestSafeBrowsing_NonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	_, err := NewSafeBrowsing("k", WithBaseURL(ts.URL)).Lookup(context.Background(), "http://x/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestSafeBrowsing_TransportErrorHidesKey(t *testing.T) {
	const secret = "SECRET-KEY-123"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	sb := NewSafeBrowsing(secret, WithBaseURL(ts.URL))
	f := NewFuser(sb, nil, WithTimeouts(50*time.Millisecond, time.Second))

	_, _, ext := f.Fuse(context.Background(), scoring.Result{}, nil, "http://slow.example/?token=abc")
	assert.False(t, ext.SafeBrowsing.Enabled)
	require.NotEmpty(t, ext.SafeBrowsing.Error)
	assert.NotContains(t, ext.SafeBrowsing.Error, secret)
	assert.NotContains(t, ext.SafeBrowsing.Error, ts.URL)
	assert.Contains(t, ext.SafeBrowsing.Error, "deadline exceeded")
}

func TestFuse_NonOKStatusIsClean(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	f := NewFuser(NewSafeBrowsing("k", WithBaseURL(ts.URL)), nil)
	_, inds, ext := f.Fuse(context.Background(), scoring.Result{}, nil, "http://x/")

	assert.Empty(t, inds)
	assert.False(t, ext.SafeBrowsing.Enabled)
	assert.Equal(t, ResultClean, ext.SafeBrowsing.Result)
	assert.Contains(t, ext.SafeBrowsing.Error, "503")
}

func TestVirusTotal_Request(t *testing.T) {
	var gotKey, gotURL, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-apikey")
		gotURL = r.URL.Query().Get("url")
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"data":{"type":"url"}}`))
	}))
	defer ts.Close()

	sig, err := NewVirusTotal("vt-key", WithBaseURL(ts.URL)).Lookup(context.Background(), "https://a.example/?q=1&r=2")
	require.NoError(t, err)
	assert.Equal(t, "/api/v3/urls", gotPath)
	assert.Equal(t, "vt-key", gotKey)
	assert.Equal(t, "https://a.example/?q=1&r=2", gotURL)
	assert.True(t, sig.Enabled)
	assert.JSONEq(t, `{"data":{"type":"url"}}`, string(sig.Data))
}

func TestVirusTotal_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer ts.Close()

	_, err := NewVirusTotal("k", WithBaseURL(ts.URL)).Lookup(context.Background(), "http://x/")
	assert.Error(t, err)
}

func TestProviders_NotConfigured(t *testing.T) {
	for _, p := range []Provider{NewSafeBrowsing(""), NewVirusTotal("")} {
		assert.False(t, p.Configured())
		sig, err := p.Lookup(context.Background(), "http://x/")
		assert.ErrorIs(t, err, ErrNotConfigured)
		assert.Equal(t, Signal{Result: ResultNotConfigured}, sig)
	}
}

// ---------------------------------------------------------------------------
// Fuser
// ---------------------------------------------------------------------------

type stubProvider struct {
	name       string
	configured bool
	signal     Signal
	err        error
	delay      time.Duration
	panics     bool
	calls      atomic.Int32
}

func (s *stubProvider) Name() string     { return s.name }
func (s *stubProvider) Configured() bool { return s.configured }

func (s *stubProvider) Lookup(ctx context.Context, _ string) (Signal, error) {
	s.calls.Add(1)
	if s.panics {
		panic("provider exploded")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Signal{}, ctx.Err()
		}
	}
	return s.signal, s.err
}

func sbStub() *stubProvider { return &stubProvider{name: "safe_browsing", configured: true} }
func vtStub() *stubProvider { return &stubProvider{name: "virustotal", configured: true} }

func TestFuse_BlocklistMatch(t *testing.T) {
	sb := sbStub()
	sb.signal = Signal{Enabled: true, Matched: true, Matches: json.RawMessage(`[{}]`)}
	vt := &stubProvider{name: "virustotal"}

	f := NewFuser(sb, vt)
	base := scoring.Result{ThreatScore: 0.2, Confidence: scoring.ConfidenceMedium}
	in := []string{"No HTTPS encryption"}

	res, inds, ext := f.Fuse(context.Background(), base, in, "http://evil.example/")

	assert.InDelta(t, 0.5, res.ThreatScore, 1e-12)
	assert.Equal(t, scoring.ConfidenceHigh, res.Confidence)
	assert.Equal(t, []string{"No HTTPS encryption", IndicatorBlocklist}, inds)
	assert.Equal(t, []string{"No HTTPS encryption"}, in, "input slice untouched")
	assert.True(t, ext.SafeBrowsing.Matched)
	assert.Equal(t, ResultNotConfigured, ext.VirusTotal.Result)
	assert.EqualValues(t, 0, vt.calls.Load())
}

func TestFuse_BlocklistBoostClamps(t *testing.T) {
	res, _ := Apply(
		scoring.Result{ThreatScore: 0.9},
		nil,
		External{SafeBrowsing: Signal{Enabled: true, Matched: true}},
	)
	assert.Equal(t, 1.0, res.ThreatScore)
}

func TestFuse_ReputationOnlyAddsIndicator(t *testing.T) {
	vt := vtStub()
	vt.signal = Signal{Enabled: true, Data: json.RawMessage(`{}`)}
	sb := sbStub()
	sb.signal = Signal{Enabled: true, Matches: json.RawMessage(`[]`)}

	base := scoring.Result{ThreatScore: 0.4, Confidence: scoring.ConfidenceLow}
	res, inds, _ := NewFuser(sb, vt).Fuse(context.Background(), base, nil, "https://ok.example")

	assert.Equal(t, base, res)
	assert.Equal(t, []string{IndicatorReputation}, inds)
}

func TestFuse_NeitherConfigured(t *testing.T) {
	f := NewFuser(NewSafeBrowsing(""), NewVirusTotal(""))
	base := scoring.Result{ThreatScore: 0.33, Confidence: scoring.ConfidenceMedium}

	res, inds, ext := f.Fuse(context.Background(), base, []string{"a"}, "x")
	assert.Equal(t, base, res)
	assert.Equal(t, []string{"a"}, inds)
	assert.Equal(t, Signal{Result: ResultNotConfigured}, ext.SafeBrowsing)
	assert.Equal(t, Signal{Result: ResultNotConfigured}, ext.VirusTotal)
}

func TestFuse_TimeoutNeverEscapes(t *testing.T) {
	sb := sbStub()
	sb.delay = time.Second
	vt := vtStub()
	vt.delay = time.Second

	f := NewFuser(sb, vt, WithTimeouts(30*time.Millisecond, 60*time.Millisecond))
	base := scoring.Result{ThreatScore: 0.1, Confidence: scoring.ConfidenceMedium}

	start := time.Now()
	res, inds, ext := f.Fuse(context.Background(), base, nil, "http://slow.example")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond, "lookups run concurrently and are bounded by their timeouts")
	assert.Equal(t, base, res)
	assert.Empty(t, inds)
	assert.False(t, ext.SafeBrowsing.Enabled)
	assert.Contains(t, ext.SafeBrowsing.Error, "deadline exceeded")
	assert.False(t, ext.VirusTotal.Enabled)
	assert.NotEmpty(t, ext.VirusTotal.Error)
}

func TestFuse_ErrorBecomesDisabledSignal(t *testing.T) {
	sb := sbStub()
	sb.err = errors.New("connection refused")

	_, _, ext := NewFuser(sb, vtStub()).Fuse(context.Background(), scoring.Result{}, nil, "x")
	assert.Equal(t, Signal{Enabled: false, Error: "connection refused"}, ext.SafeBrowsing)
}

func TestFuse_PanicBecomesDisabledSignal(t *testing.T) {
	sb := sbStub()
	sb.panics = true

	_, _, ext := NewFuser(sb, vtStub()).Fuse(context.Background(), scoring.Result{}, nil, "x")
	assert.False(t, ext.SafeBrowsing.Enabled)
	assert.Equal(t, "safe_browsing: internal error", ext.SafeBrowsing.Error)
}

func TestFuse_CircuitOpensAfterFailures(t *testing.T) {
	sb := sbStub()
	sb.err = errors.New("boom")

	f := NewFuser(sb, vtStub(), WithBreaker(circuitbreaker.New(3, time.Minute)))
	for i := 0; i < 3; i++ {
		f.Fuse(context.Background(), scoring.Result{}, nil, "x")
	}
	require.EqualValues(t, 3, sb.calls.Load())

	_, _, ext := f.Fuse(context.Background(), scoring.Result{}, nil, "x")
	assert.Equal(t, ErrTextCircuitOpen, ext.SafeBrowsing.Error)
	assert.EqualValues(t, 3, sb.calls.Load(), "open circuit skips the provider")
}

func TestFuse_CachesSuccessfulLookups(t *testing.T) {
	sb := sbStub()
	sb.signal = Signal{Enabled: true, Matched: true, Matches: json.RawMessage(`[{}]`)}
	vt := vtStub()
	vt.err = errors.New("down")

	f := NewFuser(sb, vt, WithCache(NewMemoryCache(0), time.Minute))
	ctx := context.Background()

	_, _, first := f.Fuse(ctx, scoring.Result{}, nil, "http://a/")
	_, _, second := f.Fuse(ctx, scoring.Result{}, nil, "http://a/")

	assert.Equal(t, first.SafeBrowsing, second.SafeBrowsing)
	assert.EqualValues(t, 1, sb.calls.Load())
	assert.EqualValues(t, 2, vt.calls.Load(), "failures are not cached")
}

func TestFuser_Providers(t *testing.T) {
	f := NewFuser(NewSafeBrowsing("k"), NewVirusTotal(""))
	assert.Equal(t, map[string]bool{"safe_browsing": true, "virustotal": false}, f.Providers())
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

func TestMemoryCache_TTL(t *testing.T) {
	c := NewMemoryCache(10)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", Signal{Enabled: true}, time.Minute))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Enabled)

	now = now.Add(time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryCache_Bounded(t *testing.T) {
	c := NewMemoryCache(2)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.Set(ctx, "a", Signal{}, time.Second)
	_ = c.Set(ctx, "b", Signal{}, time.Hour)
	_ = c.Set(ctx, "c", Signal{}, time.Hour)
	assert.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "c")
	assert.False(t, ok, "full cache drops new entries")

	now = now.Add(2 * time.Second)
	_ = c.Set(ctx, "c", Signal{}, time.Hour)
	_, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok, "expired entries are swept to make room")
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("virustotal", "http://a/")
	assert.Equal(t, a, CacheKey("virustotal", "http://a/"))
	assert.NotEqual(t, a, CacheKey("safe_browsing", "http://a/"))
	assert.NotEqual(t, a, CacheKey("virustotal", "http://b/"))
	assert.Contains(t, a, "urlsentry:signal:virustotal:")
}
