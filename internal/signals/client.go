package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseSize bounds how much of a provider response is read.
const maxResponseSize = 1 << 20

const (
	DefaultSafeBrowsingURL = "https://safebrowsing.googleapis.com"
	DefaultVirusTotalURL   = "https://www.virustotal.com"
)

// ClientOption configures a provider client.
type ClientOption func(*httpProvider)

// WithBaseURL points the client at a different host (used by tests).
func WithBaseURL(u string) ClientOption {
	return func(p *httpProvider) { p.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(p *httpProvider) { p.client = c }
}

type httpProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func newHTTPProvider(apiKey, baseURL string, opts []ClientOption) httpProvider {
	p := httpProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		// Per-call deadlines come from the caller's context; this is a backstop.
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func (p *httpProvider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", redactURL(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return body, nil
}

// redactURL drops the request URL from transport errors. It carries the
// submitted URL and, for some providers, credentials.
func redactURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", strings.ToLower(ue.Op), ue.Err)
	}
	return err
}

// -----------------------------------------------------------------------------
// Google Safe Browsing
// -----------------------------------------------------------------------------

// SafeBrowsing is the blocklist provider backed by the Safe Browsing v4
// threatMatches:find API.
type SafeBrowsing struct {
	httpProvider
}

// NewSafeBrowsing creates a Safe Browsing client. An empty apiKey yields an
// unconfigured provider.
func NewSafeBrowsing(apiKey string, opts ...ClientOption) *SafeBrowsing {
	return &SafeBrowsing{httpProvider: newHTTPProvider(apiKey, DefaultSafeBrowsingURL, opts)}
}

// Name implements Provider.
func (s *SafeBrowsing) Name() string { return "safe_browsing" }

// Configured implements Provider.
func (s *SafeBrowsing) Configured() bool { return s.apiKey != "" }

type sbClient struct {
	ClientID      string `json:"clientId"`
	ClientVersion string `json:"clientVersion"`
}

type sbEntry struct {
	URL string `json:"url"`
}

type sbThreatInfo struct {
	ThreatTypes      []string  `json:"threatTypes"`
	PlatformTypes    []string  `json:"platformTypes"`
	ThreatEntryTypes []string  `json:"threatEntryTypes"`
	ThreatEntries    []sbEntry `json:"threatEntries"`
}

type sbRequest struct {
	Client     sbClient     `json:"client"`
	ThreatInfo sbThreatInfo `json:"threatInfo"`
}

// Lookup implements Provider.
func (s *SafeBrowsing) Lookup(ctx context.Context, rawURL string) (Signal, error) {
	if !s.Configured() {
		return notConfigured(), ErrNotConfigured
	}

	payload, err := json.Marshal(sbRequest{
		Client: sbClient{ClientID: "ransomware-early-warning", ClientVersion: "1.0.0"},
		ThreatInfo: sbThreatInfo{
			ThreatTypes:      []string{"MALWARE", "SOCIAL_ENGINEERING", "UNWANTED_SOFTWARE"},
			PlatformTypes:    []string{"ANY_PLATFORM"},
			ThreatEntryTypes: []string{"URL"},
			ThreatEntries:    []sbEntry{{URL: rawURL}},
		},
	})
	if err != nil {
		return Signal{}, fmt.Errorf("safe browsing: marshal request: %w", err)
	}

	endpoint := s.baseURL + "/v4/threatMatches:find"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Signal{}, fmt.Errorf("safe browsing: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", s.apiKey)

	body, err := s.do(req)
	if err != nil {
		return Signal{}, fmt.Errorf("safe browsing: %w", err)
	}

	var resp struct {
		Matches []json.RawMessage `json:"matches"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Signal{}, fmt.Errorf("safe browsing: decode response: %w", err)
	}

	matches := json.RawMessage("[]")
	if len(resp.Matches) > 0 {
		if matches, err = json.Marshal(resp.Matches); err != nil {
			return Signal{}, fmt.Errorf("safe browsing: encode matches: %w", err)
		}
	}

	return Signal{
		Enabled: true,
		Matched: len(resp.Matches) > 0,
		Matches: matches,
	}, nil
}

// -----------------------------------------------------------------------------
// VirusTotal
// -----------------------------------------------------------------------------

// VirusTotal is the reputation provider. Its data is attached to the verdict
// but does not change the score.
type VirusTotal struct {
	httpProvider
}

// NewVirusTotal creates a VirusTotal client. An empty apiKey yields an
// unconfigured provider.
func NewVirusTotal(apiKey string, opts ...ClientOption) *VirusTotal {
	return &VirusTotal{httpProvider: newHTTPProvider(apiKey, DefaultVirusTotalURL, opts)}
}

// Name implements Provider.
func (v *VirusTotal) Name() string { return "virustotal" }

// Configured implements Provider.
func (v *VirusTotal) Configured() bool { return v.apiKey != "" }

// Lookup implements Provider.
func (v *VirusTotal) Lookup(ctx context.Context, rawURL string) (Signal, error) {
	if !v.Configured() {
		return notConfigured(), ErrNotConfigured
	}

	endpoint := v.baseURL + "/api/v3/urls?" + url.Values{"url": {rawURL}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Signal{}, fmt.Errorf("virustotal: create request: %w", err)
	}
	req.Header.Set("x-apikey", v.apiKey)

	body, err := v.do(req)
	if err != nil {
		return Signal{}, fmt.Errorf("virustotal: %w", err)
	}
	if !json.Valid(body) {
		return Signal{}, fmt.Errorf("virustotal: response is not JSON")
	}

	return Signal{Enabled: true, Data: json.RawMessage(body)}, nil
}
