// Package features turns a raw URL string into the fixed-order numeric
// summary consumed by the scorers.
//
// Extraction is total: malformed input degrades to zero or empty
// sub-components and never returns an error.
package features

import (
	"encoding/json"
	"math"
	"slices"
	"strings"
	"unicode/utf8"
)

// Names lists the vector fields in the positional order expected by trained
// classifiers. Reordering it breaks every artifact trained against it.
var Names = [Size]string{
	"url_length",
	"dot_count",
	"has_ip",
	"has_https",
	"suspicious_keywords",
	"tld_risk_score",
	"subdomain_count",
	"entropy",
}

// Size is the dimensionality of a Vector.
const Size = 8

// Vector is the lexical summary of one URL.
type Vector struct {
	URLLength          int
	DotCount           int
	HasIP              bool
	HasHTTPS           bool
	SuspiciousKeywords int
	TLDRiskScore       float64 // 0 or 1
	SubdomainCount     int
	Entropy            float64
}

// Array returns the vector in classifier input order (see Names).
func (v Vector) Array() [Size]float64 {
	return [Size]float64{
		float64(v.URLLength),
		float64(v.DotCount),
		boolFloat(v.HasIP),
		boolFloat(v.HasHTTPS),
		float64(v.SuspiciousKeywords),
		v.TLDRiskScore,
		float64(v.SubdomainCount),
		v.Entropy,
	}
}

type vectorJSON struct {
	URLLength          int     `json:"url_length"`
	DotCount           int     `json:"dot_count"`
	HasIP              int     `json:"has_ip"`
	HasHTTPS           int     `json:"has_https"`
	SuspiciousKeywords int     `json:"suspicious_keywords"`
	TLDRiskScore       float64 `json:"tld_risk_score"`
	SubdomainCount     int     `json:"subdomain_count"`
	Entropy            float64 `json:"entropy"`
}

// MarshalJSON encodes the flags as 0/1 so API clients see the same shape the
// classifier does.
func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(vectorJSON{
		URLLength:          v.URLLength,
		DotCount:           v.DotCount,
		HasIP:              boolInt(v.HasIP),
		HasHTTPS:           boolInt(v.HasHTTPS),
		SuspiciousKeywords: v.SuspiciousKeywords,
		TLDRiskScore:       v.TLDRiskScore,
		SubdomainCount:     v.SubdomainCount,
		Entropy:            v.Entropy,
	})
}

// UnmarshalJSON accepts the encoding produced by MarshalJSON.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var raw vectorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = Vector{
		URLLength:          raw.URLLength,
		DotCount:           raw.DotCount,
		HasIP:              raw.HasIP != 0,
		HasHTTPS:           raw.HasHTTPS != 0,
		SuspiciousKeywords: raw.SuspiciousKeywords,
		TLDRiskScore:       raw.TLDRiskScore,
		SubdomainCount:     raw.SubdomainCount,
		Entropy:            raw.Entropy,
	}
	return nil
}

// Extractor computes feature vectors against a fixed keyword list and
// high-risk TLD set. It is safe for concurrent use.
type Extractor struct {
	keywords  []string
	riskyTLDs map[string]bool
}

// NewExtractor creates an extractor for the given lists.
func NewExtractor(lists Lists) *Extractor {
	e := &Extractor{
		keywords:  make([]string, 0, len(lists.Keywords)),
		riskyTLDs: make(map[string]bool, len(lists.RiskyTLDs)),
	}
	for _, kw := range lists.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			e.keywords = append(e.keywords, kw)
		}
	}
	for _, tld := range lists.RiskyTLDs {
		tld = strings.ToLower(strings.Trim(strings.TrimSpace(tld), "."))
		if tld != "" {
			e.riskyTLDs[tld] = true
		}
	}
	return e
}

// NewDefaultExtractor creates an extractor using DefaultLists.
func NewDefaultExtractor() *Extractor {
	return NewExtractor(DefaultLists())
}

// Extract computes the feature vector for rawURL.
func (e *Extractor) Extract(rawURL string) Vector {
	parts := Split(rawURL)

	return Vector{
		URLLength:          utf8.RuneCountInString(rawURL),
		DotCount:           strings.Count(rawURL, "."),
		HasIP:              looksLikeIP(rawURL),
		HasHTTPS:           strings.HasPrefix(rawURL, "https://"),
		SuspiciousKeywords: e.countKeywords(rawURL),
		TLDRiskScore:       e.tldRisk(parts.Suffix),
		SubdomainCount:     subdomainCount(parts.Subdomain),
		Entropy:            Entropy(rawURL),
	}
}

func (e *Extractor) countKeywords(rawURL string) int {
	lower := strings.ToLower(rawURL)
	n := 0
	for _, kw := range e.keywords {
		if strings.Contains(lower, kw) {
			n++
		}
	}
	return n
}

func (e *Extractor) tldRisk(suffix string) float64 {
	if e.riskyTLDs[strings.ToLower(suffix)] {
		return 1.0
	}
	return 0.0
}

// looksLikeIP reports whether the host candidate, once dots and colons are
// removed, is a run of at least 7 ASCII digits. The host candidate is the
// third "/"-separated segment when there is one, otherwise the first.
func looksLikeIP(rawURL string) bool {
	segments := strings.Split(rawURL, "/")
	host := segments[0]
	if len(segments) > 2 {
		host = segments[2]
	}

	digits := strings.NewReplacer(".", "", ":", "").Replace(host)
	if len(digits) < 7 {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}

func subdomainCount(subdomain string) int {
	if subdomain == "" {
		return 0
	}
	return strings.Count(subdomain, ".") + 1
}

// Entropy returns the Shannon entropy, in bits, of the character
// distribution of s. The empty string has zero entropy.
func Entropy(s string) float64 {
	if s == "" {
		return 0
	}

	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}

	// Sum in a fixed symbol order so the result is bit-for-bit stable.
	symbols := make([]rune, 0, len(counts))
	for r := range counts {
		symbols = append(symbols, r)
	}
	slices.Sort(symbols)

	var h float64
	n := float64(total)
	for _, r := range symbols {
		p := float64(counts[r]) / n
		h -= p * math.Log2(p)
	}
	return h
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
