// Package signals consults external threat-intelligence providers and fuses
// their answers into a base score.
//
// Provider failures never propagate: every error, timeout or open circuit is
// reported as a disabled Signal carrying the error text.
package signals

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConfigured is returned by a provider that has no credential.
var ErrNotConfigured = errors.New("signals: provider not configured")

// ErrUnexpectedStatus is wrapped when a provider answers with a non-200 status.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Result texts used by disabled signals.
const (
	ResultNotConfigured = "API key not configured"
	ResultClean         = "clean"
	ErrTextCircuitOpen  = "circuit open"
)

// Signal is one provider's answer for one URL.
type Signal struct {
	Enabled bool            `json:"enabled"`
	Matched bool            `json:"matched,omitempty"`
	Result  string          `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Matches json.RawMessage `json:"matches,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// External holds the signals gathered for one analysis.
type External struct {
	SafeBrowsing Signal `json:"googleSafeBrowsing"`
	VirusTotal   Signal `json:"virusTotal"`
}

// Provider is an external reputation source.
type Provider interface {
	// Name is a stable identifier used for metrics, breaker and cache keys.
	Name() string
	// Configured reports whether a credential is present. Unconfigured
	// providers are never called.
	Configured() bool
	// Lookup queries the provider. Any non-nil error means the signal is
	// unavailable for this request.
	Lookup(ctx context.Context, rawURL string) (Signal, error)
}

func notConfigured() Signal {
	return Signal{Enabled: false, Result: ResultNotConfigured}
}

// failed reports a lookup error. A provider that answered with a non-200
// status is also marked clean, as no listing was returned.
func failed(err error) Signal {
	sig := Signal{Enabled: false, Error: err.Error()}
	if errors.Is(err, ErrUnexpectedStatus) {
		sig.Result = ResultClean
	}
	return sig
}
