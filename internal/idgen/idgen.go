// Package idgen generates identifiers for scans and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewScanID returns a random (v4) UUID string for a scan record.
func NewScanID() string {
	return uuid.NewString()
}

// ValidScanID reports whether s parses as a UUID.
func ValidScanID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// RequestID returns a 16-byte random hex string for X-Request-ID.
func RequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}
