// Package scans persists the history of completed URL analyses and the
// per-level analytics derived from it.
package scans

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/urlsentry/internal/pagination"
	"github.com/mbd888/urlsentry/internal/scoring"
	"github.com/mbd888/urlsentry/internal/verdict"
)

var (
	ErrNotFound  = errors.New("scan not found")
	ErrDuplicate = errors.New("scan already recorded")
)

// Record is the stored projection of one verdict. ThreatScore is already
// rounded to two decimals.
type Record struct {
	ScanID         string             `json:"scanId"`
	URL            string             `json:"url"`
	ThreatScore    float64            `json:"threatScore"`
	ThreatLevel    verdict.Level      `json:"threatLevel"`
	Confidence     scoring.Confidence `json:"confidence"`
	Indicators     []string           `json:"indicators"`
	Recommendation string             `json:"recommendation"`
	SafeToVisit    bool               `json:"safeToVisit"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// Analytics counts recorded scans by threat level.
type Analytics struct {
	TotalScans      int `json:"totalScans"`
	SafeCount       int `json:"safeCount"`
	SuspiciousCount int `json:"suspiciousCount"`
	HighRiskCount   int `json:"highRiskCount"`
}

// FromCounts builds Analytics from a per-level tally. Unknown levels count
// toward the total only.
func FromCounts(counts map[verdict.Level]int) Analytics {
	var a Analytics
	for level, n := range counts {
		a.TotalScans += n
		switch level {
		case verdict.LevelSafe:
			a.SafeCount = n
		case verdict.LevelSuspicious:
			a.SuspiciousCount = n
		case verdict.LevelHighRisk:
			a.HighRiskCount = n
		}
	}
	return a
}

// Store persists scan records.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	// List returns up to limit records newest first, strictly after cursor
	// when one is given.
	List(ctx context.Context, limit int, cursor *pagination.Cursor) ([]*Record, error)
	Delete(ctx context.Context, scanID string) error
	CountByLevel(ctx context.Context) (map[verdict.Level]int, error)
}
