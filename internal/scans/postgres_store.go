package scans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/urlsentry/internal/pagination"
	"github.com/mbd888/urlsentry/internal/scoring"
	"github.com/mbd888/urlsentry/internal/verdict"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed scan store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the scans table. Production deployments run the goose
// migrations in migrations/ instead; this keeps dev servers self-contained.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scans (
			scan_id         UUID PRIMARY KEY,
			url             TEXT NOT NULL,
			threat_score    DOUBLE PRECISION NOT NULL,
			threat_level    VARCHAR(20) NOT NULL,
			confidence      VARCHAR(10) NOT NULL,
			indicators      TEXT[] NOT NULL DEFAULT '{}',
			recommendation  TEXT NOT NULL,
			safe_to_visit   BOOLEAN NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_scans_created ON scans(created_at DESC, scan_id DESC);
		CREATE INDEX IF NOT EXISTS idx_scans_level ON scans(threat_level);
	`)
	if err != nil {
		return fmt.Errorf("migrate scans: %w", err)
	}
	return nil
}

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scans (scan_id, url, threat_score, threat_level, confidence,
			indicators, recommendation, safe_to_visit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ScanID, rec.URL, rec.ThreatScore, string(rec.ThreatLevel), string(rec.Confidence),
		pq.Array(rec.Indicators), rec.Recommendation, rec.SafeToVisit, rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int, cursor *pagination.Cursor) ([]*Record, error) {
	const cols = `scan_id, url, threat_score, threat_level, confidence,
		indicators, recommendation, safe_to_visit, created_at`

	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+cols+` FROM scans
			ORDER BY created_at DESC, scan_id DESC
			LIMIT $1
		`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+cols+` FROM scans
			WHERE (created_at, scan_id::text) < ($2, $3)
			ORDER BY created_at DESC, scan_id DESC
			LIMIT $1
		`, limit, cursor.CreatedAt, cursor.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var (
			r          Record
			level      string
			confidence string
		)
		if err := rows.Scan(&r.ScanID, &r.URL, &r.ThreatScore, &level, &confidence,
			pq.Array(&r.Indicators), &r.Recommendation, &r.SafeToVisit, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.ThreatLevel = verdict.Level(level)
		r.Confidence = scoring.Confidence(confidence)
		if r.Indicators == nil {
			r.Indicators = []string{}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, scanID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM scans WHERE scan_id::text = $1`, scanID)
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CountByLevel(ctx context.Context) (map[verdict.Level]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT threat_level, COUNT(*) FROM scans GROUP BY threat_level`)
	if err != nil {
		return nil, fmt.Errorf("count scans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[verdict.Level]int)
	for rows.Next() {
		var (
			level string
			n     int
		)
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("count scans: %w", err)
		}
		counts[verdict.Level(level)] = n
	}
	return counts, rows.Err()
}

// PingContext checks database connectivity.
func (p *PostgresStore) PingContext(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
