package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smishguard/smishguard/pkg/detection"
)

// PostgresStore keeps the full detection record as jsonb and mirrors the
// searchable columns next to it. Suited to deployments where several
// scanners share one history.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS detections (
	id          text PRIMARY KEY,
	created_at  timestamptz NOT NULL,
	sender      text NOT NULL,
	verdict     text NOT NULL DEFAULT '',
	risk_score  int NOT NULL DEFAULT 0,
	shortener   boolean NOT NULL DEFAULT false,
	record      jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS detections_created_at_idx ON detections (created_at DESC);
CREATE INDEX IF NOT EXISTS detections_sender_idx ON detections (sender);
`

// NewPostgresStore connects to url and ensures the schema exists.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save upserts the detection record.
func (s *PostgresStore) Save(ctx context.Context, dc *detection.Context) error {
	data, err := dc.ToJSON()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO detections (id, created_at, sender, verdict, risk_score, shortener, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			verdict = EXCLUDED.verdict,
			risk_score = EXCLUDED.risk_score,
			shortener = EXCLUDED.shortener,
			record = EXCLUDED.record
	`, dc.DetectionID, dc.Timestamp, dc.Sender, string(dc.FinalVerdict), dc.RiskScore, dc.ShortenerUsed, data)
	if err != nil {
		return fmt.Errorf("saving detection %s: %w", dc.DetectionID, err)
	}
	return nil
}

// Load retrieves a detection by id or unique prefix.
func (s *PostgresStore) Load(ctx context.Context, idOrPrefix string) (*detection.Context, error) {
	if idOrPrefix == "" {
		return nil, fmt.Errorf("%w: empty detection id", detection.ErrNotFound)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT record FROM detections WHERE id LIKE $1 || '%' LIMIT 2`, idOrPrefix)
	if err != nil {
		return nil, fmt.Errorf("querying detection %s: %w", idOrPrefix, err)
	}
	defer rows.Close()

	var records [][]byte
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(records) {
	case 1:
		return detection.FromJSON(records[0])
	case 0:
		return nil, fmt.Errorf("%w: detection %s", detection.ErrNotFound, idOrPrefix)
	default:
		return nil, fmt.Errorf("%w: detection prefix %s is ambiguous", detection.ErrNotFound, idOrPrefix)
	}
}

// LoadLatest returns the most recently saved detection.
func (s *PostgresStore) LoadLatest(ctx context.Context) (*detection.Context, error) {
	var rec []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM detections ORDER BY created_at DESC LIMIT 1`).Scan(&rec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no detections stored", detection.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return detection.FromJSON(rec)
}

func (s *PostgresStore) queryRecords(ctx context.Context, sql string, args ...any) ([]*detection.Context, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*detection.Context
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, err
		}
		dc, err := detection.FromJSON(rec)
		if err != nil {
			continue
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// LoadAll returns stored detections, newest first, capped at limit records
// when limit is positive.
func (s *PostgresStore) LoadAll(ctx context.Context, limit int) ([]*detection.Context, error) {
	if limit > 0 {
		return s.queryRecords(ctx,
			`SELECT record FROM detections ORDER BY created_at DESC LIMIT $1`, limit)
	}
	return s.queryRecords(ctx, `SELECT record FROM detections ORDER BY created_at DESC`)
}

// SearchBySender returns detections whose sender equals the query exactly.
func (s *PostgresStore) SearchBySender(ctx context.Context, sender string) ([]*detection.Context, error) {
	return s.queryRecords(ctx, `
		SELECT record FROM detections
		WHERE sender = $1
		ORDER BY created_at DESC`, sender)
}

// SearchByLink matches against both the found and expanded link lists stored
// in the jsonb record.
func (s *PostgresStore) SearchByLink(ctx context.Context, link string) ([]*detection.Context, error) {
	return s.queryRecords(ctx, `
		SELECT record FROM detections
		WHERE record->>'links_found' ILIKE '%' || $1 || '%'
		   OR record->>'expanded_links' ILIKE '%' || $1 || '%'
		ORDER BY created_at DESC`, link)
}

// Statistics aggregates stored verdicts server-side where possible.
func (s *PostgresStore) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{}
	var oldest, newest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE verdict = 'phishing'),
		       count(*) FILTER (WHERE verdict = 'safe'),
		       count(*) FILTER (WHERE verdict NOT IN ('phishing', 'safe')),
		       COALESCE(avg(risk_score), 0),
		       count(DISTINCT sender),
		       count(*) FILTER (WHERE shortener),
		       min(created_at),
		       max(created_at)
		FROM detections
	`).Scan(&stats.Total, &stats.Phishing, &stats.Safe, &stats.Uncertain,
		&stats.AverageRisk, &stats.UniqueSenders, &stats.ShortenerCount,
		&oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("aggregating statistics: %w", err)
	}
	if oldest != nil {
		stats.Oldest = *oldest
	}
	if newest != nil {
		stats.Newest = *newest
	}
	if stats.Total > 0 {
		stats.PhishingRate = float64(stats.Phishing) / float64(stats.Total)
	}
	return stats, nil
}

// Cleanup deletes detections older than the retention window.
func (s *PostgresStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM detections WHERE created_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("deleting expired detections: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
