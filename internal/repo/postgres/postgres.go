package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/regionwatch/internal/domain"
	"github.com/hamed0406/regionwatch/internal/repo"
)

var _ repo.TargetStore = (*Store)(nil)
var _ repo.ResultStore = (*Store)(nil)
var _ repo.RegionStore = (*Store)(nil)

// Schema is applied by Migrate. Results carry no foreign keys so that a
// result for a since-removed target still persists and gets acknowledged.
const Schema = `
CREATE TABLE IF NOT EXISTS regions (
  id   TEXT PRIMARY KEY,
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS targets (
  id         TEXT PRIMARY KEY,
  url        TEXT NOT NULL UNIQUE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS results (
  id               BIGSERIAL PRIMARY KEY,
  target_id        TEXT NOT NULL,
  region_id        TEXT NOT NULL,
  status           TEXT NOT NULL,
  response_time_ms BIGINT NOT NULL,
  status_code      INTEGER NULL,
  reason           TEXT NOT NULL DEFAULT '',
  observed_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_results_target_region_time ON results (target_id, region_id, observed_at DESC);
CREATE INDEX IF NOT EXISTS idx_results_observed_at        ON results (observed_at DESC);
`

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	s.log.Info("db_migrated")
	return nil
}

// ---- TargetStore ----

func (s *Store) Add(ctx context.Context, t *domain.Target) error {
	if t.ID == "" {
		t.ID = domain.TargetID(uuid.NewString())
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO targets (id, url, created_at)
		 VALUES ($1, $2, $3)`,
		string(t.ID), t.URL, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*domain.Target, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, created_at
		   FROM targets
		  ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []*domain.Target
	for rows.Next() {
		var (
			id        string
			url       string
			createdAt time.Time
		)
		if err := rows.Scan(&id, &url, &createdAt); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, &domain.Target{
			ID:        domain.TargetID(id),
			URL:       url,
			CreatedAt: createdAt,
		})
	}
	return out, rows.Err()
}

func (s *Store) GetByURL(ctx context.Context, url string) (*domain.Target, error) {
	var (
		id        string
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, created_at FROM targets WHERE url = $1`, url,
	).Scan(&id, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get target by url: %w", err)
	}
	return &domain.Target{ID: domain.TargetID(id), URL: url, CreatedAt: createdAt}, nil
}

// ---- RegionStore ----

func (s *Store) AddRegion(ctx context.Context, r *domain.Region) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO regions (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		string(r.ID), r.Name,
	)
	if err != nil {
		return fmt.Errorf("upsert region: %w", err)
	}
	return nil
}

func (s *Store) ListRegions(ctx context.Context) ([]*domain.Region, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM regions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Region
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		out = append(out, &domain.Region{ID: domain.RegionID(id), Name: name})
	}
	return out, rows.Err()
}

func (s *Store) GetRegion(ctx context.Context, id domain.RegionID) (*domain.Region, error) {
	var name string
	err := s.pool.QueryRow(ctx, `SELECT name FROM regions WHERE id = $1`, string(id)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get region: %w", err)
	}
	return &domain.Region{ID: id, Name: name}, nil
}

// ---- ResultStore ----

// Append lets the database assign id and, when unset, observed_at.
func (s *Store) Append(ctx context.Context, cr *domain.CheckResult) error {
	var code *int
	if cr.StatusCode != 0 {
		code = &cr.StatusCode
	}
	var observed *time.Time
	if !cr.ObservedAt.IsZero() {
		observed = &cr.ObservedAt
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO results
		   (target_id, region_id, status, response_time_ms, status_code, reason, observed_at)
		 VALUES
		   ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		 RETURNING id, observed_at`,
		string(cr.TargetID), string(cr.RegionID), string(cr.Status),
		cr.ResponseTimeMS, code, cr.Reason, observed,
	).Scan(&cr.ID, &cr.ObservedAt)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (s *Store) ListByTarget(ctx context.Context, id domain.TargetID, q repo.ResultQuery) ([]*domain.CheckResult, error) {
	var since *time.Time
	if !q.Since.IsZero() {
		since = &q.Since
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, target_id, region_id, status, response_time_ms, status_code, reason, observed_at
  FROM results
 WHERE target_id = $1
   AND ($2 = '' OR region_id = $2)
   AND ($3::timestamptz IS NULL OR observed_at >= $3)
 ORDER BY observed_at DESC, id DESC
 LIMIT $4`,
		string(id), string(q.RegionID), since, q.EffectiveLimit())
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []*domain.CheckResult
	for rows.Next() {
		var (
			r        domain.CheckResult
			targetID string
			regionID string
			status   string
			code     *int
		)
		if err := rows.Scan(&r.ID, &targetID, &regionID, &status, &r.ResponseTimeMS, &code, &r.Reason, &r.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.TargetID = domain.TargetID(targetID)
		r.RegionID = domain.RegionID(regionID)
		r.Status = domain.Status(status)
		if code != nil {
			r.StatusCode = *code
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) Latest(ctx context.Context) ([]repo.LatestRow, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT ON (r.target_id, r.region_id)
       r.target_id,
       r.region_id,
       COALESCE(t.url, ''),
       r.status,
       r.response_time_ms,
       r.status_code,
       r.reason,
       r.observed_at
  FROM results r
  LEFT JOIN targets t ON t.id = r.target_id
 ORDER BY r.target_id, r.region_id, r.observed_at DESC, r.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("latest: %w", err)
	}
	defer rows.Close()

	var out []repo.LatestRow
	for rows.Next() {
		var (
			row      repo.LatestRow
			targetID string
			regionID string
			status   string
		)
		if err := rows.Scan(&targetID, &regionID, &row.URL, &status, &row.ResponseTimeMS, &row.StatusCode, &row.Reason, &row.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan latest: %w", err)
		}
		row.TargetID = domain.TargetID(targetID)
		row.RegionID = domain.RegionID(regionID)
		row.Status = domain.Status(status)
		out = append(out, row)
	}
	return out, rows.Err()
}
