package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/regionwatch/internal/domain"
)

var ErrNotFound = errors.New("repo: not found")

// Ports (interfaces) so the pipeline runs against memory or Postgres.
type TargetStore interface {
	Add(ctx context.Context, t *domain.Target) error
	// List returns every monitored target, unfiltered and unpaginated.
	List(ctx context.Context) ([]*domain.Target, error)
	// GetByURL returns ErrNotFound when no target has that URL.
	GetByURL(ctx context.Context, url string) (*domain.Target, error)
}

type ResultStore interface {
	// Append stores r, filling ID and ObservedAt. It never drops a record
	// silently: callers decide whether to acknowledge based on the error.
	Append(ctx context.Context, r *domain.CheckResult) error
	ListByTarget(ctx context.Context, id domain.TargetID, q ResultQuery) ([]*domain.CheckResult, error)
	Latest(ctx context.Context) ([]LatestRow, error)
}

type RegionStore interface {
	AddRegion(ctx context.Context, r *domain.Region) error
	ListRegions(ctx context.Context) ([]*domain.Region, error)
	// GetRegion returns ErrNotFound for an unknown id.
	GetRegion(ctx context.Context, id domain.RegionID) (*domain.Region, error)
}

// ResultQuery narrows ListByTarget. Zero values mean no filter; Limit
// defaults to DefaultResultLimit.
type ResultQuery struct {
	RegionID domain.RegionID
	Since    time.Time
	Limit    int
}

const (
	DefaultResultLimit = 100
	MaxResultLimit     = 1000
)

func (q ResultQuery) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultResultLimit
	case q.Limit > MaxResultLimit:
		return MaxResultLimit
	}
	return q.Limit
}

// LatestRow is the most recent result for one (target, region) pair.
type LatestRow struct {
	TargetID       domain.TargetID `json:"target_id"`
	RegionID       domain.RegionID `json:"region_id"`
	URL            string          `json:"url"`
	Status         domain.Status   `json:"status"`
	ResponseTimeMS int64           `json:"response_time_ms"`
	StatusCode     *int            `json:"status_code"` // nil on transport failure
	Reason         string          `json:"reason"`
	ObservedAt     time.Time       `json:"observed_at"`
}
