package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamed0406/regionwatch/internal/domain"
	"github.com/hamed0406/regionwatch/internal/repo"
)

type Store struct {
	mu      sync.RWMutex
	targets map[domain.TargetID]*domain.Target
	regions map[domain.RegionID]*domain.Region
	results []*domain.CheckResult
	nextID  int64
}

func New() *Store {
	return &Store{
		targets: make(map[domain.TargetID]*domain.Target),
		regions: make(map[domain.RegionID]*domain.Region),
		results: make([]*domain.CheckResult, 0, 128),
	}
}

// ---- TargetStore ----

func (m *Store) Add(ctx context.Context, t *domain.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = domain.TargetID(uuid.NewString())
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := *t
	m.targets[t.ID] = &cp
	return nil
}

func (m *Store) List(ctx context.Context) ([]*domain.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Target, 0, len(m.targets))
	for _, t := range m.targets {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Store) GetByURL(ctx context.Context, url string) (*domain.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.targets {
		if t.URL == url {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

// ---- RegionStore ----

func (m *Store) AddRegion(ctx context.Context, r *domain.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.regions[r.ID] = &cp
	return nil
}

func (m *Store) ListRegions(ctx context.Context) ([]*domain.Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Region, 0, len(m.regions))
	for _, r := range m.regions {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) GetRegion(ctx context.Context, id domain.RegionID) (*domain.Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regions[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ---- ResultStore ----

func (m *Store) Append(ctx context.Context, r *domain.CheckResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	if r.ObservedAt.IsZero() {
		r.ObservedAt = time.Now().UTC()
	}
	cp := *r
	m.results = append(m.results, &cp)
	return nil
}

// ListByTarget returns newest first.
func (m *Store) ListByTarget(ctx context.Context, id domain.TargetID, q repo.ResultQuery) ([]*domain.CheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := q.EffectiveLimit()
	var out []*domain.CheckResult
	for i := len(m.results) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.results[i]
		if r.TargetID != id {
			continue
		}
		if q.RegionID != "" && r.RegionID != q.RegionID {
			continue
		}
		if !q.Since.IsZero() && r.ObservedAt.Before(q.Since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

type latestKey struct {
	target domain.TargetID
	region domain.RegionID
}

func (m *Store) Latest(ctx context.Context) ([]repo.LatestRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[latestKey]*domain.CheckResult)
	for _, r := range m.results {
		k := latestKey{r.TargetID, r.RegionID}
		cur := latest[k]
		if cur == nil || !r.ObservedAt.Before(cur.ObservedAt) {
			latest[k] = r
		}
	}

	out := make([]repo.LatestRow, 0, len(latest))
	for k, r := range latest {
		var sc *int
		if r.StatusCode != 0 {
			v := r.StatusCode
			sc = &v
		}
		url := ""
		if t := m.targets[k.target]; t != nil {
			url = t.URL
		}
		out = append(out, repo.LatestRow{
			TargetID:       k.target,
			RegionID:       k.region,
			URL:            url,
			Status:         r.Status,
			ResponseTimeMS: r.ResponseTimeMS,
			StatusCode:     sc,
			Reason:         r.Reason,
			ObservedAt:     r.ObservedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetID == out[j].TargetID {
			return out[i].RegionID < out[j].RegionID
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out, nil
}

// Results returns a snapshot of every stored result in insertion order.
func (m *Store) Results() []domain.CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.CheckResult, len(m.results))
	for i, r := range m.results {
		out[i] = *r
	}
	return out
}
