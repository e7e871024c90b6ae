// Package memory is an in-process stream.Stream. It keeps one append-only
// slice of entries and, per consumer group, a cursor into that slice plus the
// group's pending set. Nothing survives the process; it backs tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hamed0406/regionwatch/internal/domain"
	"github.com/hamed0406/regionwatch/internal/stream"
)

var _ stream.Stream = (*Stream)(nil)

type entry struct {
	id  string
	job domain.CheckJob
}

type delivery struct {
	idx         int
	consumer    string
	deliveredAt time.Time
	count       int
}

type group struct {
	cursor  int // index of the first entry never delivered to this group
	pending map[string]*delivery
}

type Option func(*Stream)

// WithClaimIdle sets how long an entry must sit unacknowledged before
// ReadNext hands it to another consumer.
func WithClaimIdle(d time.Duration) Option {
	return func(s *Stream) { s.claimIdle = d }
}

// WithBlock makes ReadNext wait up to d for new entries when it has nothing
// to return.
func WithBlock(d time.Duration) Option {
	return func(s *Stream) { s.block = d }
}

// WithClock replaces time.Now for id generation and idle accounting.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) { s.now = now }
}

type Stream struct {
	mu      sync.Mutex
	entries []entry
	groups  map[string]*group
	lastMS  int64
	seq     int64
	notify  chan struct{} // closed and replaced on every append

	claimIdle time.Duration
	block     time.Duration
	now       func() time.Time
}

func New(opts ...Option) *Stream {
	s := &Stream{
		groups:    make(map[string]*group),
		notify:    make(chan struct{}),
		claimIdle: 30 * time.Second,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Stream) Append(ctx context.Context, job domain.CheckJob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	id := s.appendLocked(job)
	s.wakeLocked()
	s.mu.Unlock()
	return id, nil
}

func (s *Stream) AppendBatch(ctx context.Context, jobs []domain.CheckJob) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return make([]string, len(jobs)), err
	}
	ids := make([]string, len(jobs))
	s.mu.Lock()
	for i, j := range jobs {
		ids[i] = s.appendLocked(j)
	}
	if len(jobs) > 0 {
		s.wakeLocked()
	}
	s.mu.Unlock()
	return ids, nil
}

// appendLocked assigns a Redis-style "<ms>-<seq>" id that never goes
// backwards, even if the clock does.
func (s *Stream) appendLocked(job domain.CheckJob) string {
	ms := s.now().UnixMilli()
	if ms <= s.lastMS {
		ms = s.lastMS
		s.seq++
	} else {
		s.lastMS = ms
		s.seq = 0
	}
	id := fmt.Sprintf("%d-%d", ms, s.seq)
	job.EntryID = id
	s.entries = append(s.entries, entry{id: id, job: job})
	return id
}

func (s *Stream) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Stream) EnsureGroup(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("stream/memory: empty group name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[name]; !ok {
		s.groups[name] = &group{pending: make(map[string]*delivery)}
	}
	return nil
}

func (s *Stream) ReadNext(ctx context.Context, groupName, consumer string, count int) ([]domain.CheckJob, error) {
	if count < 1 {
		count = 1
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		s.mu.Lock()
		g, ok := s.groups[groupName]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("stream/memory: read %q: %w", groupName, stream.ErrGroupNotFound)
		}
		now := s.now()
		out := s.claimLocked(g, consumer, count, now)
		out = append(out, s.deliverLocked(g, consumer, count-len(out), now)...)
		wait := s.notify
		s.mu.Unlock()

		if len(out) > 0 || s.block <= 0 {
			return out, nil
		}
		if timer == nil {
			timer = time.NewTimer(s.block)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
	}
}

// claimLocked transfers pending entries idle for at least claimIdle to
// consumer, oldest entry first.
func (s *Stream) claimLocked(g *group, consumer string, limit int, now time.Time) []domain.CheckJob {
	var idle []*delivery
	for _, d := range g.pending {
		if now.Sub(d.deliveredAt) >= s.claimIdle {
			idle = append(idle, d)
		}
	}
	if len(idle) == 0 {
		return nil
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].idx < idle[j].idx })
	if len(idle) > limit {
		idle = idle[:limit]
	}
	out := make([]domain.CheckJob, 0, len(idle))
	for _, d := range idle {
		d.consumer = consumer
		d.deliveredAt = now
		d.count++
		out = append(out, s.entries[d.idx].job)
	}
	return out
}

func (s *Stream) deliverLocked(g *group, consumer string, limit int, now time.Time) []domain.CheckJob {
	var out []domain.CheckJob
	for limit > 0 && g.cursor < len(s.entries) {
		e := s.entries[g.cursor]
		g.pending[e.id] = &delivery{idx: g.cursor, consumer: consumer, deliveredAt: now, count: 1}
		out = append(out, e.job)
		g.cursor++
		limit--
	}
	return out
}

func (s *Stream) Ack(ctx context.Context, groupName string, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupName]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			n++
		}
	}
	return n, nil
}

func (s *Stream) Pending(ctx context.Context, groupName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupName]
	if !ok {
		return 0, fmt.Errorf("stream/memory: pending %q: %w", groupName, stream.ErrGroupNotFound)
	}
	return int64(len(g.pending)), nil
}

func (s *Stream) Backlog(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, g := range s.groups {
		if n := int64(len(g.pending) + len(s.entries) - g.cursor); n > max {
			max = n
		}
	}
	return max, nil
}

// Len is the number of entries ever appended.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Deliveries reports how many times id has been handed out in group, 0 if it
// is not pending there.
func (s *Stream) Deliveries(groupName, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupName]; ok {
		if d, ok := g.pending[id]; ok {
			return d.count
		}
	}
	return 0
}
