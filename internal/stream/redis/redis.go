// Package redis implements stream.Stream on a Redis Stream. Consumer groups
// map to Redis consumer groups; redelivery of abandoned entries uses
// XAUTOCLAIM, so it requires Redis 6.2 or newer.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client, redis.WithKey("regionwatch:checks"))
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/regionwatch/internal/domain"
	"github.com/hamed0406/regionwatch/internal/stream"
)

var _ stream.Stream = (*Stream)(nil)

const DefaultKey = "regionwatch:checks"

type Option func(*Stream)

func WithKey(key string) Option {
	return func(s *Stream) { s.key = key }
}

// WithMaxLen caps the stream length with approximate trimming on every XADD.
// Trimming ignores consumer groups, so entries a slow group has not read yet
// can be evicted and never probed there. Zero keeps every entry.
func WithMaxLen(n int64) Option {
	return func(s *Stream) { s.maxLen = n }
}

// WithClaimIdle sets the minimum idle time before a pending entry is
// reclaimed by another consumer.
func WithClaimIdle(d time.Duration) Option {
	return func(s *Stream) { s.claimIdle = d }
}

// WithBlock sets the XREADGROUP BLOCK duration. Zero or less polls.
func WithBlock(d time.Duration) Option {
	return func(s *Stream) { s.block = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Stream) { s.log = l }
}

type Stream struct {
	client    goredis.Cmdable
	key       string
	maxLen    int64
	claimIdle time.Duration
	block     time.Duration
	log       *zap.Logger
}

// New wraps client. The caller owns the client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Stream {
	s := &Stream{
		client:    client,
		key:       DefaultKey,
		claimIdle: 30 * time.Second,
		block:     2 * time.Second,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open parses a redis:// URL and connects.
func Open(ctx context.Context, url string, opts ...Option) (*Stream, *goredis.Client, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("stream/redis: parse url: %w", err)
	}
	client := goredis.NewClient(o)
	s := New(client, opts...)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return s, client, nil
}

func (s *Stream) Key() string { return s.key }

func (s *Stream) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("stream/redis: ping: %w", err)
	}
	return nil
}

func (s *Stream) addArgs(job domain.CheckJob) *goredis.XAddArgs {
	a := &goredis.XAddArgs{
		Stream: s.key,
		Values: stream.Fields(job),
	}
	if s.maxLen > 0 {
		a.MaxLen = s.maxLen
		a.Approx = true
	}
	return a
}

func (s *Stream) Append(ctx context.Context, job domain.CheckJob) (string, error) {
	id, err := s.client.XAdd(ctx, s.addArgs(job)).Result()
	if err != nil {
		return "", fmt.Errorf("stream/redis: xadd target %s: %w", job.TargetID, err)
	}
	return id, nil
}

// AppendBatch pipelines one XADD per job.
func (s *Stream) AppendBatch(ctx context.Context, jobs []domain.CheckJob) ([]string, error) {
	ids := make([]string, len(jobs))
	if len(jobs) == 0 {
		return ids, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(jobs))
	for i, j := range jobs {
		cmds[i] = pipe.XAdd(ctx, s.addArgs(j))
	}
	_, execErr := pipe.Exec(ctx)

	var errs error
	for i, cmd := range cmds {
		id, err := cmd.Result()
		if err == nil && id == "" {
			err = execErr
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stream/redis: xadd target %s: %w", jobs[i].TargetID, err))
			continue
		}
		ids[i] = id
	}
	return ids, errs
}

func (s *Stream) EnsureGroup(ctx context.Context, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, s.key, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("stream/redis: create group %s: %w", group, err)
	}
	return nil
}

func (s *Stream) ReadNext(ctx context.Context, group, consumer string, count int) ([]domain.CheckJob, error) {
	if count < 1 {
		count = 1
	}

	claimed, _, err := s.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   s.key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  s.claimIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, s.readErr("xautoclaim", group, err)
	}
	out := s.decode(ctx, group, claimed)
	if len(out) >= count {
		return out, nil
	}

	// BLOCK 0 means forever in Redis; -1 makes go-redis omit the argument.
	block := s.block
	if block <= 0 || len(out) > 0 {
		block = -1
	}
	res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.key, ">"},
		Count:    int64(count - len(out)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return out, nil
		}
		return out, s.readErr("xreadgroup", group, err)
	}
	for _, st := range res {
		out = append(out, s.decode(ctx, group, st.Messages)...)
	}
	return out, nil
}

// decode turns messages into jobs. A record that cannot be decoded will never
// become processable, so it is acknowledged and dropped instead of cycling
// through redelivery forever.
func (s *Stream) decode(ctx context.Context, group string, msgs []goredis.XMessage) []domain.CheckJob {
	out := make([]domain.CheckJob, 0, len(msgs))
	for _, m := range msgs {
		job, err := stream.FromFields(m.ID, m.Values)
		if err != nil {
			s.log.Warn("stream_malformed_entry",
				zap.String("group", group),
				zap.String("entry_id", m.ID),
				zap.Error(err),
			)
			if ackErr := s.client.XAck(ctx, s.key, group, m.ID).Err(); ackErr != nil {
				s.log.Warn("stream_malformed_ack_error", zap.String("entry_id", m.ID), zap.Error(ackErr))
			}
			continue
		}
		out = append(out, job)
	}
	return out
}

func (s *Stream) readErr(op, group string, err error) error {
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		return fmt.Errorf("stream/redis: %s %s: %w", op, group, stream.ErrGroupNotFound)
	}
	return fmt.Errorf("stream/redis: %s %s: %w", op, group, err)
}

func (s *Stream) Ack(ctx context.Context, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.XAck(ctx, s.key, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("stream/redis: xack %s: %w", group, err)
	}
	return n, nil
}

func (s *Stream) Pending(ctx context.Context, group string) (int64, error) {
	p, err := s.client.XPending(ctx, s.key, group).Result()
	if err != nil {
		return 0, s.readErr("xpending", group, err)
	}
	return p.Count, nil
}

// Backlog uses XINFO GROUPS. Lag is reported by Redis 7+; older servers
// contribute only their pending counts.
func (s *Stream) Backlog(ctx context.Context) (int64, error) {
	groups, err := s.client.XInfoGroups(ctx, s.key).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("stream/redis: xinfo groups: %w", err)
	}
	var max int64
	for _, g := range groups {
		lag := g.Lag
		if lag < 0 {
			lag = 0
		}
		if n := g.Pending + lag; n > max {
			max = n
		}
	}
	return max, nil
}
