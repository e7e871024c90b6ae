package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"github.com/hamed0406/regionwatch/internal/domain"
	"github.com/hamed0406/regionwatch/internal/repo"
	repomem "github.com/hamed0406/regionwatch/internal/repo/memory"
	"github.com/hamed0406/regionwatch/internal/stream"
	streammem "github.com/hamed0406/regionwatch/internal/stream/memory"
)

// --- fakes ---

type failingTargets struct{ repo.TargetStore }

func (failingTargets) List(ctx context.Context) ([]*domain.Target, error) {
	return nil, errors.New("db down")
}

type countingTargets struct {
	repo.TargetStore
	calls atomic.Int32
}

func (c *countingTargets) List(ctx context.Context) ([]*domain.Target, error) {
	c.calls.Add(1)
	return c.TargetStore.List(ctx)
}

// flakyStream fails the append of one target and delegates the rest.
type flakyStream struct {
	stream.Stream
	failTarget domain.TargetID
}

func (f *flakyStream) AppendBatch(ctx context.Context, jobs []domain.CheckJob) ([]string, error) {
	ids := make([]string, len(jobs))
	var errs error
	for i, j := range jobs {
		if j.TargetID == f.failTarget {
			errs = multierr.Append(errs, errors.New("xadd: connection reset"))
			continue
		}
		id, err := f.Stream.Append(ctx, j)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ids[i] = id
	}
	return ids, errs
}

func seedTargets(t *testing.T, urls ...string) *repomem.Store {
	t.Helper()
	s := repomem.New()
	for i, u := range urls {
		tgt := &domain.Target{
			ID:        domain.TargetID([]string{"T1", "T2", "T3", "T4"}[i]),
			URL:       u,
			CreatedAt: time.Now().UTC().Add(time.Duration(-i) * time.Second),
		}
		require.NoError(t, s.Add(context.Background(), tgt))
	}
	return s
}

// --- tests ---

func TestTick_OneJobPerTargetInEveryGroup(t *testing.T) {
	ctx := context.Background()
	targets := seedTargets(t, "https://a.example", "https://b.example")
	s := streammem.New()
	require.NoError(t, s.EnsureGroup(ctx, "us-east"))
	require.NoError(t, s.EnsureGroup(ctx, "eu-west"))

	d := New(zap.NewNop(), targets, s, nil, time.Second, 0)
	rep, err := d.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, TickReport{Targets: 2, Appended: 2}, rep)
	require.Equal(t, 2, s.Len())

	for _, g := range []string{"us-east", "eu-west"} {
		got, err := s.ReadNext(ctx, g, "w1", 10)
		require.NoError(t, err)
		require.Len(t, got, 2, "group %s", g)
		urls := map[string]domain.TargetID{}
		for _, j := range got {
			urls[j.URL] = j.TargetID
			require.NotEmpty(t, j.EntryID)
		}
		require.Equal(t, map[string]domain.TargetID{
			"https://a.example": "T1",
			"https://b.example": "T2",
		}, urls)
	}
}

func TestTick_NoTargetsAppendsNothing(t *testing.T) {
	s := streammem.New()
	d := New(zap.NewNop(), repomem.New(), s, nil, time.Second, 0)
	rep, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, rep.Targets)
	require.Zero(t, s.Len())
}

func TestTick_ListFailureAppendsNothing(t *testing.T) {
	s := streammem.New()
	d := New(zap.NewNop(), failingTargets{}, s, nil, time.Second, 0)
	_, err := d.Tick(context.Background())
	require.Error(t, err)
	require.Zero(t, s.Len())
}

func TestTick_AppendFailureIsPerTarget(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	targets := seedTargets(t, "https://a.example", "https://b.example", "https://c.example")
	inner := streammem.New()
	s := &flakyStream{Stream: inner, failTarget: "T2"}

	d := New(zap.New(core), targets, s, nil, time.Second, 0)
	rep, err := d.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Targets)
	require.Equal(t, 2, rep.Appended)
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, 2, inner.Len())

	failed := logs.FilterMessage("dispatch_append_error").All()
	require.Len(t, failed, 1)
	require.Equal(t, "T2", failed[0].ContextMap()["target_id"])
}

func TestTick_DoesNotDeduplicateAcrossTicks(t *testing.T) {
	ctx := context.Background()
	targets := seedTargets(t, "https://a.example", "https://b.example")
	s := streammem.New()
	d := New(zap.NewNop(), targets, s, nil, time.Second, 0)

	for i := 0; i < 3; i++ {
		_, err := d.Tick(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 6, s.Len())
}

func TestTick_SkipsAtBacklogHighWaterMark(t *testing.T) {
	ctx := context.Background()
	targets := seedTargets(t, "https://a.example", "https://b.example")
	s := streammem.New()
	require.NoError(t, s.EnsureGroup(ctx, "slow"))

	d := New(zap.NewNop(), targets, s, nil, time.Second, 3)

	rep, err := d.Tick(ctx) // backlog 0
	require.NoError(t, err)
	require.False(t, rep.Skipped)
	rep, err = d.Tick(ctx) // backlog 2
	require.NoError(t, err)
	require.False(t, rep.Skipped)

	rep, err = d.Tick(ctx) // backlog 4 >= 3
	require.NoError(t, err)
	require.True(t, rep.Skipped)
	require.EqualValues(t, 4, rep.Backlog)
	require.Equal(t, 4, s.Len())

	// Draining the group lets the next tick through.
	got, err := s.ReadNext(ctx, "slow", "w1", 10)
	require.NoError(t, err)
	_, err = s.Ack(ctx, "slow", entryIDs(got)...)
	require.NoError(t, err)

	rep, err = d.Tick(ctx)
	require.NoError(t, err)
	require.False(t, rep.Skipped)
	require.Equal(t, 6, s.Len())
}

func TestRun_ImmediatePassThenStopsOnCancel(t *testing.T) {
	targets := &countingTargets{TargetStore: seedTargets(t, "https://a.example")}
	s := streammem.New()
	d := New(zap.NewNop(), targets, s, nil, time.Hour, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	require.EqualValues(t, 1, targets.calls.Load())
}

func TestWrap_OverrunningTickDelaysTheNext(t *testing.T) {
	d := New(zap.NewNop(), repomem.New(), streammem.New(), nil, time.Second, 0)

	var inFlight, maxInFlight, runs, returned atomic.Int32
	release := make(chan struct{})
	job := d.wrap(cron.FuncJob(func() {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		runs.Add(1)
		inFlight.Add(-1)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job.Run()
			returned.Add(1)
		}()
	}

	// One run holds the job; the other waits instead of being dropped.
	require.Eventually(t, func() bool { return inFlight.Load() == 1 }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return returned.Load() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 2, runs.Load())
	require.EqualValues(t, 1, maxInFlight.Load())
}

func TestWrap_RecoversPanics(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	d := New(zap.New(core), repomem.New(), streammem.New(), nil, time.Second, 0)

	job := d.wrap(cron.FuncJob(func() { panic("boom") }))
	require.NotPanics(t, job.Run)
	require.NotPanics(t, job.Run, "a recovered panic must release the job for the next run")
	require.Len(t, logs.FilterMessage("cron_panic").All(), 2)
}

func entryIDs(js []domain.CheckJob) []string {
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.EntryID
	}
	return out
}
