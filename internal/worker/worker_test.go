package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hamed0406/regionwatch/internal/domain"
	"github.com/hamed0406/regionwatch/internal/probe"
	"github.com/hamed0406/regionwatch/internal/repo"
	repomem "github.com/hamed0406/regionwatch/internal/repo/memory"
	"github.com/hamed0406/regionwatch/internal/stream"
	streammem "github.com/hamed0406/regionwatch/internal/stream/memory"
)

const region domain.RegionID = "us-east"

// --- fakes ---

// urlChecker answers from a table and reports Down for anything unknown.
type urlChecker map[string]probe.Outcome

func (c urlChecker) Check(ctx context.Context, target string) probe.Outcome {
	if out, ok := c[target]; ok {
		return out
	}
	return probe.Outcome{Status: domain.StatusDown, ResponseTimeMS: 1, Reason: probe.ReasonConnectionRefused}
}

// hangingChecker blocks on one URL until its context expires.
type hangingChecker struct {
	hang string
}

func (h hangingChecker) Check(ctx context.Context, target string) probe.Outcome {
	start := time.Now()
	if target == h.hang {
		<-ctx.Done()
		return probe.Outcome{
			Status:         domain.StatusDown,
			ResponseTimeMS: time.Since(start).Milliseconds(),
			Reason:         probe.ReasonTimeout,
		}
	}
	return probe.Outcome{Status: domain.StatusUp, ResponseTimeMS: 3, StatusCode: 200, Reason: "200 OK"}
}

// flakyResults fails the first Append for one target, then behaves.
type flakyResults struct {
	*repomem.Store
	mu       sync.Mutex
	failOnce map[domain.TargetID]bool
}

func (f *flakyResults) Append(ctx context.Context, r *domain.CheckResult) error {
	f.mu.Lock()
	fail := f.failOnce[r.TargetID]
	delete(f.failOnce, r.TargetID)
	f.mu.Unlock()
	if fail {
		return errors.New("insert result: connection lost")
	}
	return f.Store.Append(ctx, r)
}

// eventLog records the order of persistence and acknowledgement.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

type loggingResults struct {
	repo.ResultStore
	log *eventLog
}

func (r loggingResults) Append(ctx context.Context, cr *domain.CheckResult) error {
	r.log.add("append:" + string(cr.TargetID))
	return r.ResultStore.Append(ctx, cr)
}

type loggingStream struct {
	stream.Stream
	log    *eventLog
	ackErr error
}

func (s loggingStream) Ack(ctx context.Context, group string, ids ...string) (int64, error) {
	s.log.add("ack")
	if s.ackErr != nil {
		return 0, s.ackErr
	}
	return s.Stream.Ack(ctx, group, ids...)
}

// --- helpers ---

func newStores(t *testing.T) *repomem.Store {
	t.Helper()
	s := repomem.New()
	require.NoError(t, s.AddRegion(context.Background(), &domain.Region{ID: region, Name: "US-East"}))
	return s
}

func newWorker(t *testing.T, s stream.Stream, rs repo.ResultStore, regions repo.RegionStore, chk probe.Checker, batch int) *Worker {
	t.Helper()
	w, err := New(Config{
		RegionID:     region,
		ConsumerID:   "w1",
		BatchSize:    batch,
		ProbeTimeout: 50 * time.Millisecond,
		IdleBackoff:  5 * time.Millisecond,
	}, zap.NewNop(), s, rs, regions, chk, nil)
	require.NoError(t, err)
	require.NoError(t, w.Prepare(context.Background()))
	return w
}

func appendJobs(t *testing.T, s stream.Stream, jobs ...domain.CheckJob) []string {
	t.Helper()
	ids, err := s.AppendBatch(context.Background(), jobs)
	require.NoError(t, err)
	return ids
}

func byTarget(rs []domain.CheckResult) map[domain.TargetID]domain.CheckResult {
	out := map[domain.TargetID]domain.CheckResult{}
	for _, r := range rs {
		out[r.TargetID] = r
	}
	return out
}

// --- tests ---

func TestNew_RequiresIdentity(t *testing.T) {
	s := streammem.New()
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no region", Config{ConsumerID: "w1", BatchSize: 1}, ErrMissingRegion},
		{"no consumer", Config{RegionID: region, BatchSize: 1}, ErrMissingConsumer},
		{"zero batch", Config{RegionID: region, ConsumerID: "w1"}, ErrBatchSize},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg, nil, s, repomem.New(), nil, urlChecker{}, nil)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	w, err := New(Config{RegionID: region, ConsumerID: "w1", BatchSize: 2}, nil, streammem.New(), repomem.New(), nil, urlChecker{}, nil)
	require.NoError(t, err)
	cfg := w.Config()
	require.Equal(t, DefaultProbeTimeout, cfg.ProbeTimeout)
	require.Equal(t, DefaultIdleBackoff, cfg.IdleBackoff)
	require.Equal(t, DefaultMaxIdleBackoff, cfg.MaxIdleBackoff)
}

func TestPrepare_UnknownRegionFails(t *testing.T) {
	s := streammem.New()
	w, err := New(Config{RegionID: "mars", ConsumerID: "w1", BatchSize: 1}, nil, s, repomem.New(), repomem.New(), urlChecker{}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, w.Prepare(context.Background()), ErrUnknownRegion)

	_, err = s.Pending(context.Background(), "mars")
	require.ErrorIs(t, err, stream.ErrGroupNotFound, "group must not be created for an unknown region")
}

func TestRunOnce_UpAndDownAreBothPersistedAndAcked(t *testing.T) {
	ctx := context.Background()
	store := newStores(t)
	s := streammem.New()
	chk := urlChecker{
		"https://a.example": {Status: domain.StatusUp, ResponseTimeMS: 120, StatusCode: 200, Reason: "200 OK"},
	}
	w := newWorker(t, s, store, store, chk, 10)
	appendJobs(t, s,
		domain.CheckJob{URL: "https://a.example", TargetID: "T1"},
		domain.CheckJob{URL: "https://unreachable.invalid", TargetID: "T2"},
	)

	rep, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, BatchReport{Read: 2, Down: 1, Persisted: 2, Acked: 2}, rep)

	got := byTarget(store.Results())
	require.Len(t, got, 2)
	require.Equal(t, domain.StatusUp, got["T1"].Status)
	require.Equal(t, int64(120), got["T1"].ResponseTimeMS)
	require.Equal(t, 200, got["T1"].StatusCode)
	require.Equal(t, region, got["T1"].RegionID)
	require.Equal(t, domain.StatusDown, got["T2"].Status)
	require.Zero(t, got["T2"].StatusCode)
	require.NotZero(t, got["T2"].ID)

	pending, err := s.Pending(ctx, string(region))
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestRunOnce_EmptyBatch(t *testing.T) {
	store := newStores(t)
	w := newWorker(t, streammem.New(), store, store, urlChecker{}, 5)
	rep, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Empty())
	require.Empty(t, store.Results())
}

func TestRunOnce_PersistFailureLeavesEntryForRedelivery(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	store := newStores(t)
	results := &flakyResults{Store: store, failOnce: map[domain.TargetID]bool{"T2": true}}
	s := streammem.New(streammem.WithClock(clock), streammem.WithClaimIdle(time.Minute))
	w := newWorker(t, s, results, store, hangingChecker{}, 3)

	ids := appendJobs(t, s,
		domain.CheckJob{URL: "https://a.example", TargetID: "T1"},
		domain.CheckJob{URL: "https://b.example", TargetID: "T2"},
		domain.CheckJob{URL: "https://c.example", TargetID: "T3"},
	)

	rep, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Persisted)
	require.Equal(t, 1, rep.PersistFailed)
	require.EqualValues(t, 2, rep.Acked)

	pending, err := s.Pending(ctx, string(region))
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)
	require.Equal(t, 1, s.Deliveries(string(region), ids[1]))

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	rep, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, BatchReport{Read: 1, Persisted: 1, Acked: 1}, rep)

	pending, err = s.Pending(ctx, string(region))
	require.NoError(t, err)
	require.Zero(t, pending)
	require.Len(t, store.Results(), 3)
}

func TestRunOnce_HangingProbeDoesNotBlockSiblings(t *testing.T) {
	ctx := context.Background()
	store := newStores(t)
	s := streammem.New()
	w := newWorker(t, s, store, store, hangingChecker{hang: "https://slow.example"}, 3)
	appendJobs(t, s,
		domain.CheckJob{URL: "https://a.example", TargetID: "T1"},
		domain.CheckJob{URL: "https://slow.example", TargetID: "T2"},
		domain.CheckJob{URL: "https://c.example", TargetID: "T3"},
	)

	start := time.Now()
	rep, err := w.RunOnce(ctx)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.EqualValues(t, 3, rep.Acked)
	// Probes run in parallel: the batch takes about one timeout, not three.
	require.Less(t, elapsed, 500*time.Millisecond)

	got := byTarget(store.Results())
	require.Equal(t, domain.StatusUp, got["T1"].Status)
	require.Equal(t, domain.StatusUp, got["T3"].Status)
	require.Equal(t, domain.StatusDown, got["T2"].Status)
	require.Equal(t, probe.ReasonTimeout, got["T2"].Reason)
	require.GreaterOrEqual(t, got["T2"].ResponseTimeMS, int64(40))
}

func TestRunOnce_PersistsBeforeAck(t *testing.T) {
	ctx := context.Background()
	store := newStores(t)
	log := &eventLog{}
	s := loggingStream{Stream: streammem.New(), log: log}
	w := newWorker(t, s, loggingResults{ResultStore: store, log: log}, store, hangingChecker{}, 5)
	appendJobs(t, s,
		domain.CheckJob{URL: "https://a.example", TargetID: "T1"},
		domain.CheckJob{URL: "https://b.example", TargetID: "T2"},
	)

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"append:T1", "append:T2", "ack"}, log.events)
}

func TestRunOnce_AckErrorIsReturned(t *testing.T) {
	ctx := context.Background()
	store := newStores(t)
	inner := streammem.New()
	s := loggingStream{Stream: inner, log: &eventLog{}, ackErr: errors.New("xack: broken pipe")}
	w := newWorker(t, s, store, store, hangingChecker{}, 5)
	appendJobs(t, s, domain.CheckJob{URL: "https://a.example", TargetID: "T1"})

	rep, err := w.RunOnce(ctx)
	require.Error(t, err)
	require.Equal(t, 1, rep.Persisted)
	pending, err := inner.Pending(ctx, string(region))
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)
}

func TestRunOnce_ReadErrorAcksNothing(t *testing.T) {
	store := newStores(t)
	log := &eventLog{}
	s := loggingStream{Stream: streammem.New(), log: log}
	// No Prepare: the group does not exist.
	w, err := New(Config{RegionID: region, ConsumerID: "w1", BatchSize: 1}, nil, s, store, store, urlChecker{}, nil)
	require.NoError(t, err)

	_, err = w.RunOnce(context.Background())
	require.ErrorIs(t, err, stream.ErrGroupNotFound)
	require.Empty(t, log.events)
}

func TestRun_DrainsAndStopsOnCancel(t *testing.T) {
	store := newStores(t)
	s := streammem.New()
	w := newWorker(t, s, store, store, hangingChecker{}, 2)
	appendJobs(t, s,
		domain.CheckJob{URL: "https://a.example", TargetID: "T1"},
		domain.CheckJob{URL: "https://b.example", TargetID: "T2"},
		domain.CheckJob{URL: "https://c.example", TargetID: "T3"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(store.Results()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
