// Package worker runs one regional consumer: it pulls check jobs for its
// region from the stream, probes every target in a batch concurrently,
// persists one result per job and acknowledges exactly the jobs whose
// result was stored.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamed0406/regionwatch/internal/domain"
	"github.com/hamed0406/regionwatch/internal/metrics"
	"github.com/hamed0406/regionwatch/internal/probe"
	"github.com/hamed0406/regionwatch/internal/repo"
	"github.com/hamed0406/regionwatch/internal/stream"
)

var (
	ErrMissingRegion   = errors.New("worker: region id is required")
	ErrMissingConsumer = errors.New("worker: consumer id is required")
	ErrBatchSize       = errors.New("worker: batch size must be at least 1")
	ErrUnknownRegion   = errors.New("worker: region is not registered")
)

const (
	DefaultProbeTimeout   = 10 * time.Second
	DefaultIdleBackoff    = 100 * time.Millisecond
	DefaultMaxIdleBackoff = 5 * time.Second
)

// Config is fixed for the lifetime of a Worker.
type Config struct {
	RegionID       domain.RegionID
	ConsumerID     string
	BatchSize      int
	ProbeTimeout   time.Duration
	IdleBackoff    time.Duration
	MaxIdleBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = DefaultIdleBackoff
	}
	if c.MaxIdleBackoff < c.IdleBackoff {
		c.MaxIdleBackoff = DefaultMaxIdleBackoff
		if c.MaxIdleBackoff < c.IdleBackoff {
			c.MaxIdleBackoff = c.IdleBackoff
		}
	}
	return c
}

// BatchReport summarizes one RunOnce pass.
type BatchReport struct {
	Read          int
	Down          int
	Persisted     int
	PersistFailed int
	Acked         int64
}

func (r BatchReport) Empty() bool { return r.Read == 0 }

type Worker struct {
	cfg     Config
	log     *zap.Logger
	stream  stream.Stream
	results repo.ResultStore
	regions repo.RegionStore
	checker probe.Checker
	metrics *metrics.Metrics
}

func New(
	cfg Config,
	logger *zap.Logger,
	s stream.Stream,
	results repo.ResultStore,
	regions repo.RegionStore,
	checker probe.Checker,
	m *metrics.Metrics,
) (*Worker, error) {
	switch {
	case cfg.RegionID == "":
		return nil, ErrMissingRegion
	case cfg.ConsumerID == "":
		return nil, ErrMissingConsumer
	case cfg.BatchSize < 1:
		return nil, ErrBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:     cfg,
		log:     logger.With(zap.String("region", string(cfg.RegionID)), zap.String("consumer", cfg.ConsumerID)),
		stream:  s,
		results: results,
		regions: regions,
		checker: checker,
		metrics: m,
	}, nil
}

func (w *Worker) Config() Config { return w.cfg }

func (w *Worker) group() string { return string(w.cfg.RegionID) }

// Prepare checks that the region is registered and makes sure its consumer
// group exists. A worker must not consume for a region nobody knows about.
func (w *Worker) Prepare(ctx context.Context) error {
	if w.regions != nil {
		if _, err := w.regions.GetRegion(ctx, w.cfg.RegionID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownRegion, w.cfg.RegionID)
			}
			return fmt.Errorf("worker: lookup region %s: %w", w.cfg.RegionID, err)
		}
	}
	if err := w.stream.EnsureGroup(ctx, w.group()); err != nil {
		return fmt.Errorf("worker: ensure group: %w", err)
	}
	return nil
}

// RunOnce processes a single batch. Read and ack failures are returned;
// a result that fails to persist is logged and its entry stays pending so
// the stream redelivers it.
func (w *Worker) RunOnce(ctx context.Context) (BatchReport, error) {
	var rep BatchReport

	jobs, err := w.stream.ReadNext(ctx, w.group(), w.cfg.ConsumerID, w.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("worker: read: %w", err)
	}
	rep.Read = len(jobs)
	if len(jobs) == 0 {
		return rep, nil
	}

	outcomes := w.probeAll(ctx, jobs)

	acks := make([]string, 0, len(jobs))
	for i, job := range jobs {
		out := outcomes[i]
		if out.Status == domain.StatusDown {
			rep.Down++
		}
		cr := &domain.CheckResult{
			TargetID:       job.TargetID,
			RegionID:       w.cfg.RegionID,
			Status:         out.Status,
			ResponseTimeMS: out.ResponseTimeMS,
			StatusCode:     out.StatusCode,
			Reason:         out.Reason,
		}
		if err := w.results.Append(ctx, cr); err != nil {
			rep.PersistFailed++
			w.metrics.PersistFailures.WithLabelValues(w.group()).Inc()
			w.log.Warn("worker_persist_error",
				zap.String("entry_id", job.EntryID),
				zap.String("target_id", string(job.TargetID)),
				zap.Error(err),
			)
			continue
		}
		rep.Persisted++
		w.metrics.Persisted.WithLabelValues(w.group()).Inc()
		acks = append(acks, job.EntryID)
	}

	if len(acks) == 0 {
		return rep, nil
	}
	n, err := w.stream.Ack(ctx, w.group(), acks...)
	if err != nil {
		return rep, fmt.Errorf("worker: ack: %w", err)
	}
	rep.Acked = n
	w.metrics.Acked.WithLabelValues(w.group()).Add(float64(n))
	w.log.Debug("worker_batch",
		zap.Int("read", rep.Read),
		zap.Int("down", rep.Down),
		zap.Int("persisted", rep.Persisted),
		zap.Int("persist_failed", rep.PersistFailed),
		zap.Int64("acked", rep.Acked),
	)
	return rep, nil
}

// probeAll runs one probe per job in parallel and waits for all of them.
// Probes are not cancelled with ctx; each one is bounded by ProbeTimeout
// only, so a shutdown never records a spurious Down.
func (w *Worker) probeAll(ctx context.Context, jobs []domain.CheckJob) []probe.Outcome {
	outcomes := make([]probe.Outcome, len(jobs))
	base := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(w.cfg.BatchSize)
	for i, job := range jobs {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(base, w.cfg.ProbeTimeout)
			defer cancel()

			out := w.checker.Check(pctx, job.URL)
			if out.ResponseTimeMS < 0 {
				out.ResponseTimeMS = 0
			}
			if !out.Status.Valid() || out.Status == domain.StatusUnknown {
				out.Status = domain.StatusDown
			}
			outcomes[i] = out

			w.metrics.Probes.WithLabelValues(w.group(), string(out.Status)).Inc()
			w.metrics.ProbeLatency.WithLabelValues(w.group()).Observe(float64(out.ResponseTimeMS) / 1000)
			w.log.Debug("worker_probed",
				zap.String("entry_id", job.EntryID),
				zap.String("target_id", string(job.TargetID)),
				zap.String("url", job.URL),
				zap.String("status", string(out.Status)),
				zap.Int64("response_time_ms", out.ResponseTimeMS),
				zap.Int("status_code", out.StatusCode),
				zap.String("reason", out.Reason),
			)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Run loops RunOnce until ctx is cancelled. Empty batches and errors back
// off exponentially from IdleBackoff up to MaxIdleBackoff; any batch with
// work resets the backoff.
func (w *Worker) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.IdleBackoff
	b.MaxInterval = w.cfg.MaxIdleBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	w.log.Info("worker_started", zap.Int("batch_size", w.cfg.BatchSize))
	for {
		if ctx.Err() != nil {
			w.log.Info("worker_stopped")
			return
		}
		rep, err := w.RunOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			w.log.Warn("worker_iteration_error", zap.Error(err))
		case !rep.Empty():
			b.Reset()
			continue
		}

		t := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}
