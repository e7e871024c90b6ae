// Package dispatch produces check work: on every tick it emits one job per
// monitored target onto the shared stream, from which every region's
// consumer group receives its own copy.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/regionwatch/internal/domain"
	"github.com/hamed0406/regionwatch/internal/metrics"
	"github.com/hamed0406/regionwatch/internal/repo"
	"github.com/hamed0406/regionwatch/internal/stream"
)

const DefaultInterval = 3 * time.Second

// TickReport summarizes one dispatch pass.
type TickReport struct {
	Targets  int
	Appended int
	Failed   int
	// Skipped is set when the backlog high-water mark suppressed the tick.
	Skipped bool
	Backlog int64
}

type Dispatcher struct {
	Logger   *zap.Logger
	Targets  repo.TargetStore
	Stream   stream.Stream
	Metrics  *metrics.Metrics
	Interval time.Duration
	// MaxBacklog skips a tick while the slowest group has at least this many
	// unfinished entries. Zero disables the check.
	MaxBacklog int64
}

func New(
	logger *zap.Logger,
	ts repo.TargetStore,
	s stream.Stream,
	m *metrics.Metrics,
	interval time.Duration,
	maxBacklog int64,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxBacklog < 0 {
		maxBacklog = 0
	}
	return &Dispatcher{
		Logger:     logger,
		Targets:    ts,
		Stream:     s,
		Metrics:    m,
		Interval:   interval,
		MaxBacklog: maxBacklog,
	}
}

// Tick lists every target and appends one job per target. A list failure
// appends nothing and is returned. Individual append failures are logged
// and counted; they do not fail the tick.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	var rep TickReport

	if d.MaxBacklog > 0 {
		backlog, err := d.Stream.Backlog(ctx)
		if err != nil {
			// Unknown depth is not a reason to stop producing work.
			d.Logger.Warn("dispatch_backlog_error", zap.Error(err))
		} else {
			rep.Backlog = backlog
			if backlog >= d.MaxBacklog {
				rep.Skipped = true
				d.Metrics.TicksSkipped.WithLabelValues("backlog").Inc()
				d.Logger.Warn("dispatch_tick_skipped",
					zap.Int64("backlog", backlog),
					zap.Int64("max_backlog", d.MaxBacklog),
				)
				return rep, nil
			}
		}
	}

	ts, err := d.Targets.List(ctx)
	if err != nil {
		d.Metrics.TicksSkipped.WithLabelValues("list_error").Inc()
		return rep, fmt.Errorf("dispatch: list targets: %w", err)
	}
	rep.Targets = len(ts)
	if len(ts) == 0 {
		return rep, nil
	}

	jobs := make([]domain.CheckJob, len(ts))
	for i, t := range ts {
		jobs[i] = domain.CheckJob{URL: t.URL, TargetID: t.ID}
	}

	ids, appendErr := d.Stream.AppendBatch(ctx, jobs)
	for i, id := range ids {
		if id == "" {
			rep.Failed++
			d.Logger.Warn("dispatch_append_error",
				zap.String("target_id", string(jobs[i].TargetID)),
				zap.String("url", jobs[i].URL),
			)
			continue
		}
		rep.Appended++
	}
	for _, e := range multierr.Errors(appendErr) {
		d.Logger.Warn("dispatch_append_cause", zap.Error(e))
	}

	d.Metrics.JobsAppended.Add(float64(rep.Appended))
	d.Metrics.AppendFailures.Add(float64(rep.Failed))
	d.Logger.Debug("dispatch_tick",
		zap.Int("targets", rep.Targets),
		zap.Int("appended", rep.Appended),
		zap.Int("failed", rep.Failed),
	)
	return rep, nil
}

// Run does an immediate pass, then ticks every Interval until ctx is
// cancelled. A tick still running when the next one is due delays that next
// one until it finishes; ticks never overlap and none are dropped. Intervals
// below one second are rounded up by the cron scheduler.
func (d *Dispatcher) Run(ctx context.Context) {
	runTick := func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := d.Tick(ctx); err != nil {
			d.Logger.Warn("dispatch_tick_error", zap.Error(err))
		}
	}

	job := d.wrap(cron.FuncJob(runTick))
	c := cron.New()
	c.Schedule(cron.Every(d.Interval), job)

	// The immediate pass goes through the same wrapped job so it cannot
	// overlap the first scheduled tick.
	job.Run()

	c.Start()
	d.Logger.Info("dispatcher_started", zap.Duration("interval", d.Interval))

	<-ctx.Done()
	<-c.Stop().Done()
	d.Logger.Info("dispatcher_stopped")
}

// wrap serializes runs of j and recovers its panics.
func (d *Dispatcher) wrap(j cron.Job) cron.Job {
	return cron.NewChain(
		cron.Recover(cronLogger{d.Logger}),
		cron.DelayIfStillRunning(cronLogger{d.Logger}),
	).Then(j)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron_"+msg, zap.Any("kv", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron_"+msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
