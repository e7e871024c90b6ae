// Package metrics holds the Prometheus collectors shared by the dispatcher,
// the regional workers and the API.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "regionwatch"

type Metrics struct {
	JobsAppended    prometheus.Counter
	AppendFailures  prometheus.Counter
	TicksSkipped    *prometheus.CounterVec // reason
	Probes          *prometheus.CounterVec // region, status
	ProbeLatency    *prometheus.HistogramVec
	Persisted       *prometheus.CounterVec // region
	PersistFailures *prometheus.CounterVec // region
	Acked           *prometheus.CounterVec // region
}

// New builds the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "jobs_appended_total",
			Help: "Check jobs appended to the stream.",
		}),
		AppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "append_failures_total",
			Help: "Check jobs that could not be appended.",
		}),
		TicksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "ticks_skipped_total",
			Help: "Dispatch ticks that appended nothing.",
		}, []string{"reason"}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "probes_total",
			Help: "Probes executed, by region and outcome.",
		}, []string{"region", "status"}),
		ProbeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "probe_latency_seconds",
			Help:    "Probe latency as recorded in results.",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"region"}),
		Persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "results_persisted_total",
			Help: "Check results written to the result store.",
		}, []string{"region"}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "persist_failures_total",
			Help: "Check results the result store rejected.",
		}, []string{"region"}),
		Acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "acks_total",
			Help: "Stream entries acknowledged.",
		}, []string{"region"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.JobsAppended, m.AppendFailures, m.TicksSkipped,
			m.Probes, m.ProbeLatency, m.Persisted, m.PersistFailures, m.Acked,
		)
	}
	return m
}

// Serve exposes g on addr at /metrics until ctx is done. An empty addr
// disables the listener.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, log *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics_listen", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics_listen_error", zap.Error(err))
	}
}
