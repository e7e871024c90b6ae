package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hamed0406/regionwatch/internal/config"
	"github.com/hamed0406/regionwatch/internal/logging"
	"github.com/hamed0406/regionwatch/internal/metrics"
	"github.com/hamed0406/regionwatch/internal/probe"
	"github.com/hamed0406/regionwatch/internal/repo/postgres"
	"github.com/hamed0406/regionwatch/internal/stream/redis"
	"github.com/hamed0406/regionwatch/internal/worker"
)

func main() {
	cfg := config.FromEnv()
	logger, err := logging.New("worker", cfg.LogDir)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	// A worker without an identity would consume for nobody.
	if err := cfg.ValidateWorker(); err != nil {
		logger.Fatal("config_invalid", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("db_connect_error", zap.Error(err))
	}
	defer store.Close()

	s, client, err := redis.Open(ctx, cfg.RedisURL,
		redis.WithKey(cfg.StreamKey),
		redis.WithClaimIdle(cfg.ClaimIdle),
		redis.WithBlock(cfg.ReadBlock),
		redis.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("stream_connect_error", zap.Error(err))
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	go metrics.Serve(ctx, cfg.MetricsAddr, reg, logger)

	w, err := worker.New(cfg.Worker(), logger, s, store, store, probe.NewHTTPChecker(cfg.ProbeTimeout), m)
	if err != nil {
		logger.Fatal("worker_config_invalid", zap.Error(err))
	}
	if err := w.Prepare(ctx); err != nil {
		logger.Fatal("worker_prepare_error", zap.Error(err))
	}
	w.Run(ctx)
}
