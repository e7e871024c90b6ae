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
	"github.com/hamed0406/regionwatch/internal/dispatch"
	"github.com/hamed0406/regionwatch/internal/logging"
	"github.com/hamed0406/regionwatch/internal/metrics"
	"github.com/hamed0406/regionwatch/internal/repo/postgres"
	"github.com/hamed0406/regionwatch/internal/stream/redis"
)

func main() {
	cfg := config.FromEnv()
	logger, err := logging.New("dispatcher", cfg.LogDir)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := cfg.ValidateDispatcher(); err != nil {
		logger.Fatal("config_invalid", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("db_connect_error", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("db_migrate_error", zap.Error(err))
	}

	s, client, err := redis.Open(ctx, cfg.RedisURL,
		redis.WithKey(cfg.StreamKey),
		redis.WithMaxLen(cfg.StreamMaxLen),
		redis.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("stream_connect_error", zap.Error(err))
	}
	defer client.Close()

	// Groups created up front receive every job from the first tick on, even
	// if their workers start later.
	regions, err := store.ListRegions(ctx)
	if err != nil {
		logger.Fatal("list_regions_error", zap.Error(err))
	}
	for _, r := range regions {
		if err := s.EnsureGroup(ctx, string(r.ID)); err != nil {
			logger.Fatal("ensure_group_error", zap.String("region", string(r.ID)), zap.Error(err))
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	go metrics.Serve(ctx, cfg.MetricsAddr, reg, logger)

	d := dispatch.New(logger, store, s, m, cfg.DispatchInterval, cfg.MaxBacklog)
	logger.Info("dispatcher_config",
		zap.String("stream", s.Key()),
		zap.Int("regions", len(regions)),
		zap.Duration("interval", cfg.DispatchInterval),
		zap.Int64("max_backlog", cfg.MaxBacklog),
	)
	d.Run(ctx)
}
