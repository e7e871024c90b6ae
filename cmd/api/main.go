package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hamed0406/regionwatch/internal/config"
	"github.com/hamed0406/regionwatch/internal/httpapi"
	apimw "github.com/hamed0406/regionwatch/internal/httpapi/middleware"
	"github.com/hamed0406/regionwatch/internal/logging"
	"github.com/hamed0406/regionwatch/internal/repo"
	"github.com/hamed0406/regionwatch/internal/repo/memory"
	"github.com/hamed0406/regionwatch/internal/repo/postgres"
	"github.com/hamed0406/regionwatch/internal/stream"
	"github.com/hamed0406/regionwatch/internal/stream/redis"
)

type stores interface {
	repo.TargetStore
	repo.ResultStore
	repo.RegionStore
}

func main() {
	cfg := config.FromEnv()
	logger, err := logging.New("api", cfg.LogDir)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store stores
	if cfg.DatabaseURL == "" {
		logger.Warn("api_memory_store", zap.String("hint", "set DATABASE_URL to share data with the pipeline"))
		store = memory.New()
	} else {
		pg, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("db_connect_error", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("db_migrate_error", zap.Error(err))
		}
		store = pg
	}

	// The API still serves reads without a stream; it just cannot enqueue.
	var s stream.Stream
	rs, client, err := redis.Open(ctx, cfg.RedisURL, redis.WithKey(cfg.StreamKey), redis.WithLogger(logger))
	if err != nil {
		logger.Warn("stream_unavailable", zap.Error(err))
	} else {
		defer client.Close()
		s = rs
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	api := httpapi.NewServer(logger, store, store, store, s, reg)
	keys := apimw.Keys{Public: cfg.PublicAPIKeys, Admin: cfg.AdminAPIKeys}
	if !keys.Enabled() {
		logger.Warn("api_auth_disabled")
	}
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.Router(keys, cfg.AllowedOrigins, httpapi.Limits{
			PublicRPM: cfg.PublicRPM, PublicBurst: cfg.PublicBurst,
			AdminRPM: cfg.AdminRPM, AdminBurst: cfg.AdminBurst,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("api_listen", zap.String("addr", cfg.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("api_listen_error", zap.Error(err))
	}
}
