// Package main provides the points worker binary: it drains the asynq queue
// and applies points deltas to the durable ledger.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/cory-johannsen/campus/internal/config"
	"github.com/cory-johannsen/campus/internal/observability"
	"github.com/cory-johannsen/campus/internal/points"
	"github.com/cory-johannsen/campus/internal/server"
	"github.com/cory-johannsen/campus/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	concurrency := flag.Int("concurrency", 4, "number of concurrent task workers")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting points worker",
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.Int("concurrency", *concurrency),
	)

	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	pointsRepo := postgres.NewPointsRepository(pool.DB())
	handler := points.NewHandler(pointsRepo, logger)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: *concurrency,
		},
	)

	mux := asynq.NewServeMux()
	mux.Handle(points.TypeApplyDelta, handler)

	lifecycle := server.NewLifecycle(logger)

	// srv.Run installs its own signal handlers, which would race the
	// lifecycle's. Start/Shutdown keeps signal ownership in one place.
	asynqDone := make(chan struct{})
	lifecycle.Add("asynq", &server.FuncService{
		StartFn: func() error {
			if err := srv.Start(mux); err != nil {
				return err
			}
			<-asynqDone
			return nil
		},
		StopFn: func() {
			srv.Shutdown()
			close(asynqDone)
		},
	})

	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			for {
				time.Sleep(30 * time.Second)
				if err := pool.Health(ctx, 5*time.Second); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
				}
			}
		},
		StopFn: func() {
			pool.Close()
		},
	})

	logger.Info("points worker initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("worker error", zap.Error(err))
	}
}
