// Package main provides the campus server binary: the WebSocket session
// gateway plus every in-process room, proximity, whiteboard, and challenge
// component behind it.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/cory-johannsen/campus/internal/challenge"
	"github.com/cory-johannsen/campus/internal/conference"
	"github.com/cory-johannsen/campus/internal/config"
	"github.com/cory-johannsen/campus/internal/gateway"
	"github.com/cory-johannsen/campus/internal/observability"
	"github.com/cory-johannsen/campus/internal/points"
	"github.com/cory-johannsen/campus/internal/proximity"
	"github.com/cory-johannsen/campus/internal/room"
	"github.com/cory-johannsen/campus/internal/server"
	"github.com/cory-johannsen/campus/internal/space"
	"github.com/cory-johannsen/campus/internal/storage/postgres"
	"github.com/cory-johannsen/campus/internal/whiteboard"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	questionsDir := flag.String("questions", "", "path to question catalog YAML files; overrides challenge.questions_dir")
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

	logger.Info("starting campus server",
		zap.String("ws_addr", cfg.Server.Addr()),
	)

	// Load question catalog
	catalogStart := time.Now()
	dir := cfg.Challenge.QuestionsDir
	if *questionsDir != "" {
		dir = *questionsDir
	}
	catalog, err := challenge.LoadCatalogFromDir(dir)
	if err != nil {
		logger.Fatal("loading question catalog", zap.Error(err))
	}
	logger.Info("question catalog loaded",
		zap.Int("questions", catalog.Len()),
		zap.Duration("elapsed", time.Since(catalogStart)),
	)

	// Connect to PostgreSQL for room persistence
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	roomRepo := postgres.NewRoomRepository(pool.DB())

	// Points deltas go through the asynq queue; the worker binary drains it.
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()
	ledger := points.NewAsynqLedger(asynqClient, logger)

	// The gateway is every domain component's notifier, so it is created
	// first and bound after the components exist.
	gw := gateway.New(cfg.Server.SendBuffer, logger)

	prox := proximity.NewManager(cfg.Proximity.Radius, cfg.Proximity.Interval, gw, logger)
	spaces := space.NewManager(gw, prox, logger)
	rooms := room.NewStore(roomRepo, cfg.Rooms.MaxOwnedPerUser, logger)
	boards := whiteboard.NewEngine(gw, logger)
	bridge := conference.NewBridge(conference.NewLogProvider(logger), gw, logger)
	duels := challenge.NewOrchestrator(catalog, challenge.Config{
		OfferWindow:       cfg.Challenge.OfferWindow,
		DefaultTimeLimit:  cfg.Challenge.DefaultTimeLimit,
		CompletionReward:  cfg.Challenge.CompletionReward,
		CompletionPenalty: cfg.Challenge.CompletionPenalty,
		SurrenderPenalty:  cfg.Challenge.SurrenderPenalty,
		SurrenderReward:   cfg.Challenge.SurrenderReward,
	}, ledger, gw, logger)

	gw.Bind(spaces, prox, rooms, boards, duels, bridge)

	acceptor := gateway.NewAcceptor(gw, gateway.QueryUserResolver{}, cfg.Server, logger)

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("proximity", &server.FuncService{
		StartFn: func() error {
			return prox.Start(ctx)
		},
		StopFn: func() {
			prox.Stop()
		},
	})

	roomSweepStop := make(chan struct{})
	lifecycle.Add("room-sweep", &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(cfg.Rooms.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					n, err := rooms.SweepStale(ctx, cfg.Rooms.IdleRetention)
					if err != nil {
						logger.Warn("room sweep failed", zap.Error(err))
						continue
					}
					if n > 0 {
						logger.Info("stale rooms reclaimed", zap.Int("count", n))
					}
				case <-roomSweepStop:
					return nil
				}
			}
		},
		StopFn: func() {
			close(roomSweepStop)
		},
	})

	boardSweepStop := make(chan struct{})
	lifecycle.Add("whiteboard-sweep", &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(cfg.Whiteboard.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := boards.SweepIdle(cfg.Whiteboard.IdleRetention); n > 0 {
						logger.Info("idle whiteboards released", zap.Int("count", n))
					}
				case <-boardSweepStop:
					return nil
				}
			}
		},
		StopFn: func() {
			close(boardSweepStop)
		},
	})

	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.Start,
		StopFn:  acceptor.Stop,
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

	logger.Info("campus server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("ws_addr", cfg.Server.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
