package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/booking"
	"github.com/hackgods/telemed-scheduling/internal/clock"
	"github.com/hackgods/telemed-scheduling/internal/config"
	"github.com/hackgods/telemed-scheduling/internal/consistency"
	"github.com/hackgods/telemed-scheduling/internal/db"
	"github.com/hackgods/telemed-scheduling/internal/matcher"
	"github.com/hackgods/telemed-scheduling/internal/observability"
	redisclient "github.com/hackgods/telemed-scheduling/internal/redis"
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("booking-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("running booking worker", "env", cfg.Env, "workers", cfg.Workers)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("error closing redis", "error", err)
		}
	}()
	logger.Info("connected to Redis")

	clk := clock.NewSystem()
	store := scheduling.NewPgStore(pgPool)
	sink := scheduling.NewPgEventSink(pgPool, logger)
	engine := availability.NewEngine(store, store, clk)
	match := matcher.New(store, store, engine, logger)
	locks := consistency.NewRedisLockService(rdb, cfg.LockTTL)
	layer := consistency.NewLayer(store, locks, engine, clk, cfg.LockTimeout, logger)
	queue := booking.NewQueue(clk)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	orch := booking.NewOrchestrator(store, store, engine, match, layer, queue, sink, nil, clk, booking.Config{
		MaxRetries:         cfg.MaxRetries,
		BaseBackoff:        cfg.BaseBackoff,
		BackoffCap:         cfg.BackoffCap,
		OpTimeout:          cfg.OpTimeout,
		LockTimeout:        cfg.LockTimeout,
		JobTimeout:         cfg.JobTimeout,
		MinAdvance:         cfg.MinAdvance,
		MaxAdvance:         cfg.MaxAdvance,
		DefaultSlotMinutes: cfg.DefaultSlotMinutes,
		DefaultBuffer:      cfg.DefaultBuffer,
		EnableHistory:      cfg.EnableHistory,
		RequireVerified:    cfg.RequireVerified,
		Workers:            cfg.Workers,
		LeaseDuration:      cfg.LeaseDuration,
	}, metrics, logger)

	pool := booking.NewWorkerPool(orch, logger)
	pool.Start(rootCtx)

	<-rootCtx.Done()
	logger.Info("shutting down booking-worker")
	pool.Wait()
	logger.Info("booking-worker stopped")
}
