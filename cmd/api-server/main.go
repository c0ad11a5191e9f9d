package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/telemed-scheduling/internal/api"
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

const version = "0.3.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("running", "env", cfg.Env, "http_port", cfg.HTTPPort)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Connect Redis
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

	router := api.NewRouter(api.RouterConfig{
		Orchestrator: orch,
		Matcher:      match,
		Engine:       engine,
		Appointments: store,
		Clinicians:   store,
		PgPool:       pgPool,
		Redis:        rdb,
		Logger:       logger,
		Env:          cfg.Env,
		Version:      version,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	pool.Wait()
	logger.Info("api-server stopped")
}
