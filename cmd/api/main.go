// API-only entrypoint: serves HTTP and enqueues jobs. With a redis
// backend the heavy lifting happens in cmd/worker processes; without
// one this process also runs the queue so jobs still resolve.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"valoqueue/internal/accounts"
	"valoqueue/internal/api"
	"valoqueue/internal/authqueue"
	"valoqueue/internal/config"
	"valoqueue/internal/coord"
	"valoqueue/internal/logging"
	"valoqueue/internal/ratelimit"
	"valoqueue/internal/redis"
	"valoqueue/internal/riot"
	"valoqueue/internal/stats"
	"valoqueue/internal/store"
	"valoqueue/internal/store/postgres"
	"valoqueue/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_api", "service", "valoqueue-api", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redis.Client
	if cfg.RedisDSN != "" {
		redisClient, err = redis.New(cfg.RedisDSN)
		if err != nil {
			logger.Warn("redis_connect_failed_using_local_queue", "error", err)
			redisClient = nil
		}
	}
	var backend coord.Backend
	if redisClient != nil {
		backend = coord.NewRedisBackend(logger, redisClient,
			coord.RedisOptions{LockTTL: cfg.LockTTL, ResultTTL: cfg.ResultTTL})
	} else {
		backend = coord.NewLocalBackend(
			coord.LocalOptions{LockTTL: cfg.LockTTL, ResultTTL: cfg.ResultTTL})
	}

	var st store.Store
	switch cfg.DBDriver {
	case "postgres":
		st, err = postgres.Open(ctx, logger, cfg.DBDSN)
	default:
		st, err = sqlite.Open(logger, cfg.DBPath)
	}
	if err != nil {
		logger.Error("store_open_failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	accountsSvc := accounts.New(logger, st, cfg.EncryptionKey)
	limiter := ratelimit.New(logger, backend, cfg.RateLimitBackoff, cfg.RateLimitCap)
	riotClient := riot.New(logger, limiter)

	queue := authqueue.New(logger, backend, riotClient, authqueue.Options{
		Enabled:        cfg.UseLoginQueue,
		TickInterval:   cfg.TickInterval,
		ShardID:        cfg.ShardID,
		SweepInterval:  cfg.SweepInterval,
		SweepThreshold: cfg.SweepThreshold,
	})
	// Without redis there is no worker fleet; this process must drive
	// the queue itself.
	if !queue.Distributed() {
		go queue.Run(ctx)
	}

	var tracker *stats.Tracker
	if cfg.TrackStoreStats {
		tracker = stats.New(logger, cfg.StatsPath, cfg.StatsExpirationDays)
	}

	srv := api.NewServer(logger, cfg, queue, accountsSvc, api.Options{
		Redis:   redisClient,
		Tracker: tracker,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("api_started", "addr", cfg.HTTPAddr)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	if tracker != nil {
		tracker.Flush()
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis_close_error", "error", err)
		} else {
			logger.Info("redis_closed")
		}
	}

	logger.Info("api_stopped")
}
