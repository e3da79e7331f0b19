// All-in-one entrypoint: HTTP API, queue processor, sweeper and backups
// in a single process. The split binaries live under cmd/.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"valoqueue/internal/accounts"
	"valoqueue/internal/api"
	"valoqueue/internal/authqueue"
	"valoqueue/internal/backup"
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
	logger.Info("starting", "service", "valoqueue", "http_addr", cfg.HTTPAddr, "shard", cfg.ShardID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Coordination backend. Redis failing to connect is not fatal: the
	// queue degrades to single-process mode.
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
		logger.Info("queue_mode", "mode", "distributed")
	} else {
		backend = coord.NewLocalBackend(
			coord.LocalOptions{LockTTL: cfg.LockTTL, ResultTTL: cfg.ResultTTL})
		logger.Info("queue_mode", "mode", "local")
	}

	// Account store. No store, no service.
	var st store.Store
	var snap backup.Snapshotter
	switch cfg.DBDriver {
	case "postgres":
		st, err = postgres.Open(ctx, logger, cfg.DBDSN)
	default:
		var sq *sqlite.Store
		sq, err = sqlite.Open(logger, cfg.DBPath)
		if err == nil {
			st = sq
			snap = sq
		}
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
	go queue.Run(ctx)
	go queue.RunSweeper(ctx)

	var tracker *stats.Tracker
	if cfg.TrackStoreStats {
		tracker = stats.New(logger, cfg.StatsPath, cfg.StatsExpirationDays)
	}

	backupRunner := newBackupRunner(ctx, logger, cfg, snap)
	if backupRunner != nil {
		go backupRunner.Run(ctx)
	}

	srv := api.NewServer(logger, cfg, queue, accountsSvc, api.Options{
		Redis:   redisClient,
		Tracker: tracker,
		Backups: backupRunner,
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

	logger.Info("started", "addr", cfg.HTTPAddr)

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
		logger.Info("stats_flushed")
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis_close_error", "error", err)
		} else {
			logger.Info("redis_closed")
		}
	}

	logger.Info("stopped")
}

// newBackupRunner wires periodic snapshots plus the optional S3 upload.
// Returns nil when backups are disabled or the store cannot snapshot.
func newBackupRunner(ctx context.Context, logger *slog.Logger, cfg config.Config, snap backup.Snapshotter) *backup.Runner {
	if snap == nil || cfg.BackupInterval <= 0 {
		return nil
	}

	var uploader *backup.Uploader
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" && cfg.S3KeysRaw != "" {
		var keys map[string]string
		if err := json.Unmarshal([]byte(cfg.S3KeysRaw), &keys); err == nil {
			up, err := backup.NewUploader(ctx, backup.S3Config{
				Endpoint:        cfg.S3Endpoint,
				AccessKeyID:     keys["access_key_id"],
				SecretAccessKey: keys["secret_access_key"],
				Bucket:          cfg.S3Bucket,
				Region:          keys["region"],
			})
			if err == nil {
				uploader = up
				logger.Info("backup_upload_enabled", "endpoint", cfg.S3Endpoint)
			} else {
				logger.Warn("backup_upload_unavailable", "error", err)
			}
		}
	}
	return backup.NewRunner(logger, snap, uploader, cfg.BackupPath, cfg.BackupInterval)
}
