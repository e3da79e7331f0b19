// Worker entrypoint: drives the queue processor, the stale-mark sweeper
// and periodic backups. Run one per shard; the lease decides who works.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"valoqueue/internal/authqueue"
	"valoqueue/internal/backup"
	"valoqueue/internal/config"
	"valoqueue/internal/coord"
	"valoqueue/internal/logging"
	"valoqueue/internal/ratelimit"
	"valoqueue/internal/redis"
	"valoqueue/internal/riot"
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
	logger.Info("starting_worker", "service", "valoqueue-worker", "shard", cfg.ShardID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A worker without redis only serves its own process, which is
	// pointless as a separate binary; retry a few times before giving up.
	if cfg.RedisDSN == "" {
		logger.Error("redis_dsn_required_for_worker")
		os.Exit(1)
	}
	var redisClient *redis.Client
	for i := 0; i < 5; i++ {
		redisClient, err = redis.New(cfg.RedisDSN)
		if err == nil {
			break
		}
		logger.Warn("redis_connect_retry", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	backend := coord.NewRedisBackend(logger, redisClient,
		coord.RedisOptions{LockTTL: cfg.LockTTL, ResultTTL: cfg.ResultTTL})

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

	if snap != nil && cfg.BackupInterval > 0 {
		var uploader *backup.Uploader
		if cfg.S3Endpoint != "" && cfg.S3Bucket != "" && cfg.S3KeysRaw != "" {
			var keys map[string]string
			if err := json.Unmarshal([]byte(cfg.S3KeysRaw), &keys); err == nil {
				uploader, err = backup.NewUploader(ctx, backup.S3Config{
					Endpoint:        cfg.S3Endpoint,
					AccessKeyID:     keys["access_key_id"],
					SecretAccessKey: keys["secret_access_key"],
					Bucket:          cfg.S3Bucket,
					Region:          keys["region"],
				})
				if err != nil {
					logger.Warn("backup_upload_unavailable", "error", err)
					uploader = nil
				} else {
					logger.Info("backup_upload_enabled", "endpoint", cfg.S3Endpoint)
				}
			}
		}
		runner := backup.NewRunner(logger, snap, uploader, cfg.BackupPath, cfg.BackupInterval)
		go runner.Run(ctx)
	}

	logger.Info("worker_started", "shard", cfg.ShardID)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")
	cancel()

	// give the in-flight tick a moment to store its result
	time.Sleep(500 * time.Millisecond)

	logger.Info("worker_stopped")
}
