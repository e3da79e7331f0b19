package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	LogLevel    string
	CORSOrigins []string

	// RedisDSN empty means the coordination store is disabled and the
	// queue runs in single-process fallback mode.
	RedisDSN string
	ShardID  int

	// Account store. Driver is "sqlite" (default, embedded) or "postgres".
	DBDriver string
	DBPath   string
	DBDSN    string

	// Auth queue.
	UseLoginQueue  bool
	TickInterval   time.Duration
	PollRate       time.Duration
	MaxWait        time.Duration
	LockTTL        time.Duration
	ResultTTL      time.Duration
	SweepInterval  time.Duration
	SweepThreshold time.Duration

	// Upstream rate limiting (seconds, matching the retry-after unit).
	RateLimitBackoff int
	RateLimitCap     int

	// raw secrets kept in-memory only; never log these
	AdminSecretKey    string
	EncryptionKeysRaw string
	EncryptionKey     []byte // decoded from EncryptionKeysRaw

	// Shop statistics.
	TrackStoreStats     bool
	StatsPath           string
	StatsExpirationDays int

	// Store backups.
	BackupInterval time.Duration
	BackupPath     string
	S3Endpoint     string
	S3Bucket       string
	S3KeysRaw      string
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:    getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:    getenvDefault("LOG_LEVEL", "info"),
		CORSOrigins: strings.Split(getenvDefault("CORS_ORIGINS", "*"), ","),
		RedisDSN:    os.Getenv("REDIS_DSN"),

		DBDriver: getenvDefault("DB_DRIVER", "sqlite"),
		DBPath:   getenvDefault("DB_PATH", "data/users.db"),
		DBDSN:    os.Getenv("DB_DSN"),

		AdminSecretKey: getenvDefault("ADMIN_SECRET_KEY", ""),

		StatsPath:  getenvDefault("STATS_PATH", "data/stats.json"),
		BackupPath: getenvDefault("BACKUP_PATH", "data/users.db.backup"),
		S3Endpoint: getenvDefault("S3_ENDPOINT", ""),
		S3Bucket:   getenvDefault("S3_BUCKET", ""),
		S3KeysRaw:  os.Getenv("S3_KEYS"),
	}

	cfg.EncryptionKeysRaw = os.Getenv("ENCRYPTION_KEY")

	var err error
	if cfg.ShardID, err = getenvInt("SHARD_ID", 0); err != nil {
		return Config{}, err
	}
	if cfg.UseLoginQueue, err = getenvBool("USE_LOGIN_QUEUE", true); err != nil {
		return Config{}, err
	}
	if cfg.TrackStoreStats, err = getenvBool("TRACK_STORE_STATS", false); err != nil {
		return Config{}, err
	}
	if cfg.TickInterval, err = getenvDuration("QUEUE_TICK_INTERVAL", 3*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PollRate, err = getenvDuration("QUEUE_POLL_RATE", 300*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.MaxWait, err = getenvDuration("QUEUE_MAX_WAIT", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.LockTTL, err = getenvDuration("QUEUE_LOCK_TTL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ResultTTL, err = getenvDuration("QUEUE_RESULT_TTL", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = getenvDuration("SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.SweepThreshold, err = getenvDuration("SWEEP_THRESHOLD", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.BackupInterval, err = getenvDuration("BACKUP_INTERVAL", 0); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBackoff, err = getenvInt("RATE_LIMIT_BACKOFF", 60); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitCap, err = getenvInt("RATE_LIMIT_CAP", 600); err != nil {
		return Config{}, err
	}
	if cfg.StatsExpirationDays, err = getenvInt("STATS_EXPIRATION_DAYS", 0); err != nil {
		return Config{}, err
	}

	switch cfg.DBDriver {
	case "sqlite":
		if cfg.DBPath == "" {
			return Config{}, errors.New("missing DB_PATH")
		}
	case "postgres":
		if cfg.DBDSN == "" {
			return Config{}, errors.New("missing DB_DSN (required for DB_DRIVER=postgres)")
		}
	default:
		return Config{}, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}

	// light validation: ensure secrets are valid json if set
	if cfg.S3KeysRaw != "" {
		var tmp any
		if err := json.Unmarshal([]byte(cfg.S3KeysRaw), &tmp); err != nil {
			return Config{}, errors.New("S3_KEYS must be valid json")
		}
	}

	// decode encryption key (base64, must be 32 bytes)
	if cfg.EncryptionKeysRaw != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKeysRaw)
		if err != nil {
			return Config{}, errors.New("ENCRYPTION_KEY must be valid base64")
		}
		if len(key) != 32 {
			return Config{}, errors.New("ENCRYPTION_KEY must be 32 bytes (256 bits)")
		}
		cfg.EncryptionKey = key
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. 3s, 5m): %w", k, err)
	}
	return d, nil
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", k, err)
	}
	return n, nil
}

func getenvBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", k, err)
	}
	return b, nil
}
