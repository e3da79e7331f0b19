// Package backup snapshots the embedded account database on a timer
// and optionally ships each snapshot to S3-compatible object storage.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Snapshotter writes a consistent copy of the database to destPath.
// The sqlite store implements it; server databases bring their own
// backup tooling and do not.
type Snapshotter interface {
	Backup(ctx context.Context, destPath string) error
}

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
}

// Uploader pushes snapshot files to an S3/R2 bucket.
type Uploader struct {
	client *s3.Client
	bucket string
}

func NewUploader(ctx context.Context, cfg S3Config) (*Uploader, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Uploader{client: client, bucket: cfg.Bucket}, nil
}

func (u *Uploader) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	key := fmt.Sprintf("backups/%s-%d%s",
		filepath.Base(path), time.Now().Unix(), ".bak")
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	return key, nil
}

// Runner takes a snapshot every interval. When an uploader is set the
// snapshot is also shipped off-host.
type Runner struct {
	log      *slog.Logger
	snap     Snapshotter
	uploader *Uploader
	path     string
	interval time.Duration
}

func NewRunner(log *slog.Logger, snap Snapshotter, uploader *Uploader, path string, interval time.Duration) *Runner {
	return &Runner{log: log, snap: snap, uploader: uploader, path: path, interval: interval}
}

func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Once(ctx)
		}
	}
}

// Once performs a single snapshot (and upload). Failures are logged,
// never fatal; the next tick tries again.
func (r *Runner) Once(ctx context.Context) {
	// VACUUM INTO refuses to overwrite an existing file
	_ = os.Remove(r.path)
	if err := r.snap.Backup(ctx, r.path); err != nil {
		r.log.Error("backup_failed", "error", err)
		return
	}
	r.log.Info("backup_written", "path", r.path)

	if r.uploader == nil {
		return
	}
	key, err := r.uploader.Upload(ctx, r.path)
	if err != nil {
		r.log.Error("backup_upload_failed", "error", err)
		return
	}
	r.log.Info("backup_uploaded", "key", key)
}
