// Package logarchive keeps the captured container output of every step
// execution in object storage for later inspection. The audit guarantee
// itself lives in the provenance store; the archive is best-effort.
package logarchive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mipflow-labs/mipflow-go/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("MIPFLOW_OBJECTSTORE_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Endpoint:  env.String("MIPFLOW_OBJECTSTORE_ENDPOINT", ""),
		AccessKey: env.String("MIPFLOW_OBJECTSTORE_ACCESS_KEY", ""),
		SecretKey: env.String("MIPFLOW_OBJECTSTORE_SECRET_KEY", ""),
		Bucket:    env.String("MIPFLOW_OBJECTSTORE_BUCKET", "mipflow-step-logs"),
		Region:    env.String("MIPFLOW_OBJECTSTORE_REGION", ""),
		UseSSL:    useSSL,
	}, nil
}

// Enabled reports whether an archive endpoint is configured at all; the
// runner operates without one.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("objectstore endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("objectstore access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("objectstore secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("objectstore bucket is required")
	}
	return nil
}

type Store struct {
	client *minio.Client
	bucket string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads one execution's captured output under
// <dataset>/<task_id>/<execution_id>.log.
func (s *Store) Put(ctx context.Context, dataset, taskID, executionID, logs string) error {
	if s == nil {
		return nil
	}
	key := fmt.Sprintf("%s/%s/%s.log", dataset, taskID, executionID)
	reader := strings.NewReader(logs)
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return fmt.Errorf("archive logs %s: %w", key, err)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
