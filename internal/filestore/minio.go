package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix is prepended to every object name.
	Prefix string
}

// MinioBackend keeps contents as objects named after their hash.
type MinioBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioBackend connects to the endpoint and creates the bucket if missing.
func NewMinioBackend(ctx context.Context, cfg MinioConfig) (*MinioBackend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("created bucket", "bucket", cfg.Bucket)
	}
	return &MinioBackend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// objectName spreads objects over two directory levels, e.g. "ab/cd/abcd...".
func objectName(prefix, hash string) string {
	if len(hash) < 4 {
		return path.Join(prefix, hash)
	}
	return path.Join(prefix, hash[:2], hash[2:4], hash)
}

func (b *MinioBackend) Put(ctx context.Context, hash string, r io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, b.bucket, objectName(b.prefix, hash), r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", hash, err)
	}
	return nil
}

func (b *MinioBackend) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, objectName(b.prefix, hash), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", hash, err)
	}
	// GetObject is lazy; Stat surfaces a missing object before streaming.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("stat object %s: %w", hash, err)
	}
	return obj, nil
}
