package bundler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"
)

// ObjectStore is the part of the S3 client Upload needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// UploadConfig configures Upload.
type UploadConfig struct {
	BundlePath string
	Store      ObjectStore
	Bucket     string
	Prefix     string
	TTL        time.Duration
}

// Upload stores the bundle under Prefix and returns a presigned download URL.
func Upload(ctx context.Context, cfg UploadConfig) (string, error) {
	if cfg.Store == nil {
		return "", errors.New("object store is required")
	}
	if cfg.Bucket == "" {
		return "", errors.New("bucket is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	sum, size, err := hashFile(cfg.BundlePath)
	if err != nil {
		return "", err
	}
	file, err := os.Open(cfg.BundlePath)
	if err != nil {
		return "", fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	key := path.Join(cfg.Prefix, filepath.Base(cfg.BundlePath))
	if err := cfg.Store.PutObject(ctx, cfg.Bucket, key, file, size, sum); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	url, err := cfg.Store.PresignGet(ctx, cfg.Bucket, key, cfg.TTL)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return url, nil
}
