// Package files hands out presigned URLs for attachment uploads and
// downloads against an S3 compatible bucket.
package files

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("file storage is not configured")

const MaxUploadSize = 100 << 20

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	URLTTL    time.Duration
}

type Storage struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
	log    *zap.Logger
}

// New returns nil, nil when no endpoint is configured.
func New(cfg Config, log *zap.Logger) (*Storage, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Storage{client: client, bucket: cfg.Bucket, ttl: ttl, log: log}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Storage) EnsureBucket(ctx context.Context, region string) error {
	if s == nil {
		return ErrNotConfigured
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.log.Info("created file bucket", zap.String("bucket", s.bucket))
	return nil
}

// Key is the object key of a file: one prefix per application.
func Key(appID, fileID, name string) string {
	return path.Join(appID, fileID, path.Base("/"+name))
}

func (s *Storage) UploadURL(ctx context.Context, key string) (string, time.Time, error) {
	if s == nil {
		return "", time.Time{}, ErrNotConfigured
	}
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign upload: %w", err)
	}
	return u.String(), time.Now().Add(s.ttl), nil
}

func (s *Storage) DownloadURL(ctx context.Context, key, fileName string) (string, error) {
	if s == nil {
		return "", ErrNotConfigured
	}
	params := url.Values{}
	if fileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("inline; filename=%q", fileName))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

// Stat reports the stored size of an object.
func (s *Storage) Stat(ctx context.Context, key string) (int64, error) {
	if s == nil {
		return 0, ErrNotConfigured
	}
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Size, nil
}
