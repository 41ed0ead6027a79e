// Package blob stores opaque attachment bytes. Clients encrypt files before
// upload, so the server only ever sees ciphertext.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const (
	MaxUploadSize = 10 << 20
	URLExpiry     = 7 * 24 * time.Hour
)

type Store interface {
	Put(ctx context.Context, name, contentType string, r io.Reader, size int64) (string, error)
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinioStore struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// NewMinioStore connects and creates the bucket when it is missing.
func NewMinioStore(ctx context.Context, opts Options, log *zap.Logger) (*MinioStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
		log.Info("created attachment bucket", zap.String("bucket", opts.Bucket))
	}
	return &MinioStore{client: client, bucket: opts.Bucket, log: log}, nil
}

// Put uploads under a fresh object name and returns a presigned GET url.
func (s *MinioStore) Put(ctx context.Context, name, contentType string, r io.Reader, size int64) (string, error) {
	object := ObjectName(name)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := s.client.PutObject(ctx, s.bucket, object, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, object, URLExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", object, err)
	}
	return u.String(), nil
}

// ObjectName prefixes a random id so uploads never collide and user
// supplied names cannot escape the bucket root.
func ObjectName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		base = "file"
	}
	return uuid.NewString() + "-" + base
}
