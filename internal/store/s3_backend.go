package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/config"
	"github.com/devrev/objectstore/internal/errors"
)

// S3Backend is a cold tier in an S3 compatible bucket
type S3Backend struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Backend creates a client for cfg. The bucket must already exist.
func NewS3Backend(cfg config.S3Config, logger *zap.Logger) (*S3Backend, error) {
	lookup := minio.BucketLookupDNS
	if cfg.ForcePathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		Transport:    http.DefaultTransport.(*http.Transport).Clone(),
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

func (b *S3Backend) objectName(id string) string {
	if b.prefix == "" {
		return id
	}
	return path.Join(b.prefix, id)
}

func (b *S3Backend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.objectName(id), r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (b *S3Backend) Get(ctx context.Context, id string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.objectName(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, b.translate(id, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, b.translate(id, err)
	}
	return data, nil
}

func (b *S3Backend) Stat(ctx context.Context, id string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, b.objectName(id), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *S3Backend) Delete(ctx context.Context, id string) error {
	return b.client.RemoveObject(ctx, b.bucket, b.objectName(id), minio.RemoveObjectOptions{})
}

// Ping checks that the bucket is reachable
func (b *S3Backend) Ping(ctx context.Context) error {
	ok, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", b.bucket)
	}
	return nil
}

func (b *S3Backend) Close() error { return nil }

func (b *S3Backend) translate(id string, err error) error {
	if isNoSuchKey(err) {
		return errors.BlobNotFound(id)
	}
	return err
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
