package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"callorchestrator-backend/pkg/config"
	"callorchestrator-backend/pkg/logger"
	"callorchestrator-backend/pkg/resilience"
)

// ObjectStorage is the subset of *minio.Client used for recordings
type ObjectStorage interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	EndpointURL() *url.URL
}

// NewMinioClient creates a MinIO client from configuration
func NewMinioClient(cfg config.MinIOConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return client, nil
}

// MinioUploader stores recording artifacts in a bucket. Every call goes
// through a circuit breaker so a failing MinIO is not hammered by retries.
type MinioUploader struct {
	client  ObjectStorage
	bucket  string
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

// NewMinioUploader creates an uploader. breaker may be shared with other MinIO users.
func NewMinioUploader(client ObjectStorage, bucket string, breaker *resilience.CircuitBreaker) *MinioUploader {
	return &MinioUploader{
		client:  client,
		bucket:  bucket,
		breaker: breaker,
		timeout: 2 * time.Minute,
	}
}

// Upload writes one object and returns its URL
func (u *MinioUploader) Upload(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) (string, error) {
	uploadCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	err := u.breaker.Execute(uploadCtx, "put_object", func(ctx context.Context) error {
		_, err := u.client.PutObject(ctx, u.bucket, objectKey, reader, size, minio.PutObjectOptions{
			ContentType: contentType,
		})
		return err
	})
	if err != nil {
		logger.Warn("MinIO upload failed",
			zap.String("bucket", u.bucket),
			zap.String("object", objectKey),
			zap.String("error_type", resilience.ClassifyError(err)),
			zap.Error(err))
		return "", fmt.Errorf("upload failed: %w", err)
	}

	return u.objectURL(objectKey), nil
}

// DownloadURL returns a presigned GET URL for objectKey
func (u *MinioUploader) DownloadURL(ctx context.Context, objectKey string, expires time.Duration) (string, error) {
	var signed *url.URL
	err := u.breaker.Execute(ctx, "presign_get", func(ctx context.Context) error {
		var err error
		signed, err = u.client.PresignedGetObject(ctx, u.bucket, objectKey, expires, nil)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate download URL: %w", err)
	}
	return signed.String(), nil
}

func (u *MinioUploader) objectURL(objectKey string) string {
	endpoint := u.client.EndpointURL()
	if endpoint == nil {
		return fmt.Sprintf("%s/%s", u.bucket, objectKey)
	}
	return endpoint.JoinPath(u.bucket, objectKey).String()
}
