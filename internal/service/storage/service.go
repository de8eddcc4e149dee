// Package storage moves recording artifacts from the media node's local
// spool into durable object storage.
package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"callorchestrator-backend/pkg/logger"
)

// ErrArtifactNotFound is returned when no artifact was spooled for a call
var ErrArtifactNotFound = stderrors.New("recording artifact not found")

// RecordingContentType is the MIME type of spooled artifacts
const RecordingContentType = "video/webm"

// EnsureBucket creates the recordings bucket if it does not exist
func EnsureBucket(ctx context.Context, client ObjectStorage, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}

	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	logger.Info("Created recordings bucket", zap.String("bucket", bucket))
	return nil
}

// LocalArtifacts reads artifacts the media pipeline spooled to dir as <callID>.webm
type LocalArtifacts struct {
	dir string
}

// NewLocalArtifacts creates an artifact source rooted at dir
func NewLocalArtifacts(dir string) *LocalArtifacts {
	return &LocalArtifacts{dir: dir}
}

// Open returns the artifact for callID and its size
func (a *LocalArtifacts) Open(ctx context.Context, callID uuid.UUID) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	path := filepath.Join(a.dir, callID.String()+".webm")
	f, err := os.Open(path)
	if stderrors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("%w: %s", ErrArtifactNotFound, callID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open artifact: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return f, info.Size(), nil
}
