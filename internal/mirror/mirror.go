// Package mirror copies finished splat artifacts to S3-compatible object
// storage and removes them again when the model is deleted locally.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"gsscan/internal/config"
	"gsscan/internal/logging"
	"gsscan/internal/queue"
	"gsscan/internal/textutil"
)

const plyContentType = "application/octet-stream"

// ObjectStore is the subset of *minio.Client the mirror needs.
type ObjectStore interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// Mirror reacts to registry events by uploading or removing artifact objects.
type Mirror struct {
	store  ObjectStore
	bucket string
	logger *slog.Logger
}

// New wraps an existing object store.
func New(store ObjectStore, bucket string, logger *slog.Logger) *Mirror {
	return &Mirror{store: store, bucket: bucket, logger: logging.NewComponentLogger(logger, "mirror")}
}

// NewFromConfig connects to the configured endpoint and makes sure the bucket
// exists. It returns nil when mirroring is disabled.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Mirror, error) {
	if cfg == nil || !cfg.Mirror.Enabled {
		return nil, nil
	}
	client, err := minio.New(cfg.Mirror.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Mirror.AccessKey, cfg.Mirror.SecretKey, ""),
		Secure: cfg.Mirror.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Mirror.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Mirror.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Mirror.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Mirror.Bucket, err)
		}
	}
	return New(client, cfg.Mirror.Bucket, logger), nil
}

// ObjectKey returns the bucket key for a model's artifact:
// <sanitized name>/<task id>.ply.
func ObjectKey(model queue.Model) string {
	task := strings.TrimSpace(model.TaskID)
	if task == "" {
		task = model.ID
	}
	return path.Join(textutil.SanitizeToken(model.Name), task+".ply")
}

// Observe uploads on artifact_ready and removes the object on deleted.
// Other event kinds are ignored.
func (m *Mirror) Observe(ctx context.Context, event queue.Event) error {
	if m == nil || m.store == nil {
		return nil
	}
	switch event.Kind {
	case queue.EventArtifactReady:
		return m.upload(ctx, event.Model)
	case queue.EventDeleted:
		return m.remove(ctx, event.Model)
	default:
		return nil
	}
}

func (m *Mirror) upload(ctx context.Context, model queue.Model) error {
	if model.PlyPath == "" {
		return errors.New("mirror: artifact ready event without ply path")
	}
	key := ObjectKey(model)
	info, err := m.store.FPutObject(ctx, m.bucket, key, model.PlyPath, minio.PutObjectOptions{
		ContentType: plyContentType,
		UserMetadata: map[string]string{
			"model-id": model.ID,
			"task-id":  model.TaskID,
			"name":     model.Name,
		},
	})
	if err != nil {
		return fmt.Errorf("mirror upload %s: %w", key, err)
	}
	m.logger.Info("artifact mirrored",
		logging.String(logging.FieldEventType, "artifact_mirrored"),
		logging.String(logging.FieldTaskID, model.TaskID),
		logging.String("bucket", m.bucket),
		logging.String("object", key),
		logging.Int64("size_bytes", info.Size),
	)
	return nil
}

func (m *Mirror) remove(ctx context.Context, model queue.Model) error {
	key := ObjectKey(model)
	if err := m.store.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("mirror remove %s: %w", key, err)
	}
	m.logger.Debug("mirrored artifact removed",
		logging.String(logging.FieldTaskID, model.TaskID),
		logging.String("object", key),
	)
	return nil
}
