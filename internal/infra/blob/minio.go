package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	mio "github.com/you-humble/dicomproc/internal/libs/minio"

	"github.com/you-humble/dicomproc/internal/domain"
)

type minioStore struct {
	db       *minio.Client
	bucket   string
	basePath string
	urlTTL   time.Duration
}

func NewMinIOStore(ctx context.Context, cfg mio.Config) (*minioStore, error) {
	client, err := mio.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	basePath := strings.Trim(cfg.BasePath, "/")
	if basePath != "" {
		basePath += "/"
	}

	return &minioStore{
		db:       client,
		bucket:   cfg.Bucket,
		basePath: basePath,
		urlTTL:   time.Hour,
	}, nil
}

func (s *minioStore) Save(ctx context.Context, name string, content []byte) (string, error) {
	objectName, err := s.objectName(name)
	if err != nil {
		return "", err
	}

	_, err = s.db.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", objectName, err)
	}

	return name, nil
}

func (s *minioStore) Open(ctx context.Context, name string) ([]byte, error) {
	objectName, err := s.objectName(name)
	if err != nil {
		return nil, err
	}

	obj, err := s.db.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objectName, err)
	}
	defer obj.Close()

	content, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == minio.NoSuchKey {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("read object %s: %w", objectName, err)
	}

	return content, nil
}

func (s *minioStore) URL(ctx context.Context, name string) (string, error) {
	objectName, err := s.objectName(name)
	if err != nil {
		return "", err
	}

	u, err := s.db.PresignedGetObject(ctx, s.bucket, objectName, s.urlTTL, nil)
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", objectName, err)
	}
	return u.String(), nil
}

func (s *minioStore) Exists(ctx context.Context, name string) (bool, error) {
	objectName, err := s.objectName(name)
	if err != nil {
		return false, err
	}

	_, err = s.db.StatObject(ctx, s.bucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == minio.NoSuchKey {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", objectName, err)
	}
	return true, nil
}

func (s *minioStore) Delete(ctx context.Context, name string) error {
	objectName, err := s.objectName(name)
	if err != nil {
		return err
	}

	if err := s.db.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		var merr minio.ErrorResponse
		if errors.As(err, &merr) && merr.Code == minio.NoSuchKey {
			return nil
		}
		return fmt.Errorf("remove object %s: %w", objectName, err)
	}
	return nil
}

// DeleteAll removes the given objects best-effort, returning the first error
// after attempting every path.
func (s *minioStore) DeleteAll(ctx context.Context, names []string) error {
	var firstErr error
	for _, name := range names {
		if err := s.Delete(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *minioStore) objectName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("empty object name")
	}

	clean := path.Clean(name)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid object name: %s", name)
	}

	clean = strings.TrimLeft(clean, "/")

	return s.basePath + clean, nil
}
