// Package objectstore uploads frame artifacts and video files to blob
// storage and hands back their public URLs.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/a-marczewski/ppewatch/internal/config"
)

var (
	// ErrUnsupportedFileType rejects uploads whose extension is not an
	// accepted video container.
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrUploadFailed wraps any object store failure during an upload.
	ErrUploadFailed = errors.New("upload failed")
	// ErrInvalidKey rejects keys that would escape the store root.
	ErrInvalidKey = errors.New("invalid object key")
)

// Store writes an object and returns the URL it can be fetched from.
type Store interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

// Checker is implemented by stores that can verify their backend is
// reachable.
type Checker interface {
	Check(ctx context.Context) error
}

// New builds the store selected by cfg.ObjectBackend. It returns a nil Store
// for the "none" backend.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.ObjectBackend {
	case config.BackendS3:
		store, err := NewS3Store(ctx, S3Config{
			Bucket:        cfg.Bucket,
			Region:        cfg.Region,
			Endpoint:      cfg.Endpoint,
			PublicBaseURL: cfg.PublicBaseURL,
			PartSize:      int64(cfg.PartSizeMB) << 20,
			Concurrency:   cfg.UploadConcurrency,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendLocal:
		store, err := NewLocalStore(cfg.LocalObjectDir, cfg.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.ObjectBackend)
	}
}

// cleanKey normalizes a key to a relative slash-separated path.
func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
