package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"
)

// videoContentTypes lists the accepted video extensions.
var videoContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

// AllowedVideo reports whether filename has an accepted video extension,
// case-insensitively, and returns its content type.
func AllowedVideo(filename string) (string, bool) {
	ext := strings.ToLower(path.Ext(filename))
	ct, ok := videoContentTypes[ext]
	return ct, ok
}

// VideoUploader admits video files by extension and stores them under a
// fixed folder prefix.
type VideoUploader struct {
	store  Store
	prefix string
	logger *zap.Logger
}

// NewVideoUploader creates an uploader writing to store under prefix. A nil
// store rejects every admitted upload with ErrUploadFailed.
func NewVideoUploader(store Store, prefix string, logger *zap.Logger) *VideoUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VideoUploader{store: store, prefix: prefix, logger: logger}
}

// Upload checks the file name and stores body. The extension check happens
// before any call to the store.
func (u *VideoUploader) Upload(ctx context.Context, filename string, body io.Reader) (string, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("%w: missing file name", ErrUnsupportedFileType)
	}

	contentType, ok := AllowedVideo(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, name)
	}

	if u.store == nil {
		return "", fmt.Errorf("%w: object store disabled", ErrUploadFailed)
	}

	url, err := u.store.Upload(ctx, u.prefix+name, body, contentType)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	u.logger.Info("Video uploaded", zap.String("file", name), zap.String("url", url))
	return url, nil
}
