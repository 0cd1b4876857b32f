package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore keeps objects on the local filesystem. It serves deployments
// without S3 and tests.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates the root directory if needed. Returned URLs use
// baseURL when set and file:// paths otherwise.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create object directory: %w", err)
	}
	return &LocalStore{dir: abs, baseURL: baseURL}, nil
}

// Upload writes body to dir/key through a temporary file so readers never
// observe a partial object.
func (s *LocalStore) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}

	if s.baseURL != "" {
		return s.baseURL + "/" + key, nil
	}
	return "file://" + filepath.ToSlash(dst), nil
}

// Check verifies the directory is writable.
func (s *LocalStore) Check(ctx context.Context) error {
	f, err := os.CreateTemp(s.dir, ".check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Dir returns the root directory.
func (s *LocalStore) Dir() string {
	return s.dir
}
