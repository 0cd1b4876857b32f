package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/a-marczewski/ppewatch/internal/config"
)

type upload struct {
	key         string
	contentType string
	body        []byte
}

type recordingStore struct {
	mu      sync.Mutex
	uploads []upload
	err     error
}

func (s *recordingStore) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, _ := io.ReadAll(body)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, upload{key: key, contentType: contentType, body: data})
	if s.err != nil {
		return "", s.err
	}
	return "https://ai-search-video.s3.amazonaws.com/" + key, nil
}

func (s *recordingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func TestVideoUploaderRejectsBeforeStoreCall(t *testing.T) {
	store := &recordingStore{}
	u := NewVideoUploader(store, config.DefaultVideoPrefix, zap.NewNop())

	for _, name := range []string{"clip.txt", "clip", "clip.mp4.exe", ""} {
		_, err := u.Upload(context.Background(), name, strings.NewReader("data"))
		assert.ErrorIs(t, err, ErrUnsupportedFileType, name)
	}
	assert.Equal(t, 0, store.calls())
}

func TestVideoUploaderAcceptsVideos(t *testing.T) {
	store := &recordingStore{}
	u := NewVideoUploader(store, config.DefaultVideoPrefix, zap.NewNop())

	url, err := u.Upload(context.Background(), "clip.mp4", strings.NewReader("frames"))
	require.NoError(t, err)
	assert.Contains(t, url, "ai_search_videos/clip.mp4")

	url, err = u.Upload(context.Background(), "site/North Gate.MOV", strings.NewReader("frames"))
	require.NoError(t, err)
	assert.Contains(t, url, "ai_search_videos/North Gate.MOV")

	require.Equal(t, 2, store.calls())
	assert.Equal(t, "ai_search_videos/clip.mp4", store.uploads[0].key)
	assert.Equal(t, "video/mp4", store.uploads[0].contentType)
	assert.Equal(t, []byte("frames"), store.uploads[0].body)
	assert.Equal(t, "video/quicktime", store.uploads[1].contentType)
}

func TestVideoUploaderStoreFailure(t *testing.T) {
	store := &recordingStore{err: errors.New("connection reset")}
	u := NewVideoUploader(store, config.DefaultVideoPrefix, zap.NewNop())

	_, err := u.Upload(context.Background(), "clip.webm", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.Contains(t, err.Error(), "connection reset")

	disabled := NewVideoUploader(nil, config.DefaultVideoPrefix, zap.NewNop())
	_, err = disabled.Upload(context.Background(), "clip.mkv", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUploadFailed)
}

func TestAllowedVideo(t *testing.T) {
	for _, name := range []string{"a.mp4", "a.AVI", "a.Mov", "a.mkv", "a.webm"} {
		_, ok := AllowedVideo(name)
		assert.True(t, ok, name)
	}
	for _, name := range []string{"a.gif", "a.mp3", "mp4"} {
		_, ok := AllowedVideo(name)
		assert.False(t, ok, name)
	}
}

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "")
	require.NoError(t, err)

	url, err := s.Upload(context.Background(), "ppe_frames/s1/frm-1.jpg", bytes.NewReader([]byte("jpeg")), "image/jpeg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "ppe_frames", "s1", "frm-1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	_, err = s.Upload(context.Background(), "../escape.jpg", bytes.NewReader(nil), "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.NoError(t, s.Check(context.Background()))

	withBase, err := NewLocalStore(dir, "http://media.local")
	require.NoError(t, err)
	url, err = withBase.Upload(context.Background(), "/ai_search_videos/clip.mp4", strings.NewReader("v"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "http://media.local/ai_search_videos/clip.mp4", url)
}

type fakeUploader struct {
	input *s3.PutObjectInput
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return &manager.UploadOutput{Key: input.Key}, nil
}

func TestS3StoreUpload(t *testing.T) {
	up := &fakeUploader{}
	s := newS3Store("ai-search-video", "", up, nil, zap.NewNop())

	url, err := s.Upload(context.Background(), "ai_search_videos/clip.mp4", strings.NewReader("v"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://ai-search-video.s3.amazonaws.com/ai_search_videos/clip.mp4", url)
	assert.Equal(t, "ai-search-video", aws.ToString(up.input.Bucket))
	assert.Equal(t, "ai_search_videos/clip.mp4", aws.ToString(up.input.Key))
	assert.Equal(t, "video/mp4", aws.ToString(up.input.ContentType))

	up.err = errors.New("access denied")
	_, err = s.Upload(context.Background(), "ai_search_videos/clip.mp4", strings.NewReader("v"), "video/mp4")
	assert.Error(t, err)

	cdn := newS3Store("ai-search-video", "https://cdn.example.com", &fakeUploader{}, nil, zap.NewNop())
	url, err = cdn.Upload(context.Background(), "k.jpg", strings.NewReader("v"), "")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/k.jpg", url)
}

func TestFrameKey(t *testing.T) {
	a := FrameKey("ppe_frames/", "s1", []byte("frame-a"))
	b := FrameKey("ppe_frames/", "s1", []byte("frame-b"))

	assert.True(t, strings.HasPrefix(a, "ppe_frames/s1/frm-"))
	assert.True(t, strings.HasSuffix(a, ".jpg"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, FrameKey("ppe_frames/", "s1", []byte("frame-a")))
	assert.Len(t, ContentRef([]byte("x")), len("frm-")+16)
}

func TestNewBackends(t *testing.T) {
	cfg := config.Default(t.TempDir())

	cfg.ObjectBackend = config.BackendNone
	store, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, store)

	cfg.ObjectBackend = config.BackendLocal
	store, err = New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	cfg.ObjectBackend = "ftp"
	_, err = New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
