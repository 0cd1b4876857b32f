package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	DefaultPartSize    = 5 << 20
	DefaultConcurrency = 10
)

// S3Config configures an S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	// PublicBaseURL replaces the virtual-hosted bucket URL in returned
	// links, for CDNs and S3-compatible stores.
	PublicBaseURL string
	PartSize      int64
	Concurrency   int
}

type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type headBucketAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store uploads objects with the multipart upload manager. Bodies larger
// than one part are split and sent concurrently.
type S3Store struct {
	bucket  string
	baseURL string
	logger  *zap.Logger

	uploader uploadAPI
	head     headBucketAPI
}

// NewS3Store loads AWS credentials from the default chain and builds the
// uploader.
func NewS3Store(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	partSize := cfg.PartSize
	if partSize < manager.MinUploadPartSize {
		partSize = DefaultPartSize
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
	})

	return newS3Store(cfg.Bucket, cfg.PublicBaseURL, uploader, client, logger), nil
}

func newS3Store(bucket, publicBaseURL string, uploader uploadAPI, head headBucketAPI, logger *zap.Logger) *S3Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := publicBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return &S3Store{
		bucket:   bucket,
		baseURL:  baseURL,
		logger:   logger,
		uploader: uploader,
		head:     head,
	}
}

// Upload streams body to bucket/key.
func (s *S3Store) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		s.logger.Error("S3 upload failed",
			zap.String("bucket", s.bucket),
			zap.String("key", key),
			zap.Error(err))
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}

	url := s.baseURL + "/" + key
	s.logger.Debug("S3 upload complete", zap.String("url", url))
	return url, nil
}

// Check verifies the bucket exists and is reachable.
func (s *S3Store) Check(ctx context.Context) error {
	if s.head == nil {
		return nil
	}
	_, err := s.head.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
