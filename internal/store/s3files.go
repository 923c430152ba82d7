package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/config"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

// s3API is the subset of the S3 client the file store uses
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3FileStore keeps each project file as the object
// <prefix>/<projectID>/<path>.
type S3FileStore struct {
	client s3API
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3FileStore builds a client from the storage settings. Static
// credentials are used when both keys are set, otherwise the default AWS
// chain.
func NewS3FileStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*S3FileStore, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			// S3-compatible stores (minio, localstack) want path-style addressing
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3FileStore(client, cfg.S3Bucket, cfg.S3Prefix, logger), nil
}

func newS3FileStore(client s3API, bucket, prefix string, logger *zap.Logger) *S3FileStore {
	return &S3FileStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logging.OrNop(logger).Named("s3files"),
	}
}

func (s *S3FileStore) projectPrefix(projectID string) string {
	if s.prefix == "" {
		return projectID + "/"
	}
	return s.prefix + "/" + projectID + "/"
}

// Read lists the project's objects and downloads each one
func (s *S3FileStore) Read(ctx context.Context, projectID string) (map[string]string, error) {
	prefix := s.projectPrefix(projectID)
	out := make(map[string]string)

	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, s.wrapError("list", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			content, err := s.get(ctx, key)
			if errors.Is(err, ErrNotFound) {
				// removed between list and get
				continue
			}
			if err != nil {
				return nil, err
			}
			out[rel] = content
		}
	}
	return out, nil
}

func (s *S3FileStore) get(ctx context.Context, key string) (string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", s.wrapError("get", key, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	return string(body), nil
}

// Write uploads one file, replacing any previous version
func (s *S3FileStore) Write(ctx context.Context, projectID, filePath, content string) error {
	clean, err := cleanFilePath(filePath)
	if err != nil {
		return err
	}
	key := s.projectPrefix(projectID) + clean
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return s.wrapError("put", key, err)
	}
	s.logger.Debug("file stored", zap.String("key", key), zap.Int("bytes", len(content)))
	return nil
}

func (s *S3FileStore) wrapError(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("s3 %s %s: %w", op, key, ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("s3 %s %s: %w", op, key, ErrNotFound)
		case "SlowDown", "Throttling", "RequestLimitExceeded", "ServiceUnavailable", "InternalError":
			return apperr.Wrap(apperr.KindTransient, "STORAGE_UNAVAILABLE", fmt.Sprintf("s3 %s %s", op, key), err)
		}
	}
	return fmt.Errorf("s3 %s s3://%s/%s: %w", op, s.bucket, key, err)
}
