package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/domain"
)

// s3API is the subset of the S3 client the store uses
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store stages shards as objects under a bucket prefix.
// A PutObject becomes visible only once fully uploaded, which gives the all-or-nothing write.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	codec  Codec
	logger *slog.Logger
}

// NewS3Store builds an S3 client from static credentials and an optional custom
// endpoint (MinIO, Spaces), falling back to the default credential chain
func NewS3Store(ctx context.Context, cfg config.StagingConfig, codec Codec, logger *slog.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("staging: load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, cfg.Bucket, cfg.Prefix, codec, logger), nil
}

func newS3Store(client s3API, bucket, prefix string, codec Codec, logger *slog.Logger) *S3Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix, codec: codec, logger: logger}
}

func (s *S3Store) key(objectName string) string {
	return s.prefix + objectName
}

func (s *S3Store) Put(ctx context.Context, shard *domain.Shard) error {
	data, err := s.codec.Encode(shard.Runs)
	if err != nil {
		return err
	}

	name := shard.Name()
	contentType := "application/json"
	if s.codec.Compress {
		contentType = "application/gzip"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name + s.codec.Ext())),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("staging: put %s: %w", name, err)
	}

	stale := s.key(name + Codec{Compress: !s.codec.Compress}.Ext())
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(stale)}); err != nil {
		s.logger.Warn("Failed to remove stale shard", "shard", name, "error", err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, name string) (*domain.Shard, error) {
	key, err := domain.ParseShardName(name)
	if err != nil {
		return nil, err
	}

	for _, ext := range []string{s.codec.Ext(), Codec{Compress: !s.codec.Compress}.Ext()} {
		objectName := name + ext
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(objectName)),
		})
		if isNoSuchKey(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("staging: get %s: %w", name, err)
		}

		data, err := io.ReadAll(out.Body)
		_ = out.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("staging: read %s: %w", name, err)
		}

		runs, err := Decode(objectName, data)
		if err != nil {
			return nil, err
		}
		return &domain.Shard{Key: key, Runs: runs}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (s *S3Store) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var names []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("staging: list %s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			objectName := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if strings.Contains(objectName, "/") {
				continue
			}
			name, ok := splitObjectName(objectName)
			if !ok {
				continue
			}
			if _, err := domain.ParseShardName(name); err != nil {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names, nil
}

func (s *S3Store) Delete(ctx context.Context, name string) error {
	for _, ext := range []string{extJSON, extGzJSON} {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(name + ext)),
		})
		if err != nil && !isNoSuchKey(err) {
			return fmt.Errorf("staging: delete %s: %w", name, err)
		}
	}
	return nil
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
