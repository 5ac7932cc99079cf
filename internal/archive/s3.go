package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keepsakehq/keepsake/config"
)

// s3Store archives into an S3 bucket (or a MinIO-style gateway via a custom
// endpoint). Confirm is a HeadObject size compare.
type s3Store struct {
	client        *s3.Client
	bucket        string
	compressAfter time.Duration
	idx           *SummaryIndex
}

func newS3Store(ctx context.Context, cfg config.ArchiveConfig, idx *SummaryIndex) (*s3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.S3.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3.Region))
	}
	if cfg.S3.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.UsePathStyle
	})
	return &s3Store{
		client:        client,
		bucket:        cfg.S3.Bucket,
		compressAfter: cfg.CompressAfter,
		idx:           idx,
	}, nil
}

func (s *s3Store) PutRaw(ctx context.Context, partition RawPartition, day time.Time, name string, r io.Reader) (string, int64, error) {
	compress := shouldCompress(day, s.compressAfter, time.Now())

	var buf bytes.Buffer
	if compress {
		gz := gzip.NewWriter(&buf)
		if _, err := io.Copy(gz, r); err != nil {
			return "", 0, fmt.Errorf("compress raw: %w", err)
		}
		if err := gz.Close(); err != nil {
			return "", 0, fmt.Errorf("finish gzip: %w", err)
		}
	} else {
		if _, err := io.Copy(&buf, r); err != nil {
			return "", 0, fmt.Errorf("buffer raw: %w", err)
		}
	}

	key := path.Join(string(partition), FormatDay(day), rawName(name, compress))
	size := int64(buf.Len())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return "", 0, fmt.Errorf("put object %s: %w", key, err)
	}
	return s.uri(key), size, nil
}

func (s *s3Store) Confirm(ctx context.Context, dest string, wantSize int64) error {
	key, err := s.keyFromURI(dest)
	if err != nil {
		return err
	}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("head object %s: %w", key, err)
	}
	if head.ContentLength == nil || *head.ContentLength != wantSize {
		got := int64(-1)
		if head.ContentLength != nil {
			got = *head.ContentLength
		}
		return fmt.Errorf("confirm %s: size %d, want %d", key, got, wantSize)
	}
	return nil
}

func (s *s3Store) PutSummary(ctx context.Context, sum Summary) error {
	key := path.Join("summaries", sum.Kind, FormatDay(sum.Day)+".txt")
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(sum.Text),
	})
	if err != nil {
		return fmt.Errorf("put summary %s: %w", key, err)
	}
	return s.idx.Put(sum)
}

func (s *s3Store) IndexSummaries(ctx context.Context, sums []Summary) error {
	return s.idx.PutAll(sums)
}

func (s *s3Store) SearchSummaries(ctx context.Context, query string, limit int) ([]SummaryHit, error) {
	return s.idx.Search(ctx, query, limit)
}

func (s *s3Store) Reachable(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("archive bucket unreachable: %w", err)
	}
	return nil
}

func (s *s3Store) uri(key string) string {
	return "s3://" + s.bucket + "/" + key
}

func (s *s3Store) keyFromURI(dest string) (string, error) {
	prefix := "s3://" + s.bucket + "/"
	if !strings.HasPrefix(dest, prefix) {
		return "", fmt.Errorf("destination %q is not in bucket %s", dest, s.bucket)
	}
	return strings.TrimPrefix(dest, prefix), nil
}
