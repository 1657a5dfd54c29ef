package snapshot

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader is the part of manager.Uploader the S3 sink uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Options configures an S3 sink. Endpoint and static credentials are
// optional and mainly serve S3-compatible stores.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Sink uploads snapshots to an S3 bucket under a key prefix.
type S3Sink struct {
	uploader Uploader
	bucket   string
	prefix   string
}

var _ Sink = (*S3Sink)(nil)

// NewS3Sink creates a sink over an existing uploader.
func NewS3Sink(uploader Uploader, bucket, prefix string) *S3Sink {
	return &S3Sink{uploader: uploader, bucket: bucket, prefix: prefix}
}

// NewS3SinkFromOptions loads AWS configuration from the environment, applies
// opts on top and builds a multipart uploader.
func NewS3SinkFromOptions(ctx context.Context, opts S3Options) (*S3Sink, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 snapshot sink requires s3_bucket to be set")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Sink(manager.NewUploader(client), opts.Bucket, opts.Prefix), nil
}

func (s *S3Sink) Describe() string { return "s3://" + s.bucket + "/" + s.prefix }

func (s *S3Sink) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := validName(name); err != nil {
		return err
	}
	key := path.Join(s.prefix, name)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/vnd.sqlite3"),
	})
	if err != nil {
		return fmt.Errorf("uploading snapshot to s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
