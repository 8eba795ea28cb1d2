package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Sink errors.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnavailable        = errors.New("storage unavailable")
)

// Sink stores exported documents.
type Sink interface {
	// Put stores doc and returns where it landed.
	Put(ctx context.Context, doc *Document) (string, error)
}

// S3Config configures the S3 sink.
type S3Config struct {
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// DefaultAWSRegion is used for AWS S3 when no region resolves.
const DefaultAWSRegion = "us-east-1"

// Open returns the sink for dest: an "s3://bucket/prefix" URI or a local
// directory.
func Open(ctx context.Context, dest string, cfg S3Config) (Sink, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		dest = "."
	}
	if !strings.HasPrefix(dest, "s3://") {
		return NewFileSink(dest), nil
	}

	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("parse report destination: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("report destination %q has no bucket", dest)
	}
	return NewS3Sink(ctx, u.Host, strings.Trim(u.Path, "/"), cfg)
}

// FileSink writes documents into a local directory.
type FileSink struct {
	dir string
}

// NewFileSink creates a sink rooted at dir. The directory is created on
// first write.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Put writes doc atomically and returns its path.
func (s *FileSink) Put(ctx context.Context, doc *Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validName(doc.Name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	target := filepath.Join(s.dir, doc.Name)
	tmp, err := os.CreateTemp(s.dir, "."+doc.Name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp report: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(doc.Body); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return "", fmt.Errorf("rename report: %w", err)
	}
	return target, nil
}

// s3API is the subset of the S3 client used by S3Sink.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads documents under a bucket prefix.
type S3Sink struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Sink creates an S3 sink using the SDK's default credential chain
// unless explicit keys are given.
func NewS3Sink(ctx context.Context, bucket, prefix string, cfg S3Config) (*S3Sink, error) {
	if bucket == "" {
		return nil, errors.New("s3 sink: bucket is required")
	}
	if (cfg.AccessKeyID != "") != (cfg.SecretAccessKey != "") {
		return nil, errors.New("s3 sink: access key ID and secret access key must be provided together")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Not every S3-compatible store accepts flexible checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
	})

	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Put uploads doc and returns its s3:// URI.
func (s *S3Sink) Put(ctx context.Context, doc *Document) (string, error) {
	if err := validName(doc.Name); err != nil {
		return "", err
	}
	key := doc.Name
	if s.prefix != "" {
		key = path.Join(s.prefix, doc.Name)
	}

	size := int64(len(doc.Body))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(doc.Body),
		ContentLength: &size,
		ContentType:   aws.String(doc.ContentType),
	})
	if err != nil {
		return "", wrapS3Error(s.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// S3Error wraps an upload failure with its bucket and key.
type S3Error struct {
	Bucket string
	Key    string
	Err    error
}

func (e *S3Error) Error() string {
	return fmt.Sprintf("s3 put %s/%s: %v", e.Bucket, e.Key, e.Err)
}

func (e *S3Error) Unwrap() error {
	return e.Err
}

func wrapS3Error(bucket, key string, err error) error {
	wrapped := &S3Error{Bucket: bucket, Key: key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredentials
		case "SlowDown", "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
	}
	return wrapped
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid report name %q", name)
	}
	return nil
}

var (
	_ Sink = (*FileSink)(nil)
	_ Sink = (*S3Sink)(nil)
)
