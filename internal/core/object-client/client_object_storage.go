package objectclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"

	cfg "github.com/markdave123-py/docvault/internal/config"
	"github.com/markdave123-py/docvault/internal/core"
)

var _ core.BlobBackend = (*S3Client)(nil)

type S3Client struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	region   string
	bucket   string
}

func NewS3Client(ctx context.Context, cfg *cfg.Config) (*S3Client, error) {
	if cfg.AwsRegion == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 bucket name not set")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.AwsRegion)}
	// Static keys are optional; without them the default chain applies
	// (instance roles, shared config, ...).
	if cfg.AwsAccessKey != "" || cfg.AwsSecretKey != "" {
		if cfg.AwsAccessKey == "" || cfg.AwsSecretKey == "" {
			return nil, fmt.Errorf("AWS credentials only partially set")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	log.WithFields(log.Fields{"bucket": cfg.BucketName, "region": cfg.AwsRegion}).Info("S3 blob backend ready")

	return &S3Client{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
		region:   cfg.AwsRegion,
		bucket:   cfg.BucketName,
	}, nil
}

// Upload writes data at key. Re-uploading identical bytes to the same key is
// harmless, which is what makes concurrent duplicate chunk writes safe.
func (c *S3Client) Upload(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := c.uploader.Upload(ctxUpload, input); err != nil {
		return c.classify("s3 upload", key, err)
	}
	return nil
}

func (c *S3Client) DownloadToStream(ctx context.Context, key string, sink io.Writer) error {
	ctxGet, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	resp, err := c.client.GetObject(ctxGet, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return c.classify("s3 get", key, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(sink, resp.Body); err != nil {
		return fmt.Errorf("s3 read body %s: %w: %w", key, core.ErrStorageUnavailable, err)
	}
	return nil
}

func (c *S3Client) Exists(ctx context.Context, key string) (bool, error) {
	ctxHead, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.client.HeadObject(ctxHead, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	err = c.classify("s3 head", key, err)
	if errors.Is(err, core.ErrBlobNotFound) {
		return false, nil
	}
	return false, err
}

// TemporaryReadURL returns a presigned GET URL valid for the given duration.
func (c *S3Client) TemporaryReadURL(ctx context.Context, key string, validity time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(validity))
	if err != nil {
		return "", fmt.Errorf("s3 presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (c *S3Client) Delete(ctx context.Context, key string) error {
	ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.client.DeleteObject(ctxDel, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return c.classify("s3 delete", key, err)
	}
	return nil
}

// classify maps SDK errors onto the core error kinds: missing objects become
// ErrBlobNotFound, everything else is treated as the backend being unavailable.
func (c *S3Client) classify(op, key string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s %s: %w", op, key, core.ErrBlobNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return fmt.Errorf("%s %s: %w", op, key, core.ErrBlobNotFound)
	}
	return fmt.Errorf("%s %s: %w: %w", op, key, core.ErrStorageUnavailable, err)
}
