// Package s3 provides an S3 (or S3-compatible) storage backend.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/arcvault/arcvault/internal/metrics"
	"github.com/arcvault/arcvault/internal/storage"
)

// Config holds S3 backend settings. Endpoint is optional and enables
// S3-compatible stores (MinIO) with path-style addressing.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// Backend implements storage.Backend against S3.
type Backend struct {
	client  *awss3.Client
	presign *awss3.PresignClient
	bucket  string
}

// New creates an S3 backend. Static credentials are used when provided,
// otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Backend{
		client:  client,
		presign: awss3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// List returns common prefixes and objects directly under prefix, paging
// with continuation tokens up to maxKeys entries.
func (b *Backend) List(ctx context.Context, prefix string, maxKeys int) (*storage.Listing, error) {
	start := time.Now()

	if maxKeys <= 0 || maxKeys > storage.MaxListEntries {
		maxKeys = storage.MaxListEntries
	}

	listing := &storage.Listing{Prefix: prefix}
	var continuation *string

	for {
		remaining := maxKeys - len(listing.CommonPrefixes) - len(listing.Objects)
		if remaining <= 0 {
			listing.Truncated = true
			break
		}
		pageSize := int32(1000)
		if remaining < 1000 {
			pageSize = int32(remaining)
		}

		out, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String(storage.Delimiter),
			MaxKeys:           aws.Int32(pageSize),
			ContinuationToken: continuation,
		})
		if err != nil {
			metrics.RecordStorageOp("list", err, start)
			return nil, fmt.Errorf("s3: list %q: %w", prefix, err)
		}

		for _, cp := range out.CommonPrefixes {
			listing.CommonPrefixes = append(listing.CommonPrefixes, aws.ToString(cp.Prefix))
		}
		for _, obj := range out.Contents {
			listing.Objects = append(listing.Objects, storage.Object{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}

		continuation = out.NextContinuationToken
		if continuation == nil {
			break
		}
	}

	metrics.RecordStorageOp("list", nil, start)
	return listing, nil
}

// Put uploads content to the given key.
func (b *Backend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	start := time.Now()

	input := &awss3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	_, err := b.client.PutObject(ctx, input)
	metrics.RecordStorageOp("put", err, start)
	if err != nil {
		return fmt.Errorf("s3: put %q: %w", key, err)
	}
	return nil
}

// PutMarker writes a zero-length folder marker object.
func (b *Backend) PutMarker(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	metrics.RecordStorageOp("put_marker", err, start)
	if err != nil {
		return fmt.Errorf("s3: put marker %q: %w", key, err)
	}
	return nil
}

// Head returns object metadata or storage.ErrNotFound.
func (b *Backend) Head(ctx context.Context, key string) (*storage.Object, error) {
	start := time.Now()

	out, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			metrics.RecordStorageOp("head", nil, start)
			return nil, storage.ErrNotFound
		}
		metrics.RecordStorageOp("head", err, start)
		return nil, fmt.Errorf("s3: head %q: %w", key, err)
	}

	metrics.RecordStorageOp("head", nil, start)
	return &storage.Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

// PresignGet issues a presigned GET URL for one object.
func (b *Backend) PresignGet(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	start := time.Now()

	req, err := b.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(expiresIn))
	metrics.RecordStorageOp("presign_get", err, start)
	if err != nil {
		return "", fmt.Errorf("s3: presign get %q: %w", key, err)
	}
	return req.URL, nil
}

// PresignPut issues a presigned PUT URL for direct upload to one key.
func (b *Backend) PresignPut(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	start := time.Now()

	req, err := b.presign.PresignPutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(expiresIn))
	metrics.RecordStorageOp("presign_put", err, start)
	if err != nil {
		return "", fmt.Errorf("s3: presign put %q: %w", key, err)
	}
	return req.URL, nil
}

// Delete removes an object by key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordStorageOp("delete", err, start)
	if err != nil {
		return fmt.Errorf("s3: delete %q: %w", key, err)
	}
	return nil
}

// Type returns the backend type identifier.
func (b *Backend) Type() string { return "s3" }

// Close releases backend resources. The S3 client holds none.
func (b *Backend) Close() error { return nil }
