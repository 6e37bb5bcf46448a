package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/backdrop/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxObjectBytes bounds how much of a single object is read into memory.
const MaxObjectBytes = 64 << 20

const (
	uploadsPrefix = "uploads"

	// Uploaded photos are read once by the worker and never served.
	sourceCacheControl = "no-store"
	// Composites are overwritten in place when a job is re-rendered.
	outputCacheControl = "private, max-age=300, must-revalidate"
)

var (
	ErrObjectTooLarge = errors.New("object exceeds size limit")
	ErrObjectNotFound = errors.New("object not found")
)

// SourceKey is where the photo for jobID is uploaded.
func SourceKey(jobID string) string {
	return path.Join(uploadsPrefix, jobID, "source")
}

// Client wraps a MinIO bucket holding uploaded photos, cutouts and
// composites.
type Client struct {
	minio  *minio.Client
	bucket string
}

func NewClient(cfg config.StorageConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{minio: mc, bucket: cfg.Bucket}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket on first start. A concurrent creator
// winning the race is not an error.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}

	makeErr := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	if makeErr == nil {
		return nil
	}
	if exists, err := c.minio.BucketExists(ctx, c.bucket); err == nil && exists {
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", c.bucket, makeErr)
}

// PresignedPutURL lets a client upload the source photo directly.
func (c *Client) PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedPutObject(ctx, c.bucket, objectKey, expiry)
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// PresignedGetURL lets a client download a cutout or composite. Browsers
// display it inline under the artifact's file name.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, objectKey, expiry, downloadParams(objectKey))
	if err != nil {
		return "", fmt.Errorf("presign download %s: %w", objectKey, err)
	}
	return u.String(), nil
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
}

// ReadObject loads a source photo or cutout. Objects above MaxObjectBytes are
// refused from their stat before any body is read.
func (c *Client) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.readError(objectKey, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, c.readError(objectKey, err)
	}
	if info.Size > MaxObjectBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrObjectTooLarge, objectKey, info.Size)
	}

	data, err := io.ReadAll(io.LimitReader(obj, MaxObjectBytes+1))
	if err != nil {
		return nil, c.readError(objectKey, err)
	}
	if len(data) > MaxObjectBytes {
		return nil, fmt.Errorf("%w: %s", ErrObjectTooLarge, objectKey)
	}
	return data, nil
}

func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := c.minio.PutObject(
		ctx,
		c.bucket,
		objectKey,
		bytes.NewReader(data),
		int64(len(data)),
		putOptions(objectKey, contentType),
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

func (c *Client) readError(objectKey string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, c.bucket, objectKey)
	}
	return fmt.Errorf("read object %s: %w", objectKey, err)
}

func putOptions(objectKey, contentType string) minio.PutObjectOptions {
	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: outputCacheControl,
	}
	if strings.HasPrefix(objectKey, uploadsPrefix+"/") {
		opts.CacheControl = sourceCacheControl
	}
	return opts
}

func downloadParams(objectKey string) url.Values {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("inline; filename=%q", path.Base(objectKey)))
	return params
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject", "NoSuchBucket":
		return true
	default:
		return false
	}
}
