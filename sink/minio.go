package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"import-desk/config"
	"import-desk/delivery"
)

// ObjectStore mirrors files into a MinIO or S3 bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
	region string
}

// NewObjectStore creates a client from the mirror configuration. It does not
// contact the endpoint.
func NewObjectStore(cfg config.Mirror) (*ObjectStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("mirror endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("mirror bucket is required")
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		region: cfg.Region,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (o *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", o.bucket, err)
	}
	if exists {
		return nil
	}
	if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{Region: o.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", o.bucket, err)
	}
	return nil
}

// Key returns the object key for a relative path.
func (o *ObjectStore) Key(relPath string) string {
	return strings.TrimPrefix(path.Join(o.prefix, relPath), "/")
}

// Write implements Sink.
func (o *ObjectStore) Write(ctx context.Context, relPath string, data []byte) (delivery.Payload, error) {
	key := o.Key(relPath)
	_, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType(relPath),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return objectPayload{client: o.client, bucket: o.bucket, key: key}, nil
}

type objectPayload struct {
	client *minio.Client
	bucket string
	key    string
}

func (p objectPayload) Open(ctx context.Context) (io.ReadCloser, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, p.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", p.key, err)
	}
	return obj, nil
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".heic":
		return "image/heic"
	case ".mov":
		return "video/quicktime"
	case ".mp4":
		return "video/mp4"
	}
	return "application/octet-stream"
}
