package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds MinIO connection configuration.
type MinioConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Region     string
	UseSSL     bool
	Bucket     string
	PathPrefix string
}

// Validate checks the configuration.
func (c *MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// MinioBackend stores namespaces as key prefixes in a MinIO bucket.
type MinioBackend struct {
	client     *minio.Client
	bucket     string
	pathPrefix string
}

// NewMinioBackend connects to MinIO and makes sure the bucket exists.
func NewMinioBackend(ctx context.Context, cfg *MinioConfig) (*MinioBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	if err := ensureBucket(ctx, client, cfg.Bucket, region); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}

	return &MinioBackend{
		client:     client,
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func (b *MinioBackend) CreateNamespace(ctx context.Context, namespace string) error {
	return b.put(ctx, objectKey(b.pathPrefix, namespace, "")+"/", nil)
}

func (b *MinioBackend) Write(ctx context.Context, namespace string, entry *Entry) error {
	key := objectKey(b.pathPrefix, namespace, entry.Path)
	if entry.IsDir() {
		return b.put(ctx, key+"/", nil)
	}
	return b.put(ctx, key, entry.Data)
}

func (b *MinioBackend) put(ctx context.Context, key string, content []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (b *MinioBackend) Read(ctx context.Context, namespace, p string) (*Data, error) {
	base := objectKey(b.pathPrefix, namespace, "") + "/"
	p = Clean(p)

	if p != "" {
		content, err := b.get(ctx, base+p)
		if err == nil {
			return NewData(File(p, content)), nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	prefix := base
	if p != "" {
		prefix = base + p + "/"
	}
	objects := make(map[string][]byte)
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, base)
		if strings.HasSuffix(obj.Key, "/") {
			objects[rel] = nil
			continue
		}
		content, err := b.get(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		objects[rel] = content
	}
	return dataFromObjects(p, objects)
}

func (b *MinioBackend) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()
	content, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return content, nil
}

func (b *MinioBackend) Remove(ctx context.Context, namespace, p string) error {
	key := objectKey(b.pathPrefix, namespace, p)
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return b.removePrefix(ctx, key+"/")
}

func (b *MinioBackend) DeleteNamespace(ctx context.Context, namespace string) error {
	return b.removePrefix(ctx, objectKey(b.pathPrefix, namespace, "")+"/")
}

func (b *MinioBackend) removePrefix(ctx context.Context, prefix string) error {
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list objects: %w", obj.Err)
		}
		if err := b.client.RemoveObject(ctx, b.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove object: %w", err)
		}
	}
	return nil
}

var _ Backend = (*MinioBackend)(nil)
