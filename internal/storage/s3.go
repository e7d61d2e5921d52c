package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend stores namespaces as key prefixes in an S3 bucket. Directories
// are zero-length marker objects whose key ends in "/".
type S3Backend struct {
	client     *s3.Client
	bucket     string
	pathPrefix string
}

// S3Config holds S3 connection configuration.
type S3Config struct {
	// Endpoint for S3-compatible stores (e.g., "minio.mentatlab.svc:9000")
	// Leave empty for AWS S3
	Endpoint string

	// Bucket name
	Bucket string

	// Region (required for AWS S3)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS for a custom endpoint
	UseSSL bool

	// PathPrefix is prepended to all namespaces
	PathPrefix string
}

// NewS3Backend creates a new S3 backend.
func NewS3Backend(cfg *S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	// Add credentials
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)

		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Backend{
		client:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

func (b *S3Backend) CreateNamespace(ctx context.Context, namespace string) error {
	return b.put(ctx, objectKey(b.pathPrefix, namespace, "")+"/", nil)
}

func (b *S3Backend) Write(ctx context.Context, namespace string, entry *Entry) error {
	key := objectKey(b.pathPrefix, namespace, entry.Path)
	if entry.IsDir() {
		return b.put(ctx, key+"/", nil)
	}
	return b.put(ctx, key, entry.Data)
}

func (b *S3Backend) put(ctx context.Context, key string, content []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentType:   aws.String("application/octet-stream"),
		ContentLength: aws.Int64(int64(len(content))),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (b *S3Backend) Read(ctx context.Context, namespace, p string) (*Data, error) {
	base := objectKey(b.pathPrefix, namespace, "") + "/"
	p = Clean(p)

	// A single file is fetched directly.
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
	keys, err := b.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	objects := make(map[string][]byte, len(keys))
	for _, key := range keys {
		rel := strings.TrimPrefix(key, base)
		if strings.HasSuffix(key, "/") {
			objects[rel] = nil
			continue
		}
		content, err := b.get(ctx, key)
		if err != nil {
			return nil, err
		}
		objects[rel] = content
	}
	return dataFromObjects(p, objects)
}

func (b *S3Backend) get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}

func (b *S3Backend) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *S3Backend) Remove(ctx context.Context, namespace, p string) error {
	key := objectKey(b.pathPrefix, namespace, p)
	if err := b.delete(ctx, key); err != nil {
		return err
	}
	return b.deletePrefix(ctx, key+"/")
}

func (b *S3Backend) DeleteNamespace(ctx context.Context, namespace string) error {
	return b.deletePrefix(ctx, objectKey(b.pathPrefix, namespace, "")+"/")
}

func (b *S3Backend) deletePrefix(ctx context.Context, prefix string) error {
	keys, err := b.list(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := b.delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *S3Backend) delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

var _ Backend = (*S3Backend)(nil)
