package storage

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Client uploads finished export archives to an S3-compatible bucket.
type Client struct {
	mc     *minio.Client
	config Config
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 client: bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &Client{mc: mc, config: cfg}, nil
}

// EnsureBucket creates the configured bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	name := c.config.Bucket
	exists, err := c.mc.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", name, err)
	}
	if exists {
		return nil
	}
	region := c.config.Region
	if region == "" {
		region = "us-east-1"
	}
	if err := c.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	log.Printf("s3: created bucket %s", name)
	return nil
}

// ObjectKey maps a path relative to the export root to a bucket key.
func (c *Client) ObjectKey(rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if c.config.Prefix == "" {
		return rel
	}
	return path.Join(c.config.Prefix, rel)
}

// Upload copies the local file at filePath to key in the configured bucket.
func (c *Client) Upload(ctx context.Context, key, filePath string) error {
	info, err := c.mc.FPutObject(ctx, c.config.Bucket, key, filePath, minio.PutObjectOptions{
		ContentType: "application/x-tar",
	})
	if err != nil {
		return fmt.Errorf("upload %s to s3://%s/%s: %w", filePath, c.config.Bucket, key, err)
	}
	log.Printf("s3: uploaded s3://%s/%s (%d bytes)", c.config.Bucket, key, info.Size)
	return nil
}

func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.mc.BucketExists(ctx, c.config.Bucket)
	return err
}

func (c *Client) Endpoint() string {
	return c.config.Endpoint
}
