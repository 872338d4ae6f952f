package blobstore

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// StoreType selects the artifact backend
type StoreType string

const (
	StoreMemory StoreType = "memory"
	StoreLocal  StoreType = "local"
	StoreMinio  StoreType = "minio"
	StoreS3     StoreType = "s3"
)

// Config holds the object store settings
type Config struct {
	Type StoreType `yaml:"type"`
	// Path is the root directory of the local store
	Path      string `yaml:"path"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DefaultConfig stores artifacts under ./data/artifacts
func DefaultConfig() Config {
	return Config{
		Type:   StoreLocal,
		Path:   "./data/artifacts",
		Region: "us-east-1",
	}
}

// Validate checks that the selected backend has what it needs
func (c Config) Validate() error {
	switch c.Type {
	case StoreMemory:
	case StoreLocal:
		if c.Path == "" {
			return core.Validationf("blobstore path is required for the local store")
		}
	case StoreMinio:
		if c.Endpoint == "" || c.Bucket == "" {
			return core.Validationf("blobstore endpoint and bucket are required for minio")
		}
	case StoreS3:
		if c.Bucket == "" {
			return core.Validationf("blobstore bucket is required for s3")
		}
	default:
		return core.Validationf("unsupported blobstore type %q", c.Type)
	}
	return nil
}

// Open creates the configured store
func Open(ctx context.Context, cfg Config) (SigningStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case StoreMemory:
		return NewMemoryStore(), nil
	case StoreLocal:
		return NewLocalStore(cfg.Path)
	case StoreMinio:
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		store := NewMinioStore(client, cfg.Bucket, cfg.Prefix)
		if err := store.EnsureBucket(ctx, cfg.Region); err != nil {
			return nil, fmt.Errorf("failed to prepare bucket %s: %w", cfg.Bucket, err)
		}
		return store, nil
	case StoreS3:
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
		if cfg.AccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = &cfg.Endpoint
				o.UsePathStyle = true
			}
		})
		return NewS3Store(client, cfg.Bucket, cfg.Prefix), nil
	}
	return nil, core.Validationf("unsupported blobstore type %q", cfg.Type)
}
