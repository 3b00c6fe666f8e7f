package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/unisearch/reqcache/pkg/errors"
	"github.com/unisearch/reqcache/pkg/types"
)

// Config represents S3 store configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// API is the subset of the S3 client the store uses
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Store implements types.Storage on S3 objects
type Store struct {
	client  API
	bucket  string
	prefix  string
	quota   int64
	timeout time.Duration
	logger  *slog.Logger

	// sizes mirrors object sizes under prefix so the quota can be enforced
	// without listing on every write.
	mu    sync.Mutex
	sizes map[string]int64
	bytes int64
}

var _ types.Storage = (*Store)(nil)

// New creates an S3 client from cfg and opens the store.
func New(ctx context.Context, cfg Config, quota int64, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.MaxRetries > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return NewWithClient(ctx, client, cfg, quota, logger)
}

// NewWithClient opens the store on an existing client. It lists the prefix
// once to learn current usage, which doubles as a connectivity check.
func NewWithClient(ctx context.Context, client API, cfg Config, quota int64, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		quota:   quota,
		timeout: cfg.RequestTimeout,
		logger:  logger.With("component", "s3-store", "bucket", cfg.Bucket),
		sizes:   make(map[string]int64),
	}

	objects, err := s.list(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("S3 store health check failed: %w", err)
	}
	for _, obj := range objects {
		s.sizes[obj.key] = obj.size
		s.bytes += obj.size
	}
	s.logger.Info("S3 store opened", "prefix", cfg.Prefix, "objects", len(objects), "bytes", s.bytes)
	return s, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// GetItem downloads key
func (s *Store) GetItem(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if stderr.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(errors.ErrCodeStorageRead, "S3 GetObject failed", err).
			WithComponent("s3-store").WithContext("key", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrCodeStorageRead, "failed to read object body", err).
			WithComponent("s3-store").WithContext("key", key)
	}
	return data, true, nil
}

// SetItem uploads key, enforcing the configured quota
func (s *Store) SetItem(ctx context.Context, key string, value []byte) error {
	size := int64(len(value))

	s.mu.Lock()
	delta := size - s.sizes[key]
	if s.quota > 0 && s.bytes+delta > s.quota {
		need := s.bytes + delta
		s.mu.Unlock()
		return errors.NewError(errors.ErrCodeQuotaExceeded, "storage quota exceeded").
			WithComponent("s3-store").
			WithContext("key", key).
			WithDetail("required_bytes", need).
			WithDetail("quota_bytes", s.quota)
	}
	s.mu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + key),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "S3 PutObject failed", err).
			WithComponent("s3-store").WithContext("key", key)
	}

	s.mu.Lock()
	s.bytes += size - s.sizes[key]
	s.sizes[key] = size
	s.mu.Unlock()
	return nil
}

// RemoveItem deletes key; S3 deletes are already idempotent
func (s *Store) RemoveItem(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "S3 DeleteObject failed", err).
			WithComponent("s3-store").WithContext("key", key)
	}

	s.mu.Lock()
	s.bytes -= s.sizes[key]
	delete(s.sizes, key)
	s.mu.Unlock()
	return nil
}

// Keys lists keys under prefix
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	objects, err := s.list(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "S3 ListObjectsV2 failed", err).
			WithComponent("s3-store")
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.key)
	}
	return keys, nil
}

// Usage reports tracked bytes against the quota
func (s *Store) Usage(_ context.Context) (types.StorageUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.StorageUsage{Bytes: s.bytes, Quota: s.quota}, nil
}

type object struct {
	key  string
	size int64
}

func (s *Store) list(ctx context.Context, prefix string) ([]object, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + prefix),
	})

	var objects []object
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, object{
				key:  strings.TrimPrefix(aws.ToString(obj.Key), s.prefix),
				size: aws.ToInt64(obj.Size),
			})
		}
	}
	return objects, nil
}
