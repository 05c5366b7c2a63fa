package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	objectsPut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_objstore_puts_total",
		Help: "Total object uploads by bucket and result",
	}, []string{"bucket", "result"})

	bytesPut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_objstore_bytes_total",
		Help: "Total bytes uploaded by bucket",
	}, []string{"bucket"})
)

// Config holds the S3 endpoint and credentials.
type Config struct {
	// Endpoint is host:port or a URL; an https scheme enables TLS.
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MinioStore is a Store backed by one bucket.
type MinioStore struct {
	client *minio.Client
	config Config
	logger zerolog.Logger
}

// NewMinio creates the client. It does not contact the endpoint; call
// EnsureBucket for that.
func NewMinio(cfg Config, logger zerolog.Logger) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("objstore: endpoint and bucket are required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("objstore: credentials are required")
	}

	endpoint, secure := cfg.Endpoint, cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = secure || u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: create client: %w", err)
	}
	return &MinioStore{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "objstore").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.config.Bucket)
	if err != nil {
		return fmt.Errorf("objstore: bucket %s: %w", s.config.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.config.Bucket, minio.MakeBucketOptions{Region: s.config.Region}); err != nil {
		return fmt.Errorf("objstore: create bucket %s: %w", s.config.Bucket, err)
	}
	s.logger.Info().Msg("Bucket created")
	return nil
}

// Put uploads data under key.
func (s *MinioStore) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	_, err := s.client.PutObject(ctx, s.config.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return s.observe(key, int64(len(data)), err)
}

// PutFile uploads the file at path under key.
func (s *MinioStore) PutFile(ctx context.Context, key, path string) error {
	if key == "" {
		return ErrInvalidKey
	}
	info, err := s.client.FPutObject(ctx, s.config.Bucket, key, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return s.observe(key, info.Size, err)
}

func (s *MinioStore) observe(key string, size int64, err error) error {
	if err != nil {
		objectsPut.WithLabelValues(s.config.Bucket, "error").Inc()
		return fmt.Errorf("objstore: put %s: %w", key, err)
	}
	objectsPut.WithLabelValues(s.config.Bucket, "ok").Inc()
	bytesPut.WithLabelValues(s.config.Bucket).Add(float64(size))
	s.logger.Debug().Str("key", key).Int64("bytes", size).Msg("Object stored")
	return nil
}

// Get downloads the object under key.
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.config.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.classify(key, err)
	}
	return data, nil
}

// List returns the keys under prefix.
func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.config.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("objstore: list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *MinioStore) classify(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("objstore: get %s: %w", key, err)
}
