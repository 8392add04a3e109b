package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// S3Config addresses an S3-compatible bucket. Credentials come from the
// environment or a secret store, never from source.
type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
	// PathStyle selects bucket-in-path addressing instead of virtual hosts.
	PathStyle bool
	// PublicBaseURL overrides the derived bucket URL, e.g. a CDN domain.
	PublicBaseURL string
	// ACL is sent as x-amz-acl on every put when set.
	ACL string
	// Timeout bounds each network call; 0 disables it.
	Timeout time.Duration
}

// BaseURL returns PublicBaseURL or the URL derived from endpoint, bucket and
// addressing style.
func (c S3Config) BaseURL() string {
	if c.PublicBaseURL != "" {
		return strings.TrimRight(c.PublicBaseURL, "/")
	}
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	endpoint := strings.TrimRight(c.Endpoint, "/")
	if c.PathStyle {
		return fmt.Sprintf("%s://%s/%s", scheme, endpoint, c.Bucket)
	}
	return fmt.Sprintf("%s://%s.%s", scheme, c.Bucket, endpoint)
}

func (c S3Config) validate() error {
	var missing []string
	if c.Endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if c.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return fmt.Errorf("s3 config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

type S3Store struct {
	client *minio.Client
	cfg    S3Config
	urls   URLBuilder
	logger *zap.Logger
}

// NewS3Store builds a client and verifies that the bucket is reachable with
// the given credentials.
func NewS3Store(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	lookup := minio.BucketLookupDNS
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	s := &S3Store{
		client: client,
		cfg:    cfg,
		urls:   URLBuilder{Base: cfg.BaseURL()},
		logger: logger,
	}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	logger.Info("connected to object store",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket),
		zap.Bool("path_style", cfg.PathStyle),
	)
	return s, nil
}

func (s *S3Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

// Ping checks that the bucket exists.
func (s *S3Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.cfg.Bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.cfg.Bucket)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, mimeType string) (StoredObject, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := minio.PutObjectOptions{ContentType: mimeType}
	if s.cfg.ACL != "" {
		opts.UserMetadata = map[string]string{"x-amz-acl": s.cfg.ACL}
	}

	info, err := s.client.PutObject(ctx, s.cfg.Bucket, key, body, size, opts)
	if err != nil {
		return StoredObject{}, wrapErr(ErrWrite, "put", key, err)
	}

	return StoredObject{
		Key:       key,
		Size:      info.Size,
		MimeType:  mimeType,
		PublicURL: s.urls.PublicURL(key),
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, wrapErr(ErrDelete, "stat", key, err)
	}

	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, wrapErr(ErrDelete, "delete", key, err)
	}
	return true, nil
}

func (s *S3Store) PublicURL(key string) string {
	return s.urls.PublicURL(key)
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
