package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
)

const (
	PresignTTLDefault = 3600 * time.Second
	PresignTTLMin     = 300 * time.Second
	PresignTTLMax     = 86400 * time.Second
)

// ClampPresignTTL bounds a requested presign lifetime. Zero means default.
func ClampPresignTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return PresignTTLDefault
	}
	if ttl < PresignTTLMin {
		return PresignTTLMin
	}
	if ttl > PresignTTLMax {
		return PresignTTLMax
	}
	return ttl
}

// ObjectStore is the artifact byte store. Keys are opaque to callers; the
// store owns bucket placement and URL signing.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// PresignGet returns a time-limited GET URL for the key along with its
	// expiry instant. The TTL is clamped to [PresignTTLMin, PresignTTLMax].
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
	HealthCheck(ctx context.Context) error
}

type BucketConfig struct {
	Endpoint       string
	PublicEndpoint string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string
	UseSSL         bool
}

type bucketService struct {
	client       *minio.Client
	publicClient *minio.Client
	bucket       string
	log          *logger.Logger
}

// NewBucketService connects to S3-compatible storage and ensures the bucket
// exists. When PublicEndpoint is set, presigned URLs are signed against it so
// they resolve from outside the deployment network.
func NewBucketService(ctx context.Context, cfg BucketConfig, log *logger.Logger) (ObjectStore, error) {
	serviceLog := log.With("service", "BucketService")

	client, err := minio.New(trimScheme(cfg.Endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL || strings.HasPrefix(cfg.Endpoint, "https://"),
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	publicClient := client
	if cfg.PublicEndpoint != "" && cfg.PublicEndpoint != cfg.Endpoint {
		publicClient, err = minio.New(trimScheme(cfg.PublicEndpoint), &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: strings.HasPrefix(cfg.PublicEndpoint, "https://"),
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("create public s3 client: %w", err)
		}
	}

	svc := &bucketService{
		client:       client,
		publicClient: publicClient,
		bucket:       cfg.Bucket,
		log:          serviceLog,
	}
	if err := svc.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	serviceLog.Info("object store ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return svc, nil
}

func trimScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return endpoint
}

func (s *bucketService) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region})
	if err != nil {
		// lost a create race, tolerate it
		exists, exErr := s.client.BucketExists(ctx, s.bucket)
		if exErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %q: %w", s.bucket, err)
	}
	return nil
}

func (s *bucketService) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeInfraUnavailable, fmt.Errorf("put %q: %w", key, err))
	}
	return nil
}

func (s *bucketService) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInfraUnavailable, fmt.Errorf("get %q: %w", key, err))
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInfraUnavailable, fmt.Errorf("read %q: %w", key, err))
	}
	return data, nil
}

func (s *bucketService) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	ttl = ClampPresignTTL(ttl)
	u, err := s.publicClient.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.CodeInfraUnavailable, fmt.Errorf("presign %q: %w", key, err))
	}
	return u.String(), time.Now().UTC().Add(ttl), nil
}

func (s *bucketService) HealthCheck(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return apperr.Wrap(apperr.CodeInfraUnavailable, err)
	}
	return nil
}

// MemoryObjectStore holds objects in process memory. It backs tests and the
// no-infrastructure dev mode.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: map[string][]byte{}}
}

func (s *MemoryObjectStore) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return nil
}

func (s *MemoryObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "object %q not found", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryObjectStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	ttl = ClampPresignTTL(ttl)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[key]; !ok {
		return "", time.Time{}, apperr.Newf(apperr.CodeNotFound, "object %q not found", key)
	}
	expires := time.Now().UTC().Add(ttl)
	u := fmt.Sprintf("memory://local/%s?expires=%d", key, expires.Unix())
	return u, expires, nil
}

func (s *MemoryObjectStore) HealthCheck(context.Context) error { return nil }

// Keys lists stored keys sorted, for assertions in tests.
func (s *MemoryObjectStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
