// Package storage uploads comment images to object storage and hands out
// time-limited read URLs for them.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/config"
)

// MaxSignedURLTTL is the longest lifetime of a V4 signed URL.
const MaxSignedURLTTL = 7 * 24 * time.Hour

// ObjectStore is the object storage used for comment images.
type ObjectStore interface {
	// Upload writes data under key.
	Upload(ctx context.Context, key string, data []byte) error

	// SignedURL returns a read URL for key.
	SignedURL(ctx context.Context, key string) (string, error)

	// Close releases the client.
	Close() error
}

// GCSStore implements ObjectStore on Google Cloud Storage.
type GCSStore struct {
	client       *storage.Client
	bucket       string
	ttl          time.Duration
	emulatorHost string
	logger       *zap.Logger
}

// NewGCSStore creates a store for the configured bucket. When an emulator
// host is configured the client runs unauthenticated and URLs point at the
// emulator instead of being signed.
func NewGCSStore(cfg *config.Config, logger *zap.Logger) (ObjectStore, error) {
	if strings.TrimSpace(cfg.StorageBucket) == "" {
		return nil, fmt.Errorf("missing storage bucket")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	emulator := strings.TrimRight(strings.TrimSpace(cfg.StorageEmulatorHost), "/")
	var opts []option.ClientOption
	if emulator != "" {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", emulator)
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	ttl := cfg.SignedURLTTL
	if ttl <= 0 || ttl > MaxSignedURLTTL {
		ttl = MaxSignedURLTTL
	}

	logger.Info("Object storage initialized",
		zap.String("bucket", cfg.StorageBucket),
		zap.String("emulator_host", emulator),
		zap.Duration("signed_url_ttl", ttl),
	)

	return &GCSStore{
		client:       client,
		bucket:       cfg.StorageBucket,
		ttl:          ttl,
		emulatorHost: emulator,
		logger:       logger,
	}, nil
}

// Upload writes data under key. The context bounds the whole transfer.
func (s *GCSStore) Upload(ctx context.Context, key string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if ct := ContentTypeForKey(key); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// SignedURL returns a V4 signed GET URL for key.
func (s *GCSStore) SignedURL(ctx context.Context, key string) (string, error) {
	if s.emulatorHost != "" {
		return EmulatorURL(s.emulatorHost, s.bucket, key), nil
	}

	u, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(s.ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL: %w", err)
	}
	return u, nil
}

// Close closes the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// EmulatorURL is the media download URL of an object on a storage emulator.
func EmulatorURL(host, bucket, key string) string {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media",
		strings.TrimRight(host, "/"), url.PathEscape(bucket), url.PathEscape(key))
}

// ContentTypeForKey guesses the content type of an image from its key.
func ContentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(s, ".webp"):
		return "image/webp"
	case strings.HasSuffix(s, ".gif"):
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
