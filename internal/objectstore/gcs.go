package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"querycheck/internal/domain"
)

// GCSStore is an ObjectStore backed by Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore creates a GCS client. An empty keyFile uses application
// default credentials.
func NewGCSStore(ctx context.Context, keyFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if keyFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, keyFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

// Get opens gs://bucket/key.
func (s *GCSStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, domain.ErrNotFound("object gs://%s/%s not found", bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get gs://%s/%s: %w", bucket, key, err)
	}
	return r, nil
}

// Put writes body to gs://bucket/key.
func (s *GCSStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("put gs://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// Close releases the client.
func (s *GCSStore) Close() error { return s.client.Close() }

var _ domain.ObjectStore = (*GCSStore)(nil)
