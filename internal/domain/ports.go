package domain

import (
	"context"
	"io"
)

// ObjectStore reads audit-log objects and writes report objects.
// Implemented by objectstore.S3Store, GCSStore, AzureStore and LocalStore.
type ObjectStore interface {
	// Get opens the object for reading. A missing object yields *NotFoundError.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

// Message is one work-item delivery from a WorkItemSource.
type Message struct {
	ID      string
	Body    []byte
	Receipt string
}

// WorkItemSource delivers serialized WorkItems. Delivery is at-least-once;
// a message is only removed from the source once it is acknowledged.
// Implemented by awsstore.SQSSource and checker.StaticSource.
type WorkItemSource interface {
	Receive(ctx context.Context) ([]Message, error)
	Ack(ctx context.Context, m Message) error
}

// SecretsProvider resolves target database credentials by secret id.
// Implemented by awsstore.SecretsManagerProvider and secrets.EnvProvider.
type SecretsProvider interface {
	GetCredentials(ctx context.Context, secretID string) (*Credentials, error)
}
