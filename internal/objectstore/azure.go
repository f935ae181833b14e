package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"querycheck/internal/domain"
)

// AzureStore is an ObjectStore backed by Azure Blob Storage. Buckets map
// to containers.
type AzureStore struct {
	client *azblob.Client
}

// NewAzureStore creates an AzureStore from a storage account connection string.
func NewAzureStore(connectionString string) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzureStore{client: client}, nil
}

// Get opens the blob container/key.
func (s *AzureStore) Get(ctx context.Context, container, key string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return nil, domain.ErrNotFound("blob %s/%s not found", container, key)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", container, key, err)
	}
	return resp.Body, nil
}

// Put uploads body as a block blob.
func (s *AzureStore) Put(ctx context.Context, container, key string, body []byte, contentType string) error {
	_, err := s.client.UploadBuffer(ctx, container, key, body, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", container, key, err)
	}
	return nil
}

var _ domain.ObjectStore = (*AzureStore)(nil)
