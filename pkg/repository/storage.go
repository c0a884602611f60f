package repository

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/adapter"
)

// CloudStorage keeps each blob as an object under a prefix. An object upload is only
// committed when its writer closes, so a failed write leaves the previous object intact.
type CloudStorage struct {
	storage adapter.Storage
	prefix  string
}

// NewCloudStorage wraps a storage adapter. prefix is prepended to every object name.
func NewCloudStorage(st adapter.Storage, prefix string) *CloudStorage {
	return &CloudStorage{
		storage: st,
		prefix:  prefix,
	}
}

func (c *CloudStorage) object(key string) string {
	return c.prefix + key + ".json"
}

func (c *CloudStorage) GetBlob(ctx context.Context, key string) ([]byte, error) {
	reader, err := c.storage.Get(ctx, c.object(key))
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open blob object", goerr.V("key", key))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read blob object", goerr.V("key", key))
	}
	return data, nil
}

func (c *CloudStorage) PutBlob(ctx context.Context, key string, data []byte) error {
	writer, err := c.storage.Put(ctx, c.object(key))
	if err != nil {
		return goerr.Wrap(err, "failed to create storage writer", goerr.V("key", key))
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return goerr.Wrap(err, "failed to write blob object", goerr.V("key", key))
	}

	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage writer", goerr.V("key", key))
	}
	return nil
}

func (c *CloudStorage) DeleteBlob(ctx context.Context, key string) error {
	err := c.storage.Delete(ctx, c.object(key))
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return goerr.Wrap(err, "failed to delete blob object", goerr.V("key", key))
	}
	return nil
}
