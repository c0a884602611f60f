package repository

import (
	"context"
)

const (
	// KeyHistory holds the JSON array of objection records, newest first
	KeyHistory = "history"
	// KeyCredential holds the opaque API credential string
	KeyCredential = "credential"
)

// Repository persists opaque blobs by key. Every Put replaces the whole blob in a
// single write so a reader never observes a partially written value.
type Repository interface {
	// GetBlob returns the stored blob. It returns nil and no error if the key does not exist.
	GetBlob(ctx context.Context, key string) ([]byte, error)

	// PutBlob stores data under key, replacing any previous value
	PutBlob(ctx context.Context, key string, data []byte) error

	// DeleteBlob removes key. Deleting a missing key is not an error.
	DeleteBlob(ctx context.Context, key string) error
}
