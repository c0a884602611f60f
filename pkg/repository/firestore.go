package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultFirestoreCollection = "vibe_blobs"

type firestoreBlob struct {
	Data      []byte    `firestore:"data"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// Firestore stores each blob as one document of a collection
type Firestore struct {
	client     *firestore.Client
	collection string
}

type FirestoreOption func(*Firestore)

func WithFirestoreCollection(name string) FirestoreOption {
	return func(f *Firestore) {
		f.collection = name
	}
}

// NewFirestore creates a Firestore repository for the given project and database
func NewFirestore(ctx context.Context, projectID, databaseID string, opts ...FirestoreOption) (*Firestore, error) {
	if projectID == "" {
		return nil, goerr.New("project ID is required")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	f := &Firestore{
		client:     client,
		collection: defaultFirestoreCollection,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Close closes the underlying client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) GetBlob(ctx context.Context, key string) ([]byte, error) {
	snap, err := f.client.Collection(f.collection).Doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get blob document", goerr.V("key", key))
	}

	var blob firestoreBlob
	if err := snap.DataTo(&blob); err != nil {
		return nil, goerr.Wrap(err, "failed to decode blob document", goerr.V("key", key))
	}
	return blob.Data, nil
}

func (f *Firestore) PutBlob(ctx context.Context, key string, data []byte) error {
	blob := firestoreBlob{
		Data:      data,
		UpdatedAt: time.Now(),
	}
	if _, err := f.client.Collection(f.collection).Doc(key).Set(ctx, blob); err != nil {
		return goerr.Wrap(err, "failed to set blob document", goerr.V("key", key))
	}
	return nil
}

func (f *Firestore) DeleteBlob(ctx context.Context, key string) error {
	if _, err := f.client.Collection(f.collection).Doc(key).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete blob document", goerr.V("key", key))
	}
	return nil
}
