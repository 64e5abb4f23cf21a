package statestore

import (
	"context"
	stderrors "errors"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/natsclient"
)

// DefaultBucket is the KV bucket checkpoints live in unless configured
// otherwise.
const DefaultBucket = "oceanstream-parse-state"

// KVStore persists checkpoints in a JetStream key-value bucket so every node
// in a cluster sees the same parse state.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore creates (or reuses) the bucket on the given client. History is
// kept so a bad checkpoint can be inspected after the fact.
func NewKVStore(ctx context.Context, client *natsclient.Client, bucketName string) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "KVStore", "NewKVStore", "client required")
	}
	if bucketName == "" {
		bucketName = DefaultBucket
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "parse state checkpoints",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "NewKVStore", "create bucket")
	}
	return &KVStore{bucket: bucket}, nil
}

// Save writes the stream's checkpoint.
func (kv *KVStore) Save(ctx context.Context, stream string, blob []byte) error {
	if _, err := kv.bucket.Put(ctx, stream, blob); err != nil {
		return errors.WrapTransient(err, "KVStore", "Save", "put checkpoint")
	}
	return nil
}

// Load reads the stream's checkpoint.
func (kv *KVStore) Load(ctx context.Context, stream string) ([]byte, error) {
	entry, err := kv.bucket.Get(ctx, stream)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.ErrStateNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "Load", "get checkpoint")
	}
	return entry.Value(), nil
}

// Delete removes the stream's checkpoint.
func (kv *KVStore) Delete(ctx context.Context, stream string) error {
	if err := kv.bucket.Delete(ctx, stream); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "KVStore", "Delete", "delete checkpoint")
	}
	return nil
}
