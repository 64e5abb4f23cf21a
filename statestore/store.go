// Package statestore persists parse-state checkpoints so a stream can resume
// from its last fully consumed byte after a restart. Two backends are
// provided: a local file store for single-node deployments and a JetStream
// key-value store for clustered ones.
package statestore

import "context"

// Store saves and loads the serialized parse state of a stream, keyed by
// stream name. Load returns errors.ErrStateNotFound when no checkpoint has
// been saved for the stream.
type Store interface {
	Save(ctx context.Context, stream string, blob []byte) error
	Load(ctx context.Context, stream string) ([]byte, error)
	Delete(ctx context.Context, stream string) error
}
