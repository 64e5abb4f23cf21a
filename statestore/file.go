package statestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/oceanstream/errors"
)

// FileStore keeps one JSON checkpoint file per stream under a base directory.
// Writes go through a temp file and rename so a crash mid-write never leaves
// a truncated checkpoint behind.
type FileStore struct {
	dir string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "FileStore", "NewFileStore", "directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "FileStore", "NewFileStore", "create state directory")
	}
	return &FileStore{dir: dir}, nil
}

// path maps a stream name to its checkpoint file, flattening path separators
// so stream names cannot escape the base directory.
func (fs *FileStore) path(stream string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(stream)
	return filepath.Join(fs.dir, safe+".json")
}

// Save atomically replaces the stream's checkpoint.
func (fs *FileStore) Save(_ context.Context, stream string, blob []byte) error {
	if stream == "" {
		return errors.WrapInvalid(fmt.Errorf("empty stream name"), "FileStore", "Save", "validate stream")
	}

	target := fs.path(stream)
	tmp, err := os.CreateTemp(fs.dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return errors.WrapTransient(err, "FileStore", "Save", "create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapTransient(err, "FileStore", "Save", "write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapTransient(err, "FileStore", "Save", "sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WrapTransient(err, "FileStore", "Save", "close temp file")
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return errors.WrapTransient(err, "FileStore", "Save", "rename checkpoint")
	}
	return nil
}

// Load reads the stream's checkpoint.
func (fs *FileStore) Load(_ context.Context, stream string) ([]byte, error) {
	blob, err := os.ReadFile(fs.path(stream))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrStateNotFound
		}
		return nil, errors.WrapTransient(err, "FileStore", "Load", "read checkpoint")
	}
	return blob, nil
}

// Delete removes the stream's checkpoint. Deleting a missing checkpoint is
// not an error.
func (fs *FileStore) Delete(_ context.Context, stream string) error {
	err := os.Remove(fs.path(stream))
	if err != nil && !os.IsNotExist(err) {
		return errors.WrapTransient(err, "FileStore", "Delete", "remove checkpoint")
	}
	return nil
}
