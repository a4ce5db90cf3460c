package storage

import (
	"context"
	"net/url"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// FileStore keeps one file per key under a directory.
// Writes go to a temporary file that is renamed into place, so a crash mid-save
// leaves the previous value intact.
type FileStore struct {
	fs  afero.Fs
	dir string
}

// NewFileStore creates dir if needed. A nil fs means the OS filesystem.
func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "failed to create storage directory %s", dir)
	}
	return &FileStore{fs: fs, dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+".json")
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "failed to read %s", key)
	}
	return data, nil
}

func (f *FileStore) Set(_ context.Context, key string, value []byte) error {
	target := f.path(key)
	tmp := target + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, value, 0o640); err != nil {
		return errors.Wrapf(err, "failed to write %s", key)
	}
	if err := f.fs.Rename(tmp, target); err != nil {
		_ = f.fs.Remove(tmp)
		return errors.Wrapf(err, "failed to move %s into place", key)
	}
	return nil
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	if err := f.fs.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete %s", key)
	}
	return nil
}
