// Package persist provides the stable storage backends for the revision store.
// Each backend keeps the whole serialized graph as one document and replaces
// it atomically on every save.
package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// File stores the document in a single file.
type File struct {
	fs   afero.Fs
	path string
}

// NewFile returns a file backend on fs. A nil fs means the OS filesystem.
func NewFile(fs afero.Fs, path string) (*File, error) {
	if path == "" {
		return nil, errors.New("file path is required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &File{fs: fs, path: path}, nil
}

func (f *File) Load(ctx context.Context) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return data, nil
}

// Store writes a temp file next to the target, syncs it, then renames it over
// the target so readers never see a partial document.
func (f *File) Store(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(f.fs, dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = f.fs.Remove(name)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := f.fs.Rename(name, f.path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	committed = true
	return nil
}
