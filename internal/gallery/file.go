package gallery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// fileFormat is the on-disk layout of a gallery file.
type fileFormat struct {
	Templates []types.EnrolledTemplate `msgpack:"templates"`
}

// FileSource is a msgpack gallery file. Its version is the file's modification time.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (f *FileSource) Version(ctx context.Context) (Version, error) {
	fi, err := os.Stat(f.Path)
	if err != nil {
		return 0, fmt.Errorf("stat gallery file: %w", err)
	}
	return Version(fi.ModTime().UnixNano()), nil
}

func (f *FileSource) Load(ctx context.Context) ([]types.EnrolledTemplate, Version, error) {
	// Stat first: a write racing this read bumps the mtime and gets picked up next tick
	version, err := f.Version(ctx)
	if err != nil {
		return nil, 0, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, version, fmt.Errorf("read gallery file: %w", err)
	}
	var ff fileFormat
	if err := msgpack.Unmarshal(data, &ff); err != nil {
		return nil, version, fmt.Errorf("decode gallery file %s: %w", f.Path, err)
	}
	return ff.Templates, version, nil
}

// Save replaces the gallery file atomically (temp file + rename), so a concurrent
// Load sees either the old or the new content.
func (f *FileSource) Save(templates []types.EnrolledTemplate) error {
	data, err := msgpack.Marshal(fileFormat{Templates: templates})
	if err != nil {
		return fmt.Errorf("encode gallery: %w", err)
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create gallery dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".gallery-*")
	if err != nil {
		return fmt.Errorf("create temp gallery file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write gallery: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close gallery: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replace gallery file: %w", err)
	}
	return nil
}
