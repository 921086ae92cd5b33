// Package local archives snapshots to a directory on disk as
// frame_<millis>.jpg with a frame_<millis>.json record next to it.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrWong99/terrarover/pkg/archive"
)

// Store writes snapshots under Dir.
type Store struct {
	dir string
}

// Compile-time interface check.
var _ archive.Store = (*Store)(nil)

// New creates the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("local archive: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local archive: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Save implements archive.Store. The image is written to a temp file and
// renamed so readers never see a partial JPEG.
func (s *Store) Save(ctx context.Context, snap archive.Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	base := archive.BaseName(snap.Record.AnsweredAt)
	img := filepath.Join(s.dir, base+".jpg")

	if err := writeAtomic(img, snap.JPEG); err != nil {
		return "", fmt.Errorf("local archive: %w", err)
	}
	meta, err := archive.Sidecar(snap.Record)
	if err != nil {
		return img, err
	}
	if err := writeAtomic(filepath.Join(s.dir, base+".json"), meta); err != nil {
		return img, fmt.Errorf("local archive: %w", err)
	}
	return img, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
